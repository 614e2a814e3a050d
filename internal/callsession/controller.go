// Package callsession owns the authoritative call and registration state of the phone.
// Engine events, native telephony actions, timer ticks and user commands are all
// funneled onto one loop goroutine before they touch that state.
package callsession

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dense-identity/softphone/internal/calltimer"
	"github.com/dense-identity/softphone/internal/engine"
	"github.com/dense-identity/softphone/internal/phonestate"
	"github.com/frostbyte73/core"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPumpInterval     = 20 * time.Millisecond
	DefaultDurationInterval = time.Second
)

// Controller is the call session state machine.
type Controller struct {
	eng      engine.Engine
	tel      Telephony
	delegate Delegate
	audio    AudioRoute
	recorder Recorder
	now      func() time.Time

	pumpInterval     time.Duration
	durationInterval time.Duration

	surface *phonestate.Surface

	// Loop-owned state. Never touched outside the loop goroutine.
	ctx        context.Context
	core       engine.Core
	identity   engine.Identity
	pendingReg *registrationRequest
	session    *session
	terminated *terminatedSet
	tracker    *calltimer.Tracker
	micMuted   bool
	stopping   bool

	opsMu    sync.Mutex
	ops      []func()
	finished bool
	wake     chan struct{}

	running atomic.Bool
	closed  core.Fuse
	done    chan struct{}
}

// New builds a controller around an engine. Nothing runs until Run is called.
func New(eng engine.Engine, opts ...Option) *Controller {
	c := &Controller{
		eng:              eng,
		tel:              nopTelephony{},
		now:              time.Now,
		pumpInterval:     DefaultPumpInterval,
		durationInterval: DefaultDurationInterval,
		surface:          phonestate.New(),
		ctx:              context.Background(),
		terminated:       newTerminatedSet(32),
		tracker:          calltimer.New(),
		wake:             make(chan struct{}, 1),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the observable state surface.
func (c *Controller) State() *phonestate.Surface {
	return c.surface
}

// Run is the controller's serialization point. It returns when ctx is done or Close is called.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)
	c.ctx = ctx

	pump := time.NewTicker(c.pumpInterval)
	defer pump.Stop()

	var durTicker *time.Ticker
	var durC <-chan time.Time
	defer func() {
		if durTicker != nil {
			durTicker.Stop()
		}
	}()

	log.Printf("[Controller] Loop started (pump=%s)", c.pumpInterval)
	for {
		switch running := c.tracker.Running(); {
		case running && durTicker == nil:
			durTicker = time.NewTicker(c.durationInterval)
			durC = durTicker.C
		case !running && durTicker != nil:
			durTicker.Stop()
			durTicker, durC = nil, nil
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-c.closed.Watch():
			c.shutdown()
			return nil
		case <-c.wake:
			c.drainOps()
		case <-pump.C:
			c.pump()
		case <-durC:
			c.handleDurationTick()
		}
	}
}

// Close stops the loop. Any live call is terminated and the engine is closed.
func (c *Controller) Close() {
	c.closed.Break()
}

// Account returns the address of the last identity passed to Register, or "" if none.
func (c *Controller) Account() string {
	ch := make(chan string, 1)
	if !c.post(func() {
		if c.identity.Username == "" {
			ch <- ""
			return
		}
		ch <- c.identity.Address()
	}) {
		return ""
	}
	select {
	case a := <-ch:
		return a
	case <-c.done:
		return ""
	}
}

// Done is closed once Run has returned.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Sync blocks until every operation queued before it has been applied.
// It returns immediately once the loop has stopped.
func (c *Controller) Sync() {
	ch := make(chan struct{})
	if !c.post(func() { close(ch) }) {
		return
	}
	select {
	case <-ch:
	case <-c.done:
	}
}

// post queues fn for the loop. It reports false once the loop has finished.
func (c *Controller) post(fn func()) bool {
	c.opsMu.Lock()
	if c.finished {
		c.opsMu.Unlock()
		return false
	}
	c.ops = append(c.ops, fn)
	c.opsMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Controller) drainOps() {
	for {
		c.opsMu.Lock()
		batch := c.ops
		c.ops = nil
		c.opsMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for i, fn := range batch {
			if c.closed.IsBroken() || c.ctx.Err() != nil {
				// Left for shutdown, which resolves them with the engine gone.
				c.requeue(batch[i:])
				return
			}
			fn()
		}
	}
}

func (c *Controller) requeue(batch []func()) {
	c.opsMu.Lock()
	c.ops = append(batch, c.ops...)
	c.opsMu.Unlock()
}

func (c *Controller) shutdown() {
	log.Printf("[Controller] Shutting down...")
	c.stopping = true

	if s := c.session; s != nil {
		if c.core != nil && !s.hangupSent {
			if err := c.core.Terminate(s.handle); err != nil {
				log.Printf("[Controller] Terminate on shutdown failed for %s: %v", s.handle, err)
			}
		}
		c.endSession(s, engine.CallEnd, "shutdown")
	}
	c.resolveRegistration(false, ErrClosed)

	if c.core != nil {
		if err := c.core.Close(); err != nil {
			log.Printf("[Controller] Engine close failed: %v", err)
		}
		c.core = nil
	}

	// Run whatever is still queued with the engine gone so every completion handler fires.
	for {
		c.opsMu.Lock()
		batch := c.ops
		c.ops = nil
		if len(batch) == 0 {
			c.finished = true
			c.opsMu.Unlock()
			break
		}
		c.opsMu.Unlock()
		for _, fn := range batch {
			fn()
		}
	}

	c.setRegistration(phonestate.Unregistered, "")
}

// StartEngine starts the engine once. done may be nil.
func (c *Controller) StartEngine(done func(error)) {
	if !c.post(func() { finish(done, c.startEngine()) }) {
		finish(done, ErrClosed)
	}
}

func (c *Controller) startEngine() error {
	if c.stopping {
		return ErrClosed
	}
	if c.core != nil {
		return nil
	}
	coreHandle, err := c.eng.Start(c.ctx, engine.Handlers{
		OnRegistration: c.handleRegistrationEvent,
		OnCall:         c.handleCallEvent,
	})
	if err != nil {
		log.Printf("[Controller] Engine start failed: %v", err)
		return err
	}
	c.core = coreHandle
	log.Printf("[Controller] Engine started, listening for events")
	return nil
}

// Register starts registering username@domain. done fires exactly once.
func (c *Controller) Register(username, password, domain string, done RegisterFunc) {
	id := engine.Identity{Username: username, Domain: domain}
	if !c.post(func() { c.register(id, password, done) }) && done != nil {
		done(false, ErrClosed)
	}
}

// Call places an outgoing call. done may be nil and fires once the invite was issued or refused.
func (c *Controller) Call(target string, done func(error)) {
	if !c.post(func() { finish(done, c.placeCall(target)) }) {
		finish(done, ErrClosed)
	}
}

// HangUp terminates the current call. It is a no-op without a call.
func (c *Controller) HangUp() {
	c.post(c.hangUp)
}

// AcceptIncoming answers the ringing incoming call.
func (c *Controller) AcceptIncoming() {
	c.post(c.acceptIncoming)
}

// ResetCall handles the native telephony subsystem dropping all of its state.
func (c *Controller) ResetCall() {
	c.post(c.resetCall)
}

// SetMute mutes or unmutes the microphone. The setting carries over to later calls.
func (c *Controller) SetMute(muted bool) {
	c.post(func() { c.setMute(muted) })
}

// SetSpeaker routes audio to the loudspeaker.
func (c *Controller) SetSpeaker(on bool) {
	c.post(func() { c.setSpeaker(on) })
}

// Pump asks the loop to pump the engine now, in addition to the periodic pump.
func (c *Controller) Pump() {
	c.post(c.pump)
}

func (c *Controller) pump() {
	if c.core != nil {
		c.core.Pump()
	}
}

func (c *Controller) setMute(muted bool) {
	c.micMuted = muted
	if s := c.session; s != nil && c.core != nil {
		if err := c.core.SetMicMuted(s.handle, muted); err != nil {
			log.Printf("[Controller] Mute failed for %s: %v", s.handle, err)
		} else {
			s.muted = muted
		}
	}
	c.surface.Update(func(snap *phonestate.Snapshot) { snap.MicMuted = muted })
}

func (c *Controller) setSpeaker(on bool) {
	if c.audio != nil {
		if err := c.audio.SetSpeaker(on); err != nil {
			log.Printf("[Controller] Speaker toggle error: %v", err)
			return
		}
	}
	c.surface.Update(func(snap *phonestate.Snapshot) { snap.SpeakerOn = on })
}

func (c *Controller) handleDurationTick() {
	if c.session == nil || !c.tracker.Running() {
		return
	}
	d := c.tracker.Tick(c.now())
	c.surface.Update(func(snap *phonestate.Snapshot) { snap.Duration = d })
}

func finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}
