package baresip

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dense-identity/softphone/internal/engine"
	log "github.com/sirupsen/logrus"
)

// Config for the baresip engine.
type Config struct {
	Addr           string
	CommandTimeout time.Duration
}

// Engine implements engine.Engine on top of a running baresip.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Start(ctx context.Context, h engine.Handlers) (engine.Core, error) {
	if strings.TrimSpace(e.cfg.Addr) == "" {
		return nil, &engine.InitError{Detail: "baresip ctrl_tcp address is empty"}
	}

	c := newCore(h)
	client, err := Dial(ctx, e.cfg.Addr, e.cfg.CommandTimeout, c.handleEvent, c.handleDisconnect)
	if err != nil {
		return nil, &engine.InitError{Detail: "baresip unreachable", Err: err}
	}
	c.cmd = client
	c.closeConn = client.Close
	go c.worker()
	return c, nil
}

type commander interface {
	Command(cmd, params string) (*Response, error)
}

// call tracks one baresip call. Outgoing calls get a handle before baresip assigns an id.
type call struct {
	handle       engine.CallHandle
	id           string
	dir          engine.Direction
	peer         string
	muted        bool
	hangupQueued bool
}

type core struct {
	handlers  engine.Handlers
	queue     engine.EventQueue
	cmd       commander
	closeConn func() error

	mu       sync.Mutex
	next     int
	aor      string
	account  string
	// Set while the previous binding of the same account is being removed.
	replacing bool
	byHandle map[engine.CallHandle]*call
	byID     map[string]*call
	// Dialed calls waiting for their baresip id, FIFO per peer.
	pendingByPeer map[string][]*call

	jobsMu sync.Mutex
	jobs   []func()
	wake   chan struct{}
	quit   chan struct{}
	once   sync.Once
}

func newCore(h engine.Handlers) *core {
	return &core{
		handlers:      h,
		byHandle:      make(map[engine.CallHandle]*call),
		byID:          make(map[string]*call),
		pendingByPeer: make(map[string][]*call),
		wake:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
	}
}

// worker sends commands one at a time in submission order.
func (c *core) worker() {
	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		}
		for {
			c.jobsMu.Lock()
			batch := c.jobs
			c.jobs = nil
			c.jobsMu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, job := range batch {
				job()
			}
		}
	}
}

func (c *core) enqueue(job func()) {
	c.jobsMu.Lock()
	c.jobs = append(c.jobs, job)
	c.jobsMu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// send runs a command and turns a negative response into an error.
func (c *core) send(cmd, params string) error {
	resp, err := c.cmd.Command(cmd, params)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s rejected: %s", cmd, strings.TrimSpace(resp.Data))
	}
	return nil
}

func (c *core) Register(id engine.Identity, secret string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if strings.ContainsAny(secret, "; \t\r\n<>") {
		return fmt.Errorf("%w: password contains characters baresip cannot carry", engine.ErrProxyConfig)
	}

	aor := fmt.Sprintf("<%s>", id.Address())
	params := aor
	if secret != "" {
		params += ";auth_pass=" + secret
	}

	c.mu.Lock()
	prev := c.aor
	c.aor = aor
	c.account = id.Address()
	c.replacing = prev == aor
	c.queue.DropRegistrations()
	c.queue.PushRegistration(engine.RegistrationEvent{Account: c.account, State: engine.RegistrationProgress})
	c.mu.Unlock()

	c.enqueue(func() {
		if prev != "" {
			if err := c.send("uadel", prev); err != nil {
				log.Printf("[Baresip] Failed to remove %s: %v", prev, err)
			}
		}
		if err := c.send("uanew", params); err != nil {
			log.Printf("[Baresip] Failed to add %s: %v", aor, err)
			c.pushRegistration(id.Address(), engine.RegistrationFailed, err.Error())
		}
	})
	return nil
}

// pushRegistration queues a registration event unless account was replaced meanwhile.
func (c *core) pushRegistration(account string, state engine.RegistrationState, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if account != "" && peerKey(account) != peerKey(c.account) {
		log.Debugf("[Baresip] Ignoring %s for replaced account %s", state, account)
		return
	}
	c.queue.PushRegistration(engine.RegistrationEvent{Account: c.account, State: state, Message: msg})
}

var registrationStates = map[EventType]engine.RegistrationState{
	EventRegisterOK:    engine.RegistrationOk,
	EventRegisterFail:  engine.RegistrationFailed,
	EventUnregistering: engine.RegistrationCleared,
}

// handleRegistration forwards registration events that belong to the current account.
func (c *core) handleRegistration(ev Event) {
	c.mu.Lock()
	if c.replacing && peerKey(ev.AccountAOR) == peerKey(c.account) {
		if ev.Type == EventUnregistering {
			// uadel of the old binding, the new one is still coming.
			c.mu.Unlock()
			return
		}
		c.replacing = false
	}
	c.mu.Unlock()
	c.pushRegistration(ev.AccountAOR, registrationStates[ev.Type], ev.Param)
}

func (c *core) Invite(target string) (engine.CallHandle, error) {
	target = strings.TrimSpace(target)
	if target == "" || strings.ContainsAny(target, " \t\r\n") {
		return "", fmt.Errorf("%w: malformed target %q", engine.ErrInviteRejected, target)
	}

	c.mu.Lock()
	c.next++
	cl := &call{
		handle: engine.CallHandle(fmt.Sprintf("dial-%d", c.next)),
		dir:    engine.Outgoing,
		peer:   target,
	}
	c.byHandle[cl.handle] = cl
	key := peerKey(target)
	c.pendingByPeer[key] = append(c.pendingByPeer[key], cl)
	c.mu.Unlock()

	c.enqueue(func() {
		if err := c.send("dial", target); err != nil {
			log.Printf("[Baresip] Dial %s failed: %v", target, err)
			c.failDial(cl, err)
		}
	})
	return cl.handle, nil
}

// failDial ends a dialed call that baresip never reported.
func (c *core) failDial(cl *call, err error) {
	c.mu.Lock()
	if cl.id != "" {
		c.mu.Unlock()
		return
	}
	c.forgetLocked(cl)
	c.mu.Unlock()

	c.pushCall(cl, engine.CallError, err.Error())
	c.pushCall(cl, engine.CallReleased, "")
}

func (c *core) Accept(h engine.CallHandle) error {
	id, err := c.boundID(h)
	if err != nil {
		return err
	}
	c.enqueue(func() {
		if err := c.send("accept", id); err != nil {
			log.Printf("[Baresip] Accept %s failed: %v", id, err)
		}
	})
	return nil
}

func (c *core) Terminate(h engine.CallHandle) error {
	c.mu.Lock()
	cl, ok := c.byHandle[h]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrUnknownCall, h)
	}
	if cl.id == "" {
		// Hung up once baresip tells us the call id.
		cl.hangupQueued = true
		c.mu.Unlock()
		return nil
	}
	id := cl.id
	c.mu.Unlock()

	c.enqueue(func() { c.hangup(id) })
	return nil
}

func (c *core) hangup(id string) {
	if err := c.send("hangup", id); err != nil {
		log.Printf("[Baresip] Hangup %s failed: %v", id, err)
	}
}

// SetMicMuted toggles baresip's mute when the requested value differs from the call's.
func (c *core) SetMicMuted(h engine.CallHandle, muted bool) error {
	c.mu.Lock()
	cl, ok := c.byHandle[h]
	if !ok || cl.id == "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrUnknownCall, h)
	}
	if cl.muted == muted {
		c.mu.Unlock()
		return nil
	}
	cl.muted = muted
	c.mu.Unlock()

	c.enqueue(func() {
		if err := c.send("mute", ""); err != nil {
			log.Printf("[Baresip] Mute toggle failed: %v", err)
		}
	})
	return nil
}

func (c *core) Pump() {
	c.queue.Drain(c.handlers)
}

func (c *core) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		if c.closeConn != nil {
			err = c.closeConn()
		}
	})
	return err
}

func (c *core) boundID(h engine.CallHandle) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.byHandle[h]
	if !ok || cl.id == "" {
		return "", fmt.Errorf("%w: %s", engine.ErrUnknownCall, h)
	}
	return cl.id, nil
}

// handleEvent runs on the client's read goroutine and only queues engine events.
func (c *core) handleEvent(ev Event) {
	log.WithFields(log.Fields{
		"type": ev.Type,
		"id":   ev.ID,
		"peer": ev.PeerURI,
	}).Debug("[Baresip] Event")

	switch ev.Type {
	case EventRegisterOK, EventRegisterFail, EventUnregistering:
		c.handleRegistration(ev)
		return
	}
	if ev.ID == "" || !strings.HasPrefix(string(ev.Type), "CALL_") {
		return
	}

	cl, hangupNow := c.resolve(ev)
	if cl == nil {
		return
	}
	if hangupNow {
		c.enqueue(func() { c.hangup(ev.ID) })
	}

	if ev.Type == EventCallClosed {
		c.mu.Lock()
		c.forgetLocked(cl)
		c.mu.Unlock()
		c.pushCall(cl, engine.CallEnd, ev.Param)
		c.pushCall(cl, engine.CallReleased, "")
		return
	}
	for _, state := range mapCallEvent(ev.Type, cl.dir) {
		c.queue.PushCall(engine.CallEvent{
			Handle:      cl.handle,
			Direction:   cl.dir,
			State:       state,
			Message:     ev.Param,
			RemoteParty: ev.PeerURI,
		})
	}
}

// resolve finds or creates the call an event belongs to, binding dialed calls to their id.
func (c *core) resolve(ev Event) (*call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.byID[ev.ID]; ok {
		return cl, false
	}

	if ev.Type == EventCallIncoming || ev.Direction == "incoming" {
		if ev.Type == EventCallClosed {
			return nil, false
		}
		cl := &call{handle: engine.CallHandle(ev.ID), id: ev.ID, dir: engine.Incoming, peer: ev.PeerURI}
		c.byHandle[cl.handle] = cl
		c.byID[ev.ID] = cl
		return cl, false
	}

	cl := c.popPendingLocked(ev.PeerURI)
	if cl == nil {
		log.Printf("[Baresip] Ignoring %s for unknown call %s", ev.Type, ev.ID)
		return nil, false
	}
	c.bindLocked(cl, ev.ID)
	log.Printf("[Baresip] Bound %s to call %s", cl.handle, ev.ID)
	return cl, cl.hangupQueued && ev.Type != EventCallClosed
}

func (c *core) bindLocked(cl *call, id string) {
	cl.id = id
	c.byID[id] = cl
}

// popPendingLocked takes the oldest dial for peer. With a single dial outstanding it
// is used even when baresip rewrote the peer URI.
func (c *core) popPendingLocked(peer string) *call {
	key := peerKey(peer)
	queue := c.pendingByPeer[key]
	if len(queue) == 0 {
		if len(c.pendingByPeer) != 1 {
			return nil
		}
		for k, q := range c.pendingByPeer {
			key, queue = k, q
		}
		if len(queue) != 1 {
			return nil
		}
	}

	cl := queue[0]
	if len(queue) == 1 {
		delete(c.pendingByPeer, key)
	} else {
		c.pendingByPeer[key] = queue[1:]
	}
	return cl
}

func (c *core) forgetLocked(cl *call) {
	delete(c.byHandle, cl.handle)
	if cl.id != "" {
		delete(c.byID, cl.id)
	}
	key := peerKey(cl.peer)
	queue := c.pendingByPeer[key]
	for i, p := range queue {
		if p == cl {
			queue = append(queue[:i:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(c.pendingByPeer, key)
	} else {
		c.pendingByPeer[key] = queue
	}
}

func (c *core) pushCall(cl *call, state engine.CallState, msg string) {
	c.queue.PushCall(engine.CallEvent{
		Handle:      cl.handle,
		Direction:   cl.dir,
		State:       state,
		Message:     msg,
		RemoteParty: cl.peer,
	})
}

// handleDisconnect fails every call and the registration when baresip goes away.
func (c *core) handleDisconnect(err error) {
	log.Printf("[Baresip] Connection lost: %v", err)

	c.mu.Lock()
	calls := make([]*call, 0, len(c.byHandle))
	for _, cl := range c.byHandle {
		calls = append(calls, cl)
	}
	c.byHandle = make(map[engine.CallHandle]*call)
	c.byID = make(map[string]*call)
	c.pendingByPeer = make(map[string][]*call)
	c.mu.Unlock()

	for _, cl := range calls {
		c.pushCall(cl, engine.CallError, "baresip connection lost")
		c.pushCall(cl, engine.CallReleased, "")
	}
	c.pushRegistration("", engine.RegistrationFailed, "baresip connection lost")
}

// mapCallEvent translates a baresip call event. CALL_CLOSED is handled by the caller.
func mapCallEvent(t EventType, dir engine.Direction) []engine.CallState {
	switch t {
	case EventCallIncoming:
		return []engine.CallState{engine.CallIncomingReceived}
	case EventCallOutgoing:
		return []engine.CallState{engine.CallOutgoingInit}
	case EventCallRinging:
		if dir == engine.Outgoing {
			return []engine.CallState{engine.CallOutgoingRinging}
		}
	case EventCallProgress:
		if dir == engine.Outgoing {
			return []engine.CallState{engine.CallOutgoingEarlyMedia}
		}
		return []engine.CallState{engine.CallIncomingEarlyMedia}
	case EventCallAnswered:
		return []engine.CallState{engine.CallConnected}
	case EventCallEstablished:
		return []engine.CallState{engine.CallStreamsRunning}
	case EventCallHold:
		return []engine.CallState{engine.CallPaused}
	case EventCallResume:
		// baresip sends nothing else once media flows again.
		return []engine.CallState{engine.CallResuming, engine.CallStreamsRunning}
	}
	return nil
}

// peerKey reduces a SIP URI to user@host for matching dials to events.
func peerKey(uri string) string {
	uri = strings.TrimSpace(uri)
	if i := strings.IndexByte(uri, '<'); i >= 0 {
		uri = uri[i+1:]
		if j := strings.IndexByte(uri, '>'); j >= 0 {
			uri = uri[:j]
		}
	}
	uri = strings.TrimPrefix(uri, "sips:")
	uri = strings.TrimPrefix(uri, "sip:")
	if i := strings.IndexAny(uri, ";?"); i >= 0 {
		uri = uri[:i]
	}
	return strings.ToLower(uri)
}
