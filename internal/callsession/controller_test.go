package callsession

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dense-identity/softphone/internal/engine"
	"github.com/dense-identity/softphone/internal/engine/enginetest"
	"github.com/dense-identity/softphone/internal/phonestate"
	"github.com/dense-identity/softphone/internal/recents"
	"github.com/dense-identity/softphone/internal/telephony"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTelephony struct {
	mu        sync.Mutex
	presented []string
	answered  int
	ended     int
}

func (t *fakeTelephony) PresentIncoming(remote string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.presented = append(t.presented, remote)
}

func (t *fakeTelephony) ReportAnswered() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answered++
}

func (t *fakeTelephony) ReportEnded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ended++
}

func (t *fakeTelephony) counts() (presented, answered, ended int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.presented), t.answered, t.ended
}

type fakeDelegate struct {
	mu       sync.Mutex
	incoming []string
	ended    []string
}

func (d *fakeDelegate) IncomingCallReceived(remote string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.incoming = append(d.incoming, remote)
}

func (d *fakeDelegate) CallEnded(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ended = append(d.ended, reason)
}

func (d *fakeDelegate) endedReasons() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.ended...)
}

type fakeRecorder struct {
	entries chan recents.Entry
}

func (r *fakeRecorder) Record(_ context.Context, e recents.Entry) error {
	r.entries <- e
	return nil
}

type fakeAudio struct {
	err error
	on  []bool
}

func (a *fakeAudio) SetSpeaker(on bool) error {
	if a.err != nil {
		return a.err
	}
	a.on = append(a.on, on)
	return nil
}

type harness struct {
	t     *testing.T
	c     *Controller
	eng   *enginetest.Fake
	tel   *fakeTelephony
	del   *fakeDelegate
	rec   *fakeRecorder
	clock *fakeClock
}

// newHarness runs a controller whose pump and timer only move when the test says so.
func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		eng:   enginetest.New(),
		tel:   &fakeTelephony{},
		del:   &fakeDelegate{},
		rec:   &fakeRecorder{entries: make(chan recents.Entry, 8)},
		clock: &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	base := []Option{
		WithTelephony(h.tel),
		WithDelegate(h.del),
		WithRecorder(h.rec),
		WithClock(h.clock.Now),
		WithPumpInterval(time.Hour),
		WithDurationInterval(time.Hour),
	}
	h.c = New(h.eng, append(base, opts...)...)

	go h.c.Run(context.Background())
	t.Cleanup(func() {
		h.c.Close()
		<-h.c.Done()
	})
	return h
}

// step pumps the engine once and waits for the loop to apply everything.
func (h *harness) step() {
	h.c.Pump()
	h.c.Sync()
}

func (h *harness) start() {
	h.t.Helper()
	errc := make(chan error, 1)
	h.c.StartEngine(func(err error) { errc <- err })
	require.NoError(h.t, <-errc)
}

func (h *harness) tick() {
	h.clock.Advance(time.Second)
	h.c.post(h.c.handleDurationTick)
	h.c.Sync()
}

// onLoop runs fn on the loop goroutine and waits for it.
func (h *harness) onLoop(fn func()) {
	done := make(chan struct{})
	require.True(h.t, h.c.post(func() {
		fn()
		close(done)
	}))
	<-done
}

func (h *harness) sessionHandle() engine.CallHandle {
	var handle engine.CallHandle
	h.onLoop(func() {
		if h.c.session != nil {
			handle = h.c.session.handle
		}
	})
	return handle
}

func (h *harness) trackerRunning() bool {
	var running bool
	h.onLoop(func() { running = h.c.tracker.Running() })
	return running
}

func (h *harness) snap() phonestate.Snapshot {
	return h.c.State().Snapshot()
}

func (h *harness) register(user, pass, domain string) chan error {
	results := make(chan error, 4)
	h.c.Register(user, pass, domain, func(ok bool, err error) {
		if ok {
			results <- nil
			return
		}
		results <- err
	})
	h.c.Sync()
	return results
}

func (h *harness) incoming(handle engine.CallHandle, from string) {
	h.eng.EmitCall(engine.CallEvent{
		Handle:      handle,
		Direction:   engine.Incoming,
		State:       engine.CallIncomingReceived,
		RemoteParty: from,
	})
	h.step()
}

func (h *harness) callState(handle engine.CallHandle, dir engine.Direction, state engine.CallState, msg string) {
	h.eng.EmitCall(engine.CallEvent{Handle: handle, Direction: dir, State: state, Message: msg})
	h.step()
}

func (h *harness) call(target string) error {
	errc := make(chan error, 1)
	h.c.Call(target, func(err error) { errc <- err })
	return <-errc
}

// TestRegisterSuccess checks a successful registration resolves the handler exactly once.
func TestRegisterSuccess(t *testing.T) {
	h := newHarness(t)
	h.start()

	results := h.register("1021", "secret", "10.0.0.5")
	require.Equal(t, phonestate.Registering, h.snap().Registration)

	h.eng.EmitRegistration(engine.RegistrationOk, "200 OK")
	h.step()

	require.NoError(t, <-results)
	require.True(t, h.snap().Registered())
	require.Equal(t, "200 OK", h.snap().RegistrationMessage)

	cmds := h.eng.Commands()
	require.Len(t, cmds, 1)
	require.Equal(t, "sip:1021@10.0.0.5", cmds[0].Identity.Address())
	require.Equal(t, "secret", cmds[0].Secret)

	// A later expiry updates the surface without re-invoking the handler.
	h.eng.EmitRegistration(engine.RegistrationFailed, "expired")
	h.step()
	require.Equal(t, phonestate.RegistrationFailed, h.snap().Registration)
	require.False(t, h.snap().Registered())
	require.Empty(t, results)
}

func TestRegisterServerFailure(t *testing.T) {
	h := newHarness(t)
	h.start()

	results := h.register("1021", "wrong", "10.0.0.5")
	h.eng.EmitRegistration(engine.RegistrationFailed, "403 Forbidden")
	h.step()

	err := <-results
	require.ErrorIs(t, err, ErrRegistrationFailed)
	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	require.Equal(t, "403 Forbidden", regErr.Reason)
	require.Equal(t, phonestate.RegistrationFailed, h.snap().Registration)
	require.Equal(t, "403 Forbidden", h.snap().RegistrationMessage)
}

// TestRegisterSupersedes checks every submitted handler fires exactly once.
func TestRegisterSupersedes(t *testing.T) {
	h := newHarness(t)
	h.start()

	first := h.register("1021", "a", "10.0.0.5")
	second := h.register("1022", "b", "10.0.0.5")

	require.ErrorIs(t, <-first, ErrSuperseded)
	require.Empty(t, second)

	h.eng.EmitRegistration(engine.RegistrationOk, "")
	h.step()
	require.NoError(t, <-second)
	require.Equal(t, "OK", h.snap().RegistrationMessage)

	require.Empty(t, first)
	require.Empty(t, second)
}

// TestRegisterIgnoresReplacedAccount keeps late events of the old account away from the new request.
func TestRegisterIgnoresReplacedAccount(t *testing.T) {
	h := newHarness(t)
	h.start()

	first := h.register("1021", "a", "10.0.0.5")
	h.eng.EmitRegistration(engine.RegistrationOk, "200 OK")
	second := h.register("1022", "b", "10.0.0.5")
	require.ErrorIs(t, <-first, ErrSuperseded)

	h.step()
	require.Empty(t, second)
	require.Equal(t, phonestate.Registering, h.snap().Registration)

	h.eng.EmitRegistrationFor("sip:1021@10.0.0.5", engine.RegistrationCleared, "unregistering")
	h.step()
	require.Empty(t, second)
	require.Equal(t, phonestate.Registering, h.snap().Registration)

	h.eng.EmitRegistration(engine.RegistrationOk, "200 OK")
	h.step()
	require.NoError(t, <-second)
	require.True(t, h.snap().Registered())
	require.Equal(t, "sip:1022@10.0.0.5", h.c.Account())
}

func TestRegisterSetupErrors(t *testing.T) {
	h := newHarness(t)

	notStarted := h.register("1021", "secret", "10.0.0.5")
	require.ErrorIs(t, <-notStarted, ErrEngineNotStarted)

	h.start()

	invalid := h.register("", "secret", "10.0.0.5")
	require.ErrorIs(t, <-invalid, engine.ErrInvalidIdentity)
	require.Equal(t, phonestate.RegistrationFailed, h.snap().Registration)
	require.Equal(t, "Invalid identity", h.snap().RegistrationMessage)

	h.eng.RegisterErr = errors.New("bad proxy")
	proxy := h.register("1021", "secret", "10.0.0.5")
	require.ErrorIs(t, <-proxy, engine.ErrProxyConfig)
	require.Equal(t, "Proxy config error", h.snap().RegistrationMessage)
}

func TestRegisterProgressKeepsRegistered(t *testing.T) {
	h := newHarness(t)
	h.start()

	results := h.register("1021", "secret", "10.0.0.5")
	h.eng.EmitRegistration(engine.RegistrationOk, "200 OK")
	h.step()
	require.NoError(t, <-results)

	h.eng.EmitRegistration(engine.RegistrationProgress, "refreshing")
	h.step()
	require.Equal(t, phonestate.Registered, h.snap().Registration)
}

// TestIncomingCallAnswered follows an incoming call from ringing to five seconds of talk time.
func TestIncomingCallAnswered(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.incoming("in-1", "sip:1012@10.0.0.5")
	presented, _, _ := h.tel.counts()
	require.Equal(t, 1, presented)
	require.Equal(t, phonestate.RingingIncoming, h.snap().Call)
	require.True(t, h.snap().Incoming)
	require.Equal(t, "sip:1012@10.0.0.5", h.snap().RemoteParty)
	require.Equal(t, []string{"sip:1012@10.0.0.5"}, h.del.incoming)

	h.c.AcceptIncoming()
	h.c.AcceptIncoming()
	h.c.Sync()
	require.Equal(t, 1, h.eng.Count("accept"))

	h.callState("in-1", engine.Incoming, engine.CallConnected, "")
	require.Equal(t, phonestate.Active, h.snap().Call)
	require.True(t, h.trackerRunning())
	require.Equal(t, "00:00", h.snap().Duration)

	for i := 0; i < 5; i++ {
		h.tick()
	}
	require.Equal(t, "00:05", h.snap().Duration)

	// StreamsRunning after Connected neither restarts the timer nor reports again.
	h.callState("in-1", engine.Incoming, engine.CallStreamsRunning, "")
	require.Equal(t, "00:05", h.snap().Duration)
	_, answered, _ := h.tel.counts()
	require.Equal(t, 1, answered)
}

// TestCallRejectedWhileActive checks a second outgoing call issues no invite.
func TestCallRejectedWhileActive(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.call("1012@10.0.0.5"))
	h.callState("out-1", engine.Outgoing, engine.CallConnected, "")
	require.Equal(t, phonestate.Active, h.snap().Call)

	require.ErrorIs(t, h.call("1012@10.0.0.5"), ErrCallInProgress)
	require.Equal(t, 1, h.eng.Count("invite"))
	require.Equal(t, "out-1", string(h.sessionHandle()))
}

// TestErrorMidCall runs the terminal path on an engine error.
func TestErrorMidCall(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.incoming("in-1", "1012")
	h.c.AcceptIncoming()
	h.callState("in-1", engine.Incoming, engine.CallStreamsRunning, "")
	h.tick()
	require.Equal(t, "00:01", h.snap().Duration)

	h.callState("in-1", engine.Incoming, engine.CallError, "media timeout")

	snap := h.snap()
	require.Equal(t, phonestate.Idle, snap.Call)
	require.Equal(t, "00:00", snap.Duration)
	require.Empty(t, snap.RemoteParty)
	require.False(t, h.trackerRunning())
	_, _, ended := h.tel.counts()
	require.Equal(t, 1, ended)
	require.Equal(t, []string{"media timeout"}, h.del.endedReasons())
	require.Empty(t, h.sessionHandle())

	entry := <-h.rec.entries
	require.Equal(t, recents.OutcomeAnswered, entry.Outcome)
	require.Equal(t, "incoming", entry.Direction)
	require.Equal(t, time.Second, entry.Duration)

	// Late events for the finished call are dropped.
	h.callState("in-1", engine.Incoming, engine.CallReleased, "")
	h.callState("in-1", engine.Incoming, engine.CallConnected, "")
	require.Equal(t, phonestate.Idle, h.snap().Call)
	_, _, ended = h.tel.counts()
	require.Equal(t, 1, ended)
	require.Len(t, h.del.endedReasons(), 1)
}

func TestDuplicateIncomingIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.incoming("in-1", "1012")
	h.incoming("in-2", "1013")
	h.incoming("in-1", "1012")

	presented, _, _ := h.tel.counts()
	require.Equal(t, 1, presented)
	require.Equal(t, "1012", h.snap().RemoteParty)
	require.Equal(t, "in-1", string(h.sessionHandle()))
}

func TestOutgoingDirectionIncomingStateIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.eng.EmitCall(engine.CallEvent{Handle: "x", Direction: engine.Outgoing, State: engine.CallIncomingReceived})
	h.step()
	require.Equal(t, phonestate.Idle, h.snap().Call)
}

func TestHangUpWithoutCallIsNoop(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.c.HangUp()
	h.c.Sync()
	require.Zero(t, h.eng.Count("terminate"))
	require.Equal(t, phonestate.Idle, h.snap().Call)
}

// TestLocalHangUp checks a local hangup ends through the engine's terminal event.
func TestLocalHangUp(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.call("1012@10.0.0.5"))
	require.Equal(t, phonestate.RingingOutgoing, h.snap().Call)

	h.c.HangUp()
	h.c.Sync()
	require.Equal(t, 1, h.eng.Count("terminate"))
	require.Equal(t, phonestate.RingingOutgoing, h.snap().Call)

	h.callState("out-1", engine.Outgoing, engine.CallEnd, "")
	require.Equal(t, phonestate.Idle, h.snap().Call)
	require.Equal(t, []string{"End"}, h.del.endedReasons())

	entry := <-h.rec.entries
	require.Equal(t, recents.OutcomeCancelled, entry.Outcome)
	require.Equal(t, time.Duration(0), entry.Duration)
}

func TestCallTargetNormalized(t *testing.T) {
	h := newHarness(t)
	h.start()

	results := h.register("1021", "secret", "10.0.0.5")
	h.eng.EmitRegistration(engine.RegistrationOk, "200 OK")
	h.step()
	require.NoError(t, <-results)

	require.NoError(t, h.call("1012"))
	cmds := h.eng.Commands()
	require.Equal(t, "sip:1012@10.0.0.5", cmds[len(cmds)-1].Target)
	require.Equal(t, "sip:1012@10.0.0.5", h.snap().RemoteParty)
}

func TestCallErrors(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.call("1012@10.0.0.5"), ErrEngineNotStarted)

	h.start()
	require.ErrorIs(t, h.call("1012"), engine.ErrInviteRejected)

	h.eng.InviteErr = errors.New("no route")
	require.ErrorIs(t, h.call("1012@10.0.0.5"), engine.ErrInviteRejected)
	require.Equal(t, phonestate.Idle, h.snap().Call)
}

// TestMuteCarriesOver checks mute is idempotent on the flag and applied to the next call.
func TestMuteCarriesOver(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.c.SetMute(true)
	h.c.SetMute(true)
	h.c.Sync()
	require.True(t, h.snap().MicMuted)
	require.Zero(t, h.eng.Count("mute"))

	require.NoError(t, h.call("1012@10.0.0.5"))
	h.callState("out-1", engine.Outgoing, engine.CallConnected, "")
	h.callState("out-1", engine.Outgoing, engine.CallStreamsRunning, "")
	require.Equal(t, 1, h.eng.Count("mute"))

	h.c.SetMute(false)
	h.c.Sync()
	require.False(t, h.snap().MicMuted)
	cmds := h.eng.Commands()
	last := cmds[len(cmds)-1]
	require.Equal(t, "mute", last.Name)
	require.False(t, last.Muted)
}

func TestSpeaker(t *testing.T) {
	audio := &fakeAudio{}
	h := newHarness(t, WithAudioRoute(audio))

	h.c.SetSpeaker(true)
	h.c.Sync()
	require.True(t, h.snap().SpeakerOn)

	audio.err = errors.New("no route")
	h.c.SetSpeaker(false)
	h.c.Sync()
	require.True(t, h.snap().SpeakerOn)
	require.Equal(t, []bool{true}, audio.on)
}

func TestPausedKeepsTimerRunning(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.call("1012@10.0.0.5"))
	h.callState("out-1", engine.Outgoing, engine.CallConnected, "")
	h.tick()
	h.callState("out-1", engine.Outgoing, engine.CallPausedByRemote, "")
	require.Equal(t, phonestate.Paused, h.snap().Call)
	require.False(t, h.snap().CallActive())

	h.tick()
	require.Equal(t, "00:02", h.snap().Duration)

	h.callState("out-1", engine.Outgoing, engine.CallResuming, "")
	require.Equal(t, phonestate.Paused, h.snap().Call)
	h.callState("out-1", engine.Outgoing, engine.CallStreamsRunning, "")
	require.Equal(t, phonestate.Active, h.snap().Call)
	require.Equal(t, "00:02", h.snap().Duration)
}

func TestUnknownCallStateIsNoop(t *testing.T) {
	h := newHarness(t)
	h.start()

	require.NoError(t, h.call("1012@10.0.0.5"))
	h.callState("out-1", engine.Outgoing, engine.CallState(99), "")
	h.callState("out-1", engine.Outgoing, engine.CallOutgoingRinging, "")
	require.Equal(t, phonestate.RingingOutgoing, h.snap().Call)
	require.Equal(t, "out-1", string(h.sessionHandle()))
}

func TestResetEndsCall(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.incoming("in-1", "1012")
	h.c.ResetCall()
	h.c.Sync()

	require.Equal(t, phonestate.Idle, h.snap().Call)
	require.Equal(t, 1, h.eng.Count("terminate"))
	require.Equal(t, []string{"telephony reset"}, h.del.endedReasons())
	require.Equal(t, recents.OutcomeMissed, (<-h.rec.entries).Outcome)

	h.callState("in-1", engine.Incoming, engine.CallEnd, "")
	require.Len(t, h.del.endedReasons(), 1)
}

func TestEngineStart(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.start()
	require.Equal(t, 1, h.eng.Starts())

	failing := enginetest.New()
	failing.StartErr = errors.New("bad factory")
	c := New(failing, WithPumpInterval(time.Hour))
	go c.Run(context.Background())
	defer func() {
		c.Close()
		<-c.Done()
	}()

	errc := make(chan error, 1)
	c.StartEngine(func(err error) { errc <- err })
	err := <-errc
	require.ErrorIs(t, err, engine.ErrEngineInit)
	var initErr *engine.InitError
	require.ErrorAs(t, err, &initErr)
}

// TestCloseResolvesEverything checks shutdown ends the call and resolves pending work.
func TestCloseResolvesEverything(t *testing.T) {
	h := newHarness(t)
	h.start()

	results := h.register("1021", "secret", "10.0.0.5")
	h.incoming("in-1", "1012")

	h.c.Close()
	<-h.c.Done()

	require.ErrorIs(t, <-results, ErrClosed)
	require.True(t, h.eng.Closed())
	require.Equal(t, 1, h.eng.Count("terminate"))
	require.Equal(t, phonestate.Idle, h.snap().Call)
	require.Equal(t, phonestate.Unregistered, h.snap().Registration)

	errc := make(chan error, 1)
	h.c.Call("1012@10.0.0.5", func(err error) { errc <- err })
	require.ErrorIs(t, <-errc, ErrClosed)

	late := make(chan error, 1)
	h.c.Register("1021", "secret", "10.0.0.5", func(_ bool, err error) { late <- err })
	require.ErrorIs(t, <-late, ErrClosed)

	// Sync must not hang after the loop is gone.
	h.c.Sync()
}

// TestQueuedWorkResolvesClosed checks commands still queued when Close lands never reach the engine.
func TestQueuedWorkResolvesClosed(t *testing.T) {
	h := newHarness(t)
	h.start()

	blocked, release := make(chan struct{}), make(chan struct{})
	require.True(t, h.c.post(func() {
		close(blocked)
		<-release
	}))
	<-blocked

	reg := make(chan error, 1)
	h.c.Register("1021", "secret", "10.0.0.5", func(_ bool, err error) { reg <- err })
	dial := make(chan error, 1)
	h.c.Call("1012@10.0.0.5", func(err error) { dial <- err })

	h.c.Close()
	close(release)
	<-h.c.Done()

	require.ErrorIs(t, <-reg, ErrClosed)
	require.ErrorIs(t, <-dial, ErrClosed)
	require.Zero(t, h.eng.Count("register"))
	require.Zero(t, h.eng.Count("invite"))
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t)
	h.c.Sync()
	require.ErrorIs(t, h.c.Run(context.Background()), ErrAlreadyRunning)
}

// TestBridgeAnswer drives an incoming call through the telephony bridge and console provider.
func TestBridgeAnswer(t *testing.T) {
	var out bytes.Buffer
	provider := telephony.NewConsoleProvider(&out)
	bridge := telephony.NewBridge(provider)

	h := newHarness(t, WithTelephony(bridge))
	bridge.Bind(h.c)
	h.start()

	h.incoming("in-1", "sip:1012@10.0.0.5")
	bridge.Wait()
	require.True(t, bridge.Active())

	require.True(t, provider.Answer())
	h.c.Sync()
	require.Equal(t, 1, h.eng.Count("accept"))

	h.callState("in-1", engine.Incoming, engine.CallConnected, "")
	h.callState("in-1", engine.Incoming, engine.CallEnd, "remote hangup")

	require.False(t, bridge.Active())
	require.Contains(t, out.String(), "Call connected")
	require.Contains(t, out.String(), "Call ended")
}
