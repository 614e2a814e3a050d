package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIdentityAddress checks the sip:user@domain form.
func TestIdentityAddress(t *testing.T) {
	id := Identity{Username: "1021", Domain: "10.0.0.5"}
	require.Equal(t, "sip:1021@10.0.0.5", id.Address())
	require.NoError(t, id.Validate())
}

func TestIdentityValidate(t *testing.T) {
	cases := []Identity{
		{Username: "", Domain: "example.com"},
		{Username: "alice", Domain: ""},
		{Username: "al ice", Domain: "example.com"},
		{Username: "alice@x", Domain: "example.com"},
		{Username: "alice", Domain: "exa@mple.com"},
	}
	for _, id := range cases {
		err := id.Validate()
		require.Error(t, err, "%+v", id)
		require.ErrorIs(t, err, ErrInvalidIdentity)
	}
}

func TestNormalizeTarget(t *testing.T) {
	got, err := NormalizeTarget("1012@10.0.0.5", "")
	require.NoError(t, err)
	require.Equal(t, "sip:1012@10.0.0.5", got)

	got, err = NormalizeTarget("1012", "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, "sip:1012@10.0.0.5", got)

	got, err = NormalizeTarget("sip:bob@example.com", "10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, "sip:bob@example.com", got)

	for _, bad := range []string{"", "  ", "10 12@host", "1012@", "@host"} {
		_, err := NormalizeTarget(bad, "10.0.0.5")
		require.ErrorIs(t, err, ErrInviteRejected, "target %q", bad)
	}

	_, err = NormalizeTarget("1012", "")
	require.ErrorIs(t, err, ErrInviteRejected)
}

// TestInitErrorUnwrap makes sure callers can match both the sentinel and the cause.
func TestInitErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &InitError{Detail: "connecting to baresip", Err: cause}
	require.ErrorIs(t, err, ErrEngineInit)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "connecting to baresip")
}

func TestCallStateString(t *testing.T) {
	require.Equal(t, "StreamsRunning", CallStreamsRunning.String())
	require.Equal(t, "CallState(99)", CallState(99).String())
	require.True(t, CallError.IsTerminal())
	require.False(t, CallPaused.IsTerminal())
}

// TestEventQueueOrder verifies FIFO delivery across event kinds and that nothing is dropped.
func TestEventQueueOrder(t *testing.T) {
	var q EventQueue
	q.PushRegistration(RegistrationEvent{State: RegistrationProgress})
	for i := 0; i < 500; i++ {
		q.PushCall(CallEvent{Handle: "c1", State: CallOutgoingProgress})
	}
	q.PushCall(CallEvent{Handle: "c1", State: CallEnd})
	require.Equal(t, 502, q.Len())

	var order []string
	q.Drain(Handlers{
		OnRegistration: func(ev RegistrationEvent) { order = append(order, "reg:"+ev.State.String()) },
		OnCall:         func(ev CallEvent) { order = append(order, "call:"+ev.State.String()) },
	})
	require.Len(t, order, 502)
	require.Equal(t, "reg:Progress", order[0])
	require.Equal(t, "call:End", order[501])
	require.Zero(t, q.Len())
}

func TestEventQueuePushDuringDrain(t *testing.T) {
	var q EventQueue
	q.PushCall(CallEvent{State: CallEnd})
	calls := 0
	h := Handlers{OnCall: func(ev CallEvent) {
		calls++
		if ev.State == CallEnd {
			q.PushCall(CallEvent{State: CallReleased})
		}
	}}
	q.Drain(h)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, q.Len())
	q.Drain(h)
	require.Equal(t, 2, calls)
}

// TestEventQueueDropRegistrations keeps call events and their order when registrations are discarded.
func TestEventQueueDropRegistrations(t *testing.T) {
	var q EventQueue
	q.PushRegistration(RegistrationEvent{Account: "sip:1021@10.0.0.5", State: RegistrationOk})
	q.PushCall(CallEvent{Handle: "c1", State: CallOutgoingRinging})
	q.PushRegistration(RegistrationEvent{Account: "sip:1021@10.0.0.5", State: RegistrationCleared})
	q.PushCall(CallEvent{Handle: "c1", State: CallConnected})

	require.Equal(t, 2, q.DropRegistrations())
	require.Equal(t, 2, q.Len())

	var states []CallState
	q.Drain(Handlers{
		OnRegistration: func(RegistrationEvent) { t.Fatal("registration event survived") },
		OnCall:         func(ev CallEvent) { states = append(states, ev.State) },
	})
	require.Equal(t, []CallState{CallOutgoingRinging, CallConnected}, states)
	require.Zero(t, q.DropRegistrations())
}
