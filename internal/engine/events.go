package engine

import "fmt"

// RegistrationState is the engine-reported state of the account registration.
type RegistrationState int

const (
	RegistrationNone RegistrationState = iota
	RegistrationProgress
	RegistrationOk
	RegistrationCleared
	RegistrationFailed
)

func (s RegistrationState) String() string {
	names := []string{"None", "Progress", "Ok", "Cleared", "Failed"}
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("RegistrationState(%d)", int(s))
}

// Direction of a call as seen from this device.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// CallState is the engine-reported signaling state of a call.
// Values outside the declared range are valid input and must be ignored by consumers.
type CallState int

const (
	CallIdle CallState = iota
	CallIncomingReceived
	CallPushIncomingReceived
	CallOutgoingInit
	CallOutgoingProgress
	CallOutgoingRinging
	CallOutgoingEarlyMedia
	CallConnected
	CallStreamsRunning
	CallPausing
	CallPaused
	CallResuming
	CallReferred
	CallError
	CallEnd
	CallPausedByRemote
	CallUpdatedByRemote
	CallIncomingEarlyMedia
	CallUpdating
	CallReleased
	CallEarlyUpdatedByRemote
	CallEarlyUpdating
)

var callStateNames = []string{
	"Idle", "IncomingReceived", "PushIncomingReceived", "OutgoingInit", "OutgoingProgress",
	"OutgoingRinging", "OutgoingEarlyMedia", "Connected", "StreamsRunning", "Pausing",
	"Paused", "Resuming", "Referred", "Error", "End", "PausedByRemote", "UpdatedByRemote",
	"IncomingEarlyMedia", "Updating", "Released", "EarlyUpdatedByRemote", "EarlyUpdating",
}

func (s CallState) String() string {
	if s >= 0 && int(s) < len(callStateNames) {
		return callStateNames[s]
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

// IsTerminal reports whether no further transition is accepted after s.
func (s CallState) IsTerminal() bool {
	return s == CallEnd || s == CallReleased || s == CallError
}

// RegistrationEvent is emitted for every registration state change.
// Account is the address of the identity the event belongs to, "" when the engine cannot tell.
type RegistrationEvent struct {
	Account string
	State   RegistrationState
	Message string
}

// CallEvent is emitted for every signaling transition of a call.
type CallEvent struct {
	Handle      CallHandle
	Direction   Direction
	State       CallState
	Message     string
	RemoteParty string
}
