package callsession

import (
	"errors"
	"fmt"

	"github.com/dense-identity/softphone/internal/engine"
)

var (
	ErrEngineNotStarted = errors.New("engine not started")
	ErrSuperseded       = errors.New("registration superseded by a newer request")
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrClosed           = errors.New("controller closed")
	ErrAlreadyRunning   = errors.New("controller loop already running")
	// ErrDuplicateIncomingCall is logged, never returned to callers.
	ErrDuplicateIncomingCall = errors.New("incoming call while another call is active")
	// ErrRegistrationFailed matches every *RegistrationError.
	ErrRegistrationFailed = errors.New("registration failed")
)

// RegistrationError is the server-reported outcome of a failed registration.
type RegistrationError struct {
	State  engine.RegistrationState
	Reason string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed (%s): %s", e.State, e.Reason)
}

func (e *RegistrationError) Is(target error) bool {
	return target == ErrRegistrationFailed
}
