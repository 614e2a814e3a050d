// Package telephony connects the call controller to the device's native call presentation.
package telephony

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNoRemoteParty = errors.New("telephony: empty remote party")
	ErrCallRefused   = errors.New("telephony: native subsystem refused the call")
)

// ActionHandler receives user actions taken in the native call UI.
type ActionHandler interface {
	OnAnswer(id uuid.UUID)
	OnEnd(id uuid.UUID)
	// OnReset means the native subsystem dropped every call it knew about.
	OnReset()
}

// Provider is the native call presentation subsystem.
// ReportIncomingCall may block until the subsystem accepts or refuses the call.
type Provider interface {
	SetActionHandler(h ActionHandler)
	ReportIncomingCall(ctx context.Context, id uuid.UUID, remoteParty string) error
	ReportAnswered(id uuid.UUID)
	ReportEnded(id uuid.UUID)
}

// Actions are the controller commands the bridge drives.
type Actions interface {
	AcceptIncoming()
	HangUp()
	ResetCall()
}
