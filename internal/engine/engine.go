// Package engine defines the narrow contract between the call session controller
// and a SIP signaling/media engine. Adapters live in sub-packages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEngineInit is wrapped by every Engine.Start failure.
	ErrEngineInit = errors.New("engine init failure")
	// ErrInvalidIdentity means the identity could not be turned into a SIP address.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrProxyConfig means the engine could not set up the registrar/proxy account.
	ErrProxyConfig = errors.New("proxy config error")
	// ErrInviteRejected means the target was malformed or the engine refused to start a call.
	ErrInviteRejected = errors.New("invite rejected")
	// ErrUnknownCall is returned by commands that reference a handle the engine does not know.
	ErrUnknownCall = errors.New("unknown call handle")
)

// InitError carries the detail of a failed Engine.Start.
type InitError struct {
	Detail string
	Err    error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine init failure: %s: %v", e.Detail, e.Err)
	}
	return "engine init failure: " + e.Detail
}

func (e *InitError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrEngineInit, e.Err}
	}
	return []error{ErrEngineInit}
}

// Identity is the user-facing address registered with the signaling server.
type Identity struct {
	Username string
	Domain   string
}

// Address returns the identity as sip:username@domain.
func (id Identity) Address() string {
	return fmt.Sprintf("sip:%s@%s", id.Username, id.Domain)
}

// Validate reports ErrInvalidIdentity if the identity cannot form a SIP address.
func (id Identity) Validate() error {
	if id.Username == "" || id.Domain == "" {
		return fmt.Errorf("%w: username and domain are required", ErrInvalidIdentity)
	}
	if strings.ContainsAny(id.Username, " \t\r\n@:") {
		return fmt.Errorf("%w: bad username %q", ErrInvalidIdentity, id.Username)
	}
	if strings.ContainsAny(id.Domain, " \t\r\n@") {
		return fmt.Errorf("%w: bad domain %q", ErrInvalidIdentity, id.Domain)
	}
	return nil
}

// CallHandle identifies a call inside one engine. It is opaque to the controller.
type CallHandle string

// Handlers are bound to an engine when it starts. They are invoked only from Core.Pump,
// on the goroutine that calls Pump.
type Handlers struct {
	OnRegistration func(RegistrationEvent)
	OnCall         func(CallEvent)
}

// Engine creates a running Core.
type Engine interface {
	Start(ctx context.Context, h Handlers) (Core, error)
}

// Core is a started engine. Every command's outcome is observed through later events.
type Core interface {
	Register(id Identity, secret string) error
	Invite(target string) (CallHandle, error)
	Accept(h CallHandle) error
	Terminate(h CallHandle) error
	SetMicMuted(h CallHandle, muted bool) error
	// Pump delivers queued events to the bound Handlers. It never blocks on the network.
	Pump()
	Close() error
}

// NormalizeTarget turns "1012", "1012@host" or "sip:1012@host" into a SIP URI string.
// The domain is used when the target has no host part.
func NormalizeTarget(target, domain string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" || strings.ContainsAny(target, " \t\r\n") {
		return "", fmt.Errorf("%w: malformed target %q", ErrInviteRejected, target)
	}
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return target, nil
	}
	if !strings.Contains(target, "@") {
		if domain == "" {
			return "", fmt.Errorf("%w: %q has no domain", ErrInviteRejected, target)
		}
		target = target + "@" + domain
	}
	if strings.HasPrefix(target, "@") || strings.HasSuffix(target, "@") {
		return "", fmt.Errorf("%w: malformed target %q", ErrInviteRejected, target)
	}
	return "sip:" + target, nil
}
