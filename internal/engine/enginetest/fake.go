// Package enginetest provides a scriptable in-memory engine for tests.
package enginetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dense-identity/softphone/internal/engine"
)

// Command is one recorded call into the fake core.
type Command struct {
	Name     string
	Handle   engine.CallHandle
	Target   string
	Identity engine.Identity
	Secret   string
	Muted    bool
}

// Fake implements engine.Engine and engine.Core.
type Fake struct {
	// StartErr, RegisterErr and InviteErr are returned by the matching calls when set.
	StartErr    error
	RegisterErr error
	InviteErr   error

	mu       sync.Mutex
	handlers engine.Handlers
	queue    engine.EventQueue
	commands []Command
	starts   int
	next     int
	closed   bool
	identity engine.Identity
}

// New returns a fake engine.
func New() *Fake {
	return &Fake{}
}

func (f *Fake) Start(_ context.Context, h engine.Handlers) (engine.Core, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.StartErr != nil {
		return nil, &engine.InitError{Detail: "fake", Err: f.StartErr}
	}
	f.handlers = h
	return f, nil
}

func (f *Fake) Register(id engine.Identity, secret string) error {
	f.record(Command{Name: "register", Identity: id, Secret: secret})
	if err := id.Validate(); err != nil {
		return err
	}
	if f.RegisterErr != nil {
		return f.RegisterErr
	}
	f.mu.Lock()
	f.identity = id
	f.mu.Unlock()
	return nil
}

func (f *Fake) Invite(target string) (engine.CallHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InviteErr != nil {
		f.commands = append(f.commands, Command{Name: "invite", Target: target})
		return "", f.InviteErr
	}
	f.next++
	h := engine.CallHandle(fmt.Sprintf("out-%d", f.next))
	f.commands = append(f.commands, Command{Name: "invite", Target: target, Handle: h})
	return h, nil
}

func (f *Fake) Accept(h engine.CallHandle) error {
	f.record(Command{Name: "accept", Handle: h})
	return nil
}

func (f *Fake) Terminate(h engine.CallHandle) error {
	f.record(Command{Name: "terminate", Handle: h})
	return nil
}

func (f *Fake) SetMicMuted(h engine.CallHandle, muted bool) error {
	f.record(Command{Name: "mute", Handle: h, Muted: muted})
	return nil
}

func (f *Fake) Pump() {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	f.queue.Drain(h)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// EmitRegistration queues a registration event for the last registered identity.
// Events already queued stay queued when a later Register replaces the identity.
func (f *Fake) EmitRegistration(state engine.RegistrationState, msg string) {
	f.mu.Lock()
	account := ""
	if f.identity.Username != "" {
		account = f.identity.Address()
	}
	f.mu.Unlock()
	f.EmitRegistrationFor(account, state, msg)
}

// EmitRegistrationFor queues a registration event for an explicit account.
func (f *Fake) EmitRegistrationFor(account string, state engine.RegistrationState, msg string) {
	f.queue.PushRegistration(engine.RegistrationEvent{Account: account, State: state, Message: msg})
}

// EmitCall queues a call event for the next Pump.
func (f *Fake) EmitCall(ev engine.CallEvent) {
	f.queue.PushCall(ev)
}

// Commands returns a copy of the recorded commands.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// Count returns how many commands with the given name were recorded.
func (f *Fake) Count(name string) int {
	n := 0
	for _, c := range f.Commands() {
		if c.Name == name {
			n++
		}
	}
	return n
}

// Starts returns how many times Start was called.
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) record(c Command) {
	f.mu.Lock()
	f.commands = append(f.commands, c)
	f.mu.Unlock()
}
