package telephony

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// ConsoleProvider presents calls on a terminal. The CLI turns typed commands into
// Answer, Reject and Reset.
type ConsoleProvider struct {
	out io.Writer

	mu      sync.Mutex
	handler ActionHandler
	current uuid.UUID
}

func NewConsoleProvider(out io.Writer) *ConsoleProvider {
	return &ConsoleProvider{out: out}
}

func (p *ConsoleProvider) SetActionHandler(h ActionHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *ConsoleProvider) ReportIncomingCall(ctx context.Context, id uuid.UUID, remoteParty string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.current != uuid.Nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: call %s already shown", ErrCallRefused, p.current)
	}
	p.current = id
	p.mu.Unlock()

	fmt.Fprintf(p.out, "\n>>> Incoming call from %s (type 'answer' or 'reject')\n", remoteParty)
	return nil
}

func (p *ConsoleProvider) ReportAnswered(id uuid.UUID) {
	fmt.Fprintf(p.out, ">>> Call connected\n")
}

func (p *ConsoleProvider) ReportEnded(id uuid.UUID) {
	p.mu.Lock()
	if p.current == id {
		p.current = uuid.Nil
	}
	p.mu.Unlock()
	fmt.Fprintf(p.out, ">>> Call ended\n")
}

// Answer acts like the user pressing answer. It reports false with no call shown.
func (p *ConsoleProvider) Answer() bool {
	h, id := p.target()
	if h == nil || id == uuid.Nil {
		return false
	}
	h.OnAnswer(id)
	return true
}

// Reject acts like the user pressing end.
func (p *ConsoleProvider) Reject() bool {
	h, id := p.target()
	if h == nil || id == uuid.Nil {
		return false
	}
	h.OnEnd(id)
	return true
}

// Reset drops the shown call and tells the handler everything is gone.
func (p *ConsoleProvider) Reset() {
	p.mu.Lock()
	p.current = uuid.Nil
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h.OnReset()
	}
}

func (p *ConsoleProvider) target() (ActionHandler, uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler, p.current
}
