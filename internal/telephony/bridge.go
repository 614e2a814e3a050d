package telephony

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const DefaultReportTimeout = 5 * time.Second

type nativeState int

const (
	// presenting: ReportIncomingCall has not returned yet.
	presenting nativeState = iota
	presented
)

type nativeCall struct {
	id           uuid.UUID
	state        nativeState
	answerQueued bool
	endQueued    bool
}

// Bridge holds at most one native call and only knows whether one is presented.
// The controller's call handle never crosses into it.
type Bridge struct {
	provider Provider
	timeout  time.Duration

	mu      sync.Mutex
	actions Actions
	current *nativeCall
	wg      sync.WaitGroup
}

func NewBridge(p Provider) *Bridge {
	b := &Bridge{provider: p, timeout: DefaultReportTimeout}
	p.SetActionHandler(b)
	return b
}

// Bind attaches the controller. Native actions arriving before Bind are dropped.
func (b *Bridge) Bind(a Actions) {
	b.mu.Lock()
	b.actions = a
	b.mu.Unlock()
}

// Active reports whether a native call is currently presented or being presented.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current != nil
}

// Wait blocks until every outstanding presentation has been settled.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// PresentIncoming registers a native call for remoteParty. It never blocks.
func (b *Bridge) PresentIncoming(remoteParty string) {
	if remoteParty == "" {
		log.Printf("[Telephony] Not presenting call: %v", ErrNoRemoteParty)
		return
	}

	b.mu.Lock()
	var stale uuid.UUID
	var reportStale bool
	if b.current != nil {
		log.Printf("[Telephony] Native call %s still present, ending it first", b.current.id)
		stale, reportStale = b.endLocked()
	}
	call := &nativeCall{id: uuid.New(), state: presenting}
	b.current = call
	b.mu.Unlock()

	if reportStale {
		b.provider.ReportEnded(stale)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		b.settle(call, b.provider.ReportIncomingCall(ctx, call.id, remoteParty))
	}()
}

func (b *Bridge) settle(call *nativeCall, err error) {
	b.mu.Lock()
	if err != nil {
		log.Printf("[Telephony] Incoming call %s refused: %v", call.id, err)
		stillCurrent := b.current == call
		if stillCurrent {
			b.current = nil
		}
		hangUp := stillCurrent && !call.endQueued
		actions := b.actions
		b.mu.Unlock()
		// Nothing was registered natively, so no end report is owed. The SIP leg still is.
		if hangUp && actions != nil {
			actions.HangUp()
		}
		return
	}

	call.state = presented
	log.Printf("[Telephony] Incoming call %s presented", call.id)
	switch {
	case call.endQueued:
		if b.current == call {
			b.current = nil
		}
		b.mu.Unlock()
		log.Printf("[Telephony] Call %s ended while presenting", call.id)
		b.provider.ReportEnded(call.id)
		return
	case call.answerQueued:
		b.mu.Unlock()
		b.provider.ReportAnswered(call.id)
		return
	}
	b.mu.Unlock()
}

// ReportAnswered tells the native layer the call connected.
func (b *Bridge) ReportAnswered() {
	b.mu.Lock()
	call := b.current
	if call == nil {
		b.mu.Unlock()
		return
	}
	if call.state == presenting {
		call.answerQueued = true
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.provider.ReportAnswered(call.id)
}

// ReportEnded clears the native call. A call still being presented is ended as soon
// as the native subsystem confirms it.
func (b *Bridge) ReportEnded() {
	b.mu.Lock()
	id, ok := b.endLocked()
	b.mu.Unlock()
	if ok {
		b.provider.ReportEnded(id)
	}
}

// endLocked detaches the current call. It returns the id to report when the
// native layer already holds the call.
func (b *Bridge) endLocked() (uuid.UUID, bool) {
	call := b.current
	if call == nil {
		return uuid.Nil, false
	}
	if call.state == presenting {
		call.endQueued = true
		b.current = nil
		return uuid.Nil, false
	}
	b.current = nil
	return call.id, true
}

func (b *Bridge) OnAnswer(id uuid.UUID) {
	if a := b.actionsFor(id); a != nil {
		log.Printf("[Telephony] User answered %s", id)
		a.AcceptIncoming()
	}
}

func (b *Bridge) OnEnd(id uuid.UUID) {
	if a := b.actionsFor(id); a != nil {
		log.Printf("[Telephony] User ended %s", id)
		a.HangUp()
	}
}

func (b *Bridge) OnReset() {
	b.mu.Lock()
	if b.current != nil && b.current.state == presenting {
		b.current.endQueued = true
	}
	b.current = nil
	a := b.actions
	b.mu.Unlock()

	log.Printf("[Telephony] Native subsystem reset")
	if a != nil {
		a.ResetCall()
	}
}

func (b *Bridge) actionsFor(id uuid.UUID) Actions {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil || b.current.id != id {
		log.Debugf("[Telephony] Ignoring action for unknown call %s", id)
		return nil
	}
	return b.actions
}
