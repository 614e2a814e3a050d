package engine

import "sync"

// EventQueue buffers engine events between the adapter's own goroutines and Pump.
// It is unbounded: a late Pump delays events but never drops them.
type EventQueue struct {
	mu     sync.Mutex
	events []any
}

// PushRegistration appends a registration event.
func (q *EventQueue) PushRegistration(ev RegistrationEvent) {
	q.push(ev)
}

// PushCall appends a call event.
func (q *EventQueue) PushCall(ev CallEvent) {
	q.push(ev)
}

func (q *EventQueue) push(ev any) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

// DropRegistrations discards undelivered registration events and keeps call events in order.
// Engines call it when a new registration replaces the current one.
func (q *EventQueue) DropRegistrations() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.events[:0]
	dropped := 0
	for _, ev := range q.events {
		if _, ok := ev.(RegistrationEvent); ok {
			dropped++
			continue
		}
		kept = append(kept, ev)
	}
	q.events = kept
	return dropped
}

// Len returns the number of undelivered events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drain delivers every queued event, in arrival order, to h.
// Events pushed by a handler while draining are delivered by the next Drain.
func (q *EventQueue) Drain(h Handlers) {
	q.mu.Lock()
	batch := q.events
	q.events = nil
	q.mu.Unlock()

	for _, ev := range batch {
		switch ev := ev.(type) {
		case RegistrationEvent:
			if h.OnRegistration != nil {
				h.OnRegistration(ev)
			}
		case CallEvent:
			if h.OnCall != nil {
				h.OnCall(ev)
			}
		}
	}
}
