// Package phonestate is the read-only, push-updated view of the phone that
// presentation layers render.
package phonestate

import (
	"fmt"
	"sort"
	"sync"
)

// RegistrationStatus of the account.
type RegistrationStatus int

const (
	Unregistered RegistrationStatus = iota
	Registering
	Registered
	RegistrationFailed
)

func (s RegistrationStatus) String() string {
	switch s {
	case Unregistered:
		return "Unregistered"
	case Registering:
		return "Registering"
	case Registered:
		return "Registered"
	case RegistrationFailed:
		return "Failed"
	}
	return fmt.Sprintf("RegistrationStatus(%d)", int(s))
}

// CallStatus as presented to the user.
type CallStatus int

const (
	Idle CallStatus = iota
	RingingIncoming
	RingingOutgoing
	Active
	Paused
)

func (s CallStatus) String() string {
	names := []string{"Idle", "RingingIncoming", "RingingOutgoing", "Active", "Paused"}
	if s >= 0 && int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("CallStatus(%d)", int(s))
}

// Snapshot is one consistent view of the phone.
type Snapshot struct {
	Registration        RegistrationStatus
	RegistrationMessage string
	Call                CallStatus
	Incoming            bool
	RemoteParty         string
	Duration            string
	MicMuted            bool
	SpeakerOn           bool
}

// Registered mirrors the isRegistered flag of the UI.
func (s Snapshot) Registered() bool {
	return s.Registration == Registered
}

// CallActive mirrors the isCallActive flag of the UI: true only while media is flowing.
func (s Snapshot) CallActive() bool {
	return s.Call == Active
}

// Surface holds the current Snapshot and pushes every change to subscribers.
type Surface struct {
	mu   sync.RWMutex
	snap Snapshot

	subMu  sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int
}

// New returns a surface in the initial state.
func New() *Surface {
	return &Surface{
		snap: Snapshot{Duration: "00:00"},
		subs: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns a copy of the current state. Safe from any goroutine.
func (s *Surface) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Subscribe registers fn for every subsequent update and returns a cancel func.
// fn runs synchronously on the mutating goroutine and must not block.
func (s *Surface) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Update applies fn to the state and notifies subscribers if anything changed.
// Only the owner of the phone state calls Update.
func (s *Surface) Update(fn func(*Snapshot)) {
	s.mu.Lock()
	before := s.snap
	fn(&s.snap)
	after := s.snap
	s.mu.Unlock()

	if before == after {
		return
	}

	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Snapshot), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(after)
	}
}
