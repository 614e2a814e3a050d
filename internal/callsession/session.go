package callsession

import (
	"time"

	"github.com/dense-identity/softphone/internal/engine"
	"github.com/google/uuid"
)

// phase is the controller-side state of the single call.
type phase int

const (
	phaseRinging phase = iota
	phaseActive
	phasePaused
	phaseResuming
)

func (p phase) String() string {
	switch p {
	case phaseRinging:
		return "Ringing"
	case phaseActive:
		return "Active"
	case phasePaused:
		return "Paused"
	case phaseResuming:
		return "Resuming"
	}
	return "Unknown"
}

// session is the one call the controller tracks.
type session struct {
	id          uuid.UUID
	handle      engine.CallHandle
	direction   engine.Direction
	remoteParty string
	phase       phase

	createdAt time.Time
	startedAt time.Time

	acceptSent       bool
	answeredReported bool
	muted            bool
	hangupSent       bool
}

func newSession(h engine.CallHandle, dir engine.Direction, remote string, now time.Time) *session {
	return &session{
		id:          uuid.New(),
		handle:      h,
		direction:   dir,
		remoteParty: remote,
		phase:       phaseRinging,
		createdAt:   now,
	}
}

func (s *session) isIncoming() bool {
	return s.direction == engine.Incoming
}

// terminatedSet remembers the last few handles that reached a terminal state so that
// late events for them are dropped.
type terminatedSet struct {
	handles []engine.CallHandle
	limit   int
}

func newTerminatedSet(limit int) *terminatedSet {
	return &terminatedSet{limit: limit}
}

func (t *terminatedSet) add(h engine.CallHandle) {
	if t.has(h) {
		return
	}
	t.handles = append(t.handles, h)
	if len(t.handles) > t.limit {
		t.handles = t.handles[len(t.handles)-t.limit:]
	}
}

func (t *terminatedSet) has(h engine.CallHandle) bool {
	for _, x := range t.handles {
		if x == h {
			return true
		}
	}
	return false
}
