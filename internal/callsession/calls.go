package callsession

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dense-identity/softphone/internal/calltimer"
	"github.com/dense-identity/softphone/internal/engine"
	"github.com/dense-identity/softphone/internal/phonestate"
	"github.com/dense-identity/softphone/internal/recents"
	log "github.com/sirupsen/logrus"
)

const recordTimeout = 2 * time.Second

// placeCall runs on the loop.
func (c *Controller) placeCall(target string) error {
	if c.stopping {
		return ErrClosed
	}
	if c.core == nil {
		return ErrEngineNotStarted
	}
	if s := c.session; s != nil {
		log.Printf("[Controller] Refusing call to %s: call %s is %s", target, s.handle, s.phase)
		return ErrCallInProgress
	}

	addr, err := engine.NormalizeTarget(target, c.identity.Domain)
	if err != nil {
		log.Printf("[Controller] Failed to start call to %s: %v", target, err)
		return err
	}

	h, err := c.core.Invite(addr)
	if err != nil {
		if !errors.Is(err, engine.ErrInviteRejected) {
			err = fmt.Errorf("%w: %w", engine.ErrInviteRejected, err)
		}
		log.Printf("[Controller] Failed to start call to %s: %v", addr, err)
		return err
	}

	s := newSession(h, engine.Outgoing, addr, c.now())
	c.session = s
	c.surface.Update(func(snap *phonestate.Snapshot) {
		snap.Call = phonestate.RingingOutgoing
		snap.Incoming = false
		snap.RemoteParty = addr
		snap.Duration = calltimer.Zero
	})
	log.Printf("[Controller] Calling %s (call=%s)", addr, h)
	return nil
}

func (c *Controller) hangUp() {
	s := c.session
	if s == nil {
		log.Debugf("[Controller] Hang up with no call")
		return
	}
	if c.core == nil {
		c.endSession(s, engine.CallEnd, "engine stopped")
		return
	}
	log.Printf("[Controller] Hanging up %s", s.handle)
	if err := c.core.Terminate(s.handle); err != nil {
		log.Printf("[Controller] Terminate failed for %s: %v", s.handle, err)
		if errors.Is(err, engine.ErrUnknownCall) {
			// The engine has already forgotten the call; nothing else will end it.
			c.endSession(s, engine.CallError, err.Error())
		}
		return
	}
	s.hangupSent = true
}

func (c *Controller) acceptIncoming() {
	s := c.session
	if s == nil || !s.isIncoming() || s.phase != phaseRinging {
		log.Printf("[Controller] Accept ignored: no ringing incoming call")
		return
	}
	if s.acceptSent || c.core == nil {
		return
	}
	log.Printf("[Controller] Answering call %s from %s", s.handle, s.remoteParty)
	if err := c.core.Accept(s.handle); err != nil {
		log.Printf("[Controller] Accept failed for %s: %v", s.handle, err)
		return
	}
	s.acceptSent = true
}

// resetCall treats a native telephony reset as an immediate terminal event.
func (c *Controller) resetCall() {
	s := c.session
	if s == nil {
		return
	}
	log.Printf("[Controller] Telephony reset, ending call %s", s.handle)
	if c.core != nil && !s.hangupSent {
		if err := c.core.Terminate(s.handle); err != nil {
			log.Printf("[Controller] Terminate after reset failed for %s: %v", s.handle, err)
		}
	}
	c.endSession(s, engine.CallEnd, "telephony reset")
}

// handleCallEvent routes engine call events. It runs inside Core.Pump on the loop.
func (c *Controller) handleCallEvent(ev engine.CallEvent) {
	log.WithFields(log.Fields{
		"call":      ev.Handle,
		"state":     ev.State.String(),
		"direction": ev.Direction.String(),
		"message":   ev.Message,
	}).Info("[Controller] Call event")

	if c.terminated.has(ev.Handle) {
		log.Debugf("[Controller] Dropping %s for finished call %s", ev.State, ev.Handle)
		return
	}

	switch ev.State {
	case engine.CallIncomingReceived, engine.CallIncomingEarlyMedia, engine.CallPushIncomingReceived:
		c.handleIncomingCall(ev)

	case engine.CallConnected, engine.CallStreamsRunning:
		if s := c.sessionFor(ev.Handle); s != nil {
			c.handleCallActive(s)
		}

	case engine.CallPaused, engine.CallPausedByRemote:
		if s := c.sessionFor(ev.Handle); s != nil {
			log.Printf("[Controller] Call %s paused", s.handle)
			s.phase = phasePaused
			c.surface.Update(func(snap *phonestate.Snapshot) { snap.Call = phonestate.Paused })
		}

	case engine.CallResuming:
		// Wait for Connected/StreamsRunning.
		if s := c.sessionFor(ev.Handle); s != nil && s.phase == phasePaused {
			s.phase = phaseResuming
		}

	case engine.CallEnd, engine.CallReleased, engine.CallError:
		if s := c.sessionFor(ev.Handle); s != nil {
			c.endSession(s, ev.State, ev.Message)
		}

	default:
		// Outgoing progress, updates, referrals and unknown states.
	}
}

func (c *Controller) sessionFor(h engine.CallHandle) *session {
	if c.session != nil && c.session.handle == h {
		return c.session
	}
	return nil
}

func (c *Controller) handleIncomingCall(ev engine.CallEvent) {
	if ev.Direction != engine.Incoming {
		return
	}
	if s := c.session; s != nil {
		if s.handle != ev.Handle {
			log.WithFields(log.Fields{
				"call":   ev.Handle,
				"active": s.handle,
				"from":   ev.RemoteParty,
			}).Warn("[Controller] ", ErrDuplicateIncomingCall)
		}
		return
	}

	remote := ev.RemoteParty
	if remote == "" {
		remote = "Unknown"
	}
	s := newSession(ev.Handle, engine.Incoming, remote, c.now())
	c.session = s
	log.Printf("[Controller] Incoming call from %s (call=%s)", remote, ev.Handle)

	c.surface.Update(func(snap *phonestate.Snapshot) {
		snap.Call = phonestate.RingingIncoming
		snap.Incoming = true
		snap.RemoteParty = remote
		snap.Duration = calltimer.Zero
	})
	c.tel.PresentIncoming(remote)
	if c.delegate != nil {
		c.delegate.IncomingCallReceived(remote)
	}
}

func (c *Controller) handleCallActive(s *session) {
	if s.phase != phaseActive {
		log.Printf("[Controller] Call %s active (media/connected)", s.handle)
	}
	s.phase = phaseActive
	if s.startedAt.IsZero() {
		s.startedAt = c.now()
	}
	c.tracker.Start(s.startedAt)

	if !s.answeredReported {
		s.answeredReported = true
		c.tel.ReportAnswered()
	}
	if c.micMuted && !s.muted && c.core != nil {
		if err := c.core.SetMicMuted(s.handle, true); err != nil {
			log.Printf("[Controller] Mute failed for %s: %v", s.handle, err)
		} else {
			s.muted = true
		}
	}

	d := c.tracker.Tick(c.now())
	c.surface.Update(func(snap *phonestate.Snapshot) {
		snap.Call = phonestate.Active
		snap.Duration = d
	})
}

// endSession is the single terminal path for local hangup, remote hangup, errors and resets.
func (c *Controller) endSession(s *session, state engine.CallState, reason string) {
	now := c.now()
	c.terminated.add(s.handle)

	talk := c.tracker.Elapsed(now)
	c.tracker.Stop()
	c.session = nil
	c.tel.ReportEnded()

	c.surface.Update(func(snap *phonestate.Snapshot) {
		snap.Call = phonestate.Idle
		snap.Incoming = false
		snap.RemoteParty = ""
		snap.Duration = calltimer.Zero
	})

	if reason == "" {
		reason = state.String()
	}
	log.Printf("[Controller] Call %s ended: %s", s.handle, reason)
	if c.delegate != nil {
		c.delegate.CallEnded(reason)
	}
	c.record(s, state, now, talk)
}

func (c *Controller) record(s *session, state engine.CallState, endedAt time.Time, talk time.Duration) {
	if c.recorder == nil {
		return
	}
	account := ""
	if c.identity.Username != "" {
		account = c.identity.Address()
	}
	entry := recents.Entry{
		ID:          s.id.String(),
		Account:     account,
		Direction:   s.direction.String(),
		RemoteParty: s.remoteParty,
		CreatedAt:   s.createdAt,
		StartedAt:   s.startedAt,
		EndedAt:     endedAt,
		Duration:    talk,
		Outcome:     outcomeOf(s, state),
	}
	rec := c.recorder
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := rec.Record(ctx, entry); err != nil {
			log.Printf("[Controller] Failed to record call %s: %v", entry.ID, err)
		}
	}()
}

func outcomeOf(s *session, state engine.CallState) string {
	switch {
	case !s.startedAt.IsZero():
		return recents.OutcomeAnswered
	case state == engine.CallError:
		return recents.OutcomeFailed
	case s.isIncoming() && !s.hangupSent:
		return recents.OutcomeMissed
	case s.isIncoming():
		return recents.OutcomeDeclined
	}
	return recents.OutcomeCancelled
}
