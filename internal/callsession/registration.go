package callsession

import (
	"errors"
	"fmt"

	"github.com/dense-identity/softphone/internal/engine"
	"github.com/dense-identity/softphone/internal/phonestate"
	log "github.com/sirupsen/logrus"
)

// RegisterFunc receives the outcome of one registration request exactly once.
type RegisterFunc func(ok bool, err error)

type registrationRequest struct {
	identity engine.Identity
	done     RegisterFunc
}

// resolve fires the completion handler once and clears it.
func (r *registrationRequest) resolve(ok bool, err error) {
	if r == nil || r.done == nil {
		return
	}
	done := r.done
	r.done = nil
	done(ok, err)
}

// register runs on the loop.
func (c *Controller) register(id engine.Identity, secret string, done RegisterFunc) {
	req := &registrationRequest{identity: id, done: done}

	if c.stopping {
		req.resolve(false, ErrClosed)
		return
	}
	if c.core == nil {
		log.Printf("[Controller] Cannot register %s: engine not started", id.Address())
		req.resolve(false, ErrEngineNotStarted)
		return
	}

	if prev := c.pendingReg; prev != nil {
		log.Printf("[Controller] Registration for %s superseded by %s", prev.identity.Address(), id.Address())
		c.pendingReg = nil
		prev.resolve(false, ErrSuperseded)
	}

	if err := id.Validate(); err != nil {
		log.Printf("[Controller] Invalid identity: %v", err)
		c.setRegistration(phonestate.RegistrationFailed, "Invalid identity")
		req.resolve(false, err)
		return
	}

	c.identity = id
	c.pendingReg = req
	c.setRegistration(phonestate.Registering, "")

	log.Printf("[Controller] Registration requested for %s, waiting for engine", id.Address())
	if err := c.core.Register(id, secret); err != nil {
		c.pendingReg = nil
		msg := "Proxy config error"
		if errors.Is(err, engine.ErrInvalidIdentity) {
			msg = "Invalid identity"
		} else if !errors.Is(err, engine.ErrProxyConfig) {
			err = fmt.Errorf("%w: %w", engine.ErrProxyConfig, err)
		}
		log.Printf("[Controller] Registration setup failed for %s: %v", id.Address(), err)
		c.setRegistration(phonestate.RegistrationFailed, msg)
		req.resolve(false, err)
	}
}

// handleRegistrationEvent applies an engine registration event.
func (c *Controller) handleRegistrationEvent(ev engine.RegistrationEvent) {
	log.WithFields(log.Fields{
		"account": ev.Account,
		"state":   ev.State.String(),
		"message": ev.Message,
	}).Info("[Controller] Registration event")

	if ev.Account != "" && ev.Account != c.identity.Address() {
		log.Printf("[Controller] Ignoring registration event for replaced account %s", ev.Account)
		return
	}

	switch ev.State {
	case engine.RegistrationOk:
		msg := ev.Message
		if msg == "" {
			msg = "OK"
		}
		c.setRegistration(phonestate.Registered, msg)
		c.resolveRegistration(true, nil)

	case engine.RegistrationFailed, engine.RegistrationCleared, engine.RegistrationNone:
		msg := ev.Message
		if msg == "" {
			msg = "Registration failed"
		}
		status := phonestate.RegistrationFailed
		if ev.State != engine.RegistrationFailed {
			status = phonestate.Unregistered
		}
		c.setRegistration(status, msg)
		c.resolveRegistration(false, &RegistrationError{State: ev.State, Reason: msg})

	case engine.RegistrationProgress:
		c.surface.Update(func(s *phonestate.Snapshot) {
			if s.Registration != phonestate.Registered {
				s.Registration = phonestate.Registering
			}
			s.RegistrationMessage = ev.Message
		})

	default:
		log.Printf("[Controller] Ignoring unknown registration state %s", ev.State)
	}
}

func (c *Controller) resolveRegistration(ok bool, err error) {
	req := c.pendingReg
	if req == nil {
		return
	}
	c.pendingReg = nil
	req.resolve(ok, err)
}

func (c *Controller) setRegistration(status phonestate.RegistrationStatus, msg string) {
	c.surface.Update(func(s *phonestate.Snapshot) {
		s.Registration = status
		s.RegistrationMessage = msg
	})
}
