package callsession

import (
	"context"
	"time"

	"github.com/dense-identity/softphone/internal/recents"
)

// Telephony is the controller's view of the native call-presentation bridge.
type Telephony interface {
	PresentIncoming(remoteParty string)
	ReportAnswered()
	ReportEnded()
}

// Delegate is told about call arrival and teardown.
type Delegate interface {
	IncomingCallReceived(remoteParty string)
	CallEnded(reason string)
}

// AudioRoute switches audio output. Audio session setup itself lives outside the controller.
type AudioRoute interface {
	SetSpeaker(on bool) error
}

// Recorder stores finished calls.
type Recorder interface {
	Record(ctx context.Context, e recents.Entry) error
}

type Option func(*Controller)

func WithTelephony(t Telephony) Option {
	return func(c *Controller) { c.tel = t }
}

func WithDelegate(d Delegate) Option {
	return func(c *Controller) { c.delegate = d }
}

func WithAudioRoute(a AudioRoute) Option {
	return func(c *Controller) { c.audio = a }
}

func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithPumpInterval sets how often the engine is pumped. Default 20ms.
func WithPumpInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pumpInterval = d
		}
	}
}

// WithDurationInterval sets the call timer cadence. Default 1s.
func WithDurationInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.durationInterval = d
		}
	}
}

type nopTelephony struct{}

func (nopTelephony) PresentIncoming(string) {}
func (nopTelephony) ReportAnswered()        {}
func (nopTelephony) ReportEnded()           {}
