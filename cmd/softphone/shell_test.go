package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dense-identity/softphone/internal/callsession"
	"github.com/dense-identity/softphone/internal/engine/enginetest"
	"github.com/dense-identity/softphone/internal/phonestate"
	"github.com/dense-identity/softphone/internal/telephony"
	"github.com/stretchr/testify/require"
)

type testShell struct {
	*shell
	fake    *enginetest.Fake
	buf     *bytes.Buffer
	stopped bool
}

func newTestShell(t *testing.T) *testShell {
	t.Helper()
	fake := enginetest.New()
	console := telephony.NewConsoleProvider(&bytes.Buffer{})
	bridge := telephony.NewBridge(console)
	c := callsession.New(fake,
		callsession.WithTelephony(bridge),
		callsession.WithPumpInterval(time.Hour),
	)
	bridge.Bind(c)
	go func() { _ = c.Run(context.Background()) }()
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
		bridge.Wait()
	})

	errCh := make(chan error, 1)
	c.StartEngine(func(err error) { errCh <- err })
	require.NoError(t, <-errCh)

	ts := &testShell{fake: fake, buf: &bytes.Buffer{}}
	ts.shell = &shell{
		controller: c,
		console:    console,
		stop:       func() { ts.stopped = true },
		out:        ts.buf,
	}
	return ts
}

func (ts *testShell) do(line string) bool {
	ok := ts.exec(line)
	ts.controller.Sync()
	return ok
}

func TestShellRegisterAndCall(t *testing.T) {
	ts := newTestShell(t)

	require.True(t, ts.do("register 1021@10.0.0.5 secret"))
	require.Equal(t, 1, ts.fake.Count("register"))
	require.Equal(t, "sip:1021@10.0.0.5", ts.controller.Account())

	require.True(t, ts.do("call 1012"))
	cmds := ts.fake.Commands()
	require.Equal(t, "invite", cmds[len(cmds)-1].Name)
	require.Equal(t, "sip:1012@10.0.0.5", cmds[len(cmds)-1].Target)
	require.Contains(t, ts.buf.String(), "Calling 1012...")

	require.True(t, ts.do("call 1013"))
	require.Contains(t, ts.buf.String(), "Call failed")

	require.True(t, ts.do("hangup"))
	require.Equal(t, 1, ts.fake.Count("terminate"))
}

func TestShellSettingsAndStatus(t *testing.T) {
	ts := newTestShell(t)

	ts.do("mute")
	ts.do("speaker on")
	snap := ts.controller.State().Snapshot()
	require.True(t, snap.MicMuted)
	require.True(t, snap.SpeakerOn)

	ts.do("speaker off")
	ts.do("unmute")
	ts.do("status")
	require.Contains(t, ts.buf.String(), "mute=false speaker=false")
	require.Contains(t, ts.buf.String(), "call=Idle")
}

func TestShellUsageAndExit(t *testing.T) {
	ts := newTestShell(t)

	require.True(t, ts.do(""))
	require.True(t, ts.do("register nodomain pw"))
	require.True(t, ts.do("call"))
	require.True(t, ts.do("recents"))
	require.True(t, ts.do("frobnicate"))

	out := ts.buf.String()
	require.Contains(t, out, "Usage: register")
	require.Contains(t, out, "Usage: call")
	require.Contains(t, out, "Recent calls are disabled")
	require.Contains(t, out, "Unknown command: frobnicate")
	require.Zero(t, ts.fake.Count("register"))

	require.False(t, ts.do("quit"))
	require.True(t, ts.stopped)
}

func TestDescribe(t *testing.T) {
	snap := phonestate.Snapshot{
		Registration: phonestate.Registered,
		Call:         phonestate.Active,
		Incoming:     true,
		RemoteParty:  "sip:1012@10.0.0.5",
		Duration:     "01:05",
	}
	require.Equal(t,
		"registration=Registered call=Active incoming sip:1012@10.0.0.5 01:05 mute=false speaker=false",
		describe(snap))
}

func TestParseOnOff(t *testing.T) {
	require.True(t, parseOnOff("on"))
	require.True(t, parseOnOff("yes"))
	require.False(t, parseOnOff("OFF"))
	require.False(t, parseOnOff("0"))
}
