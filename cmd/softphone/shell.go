package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dense-identity/softphone/internal/callsession"
	"github.com/dense-identity/softphone/internal/calltimer"
	"github.com/dense-identity/softphone/internal/phonestate"
	"github.com/dense-identity/softphone/internal/recents"
	"github.com/dense-identity/softphone/internal/telephony"
	log "github.com/sirupsen/logrus"
)

const defaultRecents = 10

// shell reads commands from stdin and turns them into controller calls.
type shell struct {
	controller *callsession.Controller
	console    *telephony.ConsoleProvider
	store      *recents.Store
	stop       context.CancelFunc
	out        io.Writer
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if !s.exec(scanner.Text()) {
			return
		}
	}
}

// exec runs one command line. It reports false when the shell should exit.
func (s *shell) exec(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}

	switch cmd := strings.ToLower(parts[0]); cmd {
	case "register", "reg":
		if len(parts) < 3 {
			s.printf("Usage: register <user>@<domain> <password>\n")
			return true
		}
		user, domain, ok := strings.Cut(parts[1], "@")
		if !ok {
			s.printf("Usage: register <user>@<domain> <password>\n")
			return true
		}
		register(s.controller, user, parts[2], domain)

	case "call", "dial":
		if len(parts) < 2 {
			s.printf("Usage: call <number|user@host|sip:uri>\n")
			return true
		}
		target := parts[1]
		s.controller.Call(target, func(err error) {
			if err != nil {
				s.printf("Call failed: %v\n", err)
			} else {
				s.printf("Calling %s...\n", target)
			}
		})

	case "hangup", "end":
		s.controller.HangUp()

	case "answer":
		if !s.console.Answer() {
			s.controller.AcceptIncoming()
		}

	case "reject":
		if !s.console.Reject() {
			s.controller.HangUp()
		}

	case "mute", "unmute":
		s.controller.SetMute(cmd == "mute")

	case "speaker":
		on := true
		if len(parts) > 1 {
			on = parseOnOff(parts[1])
		}
		s.controller.SetSpeaker(on)

	case "status":
		s.printf("%s\n", describe(s.controller.State().Snapshot()))

	case "recents":
		s.showRecents(parts[1:])

	case "reset":
		s.console.Reset()

	case "quit", "exit":
		s.stop()
		return false

	case "help":
		printHelp()

	default:
		s.printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *shell) showRecents(args []string) {
	if s.store == nil {
		s.printf("Recent calls are disabled\n")
		return
	}
	n := defaultRecents
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			n = v
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	entries, err := s.store.List(ctx, s.controller.Account(), n)
	if err != nil {
		s.printf("Recents failed: %v\n", err)
		return
	}
	if len(entries) == 0 {
		s.printf("No recent calls\n")
		return
	}
	for _, e := range entries {
		s.printf("  %s  %-8s %-9s %-28s %s\n",
			e.EndedAt.Local().Format("2006-01-02 15:04"), e.Direction, e.Outcome, e.RemoteParty,
			calltimer.Format(e.Duration))
	}
}

func register(controller *callsession.Controller, user, password, domain string) {
	controller.Register(user, password, domain, func(ok bool, err error) {
		if ok {
			log.Printf("[Softphone] Registered as %s@%s", user, domain)
			return
		}
		log.Printf("[Softphone] Registration failed: %v", err)
	})
}

func parseOnOff(v string) bool {
	switch strings.ToLower(v) {
	case "off", "false", "0", "no":
		return false
	}
	return true
}

func describe(snap phonestate.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "registration=%s", snap.Registration)
	if snap.RegistrationMessage != "" {
		fmt.Fprintf(&b, " (%s)", snap.RegistrationMessage)
	}
	fmt.Fprintf(&b, " call=%s", snap.Call)
	if snap.Call != phonestate.Idle {
		dir := "outgoing"
		if snap.Incoming {
			dir = "incoming"
		}
		fmt.Fprintf(&b, " %s %s %s", dir, snap.RemoteParty, snap.Duration)
	}
	fmt.Fprintf(&b, " mute=%v speaker=%v", snap.MicMuted, snap.SpeakerOn)
	return b.String()
}

// watchState logs registration and call transitions but not every duration tick.
func watchState() func(phonestate.Snapshot) {
	var last phonestate.Snapshot
	return func(snap phonestate.Snapshot) {
		if snap.Registration == last.Registration && snap.Call == last.Call {
			last = snap
			return
		}
		last = snap
		log.Printf("[Softphone] %s", describe(snap))
	}
}

// printer is the controller delegate of the CLI.
type printer struct{}

func (printer) IncomingCallReceived(remoteParty string) {
	log.Printf("[Softphone] Incoming call from %s", remoteParty)
}

func (printer) CallEnded(reason string) {
	log.Printf("[Softphone] Call ended: %s", reason)
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  register <user>@<domain> <password> - Register the account")
	fmt.Println("  call <target>        - Place a call (number, user@host or sip: URI)")
	fmt.Println("  answer | reject      - Answer or reject the ringing call")
	fmt.Println("  hangup               - End the current call")
	fmt.Println("  mute | unmute        - Toggle the microphone")
	fmt.Println("  speaker [on|off]     - Route audio to the loudspeaker")
	fmt.Println("  status               - Show registration and call state")
	fmt.Println("  recents [n]          - Show recent calls")
	fmt.Println("  reset                - Simulate a telephony subsystem reset")
	fmt.Println("  quit                 - Exit")
}
