package sipua

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dense-identity/softphone/internal/engine"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	log "github.com/sirupsen/logrus"
)

// call is one dialog. Outgoing calls own a context that aborts the INVITE while unanswered.
type call struct {
	handle engine.CallHandle
	callID string
	dir    engine.Direction
	peer   string
	muted  bool

	cancel context.CancelFunc
	out    *sipgo.DialogClientSession
	in     *sipgo.DialogServerSession
	invite *sip.Request
	tx     sip.ServerTransaction

	answered  bool
	responded bool
	confirmed bool
	hangup    bool
	done      bool
	// Closed by finish.
	released chan struct{}
}

// cancelNotifier is implemented by sipgo's INVITE server transaction.
type cancelNotifier interface {
	OnCancel(f func(r *sip.Request))
}

func (c *core) Invite(target string) (engine.CallHandle, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(target, &recipient); err != nil {
		return "", fmt.Errorf("%w: %q: %v", engine.ErrInviteRejected, target, err)
	}
	if recipient.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", engine.ErrInviteRejected, target)
	}
	if c.cfg.Transport == "tcp" {
		if recipient.UriParams == nil {
			recipient.UriParams = sip.NewParams()
		}
		recipient.UriParams.Add("transport", "tcp")
	}
	offer, err := buildOffer(c.host, c.cfg.MediaPort)
	if err != nil {
		return "", fmt.Errorf("%w: %v", engine.ErrInviteRejected, err)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.next++
	cl := &call{
		handle: engine.CallHandle(fmt.Sprintf("sip-out-%d", c.next)),
		dir:      engine.Outgoing,
		peer:     target,
		cancel:   cancel,
		released: make(chan struct{}),
	}
	c.calls[cl.handle] = cl
	from := c.fromHeaderLocked()
	username, password := c.identity.Username, c.secret
	c.mu.Unlock()

	c.pushCall(cl, engine.CallOutgoingInit, "")
	c.loops.Add(1)
	go c.dial(ctx, cl, recipient, offer, from, username, password)
	return cl.handle, nil
}

func (c *core) fromHeaderLocked() *sip.FromHeader {
	if c.identity.Username == "" {
		return nil
	}
	params := sip.NewParams()
	params.Add("tag", newTag())
	return &sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: c.identity.Username, Host: c.identity.Domain},
		Params:  params,
	}
}

func (c *core) dial(ctx context.Context, cl *call, recipient sip.Uri, offer []byte, from *sip.FromHeader, username, password string) {
	defer c.loops.Done()

	contentType := sip.ContentTypeHeader("application/sdp")
	headers := []sip.Header{&contentType}
	if from != nil {
		headers = append(headers, from)
	}
	sess, err := c.dialogs.Invite(ctx, recipient, offer, headers...)
	if err != nil {
		c.dialFailed(cl, nil, err)
		return
	}

	c.mu.Lock()
	cl.out = sess
	cl.callID = callIDOf(sess.InviteRequest)
	if !cl.done {
		c.byCallID[cl.callID] = cl
	}
	c.mu.Unlock()

	var last *sip.Response
	err = sess.WaitAnswer(ctx, sipgo.AnswerOptions{
		Username: username,
		Password: password,
		OnResponse: func(res *sip.Response) error {
			last = res
			if state, ok := provisionalState(res.StatusCode); ok {
				c.pushCall(cl, state, res.Reason)
			}
			return nil
		},
	})
	if err != nil {
		c.dialFailed(cl, last, err)
		return
	}

	c.mu.Lock()
	cl.answered = true
	hangup := cl.hangup
	c.mu.Unlock()

	if err := sess.Ack(c.ctx); err != nil {
		log.Printf("[SipUA] ACK for %s failed: %v", cl.handle, err)
	}
	if hangup {
		// Answered while we were cancelling.
		c.bye(cl)
		return
	}
	reason := ""
	if sess.InviteResponse != nil {
		reason = sess.InviteResponse.Reason
	}
	c.pushLive(cl, engine.CallConnected, reason)

	c.mu.Lock()
	cl.confirmed = true
	c.mu.Unlock()
	c.pushLive(cl, engine.CallStreamsRunning, "")
}

func (c *core) dialFailed(cl *call, last *sip.Response, err error) {
	c.mu.Lock()
	hangup := cl.hangup
	c.mu.Unlock()

	switch {
	case hangup:
		c.finish(cl, engine.CallEnd, "cancelled")
	case last != nil && last.StatusCode >= 300:
		log.Printf("[SipUA] INVITE %s rejected: %s", cl.peer, statusText(last))
		c.finish(cl, engine.CallError, statusText(last))
	default:
		log.Printf("[SipUA] INVITE %s failed: %v", cl.peer, err)
		c.finish(cl, engine.CallError, err.Error())
	}
}

// provisionalState maps a 1xx response of an outgoing INVITE.
func provisionalState(code sip.StatusCode) (engine.CallState, bool) {
	switch {
	case code == 180 || code == 181:
		return engine.CallOutgoingRinging, true
	case code == 183:
		return engine.CallOutgoingEarlyMedia, true
	case code >= 100 && code < 200:
		return engine.CallOutgoingProgress, true
	}
	return 0, false
}

func (c *core) Accept(h engine.CallHandle) error {
	c.mu.Lock()
	cl, ok := c.calls[h]
	if !ok || cl.dir != engine.Incoming || cl.answered {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrUnknownCall, h)
	}
	cl.answered = true
	c.mu.Unlock()

	c.job(func(context.Context) {
		answer, err := buildAnswer(cl.invite.Body(), c.host, c.cfg.MediaPort)
		if err != nil {
			log.Printf("[SipUA] Cannot answer %s: %v", cl.handle, err)
			if err := cl.in.Respond(sip.StatusNotAcceptableHere, "Not Acceptable Here", nil); err != nil {
				log.Printf("[SipUA] 488 for %s failed: %v", cl.handle, err)
			}
			c.finish(cl, engine.CallError, err.Error())
			return
		}

		c.mu.Lock()
		gone := cl.done
		c.mu.Unlock()
		if gone {
			return
		}
		err = cl.in.RespondSDP(answer)
		if err == nil && cl.in.LoadState() < sip.DialogStateEstablished {
			// sipgo skips the write once the INVITE transaction is over.
			err = errors.New("INVITE transaction already terminated")
		}
		if err != nil {
			log.Printf("[SipUA] 200 OK for %s failed: %v", cl.handle, err)
			c.finish(cl, engine.CallError, err.Error())
			return
		}

		c.mu.Lock()
		cl.responded = true
		c.mu.Unlock()
		c.pushLive(cl, engine.CallConnected, "")
	})
	return nil
}

func (c *core) Terminate(h engine.CallHandle) error {
	c.mu.Lock()
	cl, ok := c.calls[h]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", engine.ErrUnknownCall, h)
	}
	if cl.hangup {
		c.mu.Unlock()
		return nil
	}
	cl.hangup = true
	answered := cl.answered
	c.mu.Unlock()

	switch {
	case cl.dir == engine.Outgoing && !answered:
		// dial sees the cancelled context, sends CANCEL and finishes the call.
		cl.cancel()
	case cl.dir == engine.Incoming && !answered:
		c.job(func(context.Context) {
			if err := cl.in.Respond(sip.StatusBusyHere, "Busy Here", nil); err != nil {
				log.Printf("[SipUA] Decline %s failed: %v", cl.handle, err)
			}
			c.finish(cl, engine.CallEnd, "declined")
		})
	default:
		c.job(func(context.Context) { c.bye(cl) })
	}
	return nil
}

// bye ends a confirmed dialog from our side.
func (c *core) bye(cl *call) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
	defer cancel()

	c.mu.Lock()
	out, in := cl.out, cl.in
	c.mu.Unlock()

	var err error
	switch {
	case out != nil:
		err = out.Bye(ctx)
	case in != nil:
		err = in.Bye(ctx)
	}
	if err != nil {
		log.Printf("[SipUA] BYE for %s failed: %v", cl.handle, err)
	}
	c.finish(cl, engine.CallEnd, "")
}

// SetMicMuted records the mute flag. Audio capture belongs to the media stack.
func (c *core) SetMicMuted(h engine.CallHandle, muted bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.calls[h]
	if !ok {
		return fmt.Errorf("%w: %s", engine.ErrUnknownCall, h)
	}
	cl.muted = muted
	return nil
}

func (c *core) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			c.onReinvite(req, tx, callID)
			return
		}
	}

	c.mu.Lock()
	_, dup := c.byCallID[callID]
	c.mu.Unlock()
	if dup {
		log.Debugf("[SipUA] Duplicate INVITE %s", callID)
		return
	}

	sess, err := c.dialogs.ReadInvite(req, tx)
	if err != nil {
		log.Printf("[SipUA] Bad INVITE %s: %v", callID, err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil))
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	c.mu.Lock()
	c.next++
	cl := &call{
		handle:   engine.CallHandle(fmt.Sprintf("sip-in-%d", c.next)),
		callID:   callID,
		dir:      engine.Incoming,
		peer:     remoteParty(req),
		in:       sess,
		invite:   req,
		tx:       tx,
		released: make(chan struct{}),
	}
	c.calls[cl.handle] = cl
	c.byCallID[callID] = cl
	c.mu.Unlock()

	cancelled := make(chan struct{})
	if n, ok := tx.(cancelNotifier); ok {
		var once sync.Once
		n.OnCancel(func(*sip.Request) { once.Do(func() { close(cancelled) }) })
	}

	if err := sess.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		log.Printf("[SipUA] 180 for %s failed: %v", callID, err)
	}
	log.WithFields(log.Fields{"call_id": callID, "from": cl.peer}).Info("[SipUA] Incoming call")
	c.pushCall(cl, engine.CallIncomingReceived, "")

	c.await(cl, tx, cancelled)
}

// await keeps the INVITE handler running until the call is released.
// sipgo terminates the server transaction as soon as the handler returns.
func (c *core) await(cl *call, tx sip.ServerTransaction, cancelled <-chan struct{}) {
	txDone := tx.Done()
	for {
		select {
		case <-cl.released:
			return
		case <-c.ctx.Done():
			return
		case <-cancelled:
			cancelled = nil
			c.unanswered(cl, "cancelled by caller")
		case <-txDone:
			txDone = nil
			c.unanswered(cl, "invite transaction ended")
		}
	}
}

// unanswered ends an incoming call whose INVITE died before our 200 OK went out.
// The transaction layer has already sent 487 for a CANCEL.
func (c *core) unanswered(cl *call, reason string) {
	c.mu.Lock()
	responded := cl.responded
	c.mu.Unlock()
	if responded {
		return
	}
	log.Printf("[SipUA] Incoming call %s ended before answer: %s", cl.handle, reason)
	c.finish(cl, engine.CallEnd, reason)
}

// onReinvite answers an in-dialog offer and reports hold or resume by the peer.
func (c *core) onReinvite(req *sip.Request, tx sip.ServerTransaction, callID string) {
	c.mu.Lock()
	cl, ok := c.byCallID[callID]
	c.mu.Unlock()
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	answer, err := buildAnswer(req.Body(), c.host, c.cfg.MediaPort)
	if err != nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", answer)
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	contact := c.contact
	res.AppendHeader(&contact)
	if err := tx.Respond(res); err != nil {
		log.Printf("[SipUA] re-INVITE response for %s failed: %v", callID, err)
		return
	}

	c.pushCall(cl, engine.CallUpdatedByRemote, "")
	switch directionOf(req.Body()) {
	case sendOnly, inactive:
		c.pushCall(cl, engine.CallPausedByRemote, "")
	default:
		c.pushCall(cl, engine.CallStreamsRunning, "")
	}
}

func (c *core) onAck(req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	cl, ok := c.byCallID[callIDOf(req)]
	first := ok && cl.in != nil && cl.answered && !cl.confirmed
	if first {
		cl.confirmed = true
	}
	c.mu.Unlock()
	if !first {
		return
	}
	if err := cl.in.ReadAck(req, tx); err != nil {
		log.Printf("[SipUA] ACK for %s: %v", cl.handle, err)
	}
	c.pushCall(cl, engine.CallStreamsRunning, "")
}

func (c *core) onBye(req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	cl, ok := c.byCallID[callIDOf(req)]
	var (
		out *sipgo.DialogClientSession
		in  *sipgo.DialogServerSession
	)
	if ok {
		out, in = cl.out, cl.in
	}
	c.mu.Unlock()
	if !ok {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	var err error
	switch {
	case out != nil:
		err = out.ReadBye(req, tx)
	case in != nil:
		err = in.ReadBye(req, tx)
	}
	if err != nil {
		log.Printf("[SipUA] BYE for %s: %v", cl.handle, err)
		_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	}
	c.finish(cl, engine.CallEnd, "remote hangup")
}

func (c *core) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	c.mu.Lock()
	cl, ok := c.byCallID[callIDOf(req)]
	early := ok && cl.dir == engine.Incoming && !cl.answered
	c.mu.Unlock()
	if !early {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		return
	}

	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	_ = cl.tx.Respond(sip.NewResponseFromRequest(cl.invite, 487, "Request Terminated", nil))
	c.finish(cl, engine.CallEnd, "cancelled by caller")
}

// finish reports the terminal state of cl once, followed by Released.
func (c *core) finish(cl *call, state engine.CallState, msg string) {
	c.mu.Lock()
	if cl.done {
		c.mu.Unlock()
		return
	}
	cl.done = true
	if cl.released != nil {
		close(cl.released)
	}
	delete(c.calls, cl.handle)
	if cl.callID != "" {
		delete(c.byCallID, cl.callID)
	}
	out, in := cl.out, cl.in
	c.mu.Unlock()

	if cl.cancel != nil {
		cl.cancel()
	}
	if out != nil {
		_ = out.Close()
	}
	if in != nil {
		_ = in.Close()
	}
	c.pushCall(cl, state, msg)
	c.pushCall(cl, engine.CallReleased, "")
}

// pushLive reports a state unless the call already finished.
func (c *core) pushLive(cl *call, state engine.CallState, msg string) {
	c.mu.Lock()
	done := cl.done
	c.mu.Unlock()
	if !done {
		c.pushCall(cl, state, msg)
	}
}

func (c *core) pushCall(cl *call, state engine.CallState, msg string) {
	c.queue.PushCall(engine.CallEvent{
		Handle:      cl.handle,
		Direction:   cl.dir,
		State:       state,
		Message:     msg,
		RemoteParty: cl.peer,
	})
}

// remoteParty renders the caller as sip:user@host.
func remoteParty(req *sip.Request) string {
	from := req.From()
	if from == nil {
		return ""
	}
	if from.Address.User == "" {
		return "sip:" + from.Address.Host
	}
	return fmt.Sprintf("sip:%s@%s", from.Address.User, from.Address.Host)
}
