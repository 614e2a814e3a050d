// Package sipua is an in-process engine built on sipgo. It handles registration, call
// signaling and SDP negotiation; RTP is left to an external media stack.
package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dense-identity/softphone/internal/engine"
	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultListenAddr      = "0.0.0.0:5060"
	DefaultTransport       = "udp"
	DefaultUserAgent       = "softphone"
	DefaultRegisterExpires = time.Hour
	DefaultMediaPort       = 4000
	DefaultRequestTimeout  = 5 * time.Second
)

// Config for the sipgo engine.
type Config struct {
	ListenAddr string
	Transport  string
	// ContactHost is advertised in Contact, Via and SDP. Detected from the listener when empty.
	ContactHost string
	UserAgent   string
	// Registrar overrides the identity domain as REGISTER target, as host[:port].
	Registrar       string
	RegisterExpires time.Duration
	MediaPort       int
	RequestTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Transport == "" {
		c.Transport = DefaultTransport
	}
	c.Transport = strings.ToLower(c.Transport)
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = DefaultRegisterExpires
	}
	if c.MediaPort <= 0 {
		c.MediaPort = DefaultMediaPort
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Engine implements engine.Engine with a sipgo user agent.
type Engine struct {
	cfg Config
}

func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

func (e *Engine) Start(ctx context.Context, h engine.Handlers) (engine.Core, error) {
	cfg := e.cfg.withDefaults()
	if cfg.Transport != "udp" && cfg.Transport != "tcp" {
		return nil, &engine.InitError{Detail: fmt.Sprintf("unsupported transport %q", cfg.Transport)}
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return nil, &engine.InitError{Detail: "creating user agent", Err: err}
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, &engine.InitError{Detail: "creating server", Err: err}
	}

	l, err := listen(srv, cfg.Transport, cfg.ListenAddr)
	if err != nil {
		ua.Close()
		return nil, &engine.InitError{Detail: "binding " + cfg.ListenAddr, Err: err}
	}
	host := cfg.ContactHost
	if host == "" {
		host = detectHost(l.host)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(host))
	if err != nil {
		_ = l.close()
		ua.Close()
		return nil, &engine.InitError{Detail: "creating client", Err: err}
	}

	c := newCore(cfg, h)
	c.ua = ua
	c.client = client
	c.listener = l
	c.host = host
	c.contact = sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "softphone", Host: host, Port: l.port},
	}
	if cfg.Transport == "tcp" {
		c.contact.Address.UriParams = sip.NewParams()
		c.contact.Address.UriParams.Add("transport", "tcp")
	}
	c.dialogs = &sipgo.DialogUA{Client: client, ContactHDR: c.contact}

	srv.OnRequest(sip.INVITE, c.onInvite)
	srv.OnRequest(sip.ACK, c.onAck)
	srv.OnRequest(sip.BYE, c.onBye)
	srv.OnRequest(sip.CANCEL, c.onCancel)

	c.loops.Add(1)
	go func() {
		defer c.loops.Done()
		if err := l.serve(); err != nil && c.ctx.Err() == nil {
			log.Printf("[SipUA] Listener stopped: %v", err)
		}
	}()

	log.WithFields(log.Fields{
		"listen":    net.JoinHostPort(l.host, strconv.Itoa(l.port)),
		"transport": cfg.Transport,
		"contact":   host,
	}).Info("[SipUA] Started")
	return c, nil
}

type listener struct {
	host  string
	port  int
	serve func() error
	close func() error
}

func listen(srv *sipgo.Server, network, addr string) (*listener, error) {
	var (
		local net.Addr
		l     = &listener{}
	)
	switch network {
	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		local = conn.LocalAddr()
		l.serve = func() error { return srv.ServeUDP(conn) }
		l.close = conn.Close
	case "tcp":
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		local = ln.Addr()
		l.serve = func() error { return srv.ServeTCP(ln) }
		l.close = ln.Close
	}

	host, port, err := net.SplitHostPort(local.String())
	if err != nil {
		_ = l.close()
		return nil, err
	}
	l.host = host
	l.port, _ = strconv.Atoi(port)
	return l, nil
}

// detectHost returns the listen host, or the address of the default route when the
// listener is bound to every interface.
func detectHost(listenHost string) string {
	if ip := net.ParseIP(listenHost); ip != nil && !ip.IsUnspecified() {
		return listenHost
	}
	// A UDP connect sends nothing; it only selects the outbound interface.
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

type core struct {
	cfg      Config
	handlers engine.Handlers
	queue    engine.EventQueue

	ua       *sipgo.UserAgent
	client   *sipgo.Client
	dialogs  *sipgo.DialogUA
	listener *listener
	contact  sip.ContactHeader
	host     string

	ctx    context.Context
	cancel context.CancelFunc
	// loops are long-lived goroutines; jobs are short requests bounded by RequestTimeout.
	loops sync.WaitGroup
	jobs  sync.WaitGroup
	once  sync.Once

	mu       sync.Mutex
	next     int
	calls    map[engine.CallHandle]*call
	byCallID map[string]*call
	identity engine.Identity
	secret   string
	regGen   int
	regStop  context.CancelFunc
}

func newCore(cfg Config, h engine.Handlers) *core {
	ctx, cancel := context.WithCancel(context.Background())
	return &core{
		cfg:      cfg,
		handlers: h,
		ctx:      ctx,
		cancel:   cancel,
		calls:    make(map[engine.CallHandle]*call),
		byCallID: make(map[string]*call),
	}
}

// Register replaces any running registration with one for id.
func (c *core) Register(id engine.Identity, secret string) error {
	if err := id.Validate(); err != nil {
		return err
	}
	target := c.cfg.Registrar
	if target == "" {
		target = id.Domain
	}
	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+target, &recipient); err != nil {
		return fmt.Errorf("%w: registrar %q: %v", engine.ErrProxyConfig, target, err)
	}
	if c.cfg.Transport == "tcp" {
		if recipient.UriParams == nil {
			recipient.UriParams = sip.NewParams()
		}
		recipient.UriParams.Add("transport", "tcp")
	}

	ctx, stop := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.regStop != nil {
		c.regStop()
	}
	c.regGen++
	gen := c.regGen
	c.regStop = stop
	c.identity = id
	c.secret = secret
	if n := c.queue.DropRegistrations(); n > 0 {
		log.Debugf("[SipUA] Dropped %d undelivered registration events", n)
	}
	c.mu.Unlock()

	r := &registration{
		id:        id,
		secret:    secret,
		recipient: recipient,
		callID:    uuid.NewString(),
		tag:       newTag(),
		expires:   int(c.cfg.RegisterExpires / time.Second),
	}
	c.pushRegistration(gen, engine.RegistrationEvent{State: engine.RegistrationProgress})
	c.loops.Add(1)
	go c.maintain(ctx, gen, r)
	return nil
}

// registration is one REGISTER dialog: a stable Call-ID and From tag with increasing CSeq.
type registration struct {
	id        engine.Identity
	secret    string
	recipient sip.Uri
	callID    string
	tag       string
	cseq      uint32
	expires   int
}

func (r *registration) request(contact sip.ContactHeader, authName, authValue string) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, r.recipient)

	aor := sip.Uri{Scheme: "sip", User: r.id.Username, Host: r.id.Domain}
	fromParams := sip.NewParams()
	fromParams.Add("tag", r.tag)
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)
	r.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.cseq, MethodName: sip.REGISTER})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(r.expires)))
	if authName != "" {
		req.AppendHeader(sip.NewHeader(authName, authValue))
	}
	return req
}

type authHeaders struct {
	challenge string
	response  string
}

var authByStatus = map[sip.StatusCode]authHeaders{
	sip.StatusUnauthorized:      {challenge: "WWW-Authenticate", response: "Authorization"},
	sip.StatusProxyAuthRequired: {challenge: "Proxy-Authenticate", response: "Proxy-Authorization"},
}

// authorize computes the digest answer to a 401/407 challenge.
func authorize(res *sip.Response, challengeHeader, method, uri, username, password string) (string, error) {
	hdr := res.GetHeader(challengeHeader)
	if hdr == nil {
		return "", fmt.Errorf("no %s header in %d response", challengeHeader, res.StatusCode)
	}
	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return "", fmt.Errorf("invalid challenge %q: %w", hdr.Value(), err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return "", err
	}
	return cred.String(), nil
}

// send runs one REGISTER, answering a single digest challenge.
func (c *core) send(ctx context.Context, r *registration) (*sip.Response, error) {
	res, err := c.roundTrip(ctx, r.request(c.contact, "", ""))
	if err != nil {
		return nil, err
	}
	auth, challenged := authByStatus[res.StatusCode]
	if !challenged || r.secret == "" {
		return res, nil
	}
	value, err := authorize(res, auth.challenge, sip.REGISTER.String(), r.recipient.String(), r.id.Username, r.secret)
	if err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, r.request(c.contact, auth.response, value))
}

// roundTrip waits for the final response of a non-INVITE transaction.
func (c *core) roundTrip(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	tx, err := c.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				return nil, errors.New("transaction closed without response")
			}
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction ended without final response")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// maintain registers and refreshes the binding until ctx ends or a refresh fails.
func (c *core) maintain(ctx context.Context, gen int, r *registration) {
	defer c.loops.Done()

	for {
		res, err := c.send(ctx, r)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			log.Printf("[SipUA] REGISTER %s failed: %v", r.id.Address(), err)
			c.pushRegistration(gen, engine.RegistrationEvent{State: engine.RegistrationFailed, Message: err.Error()})
			return
		case res.StatusCode >= 300:
			msg := statusText(res)
			log.Printf("[SipUA] REGISTER %s rejected: %s", r.id.Address(), msg)
			c.pushRegistration(gen, engine.RegistrationEvent{State: engine.RegistrationFailed, Message: msg})
			return
		}

		log.Debugf("[SipUA] REGISTER %s: %s", r.id.Address(), statusText(res))
		c.pushRegistration(gen, engine.RegistrationEvent{State: engine.RegistrationOk, Message: res.Reason})

		timer := time.NewTimer(refreshAfter(r.expires))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// refreshAfter renews bindings shortly before they expire.
func refreshAfter(expires int) time.Duration {
	d := time.Duration(expires) * time.Second
	if d > 2*time.Minute {
		return d - time.Minute
	}
	return d / 2
}

// pushRegistration drops events from a registration that was replaced and stamps the rest
// with the registered account.
func (c *core) pushRegistration(gen int, ev engine.RegistrationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.regGen {
		return
	}
	ev.Account = c.identity.Address()
	c.queue.PushRegistration(ev)
}

func (c *core) Pump() {
	c.queue.Drain(c.handlers)
}

func (c *core) Close() error {
	var err error
	c.once.Do(func() {
		// Let BYEs and responses queued by Terminate go out first.
		c.jobs.Wait()
		c.cancel()
		if c.client != nil {
			_ = c.client.Close()
		}
		if c.listener != nil {
			_ = c.listener.close()
		}
		if c.ua != nil {
			err = c.ua.Close()
		}
		c.loops.Wait()
		log.Printf("[SipUA] Closed")
	})
	return err
}

// job runs fn off the caller's goroutine. Close waits for it.
func (c *core) job(fn func(ctx context.Context)) {
	c.jobs.Add(1)
	go func() {
		defer c.jobs.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func statusText(res *sip.Response) string {
	return fmt.Sprintf("%d %s", res.StatusCode, res.Reason)
}

func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func callIDOf(req *sip.Request) string {
	if id := req.CallID(); id != nil {
		return string(*id)
	}
	return ""
}
