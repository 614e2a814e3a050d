// Package baresip drives a baresip process over its ctrl_tcp module.
package baresip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

const DefaultCommandTimeout = 2 * time.Second

var ErrConnClosed = errors.New("baresip: connection closed")

// EventType is the type field of a ctrl_tcp event.
type EventType string

const (
	EventCallIncoming    EventType = "CALL_INCOMING"
	EventCallOutgoing    EventType = "CALL_OUTGOING"
	EventCallRinging     EventType = "CALL_RINGING"
	EventCallProgress    EventType = "CALL_PROGRESS"
	EventCallAnswered    EventType = "CALL_ANSWERED"
	EventCallEstablished EventType = "CALL_ESTABLISHED"
	EventCallHold        EventType = "CALL_HOLD"
	EventCallResume      EventType = "CALL_RESUME"
	EventCallClosed      EventType = "CALL_CLOSED"
	EventRegisterOK      EventType = "REGISTER_OK"
	EventRegisterFail    EventType = "REGISTER_FAIL"
	EventUnregistering   EventType = "UNREGISTERING"
)

// Event is an asynchronous notification from baresip.
type Event struct {
	Event      bool      `json:"event"`
	Class      string    `json:"class"`
	Type       EventType `json:"type"`
	AccountAOR string    `json:"accountaor"`
	Direction  string    `json:"direction"`
	PeerURI    string    `json:"peeruri"`
	PeerName   string    `json:"peername"`
	ID         string    `json:"id"`
	Param      string    `json:"param"`
}

// Response answers a command carrying the same token.
type Response struct {
	Response bool   `json:"response"`
	OK       bool   `json:"ok"`
	Data     string `json:"data"`
	Token    string `json:"token"`
}

type command struct {
	Command string `json:"command"`
	Params  string `json:"params,omitempty"`
	Token   string `json:"token,omitempty"`
}

// Client is one ctrl_tcp connection.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
	timeout time.Duration

	onEvent func(Event)
	onClose func(error)

	tokens    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan Response

	closed   atomic.Bool
	closedCh chan struct{}
}

// Dial connects to baresip. onEvent is called from the read goroutine for every event in
// arrival order. onClose is called once when the connection drops for any reason other than Close.
func Dial(ctx context.Context, addr string, timeout time.Duration, onEvent func(Event), onClose func(error)) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to baresip at %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	c := &Client{
		conn:     conn,
		timeout:  timeout,
		onEvent:  onEvent,
		onClose:  onClose,
		pending:  make(map[string]chan Response),
		closedCh: make(chan struct{}),
	}
	go c.readLoop()

	log.Printf("[Baresip] Connected to %s", addr)
	return c, nil
}

func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closedCh)
	return c.conn.Close()
}

func (c *Client) readLoop() {
	frames := newFrameReader(c.conn)
	for {
		data, err := frames.next()
		if errors.Is(err, ErrBadFrame) {
			log.Printf("[Baresip] Skipping frame: %v", err)
			continue
		}
		if err != nil {
			if !c.closed.Swap(true) {
				close(c.closedCh)
				_ = c.conn.Close()
				if c.onClose != nil {
					c.onClose(fmt.Errorf("reading from baresip: %w", err))
				}
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	log.Debugf("[Baresip] Received: %s", data)

	var kind struct {
		Event    *bool `json:"event"`
		Response *bool `json:"response"`
	}
	if err := json.Unmarshal(data, &kind); err != nil {
		log.Printf("[Baresip] Invalid JSON: %v", err)
		return
	}

	switch {
	case kind.Event != nil:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[Baresip] Failed to parse event: %v", err)
			return
		}
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	case kind.Response != nil:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			log.Printf("[Baresip] Failed to parse response: %v", err)
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.Token]
		delete(c.pending, resp.Token)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// Command sends cmd and waits for its token-matched response.
func (c *Client) Command(cmd, params string) (*Response, error) {
	token := fmt.Sprintf("tok%d", c.tokens.Add(1))
	data, err := json.Marshal(command{Command: cmd, Params: params, Token: token})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[token] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, token)
		c.pendingMu.Unlock()
	}()

	log.Debugf("[Baresip] Sending: %s", data)
	c.writeMu.Lock()
	err = encodeFrame(c.conn, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", cmd, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return &resp, nil
	case <-c.closedCh:
		return nil, ErrConnClosed
	case <-timer.C:
		return nil, fmt.Errorf("command timeout: %s", cmd)
	}
}
