// Package signaling maintains the resilient relay connection used to
// exchange session-setup messages by recipient HID. The relay routes
// frames only; it never persists payloads, so an offline recipient
// surfaces as a nack status, not an error.
package signaling

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"balancechain/internal/utils/log"
)

const (
	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 8 * time.Second
	backoffFactor  = 1.8

	// BroadcastCap bounds fan-out of a single broadcast.
	BroadcastCap = 50
)

// Frame is the relay wire format.
type Frame struct {
	T      string          `json:"t"`
	Hid    string          `json:"hid,omitempty"`
	To     string          `json:"to,omitempty"`
	From   string          `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`
	OK     bool            `json:"ok,omitempty"`
}

// Status reports connection state transitions and nacks.
type Status struct {
	State  string // connecting | open | retrying | closed | nack | error
	URL    string
	Reason string
	To     string
	Wait   time.Duration
}

type Client struct {
	urls []string
	hid  string

	onMessage func(from string, data json.RawMessage)
	onStatus  func(Status)

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	backoff time.Duration
	i       int

	stopCh chan struct{}
}

func New(urls []string, hid string, onMessage func(from string, data json.RawMessage), onStatus func(Status)) *Client {
	if onMessage == nil {
		onMessage = func(string, json.RawMessage) {}
	}
	if onStatus == nil {
		onStatus = func(Status) {}
	}
	return &Client{
		urls:      urls,
		hid:       hid,
		onMessage: onMessage,
		onStatus:  onStatus,
		backoff:   initialBackoff,
		stopCh:    make(chan struct{}),
	}
}

// Start begins dialing; reconnects run until Stop.
func (c *Client) Start() {
	go c.run()
}

func (c *Client) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send relays data to a HID. Returns false when the connection is not
// currently open or the write fails; the caller may retry later.
func (c *Client) Send(to string, data any) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Error("signaling: marshal payload failed", zap.Error(err))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return false
	}
	if err := c.conn.WriteJSON(Frame{T: "send", To: to, Data: raw}); err != nil {
		log.Debug("signaling: send failed", zap.String("to", to), zap.Error(err))
		return false
	}
	return true
}

// Broadcast sends to each distinct recipient, capped at BroadcastCap.
// Returns true if at least one send succeeded.
func (c *Client) Broadcast(toList []string, data any) bool {
	seen := make(map[string]bool, len(toList))
	ok := false
	n := 0
	for _, to := range toList {
		if seen[to] {
			continue
		}
		seen[to] = true
		if n >= BroadcastCap {
			break
		}
		n++
		ok = c.Send(to, data) || ok
	}
	return ok
}

func (c *Client) run() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		raw := c.urls[c.i%len(c.urls)]
		c.i++
		c.mu.Unlock()

		url := normalizeURL(raw)
		c.onStatus(Status{State: "connecting", URL: url})

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			c.onStatus(Status{State: "error", URL: url, Reason: err.Error()})
			if !c.sleepBackoff("dial") {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.backoff = initialBackoff
		// Sends may start the moment c.conn is visible; the hello
		// write shares the connection's writer, so it stays under
		// the same lock.
		helloErr := conn.WriteJSON(Frame{T: "hello", Hid: c.hid})
		c.mu.Unlock()

		if helloErr != nil {
			log.Debug("signaling: hello failed", zap.Error(helloErr))
		}
		c.onStatus(Status{State: "open", URL: url})

		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()

		c.onStatus(Status{State: "closed", URL: url})
		if closed || !c.sleepBackoff("close") {
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			// Unparseable frames are dropped, but websocket-level
			// errors end this connection.
			if _, ok := err.(*json.SyntaxError); ok {
				continue
			}
			log.Debug("signaling: read loop ended", zap.Error(err))
			conn.Close()
			return
		}
		switch f.T {
		case "msg":
			c.onMessage(f.From, f.Data)
		case "nack":
			c.onStatus(Status{State: "nack", To: f.To, Reason: f.Reason})
		}
	}
}

// sleepBackoff waits the current backoff and grows it. Returns false
// when the client was stopped while waiting.
func (c *Client) sleepBackoff(reason string) bool {
	c.mu.Lock()
	wait := c.backoff
	c.backoff = nextBackoff(c.backoff)
	c.mu.Unlock()

	c.onStatus(Status{State: "retrying", Reason: reason, Wait: wait})
	select {
	case <-time.After(wait):
		return true
	case <-c.stopCh:
		return false
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

var schemeRe = regexp.MustCompile(`(?i)^[a-z]+://`)

// normalizeURL turns whatever the operator configured into a proper
// ws(s) signal endpoint, mirroring what peers on other runtimes do.
func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if !schemeRe.MatchString(u) {
		u = "wss://" + u
	}
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	}
	if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(strings.TrimRight(u, "/"), "/signal") {
		u = strings.TrimRight(u, "/") + "/signal"
	} else {
		u = strings.TrimRight(u, "/")
	}
	return u
}
