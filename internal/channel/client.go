// Package channel manages the long-lived event connection to the backend.
// Outbound emits are fire-and-forget; inbound named events form an
// unbounded, non-restartable sequence delivered on Events() for as long as
// the connection is up. Connection loss is reported, never silently
// swallowed, and never retried here; reconnecting is the operator's call.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thinkalike/console/internal/logging"
	"github.com/thinkalike/console/internal/trace"
)

var log = logging.L("channel")

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 512 * 1024
	handshakeTimeout = 10 * time.Second
)

// Status is the connection lifecycle state. Transitions happen only inside
// this package; consumers observe them via Lifecycle().
type Status string

const (
	Disconnected Status = "disconnected"
	Connecting   Status = "connecting"
	Connected    Status = "connected"
	Closing      Status = "closing"
)

// ErrNotConnected is returned by Emit when no connection is up. Callers are
// expected to check Status first; this is the misuse backstop.
var ErrNotConnected = errors.New("channel not connected")

// Event is one named event frame, either direction.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Client is the event channel client. One Client reconnects across
// sessions, but each inbound sequence ends for good when its connection
// does.
type Client struct {
	url  string
	sink trace.Sink

	mu     sync.Mutex
	conn   *websocket.Conn
	status Status
	done   chan struct{} // closed to stop the current session's write pump

	sendCh    chan []byte
	events    chan Event
	lifecycle chan Status
}

func New(rawURL string, sink trace.Sink) *Client {
	return &Client{
		url:       rawURL,
		sink:      sink,
		status:    Disconnected,
		sendCh:    make(chan []byte, 64),
		events:    make(chan Event, 64),
		lifecycle: make(chan Status, 16),
	}
}

// Events delivers inbound named events in arrival order.
func (c *Client) Events() <-chan Event { return c.events }

// Lifecycle delivers status transitions in the order they happen.
func (c *Client) Lifecycle() <-chan Status { return c.lifecycle }

// Status returns the current connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials the backend and suspends until the connection is up or the
// dial fails. Already Connected or Connecting is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status == Connected || c.status == Connecting {
		c.mu.Unlock()
		return nil
	}
	c.setStatusLocked(Connecting)
	c.mu.Unlock()

	wsURL, err := normalizeURL(c.url)
	if err != nil {
		c.transition(Disconnected)
		c.sink.Append(trace.Local, trace.Channel, "connect failed", err)
		return fmt.Errorf("channel URL: %w", err)
	}

	c.sink.Append(trace.Outbound, trace.Channel, "connect "+wsURL, nil)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		c.transition(Disconnected)
		c.sink.Append(trace.Inbound, trace.Channel, "connect failed", err)
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	conn.SetReadLimit(maxMessageSize)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.setStatusLocked(Connected)
	c.mu.Unlock()

	c.sink.Append(trace.Inbound, trace.Channel, "connected", nil)
	log.Info("connected", "url", wsURL)

	go c.writePump(conn, done)
	go c.readPump(conn, done)
	return nil
}

// Disconnect closes the connection and suspends until the close handshake
// is sent. Not connected is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.status != Connected && c.status != Connecting {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	done := c.done
	c.setStatusLocked(Closing)
	c.mu.Unlock()

	c.sink.Append(trace.Outbound, trace.Channel, "disconnect", nil)

	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		default:
			close(done)
		}
	}

	c.mu.Lock()
	c.conn = nil
	c.done = nil
	c.setStatusLocked(Disconnected)
	c.mu.Unlock()

	c.sink.Append(trace.Inbound, trace.Channel, "disconnected", nil)
	return nil
}

// Emit sends one named event, fire-and-forget. It never blocks waiting for
// a reply: whether the backend accepted is learned only from a later
// inbound event.
func (c *Client) Emit(name string, data any) error {
	c.mu.Lock()
	connected := c.status == Connected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	ev := Event{Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", name, err)
		}
		ev.Data = raw
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", name, err)
	}

	c.sink.Append(trace.Outbound, trace.Channel, "emit "+name, ev.Data)

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return fmt.Errorf("emit %s: send buffer full", name)
	}
}

func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			c.handleReadExit(conn, done, err)
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Warn("unparseable frame", "error", err)
			continue
		}
		if ev.Name == "" {
			// Server acks and keepalive noise carry no event name.
			continue
		}

		c.sink.Append(trace.Inbound, trace.Channel, ev.Name, ev.Data)
		c.events <- ev
	}
}

// handleReadExit distinguishes an operator-requested close (status already
// Closing or Disconnected) from a connection loss, which must be surfaced.
func (c *Client) handleReadExit(conn *websocket.Conn, done chan struct{}, err error) {
	c.mu.Lock()
	if c.conn != conn || c.status != Connected {
		// Disconnect owns the transition; nothing to report.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.done = nil
	c.setStatusLocked(Disconnected)
	c.mu.Unlock()

	select {
	case <-done:
	default:
		close(done)
	}
	_ = conn.Close()

	c.sink.Append(trace.Inbound, trace.Channel, "connection lost", err)
	log.Warn("connection lost", "error", err)
}

func (c *Client) writePump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case frame := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Warn("write error", "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// setStatusLocked records a transition and pushes it to Lifecycle().
// Caller holds c.mu.
func (c *Client) setStatusLocked(s Status) {
	if c.status == s {
		return
	}
	c.status = s
	select {
	case c.lifecycle <- s:
	default:
		log.Warn("lifecycle buffer full, dropping signal", "status", s)
	}
}

func (c *Client) transition(s Status) {
	c.mu.Lock()
	c.setStatusLocked(s)
	c.mu.Unlock()
}

// normalizeURL maps http(s) schemes to ws(s) so the channel URL can be
// derived from the same backend base as the REST URL.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}
