// Package gateway maintains the WebSocket session to the OneBot V11
// message provider. It decodes inbound frames into events, sends action
// frames, and reconnects with backoff when the socket drops.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daiyosei/cirno-go/internal/config"
	"github.com/daiyosei/cirno-go/internal/logger"
	"github.com/daiyosei/cirno-go/internal/onebot"
)

var log = logger.With("gateway")

const (
	handshakeTimeout = 10 * time.Second
	backoffInitial   = time.Second
	backoffMax       = 30 * time.Second
	eventBuffer      = 64
	dedupeWindow     = 1024
)

// ConnectionError reports a lost or unreachable gateway socket.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return fmt.Sprintf("gateway connection: %v", e.Err) }
func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrClosed is returned by Send after the client shut down.
var ErrClosed = errors.New("gateway: client closed")

// Client is the OneBot gateway client. Create with NewClient, start
// with Run, consume inbound messages from Events.
type Client struct {
	cfg config.GatewayConfig
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	events chan *onebot.InboundEvent
	seen   *seenSet

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient builds a client for the configured gateway address.
func NewClient(cfg config.GatewayConfig) *Client {
	return &Client{
		cfg:    cfg,
		url:    cfg.URL(),
		events: make(chan *onebot.InboundEvent, eventBuffer),
		seen:   newSeenSet(dedupeWindow),
		closed: make(chan struct{}),
	}
}

// Events returns the channel of decoded inbound chat messages. The
// channel closes when Run returns.
func (c *Client) Events() <-chan *onebot.InboundEvent {
	return c.events
}

// Run dials the gateway and pumps frames until ctx is cancelled,
// reconnecting with capped exponential backoff on socket loss. Run is
// the only goroutine that dials, so at most one reconnect attempt is
// ever in flight.
func (c *Client) Run(ctx context.Context) error {
	defer c.closeOnce.Do(func() {
		close(c.closed)
		close(c.events)
	})

	backoff := backoffInitial
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("gateway dial failed, retrying", "url", c.url, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
			continue
		}
		backoff = backoffInitial
		log.Info("gateway connected", "url", c.url)

		c.setConn(conn)
		// Unblock the read loop when ctx is cancelled mid-read.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()
		err = c.readLoop(ctx, conn)
		close(done)
		c.setConn(nil)
		_ = conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("gateway connection lost, reconnecting", "error", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	var header http.Header
	if c.cfg.AccessToken != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.cfg.AccessToken}}
	}
	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	return conn, nil
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// readLoop pumps one connection until it fails or ctx is cancelled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return &ConnectionError{Err: err}
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	ev, err := onebot.ParseEvent(data)
	if err == nil {
		// Replay after reconnect must not produce duplicate processing.
		if ev.MessageID != 0 && !c.seen.add(ev.MessageID) {
			log.Debug("dropping duplicate inbound frame", "message_id", ev.MessageID)
			return
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
		}
		return
	}

	if errors.Is(err, onebot.ErrNotMessage) {
		if resp, rerr := onebot.ParseActionResponse(data); rerr == nil && !resp.OK() {
			log.Warn("gateway rejected action", "echo", resp.Echo, "retcode", resp.Retcode)
		}
		return
	}

	var perr *onebot.ProtocolError
	if errors.As(err, &perr) {
		log.Warn("dropping malformed frame", "error", perr)
		return
	}
	log.Warn("dropping unreadable frame", "error", err)
}

// Send serializes and transmits one action frame. It fails with a
// *ConnectionError while the socket is down.
func (c *Client) Send(ctx context.Context, action *onebot.OutboundAction) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return &ConnectionError{Err: errors.New("not connected")}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
	}
	if err := c.conn.WriteJSON(action); err != nil {
		return &ConnectionError{Err: err}
	}
	log.Debug("sent action", "action", action.Action, "echo", action.Echo)
	return nil
}

// seenSet is a fixed-size ring of recently processed message IDs.
type seenSet struct {
	mu    sync.Mutex
	ids   map[int64]struct{}
	order []int64
	next  int
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		ids:   make(map[int64]struct{}, capacity),
		order: make([]int64, capacity),
	}
}

// add records an ID and reports whether it was new.
func (s *seenSet) add(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[id]; dup {
		return false
	}
	if old := s.order[s.next]; old != 0 {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % len(s.order)
	s.ids[id] = struct{}{}
	return true
}
