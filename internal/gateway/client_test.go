package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/daiyosei/cirno-go/internal/config"
	"github.com/daiyosei/cirno-go/internal/onebot"
)

// fakeGateway is a minimal OneBot endpoint for tests: it pushes the
// given frames to each connection and records frames it receives.
type fakeGateway struct {
	t        *testing.T
	frames   []string
	received chan map[string]any
	srv      *httptest.Server
}

func newFakeGateway(t *testing.T, frames ...string) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, frames: frames, received: make(chan map[string]any, 8)}
	upgrader := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, f := range g.frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			g.received <- msg
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) clientConfig() config.GatewayConfig {
	host, portStr, err := net.SplitHostPort(g.srv.Listener.Addr().String())
	require.NoError(g.t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(g.t, err)
	return config.GatewayConfig{Host: host, Port: port}
}

const sampleEventFrame = `{
	"post_type": "message",
	"message_type": "private",
	"message_id": 42,
	"user_id": 7,
	"message": [{"type": "text", "data": {"text": "hi"}}]
}`

func TestClient_ReceivesEventsAndDropsNoise(t *testing.T) {
	g := newFakeGateway(t,
		`{"post_type":"meta_event","meta_event_type":"heartbeat"}`,
		`{this is not json`,
		sampleEventFrame,
		sampleEventFrame, // duplicate message_id, must be suppressed
	)

	c := NewClient(g.clientConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ev := <-c.Events():
		require.Equal(t, int64(42), ev.MessageID)
		require.Equal(t, "hi", ev.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}

	// The duplicate and the noise frames must not surface.
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected extra event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

const followupEventFrame = `{
	"post_type": "message",
	"message_type": "private",
	"message_id": 43,
	"user_id": 7,
	"message": [{"type": "text", "data": {"text": "still there?"}}]
}`

// A gateway that drops the socket and replays the last event on the
// next connection must not cause the event to be processed twice.
func TestClient_ReconnectSuppressesReplay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if conns.Add(1) == 1 {
			// First connection: deliver one event, then drop the socket.
			_ = conn.WriteMessage(websocket.TextMessage, []byte(sampleEventFrame))
			conn.Close()
			return
		}
		// Reconnection: replay the same message_id, then send a new one.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(sampleEventFrame))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(followupEventFrame))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewClient(config.GatewayConfig{Host: host, Port: port})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	select {
	case ev := <-c.Events():
		require.Equal(t, int64(42), ev.MessageID)
	case <-time.After(3 * time.Second):
		t.Fatal("no event from the first connection")
	}

	// Reconnect backoff starts at one second; wait out the redial, then
	// the replayed 42 must be suppressed and only 43 delivered.
	select {
	case ev := <-c.Events():
		require.Equal(t, int64(43), ev.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after reconnect")
	}
	require.GreaterOrEqual(t, conns.Load(), int32(2))

	select {
	case ev := <-c.Events():
		t.Fatalf("replayed event surfaced twice: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_SendWritesActionFrame(t *testing.T) {
	g := newFakeGateway(t, sampleEventFrame)

	c := NewClient(g.clientConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var ev *onebot.InboundEvent
	select {
	case ev = <-c.Events():
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}

	action := onebot.NewReply(ev, onebot.Text("pong"))
	require.NoError(t, c.Send(ctx, action))

	select {
	case got := <-g.received:
		require.Equal(t, "send_private_msg", got["action"])
		require.Equal(t, action.Echo, got["echo"])
		params, ok := got["params"].(map[string]any)
		require.True(t, ok)
		require.Equal(t, float64(7), params["user_id"])
		raw, err := json.Marshal(params["message"])
		require.NoError(t, err)
		require.Contains(t, string(raw), "pong")
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the action")
	}
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	c := NewClient(config.GatewayConfig{Host: "127.0.0.1", Port: 6199})
	err := c.Send(context.Background(), &onebot.OutboundAction{Action: "send_private_msg"})
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
}

func TestSeenSet_DedupeAndEviction(t *testing.T) {
	s := newSeenSet(3)
	require.True(t, s.add(1))
	require.False(t, s.add(1))
	require.True(t, s.add(2))
	require.True(t, s.add(3))

	// Inserting a fourth ID evicts the oldest.
	require.True(t, s.add(4))
	require.True(t, s.add(1))
}
