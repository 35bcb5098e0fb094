package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func frame(typ string, payload json.RawMessage) []byte {
	b, _ := json.Marshal(RealtimeEnvelope{Type: typ, Payload: payload})
	return b
}

// drain reads until the peer goes away so close handshakes complete.
func drain(ctx context.Context, c *websocket.Conn) {
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return
		}
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastConfig(srv *httptest.Server) RealtimeConfig {
	return RealtimeConfig{
		URL:                wsURL(srv),
		Token:              "tok-123",
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		DegradedThreshold:  2,
	}
}

// ============================================================================
// Envelope decoding
// ============================================================================

func TestDecodeEnvelope(t *testing.T) {
	ev, ok, err := decodeEnvelope(frame("new_message", msgJSON(1, 2, 3, 0, "x")))
	if err != nil || !ok || ev.Kind != EventNewMessage {
		t.Fatalf("unexpected result %+v %v %v", ev, ok, err)
	}
	if _, ok, err := decodeEnvelope(frame("presence", json.RawMessage(`{}`))); ok || err != nil {
		t.Fatal("unknown types should be skipped without error")
	}
	if _, _, err := decodeEnvelope([]byte("{")); err == nil {
		t.Fatal("expected error for invalid frame")
	}
}

func TestRealtimeConfigEndpoint(t *testing.T) {
	c := RealtimeConfig{URL: "wss://chat.example.com/ws?v=2", Token: "a b"}
	got, err := c.endpoint()
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://chat.example.com/ws?token=a+b&v=2" {
		t.Fatalf("unexpected endpoint %s", got)
	}
}

// ============================================================================
// WSTransport
// ============================================================================

func TestWSTransportDeliversInOrder(t *testing.T) {
	var token atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token.Store(r.URL.Query().Get("token"))
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		c.Write(ctx, websocket.MessageText, frame("message.new", msgJSON(1, 10, 2, 1, "a")))
		c.Write(ctx, websocket.MessageText, frame("typing", json.RawMessage(`{}`)))
		c.Write(ctx, websocket.MessageText, []byte("not json"))
		c.Write(ctx, websocket.MessageText, frame("conversation.updated", convJSON(10, 2, 1, nil)))
		c.Write(ctx, websocket.MessageText, frame("conversation.deleted", json.RawMessage(`{"id":10}`)))
		drain(ctx, c)
	}))
	defer srv.Close()

	ws := NewWSTransport(fastConfig(srv))
	var log eventLog
	ws.OnEvent(log.record)

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ws.Disconnect()
	if ws.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ws.State())
	}

	waitFor(t, "three events", func() bool { return log.len() >= 3 })
	want := []EventKind{EventNewMessage, EventConversationUpdated, EventConversationDeleted}
	got := log.kinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if token.Load() != "tok-123" {
		t.Fatalf("token not sent, got %v", token.Load())
	}
}

func TestWSTransportReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := conns.Add(1)
		ctx := r.Context()
		c.Write(ctx, websocket.MessageText, frame("message.new", msgJSON(int64(n), 10, 2, int(n), "x")))
		if n == 1 {
			c.Close(websocket.StatusGoingAway, "restart")
			return
		}
		drain(ctx, c)
	}))
	defer srv.Close()

	ws := NewWSTransport(fastConfig(srv))
	var log eventLog
	ws.OnEvent(log.record)
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ws.Disconnect()

	waitFor(t, "event from second connection", func() bool { return log.len() >= 2 })
	if conns.Load() < 2 {
		t.Fatalf("expected a reconnect, got %d connections", conns.Load())
	}
	waitFor(t, "connected state", func() bool { return ws.State() == StateConnected })
}

func TestWSTransportDegraded(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		drain(r.Context(), c)
	}))
	defer srv.Close()

	ws := NewWSTransport(fastConfig(srv))
	var mu sync.Mutex
	var transitions []bool
	ws.OnDegraded(func(on bool) {
		mu.Lock()
		transitions = append(transitions, on)
		mu.Unlock()
	})

	err := ws.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Fatalf("expected TransportError from first dial, got %v", err)
	}
	defer ws.Disconnect()

	waitFor(t, "recovery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2
	})
	mu.Lock()
	got := append([]bool(nil), transitions...)
	mu.Unlock()
	if !got[0] || got[1] {
		t.Fatalf("expected [true false], got %v", got)
	}
	waitFor(t, "connected state", func() bool { return ws.State() == StateConnected })
}

func TestWSTransportConnectDisconnect(t *testing.T) {
	var conns atomic.Int32
	send := make(chan []byte, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		ctx := c.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case b := <-send:
				if err := c.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	ws := NewWSTransport(fastConfig(srv))
	var log eventLog
	ws.OnEvent(log.record)

	if err := ws.Disconnect(); err != nil {
		t.Fatal("Disconnect before Connect should be a no-op")
	}
	for i := 0; i < 2; i++ {
		if err := ws.Connect(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if conns.Load() != 1 {
		t.Fatalf("Connect is not idempotent: %d connections", conns.Load())
	}

	send <- frame("message.new", msgJSON(1, 10, 2, 1, "x"))
	waitFor(t, "first event", func() bool { return log.len() == 1 })

	ws.Disconnect()
	ws.Disconnect()
	if ws.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", ws.State())
	}
	time.Sleep(20 * time.Millisecond)
	if log.len() != 1 {
		t.Fatal("event delivered after Disconnect")
	}

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ws.Disconnect()
	waitFor(t, "second connection", func() bool { return conns.Load() == 2 })
}

func TestWSTransportDisconnectClearsDegraded(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		drain(r.Context(), c)
	}))
	defer srv.Close()

	ws := NewWSTransport(fastConfig(srv))
	var mu sync.Mutex
	var transitions []bool
	ws.OnDegraded(func(on bool) {
		mu.Lock()
		transitions = append(transitions, on)
		mu.Unlock()
	})
	snapshot := func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), transitions...)
	}

	ws.Connect(context.Background())
	waitFor(t, "degraded", func() bool { return len(snapshot()) == 1 })
	ws.Disconnect()
	if got := snapshot(); len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("expected [true false] after Disconnect, got %v", got)
	}

	// A fresh breaker lets the next Connect dial straight away.
	failing.Store(false)
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect after Disconnect: %v", err)
	}
	defer ws.Disconnect()
	if ws.State() != StateConnected {
		t.Fatalf("expected connected, got %s", ws.State())
	}
	if got := snapshot(); len(got) != 2 {
		t.Fatalf("unexpected transitions %v", got)
	}
}
