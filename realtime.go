package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raulk/clock"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Transport
// ============================================================================

// EventKind is the kind of a push event.
type EventKind string

const (
	EventNewMessage          EventKind = "newMessage"
	EventConversationUpdated EventKind = "conversationUpdated"
	EventConversationDeleted EventKind = "conversationDeleted"
)

// eventKinds maps wire event types to kinds. Types not listed are ignored.
var eventKinds = map[string]EventKind{
	"message.new":          EventNewMessage,
	"new_message":          EventNewMessage,
	"conversation.updated": EventConversationUpdated,
	"conversation.deleted": EventConversationDeleted,
}

// Event is one push notification. Payload is passed through uninterpreted.
type Event struct {
	Kind    EventKind
	Payload json.RawMessage
}

// Transport delivers push events. Connect is idempotent and Disconnect is
// safe when not connected. Handlers registered with OnEvent are called in
// wire order; once Disconnect returns no handler is called until the next
// Connect.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	OnEvent(func(Event))
	OnDegraded(func(bool))
}

var (
	_ Transport = (*WSTransport)(nil)
	_ Transport = (*SSETransport)(nil)
	_ Transport = (*WebhookTransport)(nil)
)

// RealtimeEnvelope is the wire format for all push events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures push transports.
type RealtimeConfig struct {
	URL                string
	Token              string
	Header             http.Header
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	DegradedThreshold  int
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration
	HTTPClient         *http.Client
	Logger             *zap.Logger
	Clock              clock.Clock
	Metrics            *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DegradedThreshold == 0 {
		c.DegradedThreshold = 5
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// endpoint returns the configured URL with the token query parameter.
func (c *RealtimeConfig) endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if c.Token != "" {
		q := u.Query()
		q.Set("token", c.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu         sync.RWMutex
	onEvent    []func(Event)
	onDegraded []func(bool)
	degraded   bool
}

func (d *eventDispatcher) addEvent(h func(Event)) {
	d.mu.Lock()
	d.onEvent = append(d.onEvent, h)
	d.mu.Unlock()
}

func (d *eventDispatcher) addDegraded(h func(bool)) {
	d.mu.Lock()
	d.onDegraded = append(d.onDegraded, h)
	d.mu.Unlock()
}

// dispatch runs handlers on the caller's goroutine so delivery order matches
// wire order.
func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := append([]func(Event){}, d.onEvent...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// emitDegraded notifies only on transitions.
func (d *eventDispatcher) emitDegraded(on bool) {
	d.mu.Lock()
	if d.degraded == on {
		d.mu.Unlock()
		return
	}
	d.degraded = on
	handlers := append([]func(bool){}, d.onDegraded...)
	d.mu.Unlock()
	for _, h := range handlers {
		h(on)
	}
}

// decodeEnvelope turns one wire frame into an Event. ok is false for frames
// that are not sync events.
func decodeEnvelope(data []byte) (ev Event, ok bool, err error) {
	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, false, err
	}
	kind, known := eventKinds[env.Type]
	if !known {
		return Event{}, false, nil
	}
	return Event{Kind: kind, Payload: env.Payload}, true, nil
}

// ============================================================================
// Reconnector
// ============================================================================

// newBreaker builds the dial circuit breaker. It opens after threshold
// consecutive failed dials, which is reported as degraded, and closes again
// on the first successful dial.
func newBreaker(name string, config *RealtimeConfig, d *eventDispatcher) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     config.ReconnectMaxDelay,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(config.DegradedThreshold)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			switch to {
			case gobreaker.StateOpen:
				d.emitDegraded(true)
			case gobreaker.StateClosed:
				d.emitDegraded(false)
			}
		},
	})
}

// reconnector paces redial attempts for one supervisor run.
type reconnector struct {
	backoff *backoff.ExponentialBackOff
	clock   clock.Clock
	log     *zap.Logger
	metrics *Metrics
	attempt int
}

func newReconnector(config *RealtimeConfig) *reconnector {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.ReconnectBaseDelay
	b.MaxInterval = config.ReconnectMaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Clock = config.Clock
	b.Reset()
	return &reconnector{
		backoff: b,
		clock:   config.Clock,
		log:     config.Logger,
		metrics: config.Metrics,
	}
}

// wait sleeps for the next backoff delay. It returns false if ctx ends first.
func (r *reconnector) wait(ctx context.Context) bool {
	delay := r.backoff.NextBackOff()
	r.attempt++
	r.metrics.reconnectAttempted()
	r.log.Debug("scheduling reconnect", zap.Int("attempt", r.attempt), zap.Duration("delay", delay))

	t := r.clock.Timer(delay)
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-t.C:
		return true
	}
}

func (r *reconnector) reset() {
	r.backoff.Reset()
	r.attempt = 0
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket push transport with heartbeat and automatic
// reconnect.
type WSTransport struct {
	config     RealtimeConfig
	dispatcher *eventDispatcher
	breaker    *gobreaker.CircuitBreaker

	mu       sync.Mutex
	state    RealtimeState
	conn     *websocket.Conn
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// NewWSTransport creates a disconnected WebSocket transport.
func NewWSTransport(config RealtimeConfig) *WSTransport {
	config.defaults()
	config.Logger = config.Logger.With(zap.String("transport", "ws"))
	d := &eventDispatcher{}
	return &WSTransport{
		config:     config,
		dispatcher: d,
		breaker:    newBreaker("chatsync-ws", &config, d),
		state:      StateDisconnected,
	}
}

// OnEvent registers a handler for sync events.
func (ws *WSTransport) OnEvent(h func(Event)) { ws.dispatcher.addEvent(h) }

// OnDegraded registers a handler for degraded transitions.
func (ws *WSTransport) OnDegraded(h func(bool)) { ws.dispatcher.addDegraded(h) }

// State returns the current connection state.
func (ws *WSTransport) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect dials the server. If the first dial fails the error is returned
// and redials continue in the background until Disconnect.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	ws.cancelFn = cancel
	ws.wg.Add(1)
	ws.mu.Unlock()

	conn, err := ws.dial(ctx)
	go ws.supervise(runCtx, conn)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting. It waits for the
// read loop to exit.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	cancel := ws.cancelFn
	ws.cancelFn = nil
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if cancel == nil {
		return nil
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	cancel()
	ws.wg.Wait()
	ws.resetBreaker()
	return nil
}

// resetBreaker drops dial failure counts and clears the degraded flag so a
// later Connect starts closed.
func (ws *WSTransport) resetBreaker() {
	ws.mu.Lock()
	ws.breaker = newBreaker("chatsync-ws", &ws.config, ws.dispatcher)
	ws.mu.Unlock()
	ws.dispatcher.emitDegraded(false)
}

func (ws *WSTransport) setState(s RealtimeState) {
	ws.mu.Lock()
	if ws.cancelFn != nil {
		ws.state = s
	}
	ws.mu.Unlock()
}

func (ws *WSTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := ws.config.endpoint()
	if err != nil {
		return nil, err
	}

	ws.mu.Lock()
	breaker := ws.breaker
	ws.mu.Unlock()

	var conn *websocket.Conn
	_, err = breaker.Execute(func() (interface{}, error) {
		c, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
			HTTPClient: ws.config.HTTPClient,
			HTTPHeader: ws.config.Header,
		})
		if err != nil {
			return nil, err
		}
		conn = c
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	ws.mu.Lock()
	if ws.cancelFn == nil {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil, ErrNotConnected
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.mu.Unlock()
	ws.config.Logger.Debug("connected")
	return conn, nil
}

// supervise keeps a connection alive until ctx ends.
func (ws *WSTransport) supervise(ctx context.Context, conn *websocket.Conn) {
	defer ws.wg.Done()
	recon := newReconnector(&ws.config)
	for {
		if conn != nil {
			recon.reset()
			ws.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
		}
		ws.setState(StateReconnecting)
		if !recon.wait(ctx) {
			return
		}
		c, err := ws.dial(ctx)
		if err != nil {
			ws.config.Logger.Debug("reconnect failed", zap.Error(err))
			conn = nil
			continue
		}
		conn = c
	}
}

// serve runs the read loop and heartbeat until the connection fails.
func (ws *WSTransport) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ws.heartbeatLoop(connCtx, conn)
	err := ws.readLoop(connCtx, conn)
	if ctx.Err() == nil {
		ws.config.Logger.Debug("connection lost", zap.Error(&TransportError{Op: "read", Err: err}))
	}

	ws.mu.Lock()
	if ws.conn == conn {
		ws.conn = nil
	}
	ws.mu.Unlock()
	conn.Close(websocket.StatusGoingAway, "")
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		ev, ok, err := decodeEnvelope(data)
		if err != nil {
			ws.config.Logger.Debug("skipping undecodable frame", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		ws.dispatcher.dispatch(ev)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := ws.config.Clock.Ticker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					ws.config.Logger.Debug("heartbeat failed", zap.Error(err))
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}
