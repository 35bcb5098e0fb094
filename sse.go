package chatsync

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// sseStaleAfter is how long the stream may stay silent before it is
// considered dead. Servers send comment heartbeats well inside it.
const sseStaleAfter = 45 * time.Second

// SSETransport is a server-sent-events push transport for deployments that
// cannot upgrade to WebSocket. It reconnects the same way as WSTransport.
type SSETransport struct {
	config     RealtimeConfig
	dispatcher *eventDispatcher
	breaker    *gobreaker.CircuitBreaker

	mu           sync.Mutex
	state        RealtimeState
	cancelFn     context.CancelFunc
	lastDataTime time.Time
	wg           sync.WaitGroup
}

// NewSSETransport creates a disconnected SSE transport.
func NewSSETransport(config RealtimeConfig) *SSETransport {
	config.defaults()
	config.Logger = config.Logger.With(zap.String("transport", "sse"))
	d := &eventDispatcher{}
	return &SSETransport{
		config:     config,
		dispatcher: d,
		breaker:    newBreaker("chatsync-sse", &config, d),
		state:      StateDisconnected,
	}
}

// OnEvent registers a handler for sync events.
func (sse *SSETransport) OnEvent(h func(Event)) { sse.dispatcher.addEvent(h) }

// OnDegraded registers a handler for degraded transitions.
func (sse *SSETransport) OnDegraded(h func(bool)) { sse.dispatcher.addDegraded(h) }

// State returns the current connection state.
func (sse *SSETransport) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

// Connect opens the stream. A failed first attempt is returned while
// retries continue in the background until Disconnect.
func (sse *SSETransport) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state != StateDisconnected {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.Background())
	sse.cancelFn = cancel
	sse.wg.Add(1)
	sse.mu.Unlock()

	stream, err := sse.open(ctx, runCtx)
	go sse.supervise(runCtx, stream)
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	return nil
}

// Disconnect closes the stream and waits for the reader to exit.
func (sse *SSETransport) Disconnect() error {
	sse.mu.Lock()
	cancel := sse.cancelFn
	sse.cancelFn = nil
	sse.state = StateDisconnected
	sse.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	sse.wg.Wait()
	sse.resetBreaker()
	return nil
}

func (sse *SSETransport) resetBreaker() {
	sse.mu.Lock()
	sse.breaker = newBreaker("chatsync-sse", &sse.config, sse.dispatcher)
	sse.mu.Unlock()
	sse.dispatcher.emitDegraded(false)
}

func (sse *SSETransport) setState(s RealtimeState) {
	sse.mu.Lock()
	if sse.cancelFn != nil {
		sse.state = s
	}
	sse.mu.Unlock()
}

// sseStream is one open event stream. cancel ends its request.
type sseStream struct {
	resp   *http.Response
	cancel context.CancelFunc
}

// open issues the stream request. dialCtx bounds only the handshake; the
// body lives until runCtx ends or the stream is cancelled.
func (sse *SSETransport) open(dialCtx, runCtx context.Context) (*sseStream, error) {
	endpoint, err := sse.config.endpoint()
	if err != nil {
		return nil, err
	}

	sse.mu.Lock()
	breaker := sse.breaker
	sse.mu.Unlock()

	var stream *sseStream
	_, err = breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithCancel(runCtx)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")
		for k, vs := range sse.config.Header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		stop := context.AfterFunc(dialCtx, cancel)
		resp, err := sse.config.HTTPClient.Do(req)
		if !stop() && err == nil {
			resp.Body.Close()
			err = dialCtx.Err()
		}
		if err != nil {
			cancel()
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
		}
		stream = &sseStream{resp: resp, cancel: cancel}
		return nil, nil
	})
	if err != nil {
		return nil, fmt.Errorf("sse connect: %w", err)
	}

	sse.mu.Lock()
	sse.lastDataTime = sse.config.Clock.Now()
	sse.mu.Unlock()
	sse.setState(StateConnected)
	return stream, nil
}

func (sse *SSETransport) supervise(ctx context.Context, stream *sseStream) {
	defer sse.wg.Done()
	recon := newReconnector(&sse.config)
	for {
		if stream != nil {
			recon.reset()
			sse.serve(ctx, stream)
			if ctx.Err() != nil {
				return
			}
		}
		sse.setState(StateReconnecting)
		if !recon.wait(ctx) {
			return
		}
		s, err := sse.open(ctx, ctx)
		if err != nil {
			sse.config.Logger.Debug("reconnect failed", zap.Error(err))
			stream = nil
			continue
		}
		stream = s
	}
}

func (sse *SSETransport) serve(ctx context.Context, stream *sseStream) {
	defer stream.cancel()
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go sse.heartbeatWatchdog(watchCtx, stream)

	err := sse.readLoop(ctx, stream.resp)
	if ctx.Err() == nil {
		sse.config.Logger.Debug("stream ended", zap.Error(&TransportError{Op: "read", Err: err}))
	}
}

func (sse *SSETransport) readLoop(ctx context.Context, resp *http.Response) error {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	// data lines accumulate until the blank line that ends the event.
	var data []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Text()
		sse.mu.Lock()
		sse.lastDataTime = sse.config.Clock.Now()
		sse.mu.Unlock()

		if line == "" {
			if len(data) > 0 {
				sse.dispatchData(strings.Join(data, "\n"))
				data = data[:0]
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

func (sse *SSETransport) dispatchData(data string) {
	ev, ok, err := decodeEnvelope([]byte(data))
	if err != nil {
		sse.config.Logger.Debug("skipping undecodable frame", zap.Error(err))
		return
	}
	if ok {
		sse.dispatcher.dispatch(ev)
	}
}

// heartbeatWatchdog closes a stream that has gone silent.
func (sse *SSETransport) heartbeatWatchdog(ctx context.Context, stream *sseStream) {
	ticker := sse.config.Clock.Ticker(sse.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := sse.config.Clock.Now().Sub(sse.lastDataTime) > sseStaleAfter
			sse.mu.Unlock()
			if stale {
				sse.config.Logger.Debug("stream stale, closing")
				stream.cancel()
				return
			}
		}
	}
}
