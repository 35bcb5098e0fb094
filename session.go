// Package chatsync keeps a live, ordered, deduplicated view of a user's
// conversations and messages by reconciling a push channel with a polled
// REST snapshot.
//
// Usage:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://api.example.com"))
//	ws := chatsync.NewWSTransport(chatsync.RealtimeConfig{URL: "wss://api.example.com/ws", Token: token})
//	s, _ := chatsync.NewSession(chatsync.Config{CurrentUserID: 7}, client, ws,
//		chatsync.WithLogger(logger))
//	defer s.Close()
//
//	unsubscribe := s.Subscribe(func(c chatsync.Change) { render(s.ListConversations()) })
//	defer unsubscribe()
//	_ = s.Start(ctx)
package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raulk/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// SnapshotSource is the REST collaborator.
type SnapshotSource interface {
	// FetchConversations returns the raw conversation list. When force is
	// false the source may answer from a recent cache.
	FetchConversations(ctx context.Context, force bool) ([]json.RawMessage, error)
	// FetchConversation returns one conversation and a page of its messages.
	FetchConversation(ctx context.Context, id int64) (*ConversationDetail, error)
}

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Session.
type Config struct {
	CurrentUserID    int64
	PollInterval     time.Duration
	QueueSize        int
	DeltaConcurrency int
	ResolveRate      rate.Limit
	ResolveBurst     int
}

func (c *Config) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.DeltaConcurrency == 0 {
		c.DeltaConcurrency = 4
	}
	if c.ResolveRate == 0 {
		c.ResolveRate = rate.Every(200 * time.Millisecond)
	}
	if c.ResolveBurst == 0 {
		c.ResolveBurst = 5
	}
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

func WithClock(c clock.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

func WithFailurePolicy(p FailurePolicy) SessionOption {
	return func(s *Session) { s.policy = p }
}

func WithPollInterval(d time.Duration) SessionOption {
	return func(s *Session) { s.cfg.PollInterval = d }
}

func WithResolveRate(limit rate.Limit, burst int) SessionOption {
	return func(s *Session) {
		s.cfg.ResolveRate = limit
		s.cfg.ResolveBurst = burst
	}
}

// ============================================================================
// Change Notifications
// ============================================================================

// ChangeKind says which part of the view changed.
type ChangeKind string

const (
	ChangeConversations ChangeKind = "conversations"
	ChangeMessages      ChangeKind = "messages"
	ChangeConnectivity  ChangeKind = "connectivity"
)

// Change is delivered to subscribers after a mutation is applied.
// ConversationID is set for ChangeMessages.
type Change struct {
	Kind           ChangeKind
	ConversationID int64
}

// ============================================================================
// Session
// ============================================================================

type command struct {
	origin   context.Context
	followUp context.Context // fetches started by apply; origin when nil
	apply    func() outcome
	done     chan struct{}
}

// Session owns one user's synchronized view. All mutations are applied by a
// single loop goroutine fed through a bounded queue; reads may happen from
// any goroutine.
type Session struct {
	id        string
	cfg       Config
	src       SnapshotSource
	transport Transport
	clock     clock.Clock
	log       *zap.Logger
	metrics   *Metrics
	policy    FailurePolicy
	limiter   *rate.Limiter

	repo   *Repository
	sel    *selector
	eng    *engine
	poller *Poller

	cmds     chan command
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu         sync.Mutex
	pushCtx    context.Context
	pushCancel context.CancelFunc
	// fetchCtx tags follow-up fetches of caller-requested changes.
	// DisconnectSocket and StopPolling cancel it; it is recreated on next use.
	fetchCtx    context.Context
	fetchCancel context.CancelFunc
	closeOnce   sync.Once
	degraded    atomic.Bool

	subsMu  sync.RWMutex
	subs    map[uint64]func(Change)
	nextSub uint64
}

// NewSession creates a session and starts its loop. transport may be nil for
// a polling-only session. Close must be called to release it.
func NewSession(cfg Config, src SnapshotSource, transport Transport, opts ...SessionOption) (*Session, error) {
	if src == nil {
		return nil, errors.New("chatsync: snapshot source is required")
	}
	if cfg.CurrentUserID <= 0 {
		return nil, errors.New("chatsync: current user id is required")
	}

	s := &Session{
		id:        uuid.NewString(),
		cfg:       cfg,
		src:       src,
		transport: transport,
		policy:    DefaultFailurePolicy,
		subs:      make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg.defaults()
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	s.log = s.log.With(zap.String("session", s.id))

	s.limiter = rate.NewLimiter(s.cfg.ResolveRate, s.cfg.ResolveBurst)
	s.repo = NewRepository(s.cfg.CurrentUserID)
	s.sel = &selector{}
	s.eng = newEngine(s.repo, s.sel, s.log, s.metrics)
	s.poller = NewPoller(s.cfg.PollInterval, s.clock, s.pollOnce, s.onPollError)

	s.cmds = make(chan command, s.cfg.QueueSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loopDone = make(chan struct{})

	if transport != nil {
		transport.OnEvent(s.onPushEvent)
		transport.OnDegraded(s.onDegraded)
	}

	go s.run()
	return s, nil
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Start loads the conversation list, starts polling and connects the push
// channel. Only a failed initial load is returned by default; a failed dial
// keeps retrying in the background.
func (s *Session) Start(ctx context.Context) error {
	if err := s.FetchConversations(ctx, true); err != nil {
		return err
	}
	s.StartPolling()
	if s.transport == nil {
		return nil
	}
	return s.ConnectSocket(ctx)
}

// Close stops every producer, waits for the loop to exit and clears all
// state. No subscriber is called after Close returns.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.poller.Stop()
		err = s.DisconnectSocket()
		s.cancel()
		<-s.loopDone

		s.repo.Clear()
		s.eng.reset()
		s.sel.active.Store(0)

		s.subsMu.Lock()
		s.subs = make(map[uint64]func(Change))
		s.subsMu.Unlock()
		s.log.Debug("session closed")
	})
	return err
}

// ── Reads ────────────────────────────────────────────────

// ListConversations returns the conversations, most recently updated first.
func (s *Session) ListConversations() []Conversation {
	return s.repo.ListConversations()
}

// GetConversation returns one conversation.
func (s *Session) GetConversation(id int64) (Conversation, bool) {
	return s.repo.GetConversation(id)
}

// GetMessages returns a conversation's messages, oldest first.
func (s *Session) GetMessages(conversationID int64) []Message {
	return s.repo.GetMessages(conversationID)
}

// Degraded reports whether the push channel has failed repeatedly.
func (s *Session) Degraded() bool {
	return s.degraded.Load()
}

// ── Subscriptions ────────────────────────────────────────

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the session loop and must not block on
// session writes.
func (s *Session) Subscribe(fn func(Change)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Session) notify(c Change) {
	s.subsMu.RLock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range fns {
		s.deliver(fn, c)
	}
}

func (s *Session) deliver(fn func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("subscriber panicked", zap.Any("panic", r), zap.String("change", string(c.Kind)))
		}
	}()
	fn(c)
}

// ── Push channel ─────────────────────────────────────────

// ConnectSocket opens the push channel. It is idempotent. A failed first
// dial is handed to the failure policy while reconnects continue.
func (s *Session) ConnectSocket(ctx context.Context) error {
	if s.transport == nil {
		return fmt.Errorf("no transport configured: %w", ErrNotConnected)
	}
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	s.mu.Lock()
	if s.pushCancel == nil {
		s.pushCtx, s.pushCancel = context.WithCancel(s.ctx)
	}
	s.mu.Unlock()

	if err := s.transport.Connect(ctx); err != nil {
		return s.fail(err)
	}
	return nil
}

// DisconnectSocket closes the push channel. Once it returns, no event from
// the channel will be applied. Safe to call when not connected.
func (s *Session) DisconnectSocket() error {
	s.mu.Lock()
	cancel := s.pushCancel
	s.pushCtx, s.pushCancel = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	s.cancelFollowUps()

	var err error
	if s.transport != nil {
		err = s.transport.Disconnect()
	}
	if s.degraded.Swap(false) {
		s.metrics.setDegraded(false)
		_ = s.submit(s.ctx, func() outcome { return outcome{connectivity: true} })
	}
	s.barrier()
	return err
}

func (s *Session) onPushEvent(ev Event) {
	s.mu.Lock()
	origin := s.pushCtx
	s.mu.Unlock()
	if origin == nil {
		s.log.Debug("dropping event while socket closed", zap.String("kind", string(ev.Kind)))
		return
	}
	if err := s.submit(origin, func() outcome { return s.eng.applyEvent(origin, ev) }); err != nil {
		s.log.Debug("event not queued", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func (s *Session) onDegraded(on bool) {
	if s.degraded.Swap(on) == on {
		return
	}
	s.metrics.setDegraded(on)
	if on {
		s.log.Warn("push channel degraded")
	} else {
		s.log.Info("push channel recovered")
	}
	_ = s.submit(s.ctx, func() outcome { return outcome{connectivity: true} })
}

// ── Snapshot ─────────────────────────────────────────────

// FetchConversations fetches and merges the conversation list. With force
// the source must not answer from its cache. Failures go through the failure
// policy, which surfaces them by default.
func (s *Session) FetchConversations(ctx context.Context, force bool) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	entries, err := s.src.FetchConversations(ctx, force)
	if err != nil {
		return s.fail(&SnapshotFetchError{Manual: true, Err: err})
	}
	return s.submitManual(func() outcome { return s.eng.applySnapshot(entries) })
}

// FetchMessages fetches one conversation and its latest page of messages and
// merges them before returning. Failures go through the failure policy as
// manual fetches.
func (s *Session) FetchMessages(ctx context.Context, conversationID int64) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	detail, err := s.src.FetchConversation(ctx, conversationID)
	if err != nil {
		return s.fail(&SnapshotFetchError{Manual: true, ConversationID: conversationID, Err: err})
	}
	return s.submitManual(func() outcome { return s.eng.applyDetail(detail) })
}

// StartPolling starts the background refresh. It returns false if polling
// is already running or the session is closed.
func (s *Session) StartPolling() bool {
	if s.ctx.Err() != nil {
		return false
	}
	return s.poller.Start(s.ctx)
}

// StopPolling stops the background refresh. Once it returns, no poll result
// will be applied. Idempotent.
func (s *Session) StopPolling() {
	s.poller.Stop()
	s.cancelFollowUps()
	s.barrier()
}

// PollerState reports the scheduler state.
func (s *Session) PollerState() PollerState {
	return s.poller.State()
}

func (s *Session) pollOnce(ctx context.Context) error {
	entries, err := s.src.FetchConversations(ctx, false)
	if err != nil {
		return &SnapshotFetchError{Err: err}
	}
	if err := s.submit(ctx, func() outcome { return s.eng.applySnapshot(entries) }); err != nil {
		return nil
	}

	active := s.sel.current()
	if active == 0 {
		return nil
	}
	detail, err := s.src.FetchConversation(ctx, active)
	if err != nil {
		return &SnapshotFetchError{ConversationID: active, Err: err}
	}
	_ = s.submit(ctx, func() outcome { return s.eng.applyDetail(detail) })
	return nil
}

func (s *Session) onPollError(err error) {
	s.metrics.pollFailed()
	_ = s.fail(err)
}

// fail applies the failure policy: the error is either returned or logged.
func (s *Session) fail(err error) error {
	if s.policy(err) == ActionSurface {
		return err
	}
	s.log.Warn("sync failure", zap.Error(err))
	return nil
}

// ── Follow-up fetches ────────────────────────────────────

// resolve fetches a conversation that a push message referenced before the
// conversation record was known.
func (s *Session) resolve(origin context.Context, id int64) {
	go func() {
		if err := s.limiter.Wait(origin); err != nil {
			_ = s.submit(s.ctx, func() outcome { return s.eng.resolveFailed(id, err) })
			return
		}
		detail, err := s.src.FetchConversation(origin, id)
		if err != nil {
			if origin.Err() != nil {
				err = origin.Err()
			} else {
				_ = s.fail(&SnapshotFetchError{ConversationID: id, Err: err})
			}
			_ = s.submit(s.ctx, func() outcome { return s.eng.resolveFailed(id, err) })
			return
		}
		_ = s.submit(origin, func() outcome { return s.eng.applyDetail(detail) })
	}()
}

// fetchDeltas pulls message pages for conversations whose snapshot showed
// newer activity than what has been merged from a page. Every fetch is
// reported back as settled so a failed one is retried by the next snapshot.
func (s *Session) fetchDeltas(origin context.Context, ids []int64) {
	go func() {
		var g errgroup.Group
		g.SetLimit(s.cfg.DeltaConcurrency)
		for _, id := range ids {
			g.Go(func() error {
				defer func() {
					_ = s.submit(s.ctx, func() outcome { return s.eng.deltaSettled(id) })
				}()
				detail, err := s.src.FetchConversation(origin, id)
				if err != nil {
					if origin.Err() == nil {
						_ = s.fail(&SnapshotFetchError{ConversationID: id, Err: err})
					}
					return nil
				}
				return s.submitWait(origin, func() outcome { return s.eng.applyDetail(detail) })
			})
		}
		if err := g.Wait(); err != nil {
			s.log.Debug("delta fetch abandoned", zap.Error(err))
		}
	}()
}

// ============================================================================
// Loop
// ============================================================================

func (s *Session) run() {
	defer close(s.loopDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case cmd := <-s.cmds:
			s.process(cmd)
		}
	}
}

func (s *Session) process(cmd command) {
	if cmd.done != nil {
		defer close(cmd.done)
	}
	if cmd.apply == nil || cmd.origin.Err() != nil {
		return
	}
	out := cmd.apply()
	if out.empty() {
		return
	}

	if out.conversations {
		s.notify(Change{Kind: ChangeConversations})
	}
	for _, id := range out.messages {
		s.notify(Change{Kind: ChangeMessages, ConversationID: id})
	}
	if out.connectivity {
		s.notify(Change{Kind: ChangeConnectivity})
	}
	follow := cmd.origin
	if cmd.followUp != nil {
		follow = cmd.followUp
	}
	for _, id := range out.resolve {
		s.resolve(follow, id)
	}
	if len(out.deltas) > 0 {
		s.fetchDeltas(follow, out.deltas)
	}
}

func (s *Session) enqueue(cmd command) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	select {
	case s.cmds <- cmd:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-cmd.origin.Done():
		return cmd.origin.Err()
	}
}

// submit queues a mutation tagged with its producer's context. The loop
// drops it if that context is cancelled before it runs.
func (s *Session) submit(origin context.Context, apply func() outcome) error {
	return s.enqueue(command{origin: origin, apply: apply})
}

// submitWait queues a mutation and waits until the loop has handled it.
func (s *Session) submitWait(origin context.Context, apply func() outcome) error {
	return s.wait(command{origin: origin, apply: apply})
}

// submitManual queues a caller-requested mutation and waits for it. Fetches
// it starts are tagged with the follow-up context.
func (s *Session) submitManual(apply func() outcome) error {
	return s.wait(command{origin: s.ctx, followUp: s.followUpCtx(), apply: apply})
}

func (s *Session) wait(cmd command) error {
	cmd.done = make(chan struct{})
	if err := s.enqueue(cmd); err != nil {
		return err
	}
	select {
	case <-cmd.done:
		return cmd.origin.Err()
	case <-s.loopDone:
		return ErrSessionClosed
	}
}

func (s *Session) followUpCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchCtx == nil {
		s.fetchCtx, s.fetchCancel = context.WithCancel(s.ctx)
	}
	return s.fetchCtx
}

func (s *Session) cancelFollowUps() {
	s.mu.Lock()
	cancel := s.fetchCancel
	s.fetchCtx, s.fetchCancel = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// barrier returns once every command queued before it has been handled.
func (s *Session) barrier() {
	_ = s.submitWait(context.Background(), nil)
}
