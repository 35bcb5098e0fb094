package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Test Helpers
// ============================================================================

const me int64 = 1

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minute int) time.Time { return epoch.Add(time.Duration(minute) * time.Minute) }

func stamp(minute int) string { return at(minute).Format(time.RFC3339Nano) }

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func msgJSON(id, conv, sender int64, minute int, content string) json.RawMessage {
	return mustJSON(map[string]any{
		"id":             id,
		"conversationId": conv,
		"senderId":       sender,
		"content":        content,
		"isRead":         false,
		"timestamp":      stamp(minute),
	})
}

func convJSON(id, other int64, updatedMinute int, last json.RawMessage) json.RawMessage {
	body := map[string]any{
		"id": id,
		"participants": []map[string]any{
			{"id": me, "name": "Me"},
			{"id": other, "name": fmt.Sprintf("User %d", other), "image": nil},
		},
		"updatedAt": stamp(updatedMinute),
	}
	if last != nil {
		body["lastMessage"] = last
	}
	return mustJSON(body)
}

func newTestEngine() (*engine, *Repository) {
	repo := NewRepository(me)
	return newEngine(repo, &selector{}, zap.NewNop(), nil), repo
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// inspect runs fn on the session loop, where engine state may be read.
func inspect(s *Session, fn func()) {
	_ = s.submitWait(context.Background(), func() outcome {
		fn()
		return outcome{}
	})
}

func deltasInFlight(s *Session) int {
	var n int
	inspect(s, func() { n = len(s.eng.fetching) })
	return n
}

func messageIDs(msgs []Message) []int64 {
	ids := make([]int64, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func conversationIDs(convs []Conversation) []int64 {
	ids := make([]int64, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
	}
	return ids
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ── fakeSource ───────────────────────────────────────────

var errNotFound = errors.New("not found")

type fakeSource struct {
	mu          sync.Mutex
	list        []json.RawMessage
	listErr     error
	details     map[int64]*ConversationDetail
	listCalls   int
	forced      int
	detailCalls map[int64]int

	// When set, FetchConversations waits for release and ignores ctx.
	hold    chan struct{}
	started chan struct{}

	// Same for FetchConversation.
	detailHold    chan struct{}
	detailStarted chan struct{}
	detailFails   map[int64]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		details:     make(map[int64]*ConversationDetail),
		detailCalls: make(map[int64]int),
	}
}

func (f *fakeSource) setList(entries ...json.RawMessage) {
	f.mu.Lock()
	f.list = entries
	f.mu.Unlock()
}

func (f *fakeSource) setListErr(err error) {
	f.mu.Lock()
	f.listErr = err
	f.mu.Unlock()
}

func (f *fakeSource) setDetail(conv json.RawMessage, msgs ...json.RawMessage) {
	var head struct {
		ID int64 `json:"id"`
	}
	_ = json.Unmarshal(conv, &head)
	f.mu.Lock()
	f.details[head.ID] = &ConversationDetail{Conversation: conv, Messages: msgs}
	f.mu.Unlock()
}

func (f *fakeSource) FetchConversations(ctx context.Context, force bool) ([]json.RawMessage, error) {
	f.mu.Lock()
	f.listCalls++
	if force {
		f.forced++
	}
	hold, started := f.hold, f.started
	f.mu.Unlock()

	if hold != nil {
		if started != nil {
			started <- struct{}{}
		}
		<-hold
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]json.RawMessage(nil), f.list...), nil
}

func (f *fakeSource) FetchConversation(ctx context.Context, id int64) (*ConversationDetail, error) {
	f.mu.Lock()
	f.detailCalls[id]++
	hold, started := f.detailHold, f.detailStarted
	f.mu.Unlock()

	if hold != nil {
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		<-hold
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailFails[id] > 0 {
		f.detailFails[id]--
		return nil, errors.New("detail unavailable")
	}
	d, ok := f.details[id]
	if !ok {
		return nil, errNotFound
	}
	return d, nil
}

// holdDetails makes detail fetches block until release is closed.
func (f *fakeSource) holdDetails(release, started chan struct{}) {
	f.mu.Lock()
	f.detailHold, f.detailStarted = release, started
	f.mu.Unlock()
}

// failDetails makes the next n detail fetches for id fail.
func (f *fakeSource) failDetails(id int64, n int) {
	f.mu.Lock()
	if f.detailFails == nil {
		f.detailFails = make(map[int64]int)
	}
	f.detailFails[id] = n
	f.mu.Unlock()
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeSource) forcedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

func (f *fakeSource) detailCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailCalls[id]
}

// ── fakeTransport ────────────────────────────────────────

type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connects   int
	connectErr error
	onEvent    []func(Event)
	onDegraded []func(bool)
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return &TransportError{Op: "connect", Err: f.connectErr}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnEvent(h func(Event)) {
	f.mu.Lock()
	f.onEvent = append(f.onEvent, h)
	f.mu.Unlock()
}

func (f *fakeTransport) OnDegraded(h func(bool)) {
	f.mu.Lock()
	f.onDegraded = append(f.onDegraded, h)
	f.mu.Unlock()
}

func (f *fakeTransport) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// emit delivers an event the way a transport read loop would.
func (f *fakeTransport) emit(kind EventKind, payload json.RawMessage) {
	f.mu.Lock()
	handlers := append([]func(Event){}, f.onEvent...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(Event{Kind: kind, Payload: payload})
	}
}

func (f *fakeTransport) degrade(on bool) {
	f.mu.Lock()
	handlers := append([]func(bool){}, f.onDegraded...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(on)
	}
}

func newTestSession(t *testing.T, src SnapshotSource, tr Transport, opts ...SessionOption) *Session {
	t.Helper()
	s, err := NewSession(Config{CurrentUserID: me}, src, tr, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
