package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"go.uber.org/zap"
)

// ============================================================================
// Outcome
// ============================================================================

// outcome is what one applied command changed and which follow-up fetches it
// needs. The session loop turns it into notifications and background work.
type outcome struct {
	conversations bool
	messages      []int64
	connectivity  bool
	resolve       []int64
	deltas        []int64
}

func (o *outcome) touched(id int64) {
	if !slices.Contains(o.messages, id) {
		o.messages = append(o.messages, id)
	}
}

func (o *outcome) wantDelta(id int64) {
	if !slices.Contains(o.deltas, id) {
		o.deltas = append(o.deltas, id)
	}
}

func (o *outcome) empty() bool {
	return !o.conversations && !o.connectivity && len(o.messages) == 0 &&
		len(o.resolve) == 0 && len(o.deltas) == 0
}

// ============================================================================
// Reconciliation Engine
// ============================================================================

// engine merges push events and REST snapshots into the repository. It is
// only ever driven from the session loop, so its own maps need no locking.
type engine struct {
	repo    *Repository
	sel     *selector
	log     *zap.Logger
	metrics *Metrics

	cursors    map[int64]Message         // newest integrated message per conversation
	pending    map[int64][]Message       // messages waiting for their conversation record
	resolving  map[int64]context.Context // in-flight resolve fetch, by conversation
	tombstones map[int64]struct{}        // deleted conversations
	synced     map[int64]Message         // newest message merged from a fetched page
	fetching   map[int64]int             // delta fetches still out, by conversation
}

func newEngine(repo *Repository, sel *selector, log *zap.Logger, metrics *Metrics) *engine {
	e := &engine{repo: repo, sel: sel, log: log, metrics: metrics}
	e.reset()
	return e
}

func (e *engine) reset() {
	e.cursors = make(map[int64]Message)
	e.pending = make(map[int64][]Message)
	e.resolving = make(map[int64]context.Context)
	e.tombstones = make(map[int64]struct{})
	e.synced = make(map[int64]Message)
	e.fetching = make(map[int64]int)
}

func (e *engine) reject(source, kind string, err error) {
	mErr := &MalformedPayloadError{Source: source, Kind: kind, Err: err}
	e.log.Warn("dropping malformed payload", zap.Error(mErr), zap.String("source", source), zap.String("kind", kind))
	e.metrics.payloadDropped(source)
}

func (e *engine) deleted(id int64) bool {
	_, ok := e.tombstones[id]
	return ok
}

// newerThanCursor reports whether m is past the newest message already
// integrated for its conversation.
func (e *engine) newerThanCursor(m Message) bool {
	c, ok := e.cursors[m.ConversationID]
	return !ok || c.Before(m)
}

// integrate stores messages for a known conversation and advances its cursor.
func (e *engine) integrate(id int64, msgs []Message, out *outcome) {
	if len(msgs) == 0 {
		return
	}
	readOnArrival := e.sel.isActive(id)
	for i := range msgs {
		if readOnArrival {
			msgs[i].IsRead = true
		}
	}
	n, err := e.repo.UpsertMessages(id, msgs)
	if err != nil {
		e.log.Debug("messages for missing conversation", zap.Int64("conversation", id), zap.Error(err))
		return
	}
	for _, m := range msgs {
		if e.newerThanCursor(m) {
			e.cursors[id] = m
		}
	}
	if n > 0 {
		out.touched(id)
		out.conversations = true
	}
}

// unsynced reports whether m is past the newest message merged from a
// fetched page. Messages learned from a snapshot or a push do not count, so
// a failed delta is asked for again by the next snapshot.
func (e *engine) unsynced(m Message) bool {
	c, ok := e.synced[m.ConversationID]
	return !ok || c.Before(m)
}

func (e *engine) requestDelta(id int64, out *outcome) {
	e.fetching[id]++
	out.wantDelta(id)
}

// deltaSettled records that one delta fetch for id has finished, merged or not.
func (e *engine) deltaSettled(id int64) outcome {
	if e.fetching[id] > 1 {
		e.fetching[id]--
	} else {
		delete(e.fetching, id)
	}
	return outcome{}
}

func (e *engine) forget(id int64) {
	delete(e.cursors, id)
	delete(e.pending, id)
	delete(e.resolving, id)
	delete(e.synced, id)
	delete(e.fetching, id)
}

// upsert stores a validated conversation and releases any messages that were
// parked waiting for it.
func (e *engine) upsert(p conversationPayload, out *outcome) (isNew bool) {
	id := p.conv.ID
	isNew = !e.repo.Has(id)
	if e.repo.UpsertConversation(p.conv) {
		out.conversations = true
	}
	if parked, ok := e.pending[id]; ok {
		delete(e.pending, id)
		e.integrate(id, parked, out)
	}
	delete(e.resolving, id)
	return isNew
}

// ── Snapshot path ────────────────────────────────────────

// applySnapshot merges one conversation-list snapshot. Each entry is
// validated on its own; a bad entry never blocks the rest.
func (e *engine) applySnapshot(entries []json.RawMessage) outcome {
	var out outcome
	for _, raw := range entries {
		p, err := decodeConversation(raw, e.repo.CurrentUserID())
		if err != nil {
			e.reject(SourceSnapshot, "conversation", err)
			continue
		}
		id := p.conv.ID
		if e.deleted(id) {
			e.log.Debug("ignoring deleted conversation", zap.Int64("conversation", id), zap.String("source", SourceSnapshot))
			continue
		}

		isNew := e.upsert(p, &out)
		e.metrics.payloadApplied(SourceSnapshot)

		idle := e.fetching[id] == 0
		if p.lastMessage == nil {
			if isNew && idle {
				e.requestDelta(id, &out)
			}
			continue
		}
		m, err := decodeMessage(p.lastMessage, id)
		if err != nil {
			e.reject(SourceSnapshot, "message", err)
			continue
		}
		if isNew || e.newerThanCursor(m) {
			e.integrate(id, []Message{m}, &out)
		}
		if idle && (isNew || e.unsynced(m)) {
			e.requestDelta(id, &out)
		}
	}
	return out
}

// applyDetail merges one conversation record and a page of its messages.
func (e *engine) applyDetail(d *ConversationDetail) outcome {
	var out outcome
	p, err := decodeConversation(d.Conversation, e.repo.CurrentUserID())
	if err != nil {
		e.reject(SourceSnapshot, "conversation", err)
		return out
	}
	id := p.conv.ID
	if e.deleted(id) {
		e.forget(id)
		return out
	}

	e.upsert(p, &out)
	e.metrics.payloadApplied(SourceSnapshot)

	msgs := make([]Message, 0, len(d.Messages)+1)
	if p.lastMessage != nil {
		if m, err := decodeMessage(p.lastMessage, id); err != nil {
			e.reject(SourceSnapshot, "message", err)
		} else {
			msgs = append(msgs, m)
		}
	}
	for _, raw := range d.Messages {
		m, err := decodeMessage(raw, id)
		if err != nil {
			e.reject(SourceSnapshot, "message", err)
			continue
		}
		msgs = append(msgs, m)
	}
	e.integrate(id, msgs, &out)
	for _, m := range msgs {
		if e.unsynced(m) {
			e.synced[id] = m
		}
	}
	return out
}

// resolveFailed gives up on a conversation that could not be fetched. Parked
// messages for it are dropped.
func (e *engine) resolveFailed(id int64, err error) outcome {
	if parked := len(e.pending[id]); parked > 0 {
		log := e.log.Warn
		if errors.Is(err, context.Canceled) {
			log = e.log.Debug
		}
		log("dropping messages for unresolved conversation",
			zap.Int64("conversation", id), zap.Int("messages", parked), zap.Error(err))
	}
	delete(e.pending, id)
	delete(e.resolving, id)
	return outcome{}
}

// ── Push path ────────────────────────────────────────────

// applyEvent merges one push event. origin is the producer context; it is
// remembered for resolve fetches so a stale one can be detected.
func (e *engine) applyEvent(origin context.Context, ev Event) outcome {
	var out outcome
	switch ev.Kind {
	case EventNewMessage:
		m, err := decodeNewMessage(ev.Payload)
		if err != nil {
			e.reject(SourcePush, string(ev.Kind), err)
			return out
		}
		id := m.ConversationID
		if e.deleted(id) {
			return out
		}
		e.metrics.payloadApplied(SourcePush)
		if e.repo.Has(id) {
			e.integrate(id, []Message{m}, &out)
			return out
		}
		e.park(m)
		if ctx, ok := e.resolving[id]; !ok || ctx.Err() != nil {
			e.resolving[id] = origin
			out.resolve = append(out.resolve, id)
		}

	case EventConversationUpdated:
		p, err := decodeConversation(ev.Payload, e.repo.CurrentUserID())
		if err != nil {
			e.reject(SourcePush, string(ev.Kind), err)
			return out
		}
		if e.deleted(p.conv.ID) {
			return out
		}
		e.metrics.payloadApplied(SourcePush)
		e.upsert(p, &out)
		if p.lastMessage != nil {
			m, err := decodeMessage(p.lastMessage, p.conv.ID)
			if err != nil {
				e.reject(SourcePush, "message", err)
				return out
			}
			e.integrate(p.conv.ID, []Message{m}, &out)
		}

	case EventConversationDeleted:
		id, err := decodeConversationID(ev.Payload)
		if err != nil {
			e.reject(SourcePush, string(ev.Kind), err)
			return out
		}
		e.metrics.payloadApplied(SourcePush)
		e.remove(id, &out)

	default:
		e.reject(SourcePush, string(ev.Kind), errors.New("unknown event kind"))
	}
	return out
}

func (e *engine) park(m Message) {
	for _, p := range e.pending[m.ConversationID] {
		if p.ID == m.ID {
			return
		}
	}
	e.pending[m.ConversationID] = append(e.pending[m.ConversationID], m)
}

func (e *engine) remove(id int64, out *outcome) {
	e.tombstones[id] = struct{}{}
	e.forget(id)
	if e.repo.RemoveConversation(id) {
		out.conversations = true
		out.touched(id)
	}
	if e.sel.clearIf(id) {
		out.conversations = true
	}
}
