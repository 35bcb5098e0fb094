package chatsync

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownConversation is returned when messages target a conversation the
// repository does not hold.
var ErrUnknownConversation = errors.New("chatsync: unknown conversation")

// ============================================================================
// Repository
// ============================================================================

type conversationRecord struct {
	conv     Conversation
	messages []Message           // ascending by (CreatedAt, ID)
	seen     map[int64]time.Time // message ID -> stored CreatedAt
}

// Repository is the in-memory conversation and message store. Writes come
// from the session loop; reads may come from any goroutine. Every read
// returns copies.
type Repository struct {
	mu            sync.RWMutex
	currentUserID int64
	conversations map[int64]*conversationRecord
}

// NewRepository creates an empty repository for the given user.
func NewRepository(currentUserID int64) *Repository {
	return &Repository{
		currentUserID: currentUserID,
		conversations: make(map[int64]*conversationRecord),
	}
}

// CurrentUserID returns the user the repository derives unread counts for.
func (r *Repository) CurrentUserID() int64 {
	return r.currentUserID
}

// ── Conversations ────────────────────────────────────────

// UpsertConversation inserts c or refreshes the stored participants. Local
// read state is kept unless c carries a later LastReadAt, and UpdatedAt never
// moves backwards. It reports whether anything visible changed.
func (r *Repository) UpsertConversation(c Conversation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conversations[c.ID]
	if !ok {
		rec = &conversationRecord{
			conv: Conversation{ID: c.ID},
			seen: make(map[int64]time.Time),
		}
		r.conversations[c.ID] = rec
	}

	changed := !ok
	if len(c.Participants) > 0 && !sameParticipants(rec.conv.Participants, c.Participants) {
		rec.conv.Participants = append([]Participant(nil), c.Participants...)
		rec.conv.OtherParticipant = r.otherParticipant(rec.conv.Participants)
		changed = true
	}
	if c.UpdatedAt.After(rec.conv.UpdatedAt) {
		rec.conv.UpdatedAt = c.UpdatedAt
		changed = true
	}
	if c.LastReadAt.After(rec.conv.LastReadAt) {
		rec.conv.LastReadAt = c.LastReadAt
		if rec.applyWatermark() > 0 {
			changed = true
		}
	}
	return changed
}

// RemoveConversation drops a conversation and all of its messages.
func (r *Repository) RemoveConversation(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[id]; !ok {
		return false
	}
	delete(r.conversations, id)
	return true
}

// Has reports whether the conversation is stored.
func (r *Repository) Has(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conversations[id]
	return ok
}

// GetConversation returns one conversation view.
func (r *Repository) GetConversation(id int64) (Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return r.view(rec), true
}

// ListConversations returns all conversations, most recently updated first.
// Ties break on ID, descending.
func (r *Repository) ListConversations() []Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conversation, 0, len(r.conversations))
	for _, rec := range r.conversations {
		out = append(out, r.view(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// ── Messages ─────────────────────────────────────────────

// UpsertMessages merges msgs into a stored conversation. Unseen IDs are
// inserted in order; a seen ID may only flip IsRead from false to true.
// Messages addressed to another conversation are ignored. It returns how
// many messages were inserted or updated.
func (r *Repository) UpsertMessages(conversationID int64, msgs []Message) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conversations[conversationID]
	if !ok {
		return 0, ErrUnknownConversation
	}

	n := 0
	for _, m := range msgs {
		if m.ConversationID != conversationID {
			continue
		}
		if at, dup := rec.seen[m.ID]; dup {
			if m.IsRead && rec.markRead(m.ID, at) {
				n++
			}
			continue
		}
		if !rec.conv.LastReadAt.IsZero() && !m.CreatedAt.After(rec.conv.LastReadAt) {
			m.IsRead = true
		}
		rec.insert(m)
		n++
	}
	if n > 0 {
		rec.refresh()
	}
	return n, nil
}

// GetMessages returns a conversation's messages in ascending order. Unknown
// conversations yield nil.
func (r *Repository) GetMessages(conversationID int64) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conversations[conversationID]
	if !ok {
		return nil
	}
	return append([]Message{}, rec.messages...)
}

// MarkRead marks every stored message of the conversation read and moves the
// read watermark to the newest one. It returns how many messages flipped.
func (r *Repository) MarkRead(conversationID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.conversations[conversationID]
	if !ok || len(rec.messages) == 0 {
		return 0
	}
	last := rec.messages[len(rec.messages)-1].CreatedAt
	if last.After(rec.conv.LastReadAt) {
		rec.conv.LastReadAt = last
	}
	return rec.applyWatermark()
}

// UnreadCount counts unread messages sent by someone other than the current user.
func (r *Repository) UnreadCount(conversationID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conversations[conversationID]
	if !ok {
		return 0
	}
	return rec.unread(r.currentUserID)
}

// Clear drops everything.
func (r *Repository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = make(map[int64]*conversationRecord)
}

// ── internals ────────────────────────────────────────────

func (r *Repository) view(rec *conversationRecord) Conversation {
	c := rec.conv
	c.Participants = append([]Participant(nil), rec.conv.Participants...)
	if rec.conv.OtherParticipant != nil {
		p := *rec.conv.OtherParticipant
		c.OtherParticipant = &p
	}
	if rec.conv.LastMessage != nil {
		m := *rec.conv.LastMessage
		c.LastMessage = &m
	}
	c.UnreadCount = rec.unread(r.currentUserID)
	return c
}

func (r *Repository) otherParticipant(ps []Participant) *Participant {
	if len(ps) != 2 {
		return nil
	}
	for _, p := range ps {
		if p.ID != r.currentUserID {
			p := p
			return &p
		}
	}
	return nil
}

func sameParticipants(a, b []Participant) bool {
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

func (rec *conversationRecord) insert(m Message) {
	i := sort.Search(len(rec.messages), func(i int) bool { return m.Before(rec.messages[i]) })
	rec.messages = append(rec.messages, Message{})
	copy(rec.messages[i+1:], rec.messages[i:])
	rec.messages[i] = m
	rec.seen[m.ID] = m.CreatedAt
}

func (rec *conversationRecord) markRead(id int64, at time.Time) bool {
	key := Message{ID: id, CreatedAt: at}
	i := sort.Search(len(rec.messages), func(i int) bool { return !rec.messages[i].Before(key) })
	if i >= len(rec.messages) || rec.messages[i].ID != id || rec.messages[i].IsRead {
		return false
	}
	rec.messages[i].IsRead = true
	return true
}

func (rec *conversationRecord) applyWatermark() int {
	n := 0
	for i := range rec.messages {
		if rec.messages[i].CreatedAt.After(rec.conv.LastReadAt) {
			break
		}
		if !rec.messages[i].IsRead {
			rec.messages[i].IsRead = true
			n++
		}
	}
	if n > 0 {
		rec.refresh()
	}
	return n
}

// refresh recomputes LastMessage and advances UpdatedAt from stored data.
func (rec *conversationRecord) refresh() {
	if len(rec.messages) == 0 {
		rec.conv.LastMessage = nil
		return
	}
	last := rec.messages[len(rec.messages)-1]
	rec.conv.LastMessage = &last
	if last.CreatedAt.After(rec.conv.UpdatedAt) {
		rec.conv.UpdatedAt = last.CreatedAt
	}
}

func (rec *conversationRecord) unread(currentUserID int64) int {
	n := 0
	for _, m := range rec.messages {
		if !m.IsRead && m.SenderID != currentUserID {
			n++
		}
	}
	return n
}
