package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Domain Types
// ============================================================================

// Participant is a denormalized snapshot of a conversation member. It is
// replaced whenever a conversation payload is received.
type Participant struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Message is a single chat message. Identity is ID; ordering is (CreatedAt, ID).
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversationId"`
	SenderID       int64     `json:"senderId"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IsRead         bool      `json:"isRead"`
}

// Before reports whether m sorts strictly before o.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// Conversation is a thread between two or more participants.
//
// LastMessage, UpdatedAt and UnreadCount are derived from stored messages by
// the Repository. LastReadAt is the local read watermark: stored messages at
// or before it are read.
type Conversation struct {
	ID               int64         `json:"id"`
	Participants     []Participant `json:"participants"`
	OtherParticipant *Participant  `json:"otherParticipant,omitempty"`
	LastMessage      *Message      `json:"lastMessage,omitempty"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	LastReadAt       time.Time     `json:"lastReadAt,omitzero"`
	UnreadCount      int           `json:"unreadCount"`
}

// ConversationDetail is one conversation record plus a page of its messages,
// as returned by SnapshotSource.FetchConversation. Entries are raw so the
// engine can validate each one independently.
type ConversationDetail struct {
	Conversation json.RawMessage
	Messages     []json.RawMessage
}

// ============================================================================
// Wire Decoding
// ============================================================================

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts RFC 3339 or zone-less ISO-8601 (read as UTC).
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

type wireParticipant struct {
	ID    *int64  `json:"id"`
	Name  string  `json:"name"`
	Image *string `json:"image"`
}

func (p wireParticipant) decode() (Participant, error) {
	if p.ID == nil || *p.ID <= 0 {
		return Participant{}, errors.New("participant without positive id")
	}
	out := Participant{ID: *p.ID, Name: p.Name}
	if p.Image != nil {
		out.Image = *p.Image
	}
	return out, nil
}

type wireMessage struct {
	ID             *int64  `json:"id"`
	ConversationID *int64  `json:"conversationId"`
	SenderID       *int64  `json:"senderId"`
	Content        *string `json:"content"`
	IsRead         bool    `json:"isRead"`
	CreatedAt      string  `json:"createdAt"`
	Timestamp      string  `json:"timestamp"`
}

// decodeMessage validates one raw message. conversationID fills in a missing
// conversationId when the message is nested inside its conversation; a
// conflicting value is rejected.
func decodeMessage(raw json.RawMessage, conversationID int64) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if w.ID == nil || *w.ID <= 0 {
		return Message{}, errors.New("message without positive id")
	}
	if w.SenderID == nil || *w.SenderID <= 0 {
		return Message{}, errors.New("message without positive senderId")
	}
	if w.Content == nil {
		return Message{}, errors.New("message without content")
	}

	convID := conversationID
	if w.ConversationID != nil {
		if conversationID != 0 && *w.ConversationID != conversationID {
			return Message{}, fmt.Errorf("message conversationId %d does not match %d", *w.ConversationID, conversationID)
		}
		convID = *w.ConversationID
	}
	if convID <= 0 {
		return Message{}, errors.New("message without positive conversationId")
	}

	stamp := w.CreatedAt
	if stamp == "" {
		stamp = w.Timestamp
	}
	if stamp == "" {
		return Message{}, errors.New("message without createdAt")
	}
	createdAt, err := parseTimestamp(stamp)
	if err != nil {
		return Message{}, err
	}

	return Message{
		ID:             *w.ID,
		ConversationID: convID,
		SenderID:       *w.SenderID,
		Content:        *w.Content,
		CreatedAt:      createdAt,
		IsRead:         w.IsRead,
	}, nil
}

type wireConversation struct {
	ID               *int64            `json:"id"`
	Participants     []wireParticipant `json:"participants"`
	OtherParticipant *wireParticipant  `json:"otherParticipant"`
	LastMessage      json.RawMessage   `json:"lastMessage"`
	UpdatedAt        string            `json:"updatedAt"`
	LastReadAt       string            `json:"lastReadAt"`
}

// conversationPayload is a validated conversation plus its embedded last
// message, still raw so a bad message does not invalidate the conversation.
type conversationPayload struct {
	conv        Conversation
	lastMessage json.RawMessage
}

// decodeConversation validates one raw conversation. A payload that only
// names the other participant is completed with the current user.
func decodeConversation(raw json.RawMessage, currentUserID int64) (conversationPayload, error) {
	var w wireConversation
	if err := json.Unmarshal(raw, &w); err != nil {
		return conversationPayload{}, fmt.Errorf("decode conversation: %w", err)
	}
	if w.ID == nil || *w.ID <= 0 {
		return conversationPayload{}, errors.New("conversation without positive id")
	}

	participants := make([]Participant, 0, len(w.Participants))
	seen := make(map[int64]bool, len(w.Participants))
	for _, wp := range w.Participants {
		p, err := wp.decode()
		if err != nil {
			return conversationPayload{}, err
		}
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		participants = append(participants, p)
	}
	if len(participants) == 0 && w.OtherParticipant != nil && currentUserID > 0 {
		other, err := w.OtherParticipant.decode()
		if err != nil {
			return conversationPayload{}, err
		}
		if other.ID != currentUserID {
			participants = append(participants, Participant{ID: currentUserID}, other)
		}
	}
	if len(participants) < 2 {
		return conversationPayload{}, errors.New("conversation needs at least two participants")
	}

	conv := Conversation{ID: *w.ID, Participants: participants}
	if w.UpdatedAt != "" {
		t, err := parseTimestamp(w.UpdatedAt)
		if err != nil {
			return conversationPayload{}, fmt.Errorf("updatedAt: %w", err)
		}
		conv.UpdatedAt = t
	}
	if w.LastReadAt != "" {
		t, err := parseTimestamp(w.LastReadAt)
		if err != nil {
			return conversationPayload{}, fmt.Errorf("lastReadAt: %w", err)
		}
		conv.LastReadAt = t
	}

	out := conversationPayload{conv: conv}
	if !isNull(w.LastMessage) {
		out.lastMessage = w.LastMessage
	}
	return out, nil
}

// decodeNewMessage accepts either a bare message or the room-broadcast shape
// {"conversationId": N, "message": {...}}.
func decodeNewMessage(raw json.RawMessage) (Message, error) {
	var env struct {
		ConversationID int64           `json:"conversationId"`
		Message        json.RawMessage `json:"message"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("decode new message: %w", err)
	}
	if !isNull(env.Message) {
		return decodeMessage(env.Message, env.ConversationID)
	}
	return decodeMessage(raw, 0)
}

// decodeConversationID accepts {"id": N}, {"conversationId": N} or a bare N.
func decodeConversationID(raw json.RawMessage) (int64, error) {
	trimmed := bytes.TrimSpace(raw)
	if n, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		if n <= 0 {
			return 0, errors.New("non-positive conversation id")
		}
		return n, nil
	}
	var body struct {
		ID             int64 `json:"id"`
		ConversationID int64 `json:"conversationId"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return 0, fmt.Errorf("decode conversation id: %w", err)
	}
	id := body.ConversationID
	if id == 0 {
		id = body.ID
	}
	if id <= 0 {
		return 0, errors.New("missing conversation id")
	}
	return id, nil
}
