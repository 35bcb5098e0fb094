package chatsync

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 15, 250000000, time.UTC)
	for _, in := range []string{
		"2024-03-01T12:30:15.25Z",
		"2024-03-01T14:30:15.25+02:00",
		"2024-03-01T12:30:15.250000",
		"2024-03-01 12:30:15.25",
	} {
		got, err := parseTimestamp(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if !got.Equal(want) {
			t.Fatalf("%s: expected %v, got %v", in, want, got)
		}
	}
	if _, err := parseTimestamp("yesterday"); err == nil {
		t.Fatal("expected error for garbage timestamp")
	}
}

func TestDecodeMessage(t *testing.T) {
	t.Run("timestamp alias and empty content", func(t *testing.T) {
		m, err := decodeMessage(json.RawMessage(`{"id":4,"conversationId":2,"senderId":3,"content":"","timestamp":"2024-03-01T12:00:00"}`), 0)
		if err != nil {
			t.Fatal(err)
		}
		if m.ID != 4 || m.ConversationID != 2 || m.Content != "" || !m.CreatedAt.Equal(epoch) {
			t.Fatalf("unexpected message %+v", m)
		}
	})

	t.Run("nested message inherits conversation", func(t *testing.T) {
		m, err := decodeMessage(json.RawMessage(`{"id":4,"senderId":3,"content":"x","createdAt":"2024-03-01T12:00:00Z"}`), 7)
		if err != nil || m.ConversationID != 7 {
			t.Fatalf("expected conversation 7, got %+v (%v)", m, err)
		}
	})

	rejects := map[string]string{
		"missing id":           `{"conversationId":2,"senderId":3,"content":"x","timestamp":"2024-03-01T12:00:00Z"}`,
		"zero sender":          `{"id":1,"conversationId":2,"senderId":0,"content":"x","timestamp":"2024-03-01T12:00:00Z"}`,
		"missing content":      `{"id":1,"conversationId":2,"senderId":3,"timestamp":"2024-03-01T12:00:00Z"}`,
		"missing timestamp":    `{"id":1,"conversationId":2,"senderId":3,"content":"x"}`,
		"bad timestamp":        `{"id":1,"conversationId":2,"senderId":3,"content":"x","timestamp":"soon"}`,
		"string id":            `{"id":"1","conversationId":2,"senderId":3,"content":"x","timestamp":"2024-03-01T12:00:00Z"}`,
		"missing conversation": `{"id":1,"senderId":3,"content":"x","timestamp":"2024-03-01T12:00:00Z"}`,
	}
	for name, raw := range rejects {
		t.Run(name, func(t *testing.T) {
			if _, err := decodeMessage(json.RawMessage(raw), 0); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}

	t.Run("conflicting conversation", func(t *testing.T) {
		if _, err := decodeMessage(msgJSON(1, 2, 3, 0, "x"), 5); err == nil {
			t.Fatal("expected rejection of mismatched conversationId")
		}
	})
}

func TestDecodeConversation(t *testing.T) {
	t.Run("full payload", func(t *testing.T) {
		p, err := decodeConversation(convJSON(5, 2, 3, msgJSON(9, 5, 2, 3, "hi")), me)
		if err != nil {
			t.Fatal(err)
		}
		if p.conv.ID != 5 || len(p.conv.Participants) != 2 || !p.conv.UpdatedAt.Equal(at(3)) {
			t.Fatalf("unexpected conversation %+v", p.conv)
		}
		if p.lastMessage == nil {
			t.Fatal("expected embedded last message")
		}
	})

	t.Run("other participant only", func(t *testing.T) {
		p, err := decodeConversation(json.RawMessage(`{"id":5,"otherParticipant":{"id":2,"name":"Ann"},"lastMessage":null}`), me)
		if err != nil {
			t.Fatal(err)
		}
		if len(p.conv.Participants) != 2 || p.conv.Participants[0].ID != me || p.conv.Participants[1].Name != "Ann" {
			t.Fatalf("unexpected participants %+v", p.conv.Participants)
		}
		if p.lastMessage != nil {
			t.Fatal("null lastMessage should be absent")
		}
	})

	t.Run("too few participants", func(t *testing.T) {
		if _, err := decodeConversation(json.RawMessage(`{"id":5,"participants":[{"id":1}]}`), me); err == nil {
			t.Fatal("expected rejection")
		}
	})

	t.Run("bad lastMessage does not fail the conversation", func(t *testing.T) {
		p, err := decodeConversation(json.RawMessage(`{"id":5,"participants":[{"id":1},{"id":2}],"lastMessage":{"id":"x"}}`), me)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := decodeMessage(p.lastMessage, 5); err == nil {
			t.Fatal("expected embedded message to be rejected on its own")
		}
	})
}

func TestDecodeNewMessage(t *testing.T) {
	bare, err := decodeNewMessage(msgJSON(1, 2, 3, 0, "bare"))
	if err != nil || bare.ConversationID != 2 {
		t.Fatalf("bare shape: %+v %v", bare, err)
	}

	wrapped := mustJSON(map[string]any{
		"conversationId": 2,
		"message":        json.RawMessage(`{"id":1,"senderId":3,"content":"room","timestamp":"2024-03-01T12:00:00"}`),
	})
	m, err := decodeNewMessage(wrapped)
	if err != nil || m.ConversationID != 2 || m.Content != "room" {
		t.Fatalf("room shape: %+v %v", m, err)
	}
}

func TestDecodeConversationID(t *testing.T) {
	for raw, want := range map[string]int64{`7`: 7, `{"id":8}`: 8, `{"conversationId":9}`: 9} {
		got, err := decodeConversationID(json.RawMessage(raw))
		if err != nil || got != want {
			t.Fatalf("%s: expected %d, got %d (%v)", raw, want, got, err)
		}
	}
	for _, raw := range []string{`0`, `{}`, `"x"`} {
		if _, err := decodeConversationID(json.RawMessage(raw)); err == nil {
			t.Fatalf("%s: expected error", raw)
		}
	}
}
