package main

import (
	"strings"
	"testing"

	"github.com/hirehub/chatsync"
)

func TestSetConfigValue(t *testing.T) {
	t.Run("valid keys", func(t *testing.T) {
		cfg := &Config{}
		for key, value := range map[string]string{
			"default.base_url":      "https://chat.example.com",
			"default.ws_url":        "wss://push.example.com/ws",
			"default.poll_interval": "5s",
			"auth.token":            "tok-abc",
			"auth.user_id":          "42",
		} {
			if err := setConfigValue(cfg, key, value); err != nil {
				t.Fatalf("%s: %v", key, err)
			}
		}
		if cfg.Default.BaseURL != "https://chat.example.com" || cfg.Default.WSURL != "wss://push.example.com/ws" {
			t.Fatalf("unexpected default section: %+v", cfg.Default)
		}
		if cfg.Default.PollInterval != "5s" || cfg.Auth.Token != "tok-abc" || cfg.Auth.UserID != 42 {
			t.Fatalf("unexpected config: %+v", cfg)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		for key, value := range map[string]string{
			"base_url":              "x",
			"default.nope":          "x",
			"auth.nope":             "x",
			"other.field":           "x",
			"auth.user_id":          "abc",
			"default.poll_interval": "soon",
		} {
			if err := setConfigValue(&Config{}, key, value); err == nil {
				t.Errorf("%s=%s: expected error", key, value)
			}
		}
		if err := setConfigValue(&Config{}, "auth.user_id", "0"); err == nil {
			t.Error("expected error for zero user id")
		}
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CHATSYNC_TOKEN", "env-token")
	t.Setenv("CHATSYNC_USER_ID", "9")
	t.Setenv("CHATSYNC_BASE_URL", "https://env.example.com")
	t.Setenv("CHATSYNC_WS_URL", "")

	cfg := &Config{
		Default: ConfigDefault{BaseURL: "https://file.example.com", WSURL: "wss://file.example.com/ws"},
		Auth:    ConfigAuth{Token: "file-token", UserID: 1},
	}
	if err := applyEnv(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.Token != "env-token" || cfg.Auth.UserID != 9 || cfg.Default.BaseURL != "https://env.example.com" {
		t.Fatalf("environment should override file values: %+v", cfg)
	}
	if cfg.Default.WSURL != "wss://file.example.com/ws" {
		t.Fatalf("empty variable should leave the file value, got %q", cfg.Default.WSURL)
	}

	t.Setenv("CHATSYNC_USER_ID", "me")
	if err := applyEnv(cfg); err == nil {
		t.Fatal("expected error for non-numeric user id")
	}
}

func TestWSURLFor(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"explicit", Config{Default: ConfigDefault{BaseURL: "https://a.example.com", WSURL: "wss://b.example.com/live"}}, "wss://b.example.com/live"},
		{"https", Config{Default: ConfigDefault{BaseURL: "https://a.example.com/"}}, "wss://a.example.com/ws"},
		{"http with path", Config{Default: ConfigDefault{BaseURL: "http://localhost:5000/chat"}}, "ws://localhost:5000/chat/ws"},
		{"default", Config{}, "ws://localhost:5000/ws"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := wsURLFor(&tc.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}

	if _, err := wsURLFor(&Config{Default: ConfigDefault{BaseURL: "ftp://x"}}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("abc"); got != "****" {
		t.Fatalf("short key: %s", got)
	}
	got := maskKey("sk-chatsync-0123456789")
	if strings.Contains(got, "0123456") || !strings.HasSuffix(got, "6789") {
		t.Fatalf("key not masked: %s", got)
	}
}

func TestConversationTitle(t *testing.T) {
	other := &chatsync.Participant{ID: 2, Name: "Ada"}
	if got := conversationTitle(chatsync.Conversation{OtherParticipant: other}); got != "Ada" {
		t.Fatalf("expected Ada, got %s", got)
	}
	group := chatsync.Conversation{Participants: []chatsync.Participant{{ID: 1, Name: "Me"}, {ID: 2, Name: "Ada"}, {ID: 3, Name: "Bob"}}}
	if got := conversationTitle(group); got != "Me, Ada, Bob" {
		t.Fatalf("unexpected group title %s", got)
	}
	if got := truncate("hello world", 8); got != "hello..." {
		t.Fatalf("unexpected truncation %s", got)
	}
}
