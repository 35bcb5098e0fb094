package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hirehub/chatsync"
)

// applyEnv overlays CHATSYNC_* environment variables on top of the file config.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("CHATSYNC_USER_ID must be a positive integer, got %q", v)
		}
		cfg.Auth.UserID = id
	}
	if v := os.Getenv("CHATSYNC_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_WS_URL"); v != "" {
		cfg.Default.WSURL = v
	}
	return nil
}

// loadEffectiveConfig returns the file config with environment overrides
// applied, and checks that credentials are present.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured. Run 'chatsync init <token> --user-id <id>' first")
	}
	if cfg.Auth.UserID <= 0 {
		return nil, fmt.Errorf("no user id configured. Run 'chatsync config set auth.user_id <id>'")
	}
	return cfg, nil
}

// newLogger returns a console logger in verbose mode and a quiet production
// logger otherwise.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	return cfg.Build()
}

// newClient builds a REST client from the effective config.
func newClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(cfg.Auth.Token, chatsync.WithBaseURL(valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL)))
}

// pollInterval parses the configured poll interval, falling back to the default.
func pollInterval(cfg *Config) (time.Duration, error) {
	if cfg.Default.PollInterval == "" {
		return chatsync.DefaultPollInterval, nil
	}
	d, err := time.ParseDuration(cfg.Default.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid poll_interval %q: %w", cfg.Default.PollInterval, err)
	}
	return d, nil
}

// wsURLFor returns the configured WebSocket URL, or derives one from the
// REST base URL by switching the scheme and appending /ws.
func wsURLFor(cfg *Config) (string, error) {
	if cfg.Default.WSURL != "" {
		return cfg.Default.WSURL, nil
	}
	u, err := url.Parse(valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
	if err != nil {
		return "", fmt.Errorf("invalid base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("cannot derive websocket url from scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// eventsURLFor returns the SSE endpoint under the REST base URL.
func eventsURLFor(cfg *Config) string {
	return strings.TrimRight(valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL), "/") + "/api/events"
}

// maskKey shows only the first and last few characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		if len(key) <= 4 {
			return "****"
		}
		return key[:4] + "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// conversationTitle names a conversation by its other participant, or by
// its participant list for groups.
func conversationTitle(c chatsync.Conversation) string {
	if c.OtherParticipant != nil {
		return c.OtherParticipant.Name
	}
	names := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
