package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// maxWebhookBody caps how much of a request body is read.
const maxWebhookBody = 1 << 20

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body of a push webhook.
type WebhookPayload struct {
	Event     string          `json:"event"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// The signature may carry a "sha256=" prefix. Comparison is constant-time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex HMAC-SHA256 of body, without prefix.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses a raw webhook body into an Event.
func ParseWebhookPayload(body string) (Event, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return Event{}, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if payload.Event == "" {
		return Event{}, fmt.Errorf("missing event field in webhook payload")
	}
	kind, ok := eventKinds[payload.Event]
	if !ok {
		return Event{}, fmt.Errorf("unknown webhook event: %s", payload.Event)
	}
	if isNull(payload.Data) {
		return Event{}, fmt.Errorf("missing data in webhook payload")
	}
	return Event{Kind: kind, Payload: payload.Data}, nil
}

// ============================================================================
// WebhookTransport
// ============================================================================

// WebhookTransport receives push events as signed HTTP POSTs. Requests are
// refused with 503 while it is disconnected. It never reports degraded.
type WebhookTransport struct {
	secret     string
	log        *zap.Logger
	dispatcher *eventDispatcher

	mu        sync.RWMutex
	accepting bool
}

// NewWebhookTransport creates a disconnected webhook transport.
func NewWebhookTransport(secret string, log *zap.Logger) (*WebhookTransport, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookTransport{
		secret:     secret,
		log:        log.With(zap.String("transport", "webhook")),
		dispatcher: &eventDispatcher{},
	}, nil
}

// Connect starts accepting requests.
func (w *WebhookTransport) Connect(context.Context) error {
	w.mu.Lock()
	w.accepting = true
	w.mu.Unlock()
	return nil
}

// Disconnect stops accepting requests. It waits for requests already being
// dispatched to finish.
func (w *WebhookTransport) Disconnect() error {
	w.mu.Lock()
	w.accepting = false
	w.mu.Unlock()
	return nil
}

// OnEvent registers a handler for sync events.
func (w *WebhookTransport) OnEvent(h func(Event)) { w.dispatcher.addEvent(h) }

// OnDegraded is a no-op; the webhook transport has no connection to lose.
func (w *WebhookTransport) OnDegraded(func(bool)) {}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookTransport) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one webhook request (verify + parse + dispatch) and
// returns the status code and response body for the caller to write.
func (w *WebhookTransport) Handle(body, signature string) (int, any) {
	// Held for the whole dispatch so Disconnect waits for it.
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.accepting {
		return http.StatusServiceUnavailable, map[string]string{"error": "Not accepting events"}
	}

	if !w.Verify(body, signature) {
		w.log.Debug("rejected webhook with bad signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseWebhookPayload(body)
	if err != nil {
		w.log.Debug("rejected webhook payload", zap.Error(err))
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.dispatcher.dispatch(ev)
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookTransport("secret", logger)
//	http.Handle("/hooks/chat", wh.HTTPHandler())
func (w *WebhookTransport) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		defer r.Body.Close()
		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
