package chatsync

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrSessionClosed is returned by Session operations after Close.
	ErrSessionClosed = errors.New("chatsync: session closed")
	// ErrNotConnected is returned when a transport operation needs a live connection.
	ErrNotConnected = errors.New("chatsync: not connected")
)

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return "api error " + strconv.Itoa(e.Status)
	}
	return "api error " + strconv.Itoa(e.Status) + ": " + e.Message
}

// TransportError wraps a push-channel failure (dial, read, heartbeat).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SnapshotFetchError wraps a failed REST snapshot fetch. Manual is true when
// the fetch was requested by the caller rather than the poller.
type SnapshotFetchError struct {
	Manual         bool
	ConversationID int64
	Err            error
}

func (e *SnapshotFetchError) Error() string {
	what := "conversations"
	if e.ConversationID != 0 {
		what = "conversation " + strconv.FormatInt(e.ConversationID, 10)
	}
	return fmt.Sprintf("fetch %s: %v", what, e.Err)
}

func (e *SnapshotFetchError) Unwrap() error { return e.Err }

// Payload sources.
const (
	SourcePush     = "push"
	SourceSnapshot = "snapshot"
)

// MalformedPayloadError describes a payload that failed validation and was
// dropped without being applied.
type MalformedPayloadError struct {
	Source string
	Kind   string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s %s payload: %v", e.Source, e.Kind, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// ============================================================================
// Failure Policy
// ============================================================================

// FailureAction tells the session what to do with a failure.
type FailureAction int

const (
	// ActionLog records the failure and carries on.
	ActionLog FailureAction = iota
	// ActionSurface returns the failure to the caller.
	ActionSurface
)

// FailurePolicy classifies failures from every producer. Whatever it
// returns, background schedules keep running.
type FailurePolicy func(err error) FailureAction

// DefaultFailurePolicy surfaces manual snapshot failures and logs the rest.
func DefaultFailurePolicy(err error) FailureAction {
	var fe *SnapshotFetchError
	if errors.As(err, &fe) && fe.Manual {
		return ActionSurface
	}
	return ActionLog
}
