package collaboration

import (
	"errors"
	"fmt"
	"time"

	"graph-sync/internal/models"

	"github.com/gorilla/websocket"
)

// Close codes sent in the websocket close frame
const (
	CloseNormal              = websocket.CloseNormalClosure     // 1000
	CloseGoingAway           = websocket.CloseGoingAway         // 1001
	CloseAbnormal            = websocket.CloseAbnormalClosure   // 1006, observed only, never sent
	ClosePolicyViolation     = websocket.ClosePolicyViolation   // 1008
	CloseInternalError       = websocket.CloseInternalServerErr // 1011
	CloseAuthFailed          = 4000
	CloseAuthorizationFailed = 4001
	CloseRateLimited         = 4003
	CloseSessionExpired      = 4004
	CloseVersionMismatch     = 4005
)

// Error codes carried in error message payloads
const (
	CodeAuthFailed          = "auth_failed"
	CodeAuthorizationFailed = "authorization_failed"
	CodeRateLimited         = "rate_limited"
	CodeVersionMismatch     = "version_mismatch"
	CodeSessionExpired      = "session_expired"
	CodeInvalidMessage      = "invalid_message"
	CodeInternal            = "internal_error"
)

var (
	// ErrSessionExpired is returned for heartbeats on unknown or reaped sessions.
	ErrSessionExpired = errors.New("session expired")
	// ErrInvalidHandshake means connection_init was missing or malformed.
	ErrInvalidHandshake = errors.New("invalid connection_init")
	// ErrShuttingDown is returned once the manager has been shut down.
	ErrShuttingDown = errors.New("session manager is shutting down")
	// ErrSessionClosed is returned when queueing to a session that already closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidMessage marks a malformed or unexpected message. The connection stays open.
	ErrInvalidMessage = errors.New("invalid message")

	errQueueFull        = errors.New("outbound queue full")
	errSequencerStopped = errors.New("sequencer stopped")
)

// CloseReason is the code and text a session is closed with
type CloseReason struct {
	Code int
	Text string
}

var (
	ReasonNormal           = CloseReason{Code: CloseNormal, Text: "normal"}
	ReasonShutdown         = CloseReason{Code: CloseGoingAway, Text: "server shutting down"}
	ReasonTransport        = CloseReason{Code: CloseAbnormal, Text: "abnormal closure"}
	ReasonSlowConsumer     = CloseReason{Code: ClosePolicyViolation, Text: "outbound queue full"}
	ReasonMessageTooLarge  = CloseReason{Code: ClosePolicyViolation, Text: "message too large"}
	ReasonHeartbeatTimeout = CloseReason{Code: CloseSessionExpired, Text: "heartbeat timeout"}
	ReasonVersionMismatch  = CloseReason{Code: CloseVersionMismatch, Text: "version mismatch"}
)

// AuthError means the identity token was rejected. No session is created.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// AuthorizationError means a valid identity has no access to the graph.
type AuthorizationError struct {
	UserID  string
	GraphID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s may not access graph %s", e.UserID, e.GraphID)
}

// ConflictError wraps a rejected operation. The connection stays open.
type ConflictError struct {
	Record *models.ConflictRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("operation %s rejected: %s", e.Record.OperationID, e.Record.Reason)
}

// RateLimitError rejects a message or connection with a retry hint.
type RateLimitError struct {
	Category   Category
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("rate limit exceeded for %s: %s", e.Category, e.Reason)
	}
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Category, e.RetryAfter)
}

// VersionMismatchError means catch-up from Since is impossible and the
// client must discard local state and reload the graph.
type VersionMismatchError struct {
	GraphID string
	Since   int64
	Oldest  int64
	Latest  int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("cannot catch up graph %s from version %d (retained %d..%d)",
		e.GraphID, e.Since, e.Oldest, e.Latest)
}

// TransportError is an abnormal connection loss; clients reconnect with backoff.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// SequencerError is a graph-wide fault, e.g. the persistence sink is unavailable.
type SequencerError struct {
	GraphID string
	Err     error
}

func (e *SequencerError) Error() string {
	return fmt.Sprintf("graph %s sequencer fault: %v", e.GraphID, e.Err)
}
func (e *SequencerError) Unwrap() error { return e.Err }

// classifyError maps an error to its wire payload and, for connection-level
// errors, the close reason. A nil reason keeps the connection open.
func classifyError(err error) (*models.ErrorPayload, *CloseReason) {
	var (
		authErr     *AuthError
		authzErr    *AuthorizationError
		rateErr     *RateLimitError
		mismatchErr *VersionMismatchError
		seqErr      *SequencerError
	)

	switch {
	case errors.As(err, &authErr):
		return &models.ErrorPayload{Code: CodeAuthFailed, Message: err.Error()},
			&CloseReason{Code: CloseAuthFailed, Text: "authentication failed"}

	case errors.As(err, &authzErr):
		return &models.ErrorPayload{Code: CodeAuthorizationFailed, Message: err.Error()},
			&CloseReason{Code: CloseAuthorizationFailed, Text: "authorization failed"}

	case errors.As(err, &rateErr):
		retry := rateErr.RetryAfter.Milliseconds()
		return &models.ErrorPayload{
			Code:    CodeRateLimited,
			Message: err.Error(),
			Details: &models.ErrorDetails{RetryAfter: &retry},
		}, nil

	case errors.As(err, &mismatchErr):
		return &models.ErrorPayload{Code: CodeVersionMismatch, Message: err.Error()}, &ReasonVersionMismatch

	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionClosed), errors.Is(err, ErrNoPresence):
		return &models.ErrorPayload{Code: CodeSessionExpired, Message: err.Error()},
			&CloseReason{Code: CloseSessionExpired, Text: "session expired"}

	case errors.Is(err, ErrInvalidMessage):
		return &models.ErrorPayload{Code: CodeInvalidMessage, Message: err.Error()}, nil

	case errors.Is(err, ErrInvalidHandshake):
		return &models.ErrorPayload{Code: CodeInvalidMessage, Message: err.Error()},
			&CloseReason{Code: ClosePolicyViolation, Text: "invalid handshake"}

	case errors.Is(err, ErrShuttingDown):
		return &models.ErrorPayload{Code: CodeInternal, Message: err.Error()}, &ReasonShutdown

	case errors.As(err, &seqErr):
		return &models.ErrorPayload{Code: CodeInternal, Message: "graph temporarily unavailable"}, nil

	default:
		return &models.ErrorPayload{Code: CodeInternal, Message: "internal error"},
			&CloseReason{Code: CloseInternalError, Text: "internal error"}
	}
}

// handshakeCloseReason picks the close reason for an Open failure. Rate limit
// and sequencer failures are per-message elsewhere but terminal during handshake.
func handshakeCloseReason(err error) (*models.ErrorPayload, CloseReason) {
	payload, reason := classifyError(err)
	if reason != nil {
		return payload, *reason
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return payload, CloseReason{Code: CloseRateLimited, Text: "rate limited"}
	}
	return payload, CloseReason{Code: CloseInternalError, Text: "internal error"}
}
