package models

import (
	"encoding/json"
	"time"
)

// MessageType tags every envelope on the collaboration socket
type MessageType string

const (
	// Connection lifecycle
	MessageConnectionInit MessageType = "connection_init"
	MessageConnectionAck  MessageType = "connection_ack"
	MessageHeartbeat      MessageType = "heartbeat"
	MessageHeartbeatAck   MessageType = "heartbeat_ack"
	MessageDisconnect     MessageType = "disconnect"
	MessageDisconnectAck  MessageType = "disconnect_ack"

	// Membership
	MessageUserJoined MessageType = "user_joined"
	MessageUserLeft   MessageType = "user_left"

	// Presence
	MessageCursorMoved      MessageType = "cursor_moved"
	MessageSelectionChanged MessageType = "selection_changed"
	MessageViewportChanged  MessageType = "viewport_changed"

	// Operations
	MessageOperation       MessageType = "operation"
	MessageOperationAck    MessageType = "operation_ack"
	MessageOperationReject MessageType = "operation_reject"

	// Catch-up
	MessageSyncRequest  MessageType = "sync_request"
	MessageSyncResponse MessageType = "sync_response"

	MessageError MessageType = "error"
)

// Envelope is the wire frame: {type, payload, timestamp?}.
// Timestamp is unix milliseconds.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewEnvelope marshals payload into an envelope stamped with now.
func NewEnvelope(msgType MessageType, payload any, now time.Time) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: msgType, Payload: raw, Timestamp: now.UnixMilli()}, nil
}

// Encode marshals payload straight into wire bytes.
func Encode(msgType MessageType, payload any, now time.Time) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload, now)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals the envelope payload into dst.
func (e *Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), dst)
	}
	return json.Unmarshal(e.Payload, dst)
}

type ConnectionInitPayload struct {
	Authorization    string `json:"authorization"`
	GraphID          string `json:"graphId"`
	ReconnectToken   string `json:"reconnectToken,omitempty"`
	LastAckedVersion *int64 `json:"lastAckedVersion,omitempty"`
}

type ConnectionAckPayload struct {
	SessionID         string `json:"sessionId"`
	UserID            string `json:"userId"`
	ReconnectToken    string `json:"reconnectToken"`
	Version           int64  `json:"version"`
	HeartbeatInterval int64  `json:"heartbeatInterval"`
}

type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

type DisconnectPayload struct {
	Reason string `json:"reason"`
}

type UserEventPayload struct {
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
}

// CursorPayload is used both inbound (Position only) and for fan-out.
type CursorPayload struct {
	UserID    string  `json:"userId,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`
	Position  *Cursor `json:"position"`
}

type SelectionPayload struct {
	UserID        string   `json:"userId,omitempty"`
	SessionID     string   `json:"sessionId,omitempty"`
	SelectedNodes []string `json:"selectedNodes"`
	SelectedEdges []string `json:"selectedEdges"`
}

type ViewportPayload struct {
	UserID    string    `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Viewport  *Viewport `json:"viewport"`
}

// OperationPayload is the inbound operation message. Version is the
// version the client believed current for the target path.
type OperationPayload struct {
	ID            string          `json:"id"`
	OperationType string          `json:"operationType"`
	EntityType    string          `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Path          []string        `json:"path"`
	Value         json.RawMessage `json:"value"`
	OldValue      json.RawMessage `json:"oldValue"`
	Version       int64           `json:"version"`
	Timestamp     int64           `json:"timestamp"`
}

// ToOperation builds the resolver input for a session.
func (p *OperationPayload) ToOperation(graphID, sessionID, userID string, now time.Time) *Operation {
	return &Operation{
		ID:              p.ID,
		GraphID:         graphID,
		OperationType:   p.OperationType,
		EntityType:      p.EntityType,
		EntityID:        p.EntityID,
		Path:            append([]string(nil), p.Path...),
		Value:           p.Value,
		OldValue:        p.OldValue,
		ExpectedVersion: p.Version,
		AuthorSessionID: sessionID,
		AuthorUserID:    userID,
		SubmittedAt:     now,
	}
}

type OperationAckPayload struct {
	OperationID string `json:"operationId"`
	Version     int64  `json:"version"`
	Timestamp   int64  `json:"timestamp"`
}

type OperationRejectPayload struct {
	OperationID    string          `json:"operationId"`
	Reason         string          `json:"reason"`
	Conflict       *ConflictDetail `json:"conflict,omitempty"`
	Message        string          `json:"message,omitempty"`
	CurrentVersion int64           `json:"currentVersion,omitempty"`
}

type SyncRequestPayload struct {
	FromVersion int64 `json:"fromVersion"`
}

type SyncResponsePayload struct {
	Version    int64             `json:"version"`
	Operations []*Operation      `json:"operations"`
	Presence   []*PresenceRecord `json:"presence"`
}

type ErrorDetails struct {
	RetryAfter *int64 `json:"retryAfter,omitempty"`
}

type ErrorPayload struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details *ErrorDetails `json:"details,omitempty"`
}
