package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// SessionState is the server-side lifecycle of one connection.
// Reconnecting is a client-side state; the server only ever sees a new session.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionConnected  SessionState = "connected"
	SessionClosed     SessionState = "closed"
)

// Session represents an active WebSocket connection scoped to one graph
type Session struct {
	ID               string       `json:"sessionId"`
	UserID           string       `json:"userId"`
	GraphID          string       `json:"graphId"`
	State            SessionState `json:"state"`
	LastAckedVersion int64        `json:"lastAckedVersion"`
	ConnectedAt      time.Time    `json:"connectedAt"`
	LastHeartbeatAt  time.Time    `json:"lastHeartbeatAt"`
}

// NewSession allocates a session id. The session starts in SessionConnecting
// until the manager registers it under its graph.
func NewSession(graphID, userID string, now time.Time) *Session {
	return &Session{
		ID:              ksuid.New().String(),
		UserID:          userID,
		GraphID:         graphID,
		State:           SessionConnecting,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
	}
}

// PresenceStatus is always "online" while a record exists.
type PresenceStatus string

const PresenceOnline PresenceStatus = "online"

// Cursor is a pointer position, optionally anchored to an entity
type Cursor struct {
	EntityID string  `json:"entityId,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// Selection lists the selected graph elements
type Selection struct {
	NodeIDs []string `json:"nodeIds"`
	EdgeIDs []string `json:"edgeIds"`
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// PresenceRecord is ephemeral, last-value-wins user state for one session.
// It is separate from graph content and never versioned.
type PresenceRecord struct {
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	GraphID   string         `json:"graphId"`
	Cursor    *Cursor        `json:"cursor,omitempty"`
	Selection *Selection     `json:"selection,omitempty"`
	Viewport  *Viewport      `json:"viewport,omitempty"`
	Status    PresenceStatus `json:"status"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy so callers can fan it out without sharing state.
func (p *PresenceRecord) Clone() *PresenceRecord {
	if p == nil {
		return nil
	}
	out := *p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	if p.Selection != nil {
		out.Selection = &Selection{
			NodeIDs: append([]string{}, p.Selection.NodeIDs...),
			EdgeIDs: append([]string{}, p.Selection.EdgeIDs...),
		}
	}
	if p.Viewport != nil {
		v := *p.Viewport
		out.Viewport = &v
	}
	return &out
}

// PresencePatch carries the fields a single presence message changes.
// Nil fields are left untouched.
type PresencePatch struct {
	Cursor    *Cursor
	Selection *Selection
	Viewport  *Viewport
}
