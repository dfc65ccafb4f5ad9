package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
Operations are opaque deltas: the server never interprets Value, it only
orders them. Each accepted operation gets the next graph version and is
written through to graph_operations so the log survives restarts.

Flow:
  Client submits op (expected version for its path)
  → graph sequencer checks the path index → accept or reject
  → accepted: persist, append to log, fan out to the other sessions
*/

// Operation is one versioned mutation request against a graph entity.
// Version is zero until the operation is accepted.
type Operation struct {
	ID              string          `json:"id"`
	GraphID         string          `json:"graphId,omitempty"`
	OperationType   string          `json:"operationType"`
	EntityType      string          `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Path            []string        `json:"path"`
	Value           json.RawMessage `json:"value"`
	OldValue        json.RawMessage `json:"oldValue"`
	ExpectedVersion int64           `json:"expectedVersion"`
	Version         int64           `json:"version"`
	AuthorSessionID string          `json:"sessionId,omitempty"`
	AuthorUserID    string          `json:"userId,omitempty"`
	SubmittedAt     time.Time       `json:"submittedAt"`
}

// PathKey identifies the exact (entityType, entityId, path) an operation targets.
func (o *Operation) PathKey() string {
	var b strings.Builder
	b.WriteString(o.EntityType)
	b.WriteByte(0)
	b.WriteString(o.EntityID)
	for _, seg := range o.Path {
		b.WriteByte(0)
		b.WriteString(seg)
	}
	return b.String()
}

// Conflict reasons reported in operation_reject.
const (
	RejectConflict         = "conflict"
	RejectInvalid          = "invalid"
	RejectPermissionDenied = "permission_denied"
)

// ConflictTypeVersion marks a stale expected version on the target path.
const ConflictTypeVersion = "version_conflict"

// ConflictDetail carries what the client believed versus what the log holds.
type ConflictDetail struct {
	Type          string          `json:"type"`
	ExpectedValue json.RawMessage `json:"expectedValue"`
	ActualValue   json.RawMessage `json:"actualValue"`
}

// ConflictRecord is the transient result of a rejected operation. Never stored.
type ConflictRecord struct {
	OperationID string          `json:"operationId"`
	Reason      string          `json:"reason"`
	Conflict    *ConflictDetail `json:"conflict,omitempty"`
	Message     string          `json:"message,omitempty"`
	// CurrentVersion is the version that last touched the path, so the client can retry against it.
	CurrentVersion int64 `json:"currentVersion,omitempty"`
}

// OperationRecord persists an accepted operation.
// Versions and operation ids are unique per graph.
type OperationRecord struct {
	ID              string         `gorm:"type:varchar(27);primaryKey" json:"id"`
	GraphID         string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_graph_version;uniqueIndex:idx_graph_operation" json:"graph_id"`
	Version         int64          `gorm:"not null;uniqueIndex:idx_graph_version" json:"version"`
	OperationID     string         `gorm:"type:varchar(128);not null;uniqueIndex:idx_graph_operation" json:"operation_id"`
	OperationType   string         `gorm:"type:varchar(64);not null" json:"operation_type"`
	EntityType      string         `gorm:"type:varchar(64);not null" json:"entity_type"`
	EntityID        string         `gorm:"type:varchar(128);not null;index" json:"entity_id"`
	Path            pq.StringArray `gorm:"type:text[]" json:"path"`
	Value           string         `gorm:"type:jsonb" json:"value"`
	OldValue        string         `gorm:"type:jsonb" json:"old_value"`
	ExpectedVersion int64          `gorm:"not null" json:"expected_version"`
	AuthorSessionID string         `gorm:"type:varchar(27)" json:"author_session_id"`
	AuthorUserID    string         `gorm:"type:varchar(128);index" json:"author_user_id"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	CreatedAt       time.Time      `json:"created_at"`
}

// BeforeCreate generates KSUID
func (r *OperationRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (OperationRecord) TableName() string {
	return "graph_operations"
}

// NewOperationRecord converts an accepted operation into its row form.
func NewOperationRecord(graphID string, op *Operation) *OperationRecord {
	return &OperationRecord{
		GraphID:         graphID,
		Version:         op.Version,
		OperationID:     op.ID,
		OperationType:   op.OperationType,
		EntityType:      op.EntityType,
		EntityID:        op.EntityID,
		Path:            pq.StringArray(op.Path),
		Value:           rawToColumn(op.Value),
		OldValue:        rawToColumn(op.OldValue),
		ExpectedVersion: op.ExpectedVersion,
		AuthorSessionID: op.AuthorSessionID,
		AuthorUserID:    op.AuthorUserID,
		SubmittedAt:     op.SubmittedAt,
	}
}

// ToOperation converts a stored row back into an accepted operation.
func (r *OperationRecord) ToOperation() *Operation {
	return &Operation{
		ID:              r.OperationID,
		GraphID:         r.GraphID,
		OperationType:   r.OperationType,
		EntityType:      r.EntityType,
		EntityID:        r.EntityID,
		Path:            []string(r.Path),
		Value:           columnToRaw(r.Value),
		OldValue:        columnToRaw(r.OldValue),
		ExpectedVersion: r.ExpectedVersion,
		Version:         r.Version,
		AuthorSessionID: r.AuthorSessionID,
		AuthorUserID:    r.AuthorUserID,
		SubmittedAt:     r.SubmittedAt,
	}
}

func rawToColumn(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

func columnToRaw(col string) json.RawMessage {
	if col == "" || col == "null" {
		return nil
	}
	return json.RawMessage(col)
}
