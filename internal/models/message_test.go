package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationPayload_ToOperation(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	p := &OperationPayload{
		ID:            "op1",
		OperationType: "update",
		EntityType:    "node",
		EntityID:      "n1",
		Path:          []string{"props", "title"},
		Value:         json.RawMessage(`"new"`),
		OldValue:      json.RawMessage(`"old"`),
		Version:       4,
	}

	op := p.ToOperation("g1", "s1", "alice", now)

	assert.Equal(t, int64(4), op.ExpectedVersion, "the client's version is what it expects the path to be at")
	assert.Zero(t, op.Version, "versions are only assigned on acceptance")
	assert.Equal(t, "g1", op.GraphID)
	assert.Equal(t, "s1", op.AuthorSessionID)
	assert.Equal(t, "alice", op.AuthorUserID)
	assert.Equal(t, now, op.SubmittedAt)

	p.Path[0] = "mutated"
	assert.Equal(t, []string{"props", "title"}, op.Path)
}

func TestOperation_PathKey(t *testing.T) {
	a := &Operation{EntityType: "node", EntityID: "n1", Path: []string{"a", "b"}}
	b := &Operation{EntityType: "node", EntityID: "n1", Path: []string{"a.b"}}
	c := &Operation{EntityType: "edge", EntityID: "n1", Path: []string{"a", "b"}}

	assert.NotEqual(t, a.PathKey(), b.PathKey())
	assert.NotEqual(t, a.PathKey(), c.PathKey())
	assert.Equal(t, a.PathKey(), (&Operation{EntityType: "node", EntityID: "n1", Path: []string{"a", "b"}}).PathKey())
}

func TestEnvelope_EncodeDecode(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	data, err := Encode(MessageHeartbeatAck, &HeartbeatPayload{Timestamp: 42}, now)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"heartbeat_ack","payload":{"timestamp":42},"timestamp":1700000000123}`, string(data))

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"heartbeat"}`), &env))
	var hb HeartbeatPayload
	assert.NoError(t, env.Decode(&hb), "a missing payload decodes as empty")
}

func TestPresenceRecord_CloneIsDeep(t *testing.T) {
	orig := &PresenceRecord{
		SessionID: "s1",
		Cursor:    &Cursor{X: 1},
		Selection: &Selection{NodeIDs: []string{"n1"}},
		Viewport:  &Viewport{Zoom: 1},
	}

	cp := orig.Clone()
	cp.Cursor.X = 9
	cp.Selection.NodeIDs[0] = "x"
	cp.Viewport.Zoom = 2

	assert.Equal(t, float64(1), orig.Cursor.X)
	assert.Equal(t, []string{"n1"}, orig.Selection.NodeIDs)
	assert.Equal(t, float64(1), orig.Viewport.Zoom)
	assert.Equal(t, []string{}, cp.Selection.EdgeIDs)
	assert.Nil(t, (*PresenceRecord)(nil).Clone())
}
