package collaboration

import (
	"testing"
	"time"

	"graph-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinSession(p *PresenceStore, sessionID, userID, graphID string) {
	p.Join(&models.Session{ID: sessionID, UserID: userID, GraphID: graphID})
}

func TestPresenceStore_UpdateMergesFields(t *testing.T) {
	clock := newFakeClock()
	p := NewPresenceStore()
	p.now = clock.Now

	joinSession(p, "s1", "alice", "g1")

	rec, err := p.Update("s1", models.PresencePatch{Cursor: &models.Cursor{EntityID: "n1", X: 10, Y: 20}})
	require.NoError(t, err)
	assert.Equal(t, &models.Cursor{EntityID: "n1", X: 10, Y: 20}, rec.Cursor)
	assert.Nil(t, rec.Selection)

	clock.Advance(time.Second)
	rec, err = p.Update("s1", models.PresencePatch{Selection: &models.Selection{NodeIDs: []string{"n1", "n2"}}})
	require.NoError(t, err)
	assert.Equal(t, &models.Cursor{EntityID: "n1", X: 10, Y: 20}, rec.Cursor, "cursor survives a selection update")
	assert.Equal(t, []string{"n1", "n2"}, rec.Selection.NodeIDs)
	assert.Equal(t, []string{}, rec.Selection.EdgeIDs)
	assert.Equal(t, clock.Now(), rec.UpdatedAt)
	assert.Equal(t, models.PresenceOnline, rec.Status)

	rec, err = p.Update("s1", models.PresencePatch{Cursor: &models.Cursor{X: 1, Y: 2}})
	require.NoError(t, err)
	assert.Equal(t, &models.Cursor{X: 1, Y: 2}, rec.Cursor, "last write wins per field")
}

func TestPresenceStore_ReturnsCopies(t *testing.T) {
	p := NewPresenceStore()
	joinSession(p, "s1", "alice", "g1")

	nodes := []string{"n1"}
	rec, err := p.Update("s1", models.PresencePatch{Selection: &models.Selection{NodeIDs: nodes}})
	require.NoError(t, err)

	nodes[0] = "mutated"
	rec.Selection.NodeIDs[0] = "also-mutated"

	stored, ok := p.Get("s1")
	require.True(t, ok)
	assert.Equal(t, []string{"n1"}, stored.Selection.NodeIDs)
}

func TestPresenceStore_UnknownSession(t *testing.T) {
	p := NewPresenceStore()

	_, err := p.Update("missing", models.PresencePatch{Viewport: &models.Viewport{Zoom: 1}})
	assert.ErrorIs(t, err, ErrNoPresence)
	assert.False(t, p.Remove("missing"))
}

func TestPresenceStore_RemoveIsolation(t *testing.T) {
	p := NewPresenceStore()
	joinSession(p, "a", "alice", "g1")
	joinSession(p, "b", "bob", "g1")

	_, err := p.Update("b", models.PresencePatch{Viewport: &models.Viewport{X: 5, Y: 6, Zoom: 2}})
	require.NoError(t, err)
	before, _ := p.Get("b")

	assert.True(t, p.Remove("a"))

	after, ok := p.Get("b")
	require.True(t, ok)
	assert.Equal(t, before, after, "removing A must not touch B")

	_, ok = p.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, p.Count())
}

func TestPresenceStore_ListForGraph(t *testing.T) {
	p := NewPresenceStore()
	joinSession(p, "s3", "carol", "g1")
	joinSession(p, "s1", "alice", "g1")
	joinSession(p, "s2", "bob", "g2")

	list := p.ListForGraph("g1")
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].SessionID)
	assert.Equal(t, "s3", list[1].SessionID)

	assert.Len(t, p.ListForGraph("g2"), 1)
	assert.Empty(t, p.ListForGraph("unknown"))

	p.Remove("s2")
	assert.Empty(t, p.ListForGraph("g2"))
}
