package collaboration

import (
	"errors"
	"sort"
	"sync"
	"time"

	"graph-sync/internal/models"
)

// ErrNoPresence is returned when updating a session that has no record
var ErrNoPresence = errors.New("no presence record for session")

// PresenceStore holds the ephemeral presence of every connected session.
// Records are keyed by session id; a record never points back at its session.
type PresenceStore struct {
	mu      sync.RWMutex
	records map[string]*models.PresenceRecord // sessionID -> record
	graphs  map[string]map[string]struct{}    // graphID -> set of sessionIDs
	now     func() time.Time
}

// NewPresenceStore creates an empty presence store
func NewPresenceStore() *PresenceStore {
	return &PresenceStore{
		records: make(map[string]*models.PresenceRecord),
		graphs:  make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

// Join creates the online record for a freshly registered session
func (p *PresenceStore) Join(session *models.Session) *models.PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &models.PresenceRecord{
		SessionID: session.ID,
		UserID:    session.UserID,
		GraphID:   session.GraphID,
		Status:    models.PresenceOnline,
		UpdatedAt: p.now(),
	}
	p.records[session.ID] = rec

	if p.graphs[session.GraphID] == nil {
		p.graphs[session.GraphID] = make(map[string]struct{})
	}
	p.graphs[session.GraphID][session.ID] = struct{}{}

	return rec.Clone()
}

// Update merges the non-nil fields of patch into the session's record and
// returns a copy of the merged record for fan-out. Last write wins per field.
func (p *PresenceStore) Update(sessionID string, patch models.PresencePatch) (*models.PresenceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[sessionID]
	if !ok {
		return nil, ErrNoPresence
	}

	if patch.Cursor != nil {
		c := *patch.Cursor
		rec.Cursor = &c
	}
	if patch.Selection != nil {
		rec.Selection = &models.Selection{
			NodeIDs: append([]string{}, patch.Selection.NodeIDs...),
			EdgeIDs: append([]string{}, patch.Selection.EdgeIDs...),
		}
	}
	if patch.Viewport != nil {
		v := *patch.Viewport
		rec.Viewport = &v
	}
	rec.UpdatedAt = p.now()

	return rec.Clone(), nil
}

// Remove deletes the session's record. It reports whether a record existed.
func (p *PresenceStore) Remove(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[sessionID]
	if !ok {
		return false
	}
	delete(p.records, sessionID)

	if sessions, exists := p.graphs[rec.GraphID]; exists {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(p.graphs, rec.GraphID)
		}
	}
	return true
}

// Get returns a copy of one session's record
func (p *PresenceStore) Get(sessionID string) (*models.PresenceRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rec, ok := p.records[sessionID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// ListForGraph returns copies of every record on a graph, ordered by session id
func (p *PresenceStore) ListForGraph(graphID string) []*models.PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sessions := p.graphs[graphID]
	result := make([]*models.PresenceRecord, 0, len(sessions))
	for sessionID := range sessions {
		result = append(result, p.records[sessionID].Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].SessionID < result[j].SessionID
	})
	return result
}

// Count returns the number of records across all graphs
func (p *PresenceStore) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}
