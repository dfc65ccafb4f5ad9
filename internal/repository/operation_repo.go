package repository

import (
	"context"
	"fmt"

	"graph-sync/internal/models"

	"gorm.io/gorm"
)

/*
OPERATION LOG PERSISTENCE

Accepted operations are written through to graph_operations before the
in-memory version log advances. This lets a graph sequencer rebuild its
version log and path index after a restart or after it was evicted while idle.

Query patterns:
- Append: write-through on acceptance
- LoadGraph: rebuild a sequencer (everything, ascending by version)
*/

// OperationRepositoryImpl handles operation log storage
type OperationRepositoryImpl struct {
	db *gorm.DB
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *gorm.DB) *OperationRepositoryImpl {
	return &OperationRepositoryImpl{db: db}
}

// Append stores an accepted operation. A duplicate (graph, version) or
// (graph, operation id) is reported as an error; the sequencer never retries it.
func (r *OperationRepositoryImpl) Append(ctx context.Context, graphID string, op *models.Operation) error {
	record := models.NewOperationRecord(graphID, op)

	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to store operation %s v%d: %w", op.ID, op.Version, err)
	}

	return nil
}

// LoadGraph retrieves every accepted operation for a graph in version order
func (r *OperationRepositoryImpl) LoadGraph(ctx context.Context, graphID string) ([]*models.Operation, error) {
	var records []*models.OperationRecord

	err := r.db.WithContext(ctx).
		Where("graph_id = ?", graphID).
		Order("version ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load operations for graph %s: %w", graphID, err)
	}

	ops := make([]*models.Operation, 0, len(records))
	for _, rec := range records {
		ops = append(ops, rec.ToOperation())
	}
	return ops, nil
}
