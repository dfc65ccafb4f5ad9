package repository

import (
	"context"
	"fmt"
	"sync"

	"graph-sync/internal/models"
)

// MemoryOperationRepository keeps the operation log in process memory.
// Used with PERSISTENCE_MODE=memory and in tests; history does not survive a restart.
type MemoryOperationRepository struct {
	mu     sync.RWMutex
	graphs map[string][]*models.Operation

	// failNext makes the next Append fail (sink outage simulation)
	failNext error
}

// NewMemoryOperationRepository creates an empty in-memory operation log
func NewMemoryOperationRepository() *MemoryOperationRepository {
	return &MemoryOperationRepository{
		graphs: make(map[string][]*models.Operation),
	}
}

// Append stores a copy of the operation; versions must arrive contiguously.
func (r *MemoryOperationRepository) Append(ctx context.Context, graphID string, op *models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failNext; err != nil {
		r.failNext = nil
		return fmt.Errorf("failed to store operation %s v%d: %w", op.ID, op.Version, err)
	}

	ops := r.graphs[graphID]
	if want := int64(len(ops)) + 1; op.Version != want {
		return fmt.Errorf("failed to store operation %s: version %d out of order (want %d)", op.ID, op.Version, want)
	}

	cp := *op
	r.graphs[graphID] = append(ops, &cp)
	return nil
}

// LoadGraph returns copies of all operations for a graph in version order
func (r *MemoryOperationRepository) LoadGraph(ctx context.Context, graphID string) ([]*models.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := r.graphs[graphID]
	out := make([]*models.Operation, 0, len(ops))
	for _, op := range ops {
		cp := *op
		out = append(out, &cp)
	}
	return out, nil
}

// FailNextAppend makes the next Append return err.
func (r *MemoryOperationRepository) FailNextAppend(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}
