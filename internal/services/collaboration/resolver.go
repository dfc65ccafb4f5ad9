package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"graph-sync/internal/metrics"
	"graph-sync/internal/models"
)

const maxOperationIDLength = 128

// SubmitResult is the outcome of one Submit call. Exactly one of Accepted
// or Conflict is set.
type SubmitResult struct {
	Accepted bool
	Version  int64
	// Replayed is set when the operation id was already in the log; Version
	// is the originally assigned version and nothing was appended.
	Replayed bool
	Conflict *models.ConflictRecord
}

// AcceptHook is called on the graph's sequencer goroutine for every newly
// accepted operation, in version order. It must not block.
type AcceptHook func(graphID string, op *models.Operation)

// pathEntry is the latest accepted write to one exact path
type pathEntry struct {
	version int64
	value   json.RawMessage
}

// graphState is everything a sequencer owns for its graph
type graphState struct {
	graphID string
	log     *VersionLog
	paths   map[string]pathEntry
	sink    OperationSink
	loaded  bool
}

func newGraphState(graphID string, retention int, sink OperationSink) *graphState {
	return &graphState{
		graphID: graphID,
		log:     newVersionLog(graphID, retention, sink),
		paths:   make(map[string]pathEntry),
		sink:    sink,
	}
}

// load rebuilds the log and path index from the sink
func (st *graphState) load(ctx context.Context) error {
	if st.sink != nil {
		ops, err := st.sink.LoadGraph(ctx, st.graphID)
		if err != nil {
			return fmt.Errorf("failed to load graph history: %w", err)
		}
		if err := st.log.restore(ops); err != nil {
			st.log = newVersionLog(st.graphID, st.log.retention, st.sink)
			return err
		}
		for _, op := range ops {
			st.paths[op.PathKey()] = pathEntry{version: op.Version, value: op.Value}
		}
		if len(ops) > 0 {
			log.Printf("  Graph %s restored %d operations (latest v%d)", st.graphID, len(ops), st.log.Latest())
		}
	}
	st.loaded = true
	return nil
}

// resolve applies the optimistic-concurrency rule to one operation
func (st *graphState) resolve(ctx context.Context, op *models.Operation) (SubmitResult, error) {
	if v, ok := st.log.Lookup(op.ID); ok {
		return SubmitResult{Accepted: true, Version: v, Replayed: true}, nil
	}

	key := op.PathKey()
	current := st.paths[key]

	if op.ExpectedVersion != current.version {
		return SubmitResult{Conflict: &models.ConflictRecord{
			OperationID: op.ID,
			Reason:      models.RejectConflict,
			Conflict: &models.ConflictDetail{
				Type:          models.ConflictTypeVersion,
				ExpectedValue: op.OldValue,
				ActualValue:   current.value,
			},
			CurrentVersion: current.version,
		}}, nil
	}

	version, err := st.log.Append(ctx, op)
	if err != nil {
		return SubmitResult{}, &SequencerError{GraphID: st.graphID, Err: err}
	}
	st.paths[key] = pathEntry{version: version, value: op.Value}

	return SubmitResult{Accepted: true, Version: version}, nil
}

// ConflictResolver serializes operations per graph and decides accept/reject
type ConflictResolver struct {
	sink      OperationSink
	retention int
	metrics   metrics.Collector

	mu         sync.Mutex
	sequencers map[string]*sequencer
	closed     bool

	onAccepted AcceptHook
}

// NewConflictResolver creates a resolver whose logs keep `retention` entries in memory
func NewConflictResolver(sink OperationSink, retention int, collector metrics.Collector) *ConflictResolver {
	if collector == nil {
		collector = metrics.NewNoopCollector()
	}
	return &ConflictResolver{
		sink:       sink,
		retention:  retention,
		metrics:    collector,
		sequencers: make(map[string]*sequencer),
	}
}

// OnAccepted registers the fan-out hook. Call before the first Submit.
func (r *ConflictResolver) OnAccepted(hook AcceptHook) {
	r.onAccepted = hook
}

// Submit validates op and runs it through the graph's sequencer. The caller's
// op is not modified. Rejections are results, not errors; errors are reserved
// for sequencer faults and cancellation.
func (r *ConflictResolver) Submit(ctx context.Context, graphID string, op *models.Operation) (SubmitResult, error) {
	if err := validateOperation(op); err != nil {
		return SubmitResult{Conflict: &models.ConflictRecord{
			OperationID: op.ID,
			Reason:      models.RejectInvalid,
			Message:     err.Error(),
		}}, nil
	}

	cp := *op
	cp.Path = append([]string(nil), op.Path...)

	var result SubmitResult
	err := r.exec(ctx, graphID, func(st *graphState) error {
		var err error
		result, err = st.resolve(ctx, &cp)
		if err == nil && result.Accepted && !result.Replayed && r.onAccepted != nil {
			r.onAccepted(graphID, &cp)
		}
		return err
	})
	return result, err
}

// Latest returns the graph's current version
func (r *ConflictResolver) Latest(ctx context.Context, graphID string) (int64, error) {
	var latest int64
	err := r.exec(ctx, graphID, func(st *graphState) error {
		latest = st.log.Latest()
		return nil
	})
	return latest, err
}

// Since returns the operations after since together with the latest version
func (r *ConflictResolver) Since(ctx context.Context, graphID string, since int64) ([]*models.Operation, int64, error) {
	var (
		ops    []*models.Operation
		latest int64
	)
	err := r.exec(ctx, graphID, func(st *graphState) error {
		var err error
		ops, err = st.log.Since(since)
		latest = st.log.Latest()
		return err
	})
	return ops, latest, err
}

// exec runs fn on graphID's sequencer, starting one if needed
func (r *ConflictResolver) exec(ctx context.Context, graphID string, fn func(st *graphState) error) error {
	start := time.Now()
	defer func() { r.metrics.SequencerLatency(time.Since(start).Seconds()) }()

	for {
		seq, err := r.sequencerFor(graphID)
		if err != nil {
			return err
		}
		err = seq.do(ctx, fn)
		if errors.Is(err, errSequencerStopped) {
			continue
		}
		return err
	}
}

func (r *ConflictResolver) sequencerFor(graphID string) (*sequencer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShuttingDown
	}
	if seq, ok := r.sequencers[graphID]; ok {
		return seq, nil
	}

	seq := newSequencer(newGraphState(graphID, r.retention, r.sink))
	r.sequencers[graphID] = seq
	go seq.run()
	return seq, nil
}

// Release stops graphID's sequencer if idle() still holds when checked on the
// sequencer itself. State is rebuilt from the sink on next use.
func (r *ConflictResolver) Release(graphID string, idle func() bool) {
	r.mu.Lock()
	seq, ok := r.sequencers[graphID]
	r.mu.Unlock()
	if !ok {
		return
	}

	_ = seq.do(context.Background(), func(st *graphState) error {
		if !idle() {
			return nil
		}
		r.mu.Lock()
		if r.sequencers[graphID] == seq {
			delete(r.sequencers, graphID)
		}
		r.mu.Unlock()
		seq.stop()
		return nil
	})
}

// ActiveGraphs returns the number of running sequencers
func (r *ConflictResolver) ActiveGraphs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sequencers)
}

// Close stops every sequencer; later calls fail with ErrShuttingDown
func (r *ConflictResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for graphID, seq := range r.sequencers {
		seq.stop()
		delete(r.sequencers, graphID)
	}
}

func validateOperation(op *models.Operation) error {
	switch {
	case op.ID == "":
		return errors.New("missing id")
	case len(op.ID) > maxOperationIDLength:
		return errors.New("id too long")
	case op.OperationType == "":
		return errors.New("missing operationType")
	case op.EntityType == "":
		return errors.New("missing entityType")
	case op.EntityID == "":
		return errors.New("missing entityId")
	case op.ExpectedVersion < 0:
		return errors.New("negative version")
	}
	return nil
}
