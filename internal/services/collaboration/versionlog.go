package collaboration

import (
	"context"
	"fmt"

	"graph-sync/internal/models"
)

// VersionLog is the ordered record of accepted operations for one graph.
// Versions start at 1 and are contiguous. Only the last `retention` entries
// are kept in memory; older ones live only in the sink. The operation id
// index covers the whole history so a retry is recognised however old it is.
//
// A VersionLog is not safe for concurrent use: it is owned by its graph sequencer.
type VersionLog struct {
	graphID   string
	entries   []*models.Operation
	latest    int64
	retention int
	byID      map[string]int64 // operation id -> version, never truncated
	sink      OperationSink
}

func newVersionLog(graphID string, retention int, sink OperationSink) *VersionLog {
	if retention <= 0 {
		retention = 1
	}
	return &VersionLog{
		graphID:   graphID,
		retention: retention,
		byID:      make(map[string]int64),
		sink:      sink,
	}
}

// Latest returns the highest assigned version, 0 for an empty graph
func (l *VersionLog) Latest() int64 {
	return l.latest
}

// Oldest returns the version of the oldest retained entry, latest+1 when empty
func (l *VersionLog) Oldest() int64 {
	if len(l.entries) == 0 {
		return l.latest + 1
	}
	return l.entries[0].Version
}

// Len returns the number of retained entries
func (l *VersionLog) Len() int {
	return len(l.entries)
}

// Lookup finds the version assigned to an operation id
func (l *VersionLog) Lookup(operationID string) (int64, bool) {
	v, ok := l.byID[operationID]
	return v, ok
}

// Append assigns the next version to op, writes it through to the sink and
// appends it. On sink failure nothing changes and op.Version is reset.
func (l *VersionLog) Append(ctx context.Context, op *models.Operation) (int64, error) {
	op.Version = l.latest + 1
	op.GraphID = l.graphID

	if l.sink != nil {
		if err := l.sink.Append(ctx, l.graphID, op); err != nil {
			op.Version = 0
			return 0, err
		}
	}

	l.push(op)
	return op.Version, nil
}

func (l *VersionLog) push(op *models.Operation) {
	l.entries = append(l.entries, op)
	l.latest = op.Version
	l.byID[op.ID] = op.Version
	l.truncate()
}

// truncate enforces the retention policy on entries; byID is left whole
func (l *VersionLog) truncate() {
	excess := len(l.entries) - l.retention
	if excess <= 0 {
		return
	}
	n := copy(l.entries, l.entries[excess:])
	for i := n; i < len(l.entries); i++ {
		l.entries[i] = nil
	}
	l.entries = l.entries[:n]
}

// Since returns every operation with version in (since, latest], ascending.
// It fails with VersionMismatchError when entries after since were truncated
// or since is ahead of the log.
func (l *VersionLog) Since(since int64) ([]*models.Operation, error) {
	oldest := l.Oldest()
	if since < 0 || since > l.latest || since < oldest-1 {
		return nil, &VersionMismatchError{
			GraphID: l.graphID,
			Since:   since,
			Oldest:  oldest,
			Latest:  l.latest,
		}
	}

	tail := l.entries[since-(oldest-1):]
	out := make([]*models.Operation, len(tail))
	copy(out, tail)
	return out, nil
}

// restore rebuilds the log from persisted history, which must be contiguous from 1.
func (l *VersionLog) restore(ops []*models.Operation) error {
	for i, op := range ops {
		if want := int64(i + 1); op.Version != want {
			return fmt.Errorf("graph %s history has gap: got version %d, want %d", l.graphID, op.Version, want)
		}
		l.push(op)
	}
	return nil
}
