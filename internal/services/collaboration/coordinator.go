package collaboration

import (
	"context"
	"errors"
	"log"
	"time"

	"graph-sync/internal/metrics"
	"graph-sync/internal/middleware"
	"graph-sync/internal/models"
)

/*
SYNCHRONIZATION COORDINATOR

Fan-out and catch-up for every session on a graph.

  accepted op  → author gets operation_ack, everyone else gets the operation
  presence     → every session on the graph, the originating one included
  catch-up     → ops in (since, latest] ascending + current presence snapshot

Accepted operations are fanned out from the AcceptHook, which runs on the
graph sequencer, so each session's queue receives them in version order.
Queues are never waited on: a full queue evicts the session.
*/

// sessionDirectory is the view of the session registry the coordinator needs
type sessionDirectory interface {
	graphSessions(graphID string) []*Session
	session(sessionID string) (*Session, bool)
	evict(sessionID string, reason CloseReason)
}

// CatchUpResult is a full-replay catch-up: the missed operations plus presence
type CatchUpResult struct {
	Version    int64                    `json:"version"`
	Operations []*models.Operation      `json:"operations"`
	Presence   []*models.PresenceRecord `json:"presence"`
}

// Coordinator orchestrates catch-up and fan-out for all graphs
type Coordinator struct {
	resolver *ConflictResolver
	presence *PresenceStore
	sessions sessionDirectory
	metrics  metrics.Collector
	now      func() time.Time
}

func newCoordinator(resolver *ConflictResolver, presence *PresenceStore, sessions sessionDirectory, collector metrics.Collector, now func() time.Time) *Coordinator {
	c := &Coordinator{
		resolver: resolver,
		presence: presence,
		sessions: sessions,
		metrics:  collector,
		now:      now,
	}
	resolver.OnAccepted(c.onAccepted)
	return c
}

// CatchUp returns every operation after since plus the graph's presence.
// It fails with VersionMismatchError when since is outside the retained log.
func (c *Coordinator) CatchUp(ctx context.Context, graphID string, since int64) (*CatchUpResult, error) {
	defer c.releaseIfIdle(graphID)

	ops, latest, err := c.resolver.Since(ctx, graphID, since)
	if err != nil {
		return nil, err
	}
	return &CatchUpResult{
		Version:    latest,
		Operations: ops,
		Presence:   c.presence.ListForGraph(graphID),
	}, nil
}

// Presence returns the presence snapshot for a graph
func (c *Coordinator) Presence(graphID string) []*models.PresenceRecord {
	return c.presence.ListForGraph(graphID)
}

// Broadcast sends one event to every session on the graph except excludeSessionID
func (c *Coordinator) Broadcast(graphID string, msgType models.MessageType, payload any, excludeSessionID string) error {
	data, err := models.Encode(msgType, payload, c.now())
	if err != nil {
		return err
	}
	for _, s := range c.sessions.graphSessions(graphID) {
		if s.ID == excludeSessionID {
			continue
		}
		c.deliver(s, data)
	}
	return nil
}

// Send queues one event for a single session
func (c *Coordinator) Send(s *Session, msgType models.MessageType, payload any) error {
	data, err := models.Encode(msgType, payload, c.now())
	if err != nil {
		return err
	}
	c.deliver(s, data)
	return nil
}

func (c *Coordinator) deliver(s *Session, data []byte) bool {
	err := s.enqueue(data)
	if err == nil {
		return true
	}
	if errors.Is(err, errQueueFull) {
		c.metrics.BroadcastDropped()
		log.Printf("⚠️  Session %s buffer full, closing connection", s.ID)
		go c.sessions.evict(s.ID, ReasonSlowConsumer)
	}
	return false
}

// Submit resolves an operation for s and answers it. Rejections and sequencer
// faults are reported on the wire; the returned error is for everything else.
func (c *Coordinator) Submit(ctx context.Context, s *Session, op *models.Operation) error {
	if !s.canEdit {
		c.metrics.OperationSubmitted(models.RejectPermissionDenied)
		return c.Send(s, models.MessageOperationReject, &models.OperationRejectPayload{
			OperationID: op.ID,
			Reason:      models.RejectPermissionDenied,
			Message:     "read-only access to graph",
		})
	}

	result, err := c.resolver.Submit(ctx, s.GraphID, op)
	if err != nil {
		var seqErr *SequencerError
		if errors.As(err, &seqErr) {
			c.metrics.OperationSubmitted("failed")
			c.reportFault(s.GraphID, seqErr)
			return nil
		}
		return err
	}

	switch {
	case result.Conflict != nil:
		c.metrics.OperationSubmitted(result.Conflict.Reason)
		middleware.AddSpanError(ctx, &ConflictError{Record: result.Conflict})
		return c.Send(s, models.MessageOperationReject, &models.OperationRejectPayload{
			OperationID:    result.Conflict.OperationID,
			Reason:         result.Conflict.Reason,
			Conflict:       result.Conflict.Conflict,
			Message:        result.Conflict.Message,
			CurrentVersion: result.Conflict.CurrentVersion,
		})

	case result.Replayed:
		// The hook only fires for new versions; answer the retry directly.
		c.metrics.OperationSubmitted("replayed")
		return c.Send(s, models.MessageOperationAck, &models.OperationAckPayload{
			OperationID: op.ID,
			Version:     result.Version,
			Timestamp:   c.now().UnixMilli(),
		})
	}

	c.metrics.OperationSubmitted("accepted")
	return nil
}

// Sync answers a sync_request. It runs on the graph sequencer so the response
// and live fan-out never interleave out of version order.
func (c *Coordinator) Sync(ctx context.Context, s *Session, since int64) error {
	return c.resolver.exec(ctx, s.GraphID, func(st *graphState) error {
		ops, err := st.log.Since(since)
		if err != nil {
			return err
		}
		latest := st.log.Latest()
		if err := c.Send(s, models.MessageSyncResponse, &models.SyncResponsePayload{
			Version:    latest,
			Operations: ops,
			Presence:   c.presence.ListForGraph(s.GraphID),
		}); err != nil {
			return err
		}
		s.setAcked(latest)
		return nil
	})
}

// onAccepted runs on the sequencer for every newly accepted operation
func (c *Coordinator) onAccepted(graphID string, op *models.Operation) {
	now := c.now()

	event, err := models.Encode(models.MessageOperation, op, now)
	if err != nil {
		log.Printf("❌ Failed to encode operation %s: %v", op.ID, err)
		return
	}
	ack, err := models.Encode(models.MessageOperationAck, &models.OperationAckPayload{
		OperationID: op.ID,
		Version:     op.Version,
		Timestamp:   now.UnixMilli(),
	}, now)
	if err != nil {
		log.Printf("❌ Failed to encode ack for %s: %v", op.ID, err)
		return
	}

	for _, s := range c.sessions.graphSessions(graphID) {
		data := event
		if s.ID == op.AuthorSessionID {
			data = ack
		}
		if c.deliver(s, data) {
			s.setAcked(op.Version)
		}
	}
}

// reportFault tells every session on the graph that consistency is at risk
func (c *Coordinator) reportFault(graphID string, err *SequencerError) {
	log.Printf("❌ %v", err)
	if bErr := c.Broadcast(graphID, models.MessageError, &models.ErrorPayload{
		Code:    CodeInternal,
		Message: "graph temporarily unavailable",
	}, ""); bErr != nil {
		log.Printf("❌ Failed to broadcast fault for graph %s: %v", graphID, bErr)
	}
}

// releaseIfIdle stops the graph's sequencer once no session is left on it
func (c *Coordinator) releaseIfIdle(graphID string) {
	idle := func() bool { return len(c.sessions.graphSessions(graphID)) == 0 }
	if !idle() {
		return
	}
	go c.resolver.Release(graphID, idle)
}
