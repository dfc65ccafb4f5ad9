package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"

	"graph-sync/internal/middleware"
	"graph-sync/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// Dispatch handles one inbound envelope for s on the session's read goroutine.
// It returns the reason to close the session with, or nil to keep reading.
func (sm *SessionManager) Dispatch(ctx context.Context, s *Session, env *models.Envelope) *CloseReason {
	ctx, span := middleware.StartSpan(ctx, "Collaboration.Dispatch",
		attribute.String("session.id", s.ID),
		attribute.String("graph.id", s.GraphID),
		attribute.String("message.type", string(env.Type)),
	)
	defer span.End()

	sm.metrics.MessageReceived(string(env.Type))

	err := sm.handle(ctx, s, env)
	if err == nil {
		return nil
	}
	middleware.AddSpanError(ctx, err)
	return sm.fail(s, err)
}

func (sm *SessionManager) handle(ctx context.Context, s *Session, env *models.Envelope) error {
	switch env.Type {
	case models.MessageHeartbeat:
		if err := sm.Heartbeat(s.ID); err != nil {
			return err
		}
		return sm.coordinator.Send(s, models.MessageHeartbeatAck, &models.HeartbeatPayload{
			Timestamp: sm.now().UnixMilli(),
		})

	case models.MessageDisconnect:
		var p models.DisconnectPayload
		if err := env.Decode(&p); err != nil {
			return invalidPayload(env.Type, err)
		}
		log.Printf("  Session %s disconnecting: %s", s.ID, p.Reason)
		if err := sm.coordinator.Send(s, models.MessageDisconnectAck, &models.DisconnectPayload{Reason: p.Reason}); err != nil {
			return err
		}
		return errDisconnect

	case models.MessageCursorMoved:
		if err := sm.Allow(s, CategoryCursor); err != nil {
			return err
		}
		var p models.CursorPayload
		if err := env.Decode(&p); err != nil {
			return invalidPayload(env.Type, err)
		}
		if p.Position == nil {
			return fmt.Errorf("%w: cursor_moved without position", ErrInvalidMessage)
		}
		if _, err := sm.presence.Update(s.ID, models.PresencePatch{Cursor: p.Position}); err != nil {
			return err
		}
		return sm.coordinator.Broadcast(s.GraphID, models.MessageCursorMoved, &models.CursorPayload{
			UserID:    s.UserID,
			SessionID: s.ID,
			Position:  p.Position,
		}, "")

	case models.MessageSelectionChanged:
		if err := sm.Allow(s, CategorySelection); err != nil {
			return err
		}
		var p models.SelectionPayload
		if err := env.Decode(&p); err != nil {
			return invalidPayload(env.Type, err)
		}
		rec, err := sm.presence.Update(s.ID, models.PresencePatch{
			Selection: &models.Selection{NodeIDs: p.SelectedNodes, EdgeIDs: p.SelectedEdges},
		})
		if err != nil {
			return err
		}
		return sm.coordinator.Broadcast(s.GraphID, models.MessageSelectionChanged, &models.SelectionPayload{
			UserID:        s.UserID,
			SessionID:     s.ID,
			SelectedNodes: rec.Selection.NodeIDs,
			SelectedEdges: rec.Selection.EdgeIDs,
		}, "")

	case models.MessageViewportChanged:
		if err := sm.Allow(s, CategoryViewport); err != nil {
			return err
		}
		var p models.ViewportPayload
		if err := env.Decode(&p); err != nil {
			return invalidPayload(env.Type, err)
		}
		if p.Viewport == nil {
			return fmt.Errorf("%w: viewport_changed without viewport", ErrInvalidMessage)
		}
		if _, err := sm.presence.Update(s.ID, models.PresencePatch{Viewport: p.Viewport}); err != nil {
			return err
		}
		return sm.coordinator.Broadcast(s.GraphID, models.MessageViewportChanged, &models.ViewportPayload{
			UserID:    s.UserID,
			SessionID: s.ID,
			Viewport:  p.Viewport,
		}, "")

	case models.MessageOperation:
		if err := sm.Allow(s, CategoryOperation); err != nil {
			return err
		}
		var p models.OperationPayload
		if err := env.Decode(&p); err != nil {
			return invalidPayload(env.Type, err)
		}
		op := p.ToOperation(s.GraphID, s.ID, s.UserID, sm.now())
		return sm.coordinator.Submit(ctx, s, op)

	case models.MessageSyncRequest:
		var p models.SyncRequestPayload
		if err := env.Decode(&p); err != nil {
			return invalidPayload(env.Type, err)
		}
		return sm.coordinator.Sync(ctx, s, p.FromVersion)

	case models.MessageConnectionInit:
		return fmt.Errorf("%w: session already initialized", ErrInvalidMessage)

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}
}

// errDisconnect ends the session normally after disconnect_ack is queued
var errDisconnect = errors.New("client disconnect")

// fail reports err to the session and decides whether the session survives
func (sm *SessionManager) fail(s *Session, err error) *CloseReason {
	if errors.Is(err, errDisconnect) {
		return &ReasonNormal
	}

	var seqErr *SequencerError
	if errors.As(err, &seqErr) {
		sm.coordinator.reportFault(s.GraphID, seqErr)
		return nil
	}

	payload, reason := classifyError(err)
	if reason != nil {
		log.Printf("⚠️  Session %s: %v", s.ID, err)
	}
	if sendErr := sm.coordinator.Send(s, models.MessageError, payload); sendErr != nil {
		log.Printf("❌ Failed to send error to session %s: %v", s.ID, sendErr)
	}
	return reason
}

func invalidPayload(msgType models.MessageType, err error) error {
	return fmt.Errorf("%w: bad %s payload: %v", ErrInvalidMessage, msgType, err)
}
