package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"graph-sync/internal/middleware"
	"graph-sync/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait        = 10 * time.Second
	maxPingPeriod    = 54 * time.Second
	handshakeTimeout = 10 * time.Second
)

// WebSocketHandler upgrades graph connections and runs their pumps
type WebSocketHandler struct {
	sessions        *SessionManager
	upgrader        websocket.Upgrader
	maxMessageBytes int64
}

// NewWebSocketHandler creates a handler. An empty allowedOrigins accepts any origin.
func NewWebSocketHandler(sessions *SessionManager, allowedOrigins []string, maxMessageBytes int64) *WebSocketHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &WebSocketHandler{
		sessions:        sessions,
		maxMessageBytes: maxMessageBytes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return origins[origin] || origins[u.Host]
			},
		},
	}
}

// HandleGraphConnection serves GET /ws/graphs/{id}. The first message on the
// socket must be connection_init; everything else is refused.
func (h *WebSocketHandler) HandleGraphConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	graphID := mux.Vars(r)["id"]

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("graph.id", graphID),
	)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[%s] Failed to upgrade WebSocket: %v", middleware.GetRequestID(ctx), err)
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}

	session, err := h.handshake(ctx, conn, graphID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		span.End()
		h.reject(conn, err)
		return
	}
	span.SetAttributes(
		attribute.String("session.id", session.ID),
		attribute.String("user.id", session.UserID),
	)
	span.End()

	// gorilla allows one concurrent reader and one concurrent writer
	go h.writePump(conn, session)
	h.readPump(ctx, conn, session)
}

// handshake reads connection_init and opens the session
func (h *WebSocketHandler) handshake(ctx context.Context, conn *websocket.Conn, graphID string) (*Session, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	data, err := h.readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if env.Type != models.MessageConnectionInit {
		return nil, fmt.Errorf("%w: expected %s, got %q", ErrInvalidHandshake, models.MessageConnectionInit, env.Type)
	}

	var init models.ConnectionInitPayload
	if err := env.Decode(&init); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	switch {
	case graphID == "":
		graphID = init.GraphID
	case init.GraphID != "" && init.GraphID != graphID:
		return nil, fmt.Errorf("%w: graphId does not match connection path", ErrInvalidHandshake)
	}

	var opts []OpenOption
	if init.ReconnectToken != "" {
		opts = append(opts, WithReconnectToken(init.ReconnectToken))
	}
	if init.LastAckedVersion != nil {
		opts = append(opts, WithLastAckedVersion(*init.LastAckedVersion))
	}

	return h.sessions.Open(ctx, init.Authorization, graphID, opts...)
}

// reject answers a failed handshake with an error message and a close frame
func (h *WebSocketHandler) reject(conn *websocket.Conn, err error) {
	defer conn.Close()

	payload, reason := handshakeCloseReason(err)
	log.Printf("⚠️  Handshake refused (%d %s): %v", reason.Code, reason.Text, err)

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if data, encErr := models.Encode(models.MessageError, payload, time.Now()); encErr == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(reason.Code, reason.Text))
}

// errMessageTooLarge is returned by readFrame for frames over the size limit
var errMessageTooLarge = errors.New("message exceeds size limit")

// readFrame reads one whole message, refusing anything over maxMessageBytes
func (h *WebSocketHandler) readFrame(conn *websocket.Conn) ([]byte, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	if h.maxMessageBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, h.maxMessageBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > h.maxMessageBytes {
		return nil, errMessageTooLarge
	}
	return data, nil
}

// readPump reads and dispatches messages until the session ends
func (h *WebSocketHandler) readPump(ctx context.Context, conn *websocket.Conn, s *Session) {
	for {
		data, err := h.readFrame(conn)
		if err != nil {
			reason := readCloseReason(err)
			if reason == ReasonTransport {
				middleware.AddSpanError(ctx, &TransportError{Err: err})
			}
			h.sessions.Close(s.ID, reason)
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if reason := h.sessions.fail(s, fmt.Errorf("%w: %v", ErrInvalidMessage, err)); reason != nil {
				h.sessions.Close(s.ID, *reason)
				return
			}
			continue
		}

		if reason := h.sessions.Dispatch(ctx, s, &env); reason != nil {
			h.sessions.Close(s.ID, *reason)
			return
		}
	}
}

// pingPeriod keeps proxies from idling out a socket between heartbeats
func (h *WebSocketHandler) pingPeriod() time.Duration {
	if interval := h.sessions.HeartbeatInterval(); interval > 0 && interval < maxPingPeriod {
		return interval
	}
	return maxPingPeriod
}

func readCloseReason(err error) CloseReason {
	switch {
	case errors.Is(err, errMessageTooLarge):
		return ReasonMessageTooLarge
	case websocket.IsCloseError(err, websocket.CloseNormalClosure):
		return ReasonNormal
	case websocket.IsCloseError(err, websocket.CloseGoingAway):
		return CloseReason{Code: CloseGoingAway, Text: "client going away"}
	default:
		return ReasonTransport
	}
}

// writePump drains the session queue onto the socket, one frame per message.
// When the queue is closed it sends the close frame for the session's reason.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(h.pingPeriod())
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				reason := s.CloseReason()
				if reason.Code != CloseAbnormal {
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(reason.Code, reason.Text))
				}
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.sessions.Close(s.ID, ReasonTransport)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.sessions.Close(s.ID, ReasonTransport)
				return
			}
		}
	}
}
