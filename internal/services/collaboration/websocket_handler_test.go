package collaboration

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"graph-sync/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsServer struct {
	env *testEnv
	url string
}

func newWSServer(t *testing.T, maxMessageBytes int64) *wsServer {
	t.Helper()

	env := newTestEnv(t)
	handler := NewWebSocketHandler(env.sm, nil, maxMessageBytes)

	router := mux.NewRouter()
	router.HandleFunc("/ws/graphs/{id}", handler.HandleGraphConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &wsServer{env: env, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/graphs/"}
}

func (s *wsServer) dial(t *testing.T, graphID string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(s.url+graphID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and completes the handshake
func (s *wsServer) connect(t *testing.T, user, graphID string) (*websocket.Conn, *models.ConnectionAckPayload) {
	t.Helper()

	conn := s.dial(t, graphID)
	send(t, conn, models.MessageConnectionInit, &models.ConnectionInitPayload{Authorization: user, GraphID: graphID})

	var ack models.ConnectionAckPayload
	receive(t, conn, models.MessageConnectionAck, &ack)
	return conn, &ack
}

func send(t *testing.T, conn *websocket.Conn, msgType models.MessageType, payload any) {
	t.Helper()
	data, err := models.Encode(msgType, payload, time.Now())
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func receive(t *testing.T, conn *websocket.Conn, want models.MessageType, dst any) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.Equal(t, want, env.Type, "payload: %s", string(env.Payload))
	assert.NotZero(t, env.Timestamp)
	if dst != nil {
		require.NoError(t, env.Decode(dst))
	}
}

// expectCloseCode reads until the server closes the socket and checks the code
func expectCloseCode(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func TestWebSocket_HandshakeAndFanOut(t *testing.T) {
	srv := newWSServer(t, 1<<20)

	alice, ackA := srv.connect(t, "alice", "g1")
	assert.Equal(t, "alice", ackA.UserID)
	assert.Equal(t, int64(0), ackA.Version)

	bob, _ := srv.connect(t, "bob", "g1")

	var joined models.UserEventPayload
	receive(t, alice, models.MessageUserJoined, &joined)
	assert.Equal(t, "bob", joined.UserID)

	send(t, alice, models.MessageOperation, &models.OperationPayload{
		ID:            "op1",
		OperationType: "update",
		EntityType:    "node",
		EntityID:      "n1",
		Path:          []string{"title"},
		Value:         json.RawMessage(`"hello"`),
	})

	var ack models.OperationAckPayload
	receive(t, alice, models.MessageOperationAck, &ack)
	assert.Equal(t, int64(1), ack.Version)

	var op models.Operation
	receive(t, bob, models.MessageOperation, &op)
	assert.Equal(t, "op1", op.ID)
	assert.Equal(t, int64(1), op.Version)

	send(t, bob, models.MessageHeartbeat, &models.HeartbeatPayload{})
	receive(t, bob, models.MessageHeartbeatAck, nil)
}

func TestWebSocket_Disconnect(t *testing.T) {
	srv := newWSServer(t, 1<<20)

	alice, _ := srv.connect(t, "alice", "g1")
	bob, _ := srv.connect(t, "bob", "g1")
	receive(t, alice, models.MessageUserJoined, nil)

	send(t, bob, models.MessageDisconnect, &models.DisconnectPayload{Reason: "tab closed"})
	receive(t, bob, models.MessageDisconnectAck, nil)
	expectCloseCode(t, bob, CloseNormal)

	var left models.UserEventPayload
	receive(t, alice, models.MessageUserLeft, &left)
	assert.Equal(t, "bob", left.UserID)
}

func TestWebSocket_HandshakeFailures(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		msgType  models.MessageType
		payload  any
		wantCode int
		wantErr  string
	}{
		{
			name:     "bad token",
			path:     "g1",
			msgType:  models.MessageConnectionInit,
			payload:  &models.ConnectionInitPayload{Authorization: "bad", GraphID: "g1"},
			wantCode: CloseAuthFailed,
			wantErr:  CodeAuthFailed,
		},
		{
			name:     "no access",
			path:     "g1",
			msgType:  models.MessageConnectionInit,
			payload:  &models.ConnectionInitPayload{Authorization: "mallory", GraphID: "g1"},
			wantCode: CloseAuthorizationFailed,
			wantErr:  CodeAuthorizationFailed,
		},
		{
			name:     "first message is not init",
			path:     "g1",
			msgType:  models.MessageHeartbeat,
			payload:  &models.HeartbeatPayload{},
			wantCode: ClosePolicyViolation,
			wantErr:  CodeInvalidMessage,
		},
		{
			name:     "graph does not match path",
			path:     "g1",
			msgType:  models.MessageConnectionInit,
			payload:  &models.ConnectionInitPayload{Authorization: "alice", GraphID: "g2"},
			wantCode: ClosePolicyViolation,
			wantErr:  CodeInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newWSServer(t, 1<<20)
			srv.env.authorizer.denied["mallory"] = true

			conn := srv.dial(t, tt.path)
			send(t, conn, tt.msgType, tt.payload)

			var errPayload models.ErrorPayload
			receive(t, conn, models.MessageError, &errPayload)
			assert.Equal(t, tt.wantErr, errPayload.Code)
			expectCloseCode(t, conn, tt.wantCode)

			assert.Equal(t, 0, srv.env.sm.SessionCount(""))
		})
	}
}

func TestWebSocket_OversizedMessage(t *testing.T) {
	srv := newWSServer(t, 256)

	conn, _ := srv.connect(t, "alice", "g1")

	big := strings.Repeat("x", 1024)
	send(t, conn, models.MessageCursorMoved, map[string]string{"padding": big})
	expectCloseCode(t, conn, ClosePolicyViolation)

	assert.Eventually(t, func() bool { return srv.env.sm.SessionCount("g1") == 0 },
		time.Second, 10*time.Millisecond)
}

func TestWebSocket_MalformedJSONKeepsConnection(t *testing.T) {
	srv := newWSServer(t, 1<<20)

	conn, _ := srv.connect(t, "alice", "g1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var errPayload models.ErrorPayload
	receive(t, conn, models.MessageError, &errPayload)
	assert.Equal(t, CodeInvalidMessage, errPayload.Code)

	send(t, conn, models.MessageHeartbeat, &models.HeartbeatPayload{})
	receive(t, conn, models.MessageHeartbeatAck, nil)
}

func TestWebSocket_ShutdownClosesWithGoingAway(t *testing.T) {
	srv := newWSServer(t, 1<<20)

	conn, _ := srv.connect(t, "alice", "g1")
	srv.env.sm.Shutdown()

	expectCloseCode(t, conn, CloseGoingAway)
}

func TestWebSocketHandler_PingPeriod(t *testing.T) {
	short := NewWebSocketHandler(newTestEnv(t).sm, nil, 1024)
	assert.Equal(t, 30*time.Second, short.pingPeriod(), "pings follow the heartbeat interval")

	long := NewWebSocketHandler(newTestEnv(t, func(o *Options) { o.HeartbeatInterval = 2 * time.Minute }).sm, nil, 1024)
	assert.Equal(t, maxPingPeriod, long.pingPeriod())
}
