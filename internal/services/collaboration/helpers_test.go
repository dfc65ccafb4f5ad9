package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"graph-sync/internal/auth"
	"graph-sync/internal/config"
	"graph-sync/internal/models"
	"graph-sync/internal/repository"

	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// fakeClock is a manually advanced clock shared by every component under test
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// tokenVerifier treats the token itself as the user id; "bad" is rejected
type tokenVerifier struct{}

func (tokenVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" || token == "bad" {
		return "", auth.ErrInvalidToken
	}
	return token, nil
}

// fakeAuthorizer denies or downgrades specific users
type fakeAuthorizer struct {
	denied   map[string]bool
	readOnly map[string]bool
	err      error
}

func (a *fakeAuthorizer) CanAccess(ctx context.Context, userID, graphID string) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return !a.denied[userID], nil
}

func (a *fakeAuthorizer) CanEdit(ctx context.Context, userID, graphID string) (bool, error) {
	return !a.readOnly[userID], nil
}

type testEnv struct {
	sm         *SessionManager
	sink       *repository.MemoryOperationRepository
	clock      *fakeClock
	authorizer *fakeAuthorizer
}

type envOption func(*Options)

func withLimits(mutate func(*config.Limits)) envOption {
	return func(o *Options) {
		limits := config.DefaultLimits()
		mutate(&limits)
		o.Limits = limits
	}
}

func withQueueSize(n int) envOption {
	return func(o *Options) { o.SendQueueSize = n }
}

func withRetention(n int) envOption {
	return func(o *Options) { o.LogRetention = n }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	clock := newFakeClock()
	sink := repository.NewMemoryOperationRepository()
	authorizer := &fakeAuthorizer{denied: map[string]bool{}, readOnly: map[string]bool{}}

	o := Options{
		HeartbeatInterval: 30 * time.Second,
		SendQueueSize:     64,
		LogRetention:      1000,
		Now:               clock.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	sm := NewSessionManager(tokenVerifier{}, authorizer, auth.NewReconnectIssuer(testSecret, time.Hour), sink, o)
	t.Cleanup(sm.Shutdown)

	return &testEnv{sm: sm, sink: sink, clock: clock, authorizer: authorizer}
}

// open opens a session and drains its connection_ack
func (e *testEnv) open(t *testing.T, userID, graphID string) (*Session, *models.ConnectionAckPayload) {
	t.Helper()

	s, err := e.sm.Open(context.Background(), userID, graphID)
	require.NoError(t, err)

	var ack models.ConnectionAckPayload
	expectMessage(t, s, models.MessageConnectionAck, &ack)
	return s, &ack
}

// submit runs op through the coordinator as if s had sent it
func (e *testEnv) submit(t *testing.T, s *Session, op *models.Operation) {
	t.Helper()

	op.GraphID = s.GraphID
	op.AuthorSessionID = s.ID
	op.AuthorUserID = s.UserID
	require.NoError(t, e.sm.Coordinator().Submit(context.Background(), s, op))
}

// nextMessage waits briefly for the next queued message
func nextMessage(t *testing.T, s *Session) (*models.Envelope, bool) {
	t.Helper()

	select {
	case data, ok := <-s.Send:
		if !ok {
			return nil, false
		}
		var env models.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return &env, true
	case <-time.After(time.Second):
		t.Fatalf("session %s: no message within 1s", s.ID)
		return nil, false
	}
}

// expectMessage asserts the next message type and decodes its payload into dst
func expectMessage(t *testing.T, s *Session, want models.MessageType, dst any) *models.Envelope {
	t.Helper()

	env, ok := nextMessage(t, s)
	require.True(t, ok, "session %s: queue closed while waiting for %s", s.ID, want)
	require.Equal(t, want, env.Type, "payload: %s", string(env.Payload))
	if dst != nil {
		require.NoError(t, env.Decode(dst))
	}
	return env
}

// expectQuiet asserts nothing is queued for s
func expectQuiet(t *testing.T, s *Session) {
	t.Helper()

	select {
	case data, ok := <-s.Send:
		if ok {
			t.Fatalf("session %s: unexpected message %s", s.ID, string(data))
		}
		t.Fatalf("session %s: queue unexpectedly closed", s.ID)
	default:
	}
}

// expectClosed waits for the session queue to be closed, discarding anything left in it
func expectClosed(t *testing.T, s *Session) CloseReason {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Send:
			if !ok {
				return s.CloseReason()
			}
		case <-deadline:
			t.Fatalf("session %s: not closed within 2s", s.ID)
		}
	}
}

func newOp(id, entityID string, path []string, value string, expected int64) *models.Operation {
	return &models.Operation{
		ID:              id,
		OperationType:   "update",
		EntityType:      "node",
		EntityID:        entityID,
		Path:            path,
		Value:           json.RawMessage(value),
		ExpectedVersion: expected,
	}
}

func mustEnvelope(t *testing.T, msgType models.MessageType, payload any) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(msgType, payload, time.Now())
	require.NoError(t, err)
	return env
}

// failingSink fails every Append after the first n
type failingSink struct {
	*repository.MemoryOperationRepository
	mu      sync.Mutex
	allowed int
}

func (s *failingSink) Append(ctx context.Context, graphID string, op *models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allowed <= 0 {
		return errors.New("sink unavailable")
	}
	s.allowed--
	return s.MemoryOperationRepository.Append(ctx, graphID, op)
}

func opID(i int) string {
	return fmt.Sprintf("op-%03d", i)
}
