package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"graph-sync/internal/config"
	"graph-sync/internal/metrics"
	"graph-sync/internal/middleware"
	"graph-sync/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

/*
SESSION MANAGER

Owns every connection from handshake to close and maps sessions to graphs.

  connection_init ─▶ verify token ─▶ check graph access ─▶ connection caps
                 ─▶ [graph sequencer] register + presence + ack (+ catch-up)
                 ─▶ user_joined to the other sessions

Registration runs on the graph sequencer so the version in connection_ack
and the first live operation a session receives are always adjacent.

Sessions that miss heartbeats for 2× the interval are reaped with 4004.
Closing reclaims presence and rate-limit counters and emits user_left.
*/

// Options configures a SessionManager
type Options struct {
	HeartbeatInterval time.Duration
	SendQueueSize     int
	Limits            config.Limits
	LogRetention      int
	Metrics           metrics.Collector
	Now               func() time.Time
}

// Session is a registered connection. The embedded model fields that change
// after registration are guarded by mu; use the accessor methods.
type Session struct {
	*models.Session
	Send chan []byte

	canEdit bool

	mu          sync.Mutex
	closed      bool
	closeReason CloseReason
}

func newSession(model *models.Session, queueSize int, canEdit bool) *Session {
	return &Session{
		Session: model,
		Send:    make(chan []byte, queueSize),
		canEdit: canEdit,
	}
}

// enqueue never blocks: a full queue is the caller's signal to evict
func (s *Session) enqueue(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.Send <- data:
		return nil
	default:
		return errQueueFull
	}
}

// close marks the session closed and closes Send. It reports whether this call closed it.
func (s *Session) close(reason CloseReason) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.closeReason = reason
	s.State = models.SessionClosed
	close(s.Send)
	return true
}

func (s *Session) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.State = models.SessionConnected
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeartbeatAt = now
}

func (s *Session) setAcked(version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version > s.LastAckedVersion {
		s.LastAckedVersion = version
	}
}

// CloseReason returns why the session closed; only meaningful once Send is closed
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Snapshot returns a copy of the session model
func (s *Session) Snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.Session
}

func (s *Session) lastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastHeartbeatAt
}

// OpenOption customizes one Open call
type OpenOption func(*openOptions)

type openOptions struct {
	reconnectToken   string
	lastAckedVersion *int64
}

// WithReconnectToken authenticates with a reconnect token instead of an identity token
func WithReconnectToken(token string) OpenOption {
	return func(o *openOptions) { o.reconnectToken = token }
}

// WithLastAckedVersion asks for the operations after version right after the ack
func WithLastAckedVersion(version int64) OpenOption {
	return func(o *openOptions) { o.lastAckedVersion = &version }
}

// SessionManager manages all active collaboration sessions
type SessionManager struct {
	verifier   IdentityVerifier
	authorizer Authorizer
	tokens     ReconnectTokens

	resolver    *ConflictResolver
	presence    *PresenceStore
	limiter     *RateLimiter
	coordinator *Coordinator
	metrics     metrics.Collector

	heartbeatInterval time.Duration
	sendQueueSize     int
	limits            config.Limits
	now               func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session            // sessionID -> session
	graphs   map[string]map[string]*Session // graphID -> sessionID -> session
	users    map[string]int                 // userID -> open sessions
	stopping bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewSessionManager wires the sync engine together
func NewSessionManager(verifier IdentityVerifier, authorizer Authorizer, tokens ReconnectTokens, sink OperationSink, opts Options) *SessionManager {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 256
	}
	if opts.LogRetention <= 0 {
		opts.LogRetention = 10000
	}
	if opts.Limits == (config.Limits{}) {
		opts.Limits = config.DefaultLimits()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopCollector()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	sm := &SessionManager{
		verifier:          verifier,
		authorizer:        authorizer,
		tokens:            tokens,
		resolver:          NewConflictResolver(sink, opts.LogRetention, opts.Metrics),
		presence:          NewPresenceStore(),
		limiter:           NewRateLimiter(LimitsFromConfig(opts.Limits)),
		metrics:           opts.Metrics,
		heartbeatInterval: opts.HeartbeatInterval,
		sendQueueSize:     opts.SendQueueSize,
		limits:            opts.Limits,
		now:               opts.Now,
		sessions:          make(map[string]*Session),
		graphs:            make(map[string]map[string]*Session),
		users:             make(map[string]int),
		done:              make(chan struct{}),
	}
	sm.presence.now = opts.Now
	sm.limiter.now = opts.Now
	sm.coordinator = newCoordinator(sm.resolver, sm.presence, sm, opts.Metrics, opts.Now)
	return sm
}

// Coordinator exposes catch-up and fan-out
func (sm *SessionManager) Coordinator() *Coordinator {
	return sm.coordinator
}

// HeartbeatInterval is the interval clients are told to heartbeat at
func (sm *SessionManager) HeartbeatInterval() time.Duration {
	return sm.heartbeatInterval
}

// Start begins the heartbeat reaper
func (sm *SessionManager) Start() {
	log.Println("🔄 Starting collaboration session manager...")
	go sm.reapLoop()
	log.Printf("✓ Session manager started (heartbeat every %s)", sm.heartbeatInterval)
}

func (sm *SessionManager) reapLoop() {
	ticker := time.NewTicker(sm.heartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.reap()
		}
	}
}

// reap closes sessions whose last heartbeat is older than 2× the interval
func (sm *SessionManager) reap() {
	deadline := sm.now().Add(-2 * sm.heartbeatInterval)

	sm.mu.RLock()
	var expired []string
	for id, s := range sm.sessions {
		if s.lastHeartbeat().Before(deadline) {
			expired = append(expired, id)
		}
	}
	sm.mu.RUnlock()

	for _, id := range expired {
		log.Printf("  Session %s missed heartbeats, closing", id)
		sm.Close(id, ReasonHeartbeatTimeout)
	}
	sm.limiter.Sweep()
}

// Authenticate verifies a token and graph access without opening a session
func (sm *SessionManager) Authenticate(ctx context.Context, token, graphID string) (string, error) {
	userID, err := sm.verifier.Verify(ctx, token)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	ok, err := sm.authorizer.CanAccess(ctx, userID, graphID)
	if err != nil {
		return "", fmt.Errorf("failed to check graph access: %w", err)
	}
	if !ok {
		return "", &AuthorizationError{UserID: userID, GraphID: graphID}
	}
	return userID, nil
}

// Open runs the handshake for a new connection. On success the session is
// registered, its queue holds connection_ack (and sync_response when resuming),
// and the other sessions on the graph have been sent user_joined.
func (sm *SessionManager) Open(ctx context.Context, token, graphID string, opts ...OpenOption) (*Session, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}

	if sm.isStopping() {
		return nil, ErrShuttingDown
	}
	if graphID == "" {
		return nil, fmt.Errorf("%w: missing graphId", ErrInvalidHandshake)
	}

	userID, err := sm.identify(ctx, token, graphID, o.reconnectToken)
	if err != nil {
		return nil, err
	}

	ok, err := sm.authorizer.CanAccess(ctx, userID, graphID)
	if err != nil {
		return nil, fmt.Errorf("failed to check graph access: %w", err)
	}
	if !ok {
		return nil, &AuthorizationError{UserID: userID, GraphID: graphID}
	}

	canEdit := true
	if ea, ok := sm.authorizer.(EditAuthorizer); ok {
		if canEdit, err = ea.CanEdit(ctx, userID, graphID); err != nil {
			return nil, fmt.Errorf("failed to check edit access: %w", err)
		}
	}

	if d := sm.limiter.Allow(userID, CategoryConnectionOpen); !d.Allowed {
		sm.metrics.RateLimited(string(CategoryConnectionOpen))
		return nil, &RateLimitError{Category: CategoryConnectionOpen, RetryAfter: d.RetryAfter}
	}

	session := newSession(models.NewSession(graphID, userID, sm.now()), sm.sendQueueSize, canEdit)

	reconnectToken, err := sm.tokens.Issue(userID, graphID, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue reconnect token: %w", err)
	}

	err = sm.resolver.exec(ctx, graphID, func(st *graphState) error {
		var missed []*models.Operation
		if o.lastAckedVersion != nil {
			ops, err := st.log.Since(*o.lastAckedVersion)
			if err != nil {
				return err
			}
			missed = ops
		}

		if err := sm.register(session); err != nil {
			return err
		}
		sm.presence.Join(session.Session)

		latest := st.log.Latest()
		if err := sm.coordinator.Send(session, models.MessageConnectionAck, &models.ConnectionAckPayload{
			SessionID:         session.ID,
			UserID:            userID,
			ReconnectToken:    reconnectToken,
			Version:           latest,
			HeartbeatInterval: sm.heartbeatInterval.Milliseconds(),
		}); err != nil {
			sm.unregister(session.ID)
			sm.presence.Remove(session.ID)
			return err
		}
		if missed != nil {
			if err := sm.coordinator.Send(session, models.MessageSyncResponse, &models.SyncResponsePayload{
				Version:    latest,
				Operations: missed,
				Presence:   sm.presence.ListForGraph(graphID),
			}); err != nil {
				sm.unregister(session.ID)
				sm.presence.Remove(session.ID)
				return err
			}
		}
		session.setAcked(latest)
		session.markConnected()

		if err := sm.coordinator.Broadcast(graphID, models.MessageUserJoined, &models.UserEventPayload{
			UserID:    userID,
			SessionID: session.ID,
			Timestamp: sm.now().UnixMilli(),
		}, session.ID); err != nil {
			log.Printf("⚠️  Failed to announce session %s: %v", session.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sm.metrics.SessionOpened(graphID)
	middleware.AddSpanEvent(ctx, "session.opened",
		attribute.String("session.id", session.ID),
		attribute.Bool("session.resumed", o.reconnectToken != ""),
	)
	log.Printf("✓ Session %s opened on graph %s (user: %s, resumed: %t)",
		session.ID, graphID, userID, o.reconnectToken != "")

	return session, nil
}

func (sm *SessionManager) identify(ctx context.Context, token, graphID, reconnectToken string) (string, error) {
	if reconnectToken != "" {
		userID, err := sm.tokens.Resume(reconnectToken, graphID)
		if err != nil {
			return "", &AuthError{Err: err}
		}
		return userID, nil
	}
	if token == "" {
		return "", &AuthError{Err: errors.New("missing authorization")}
	}
	userID, err := sm.verifier.Verify(ctx, token)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	return userID, nil
}

// register enforces the connection caps and adds the session to the registry
func (sm *SessionManager) register(s *Session) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.stopping {
		return ErrShuttingDown
	}
	if limit := sm.limits.MaxConnectionsPerUser; limit > 0 && sm.users[s.UserID] >= limit {
		sm.metrics.RateLimited(string(CategoryConnectionOpen))
		return &RateLimitError{
			Category: CategoryConnectionOpen,
			Reason:   fmt.Sprintf("user already has %d connections", limit),
		}
	}
	if limit := sm.limits.MaxConnectionsPerGraph; limit > 0 && len(sm.graphs[s.GraphID]) >= limit {
		sm.metrics.RateLimited(string(CategoryConnectionOpen))
		return &RateLimitError{
			Category: CategoryConnectionOpen,
			Reason:   fmt.Sprintf("graph already has %d connections", limit),
		}
	}

	sm.sessions[s.ID] = s
	if sm.graphs[s.GraphID] == nil {
		sm.graphs[s.GraphID] = make(map[string]*Session)
	}
	sm.graphs[s.GraphID][s.ID] = s
	sm.users[s.UserID]++
	return nil
}

// unregister removes a session from the registry and reports whether it was there
func (sm *SessionManager) unregister(sessionID string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	s, ok := sm.sessions[sessionID]
	if !ok {
		return nil, false
	}
	delete(sm.sessions, sessionID)

	if room := sm.graphs[s.GraphID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(sm.graphs, s.GraphID)
		}
	}

	sm.users[s.UserID]--
	if sm.users[s.UserID] <= 0 {
		delete(sm.users, s.UserID)
	}
	return s, true
}

// Heartbeat records liveness for a session
func (sm *SessionManager) Heartbeat(sessionID string) error {
	s, ok := sm.session(sessionID)
	if !ok {
		return ErrSessionExpired
	}
	s.touch(sm.now())
	return nil
}

// Allow checks one inbound message of category against its limit. The
// operation budget is shared by all of a user's sessions; presence budgets
// are per session.
func (sm *SessionManager) Allow(s *Session, category Category) error {
	d := sm.limiter.Allow(limitKey(s, category), category)
	if d.Allowed {
		return nil
	}
	sm.metrics.RateLimited(string(category))
	return &RateLimitError{Category: category, RetryAfter: d.RetryAfter}
}

func limitKey(s *Session, category Category) string {
	if category == CategoryOperation {
		return s.UserID
	}
	return s.ID
}

// Close ends a session and reclaims everything it held. Closing an unknown
// or already closed session is a no-op.
func (sm *SessionManager) Close(sessionID string, reason CloseReason) {
	s, ok := sm.unregister(sessionID)
	if !ok {
		return
	}

	s.close(reason)
	sm.presence.Remove(sessionID)
	sm.limiter.Forget(sessionID)

	if err := sm.coordinator.Broadcast(s.GraphID, models.MessageUserLeft, &models.UserEventPayload{
		UserID:    s.UserID,
		SessionID: s.ID,
		Timestamp: sm.now().UnixMilli(),
	}, s.ID); err != nil {
		log.Printf("⚠️  Failed to announce departure of session %s: %v", s.ID, err)
	}

	sm.metrics.SessionClosed(s.GraphID, reason.Text)
	log.Printf("  Session %s left graph %s (code %d: %s)", s.ID, s.GraphID, reason.Code, reason.Text)

	sm.coordinator.releaseIfIdle(s.GraphID)
}

// Shutdown closes every session with going-away and stops all sequencers
func (sm *SessionManager) Shutdown() {
	sm.stopOnce.Do(func() {
		log.Println("🛑 Shutting down session manager...")
		close(sm.done)

		sm.mu.Lock()
		sm.stopping = true
		ids := make([]string, 0, len(sm.sessions))
		for id := range sm.sessions {
			ids = append(ids, id)
		}
		sm.mu.Unlock()

		for _, id := range ids {
			sm.Close(id, ReasonShutdown)
		}
		sm.resolver.Close()

		log.Printf("✓ Session manager shutdown complete (%d sessions closed)", len(ids))
	})
}

func (sm *SessionManager) isStopping() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stopping
}

// SessionCount returns the number of open sessions, optionally for one graph
func (sm *SessionManager) SessionCount(graphID string) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	if graphID == "" {
		return len(sm.sessions)
	}
	return len(sm.graphs[graphID])
}

// sessionDirectory

func (sm *SessionManager) graphSessions(graphID string) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	room := sm.graphs[graphID]
	result := make([]*Session, 0, len(room))
	for _, s := range room {
		result = append(result, s)
	}
	return result
}

func (sm *SessionManager) session(sessionID string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.sessions[sessionID]
	return s, ok
}

func (sm *SessionManager) evict(sessionID string, reason CloseReason) {
	sm.Close(sessionID, reason)
}
