package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/eventstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
)

const (
	// DefaultSessionTTL expires idle sessions after a day.
	DefaultSessionTTL = 24 * time.Hour

	// sweepInterval is how often the janitor looks for expired sessions.
	sweepInterval = time.Minute

	// subscriberBuffer is the per-stream channel depth. A client that falls
	// this far behind is disconnected and catches up through replay.
	subscriberBuffer = 64
)

// NotifyFunc pushes a server-initiated notification onto a session stream.
type NotifyFunc func(ctx context.Context, method string, params any)

// Session binds one client conversation to one tenant. All submissions on
// a session are serialized, and every server-to-client message is persisted
// to the event store before it is offered to the live stream.
type Session struct {
	ID     string
	Tenant tenant.Identity

	handler *Handler
	events  eventstore.Store
	logger  *slog.Logger

	// mu serializes request dispatch so responses observe submission order.
	mu sync.Mutex

	// sendMu orders persist-then-push for server-initiated messages.
	sendMu sync.Mutex

	subMu      sync.Mutex
	subscriber chan eventstore.Event

	createdAt  time.Time
	lastActive time.Time // guarded by the manager's lock
}

// Dispatch runs one request through the session's handler. Requests on the
// same session never interleave.
func (s *Session) Dispatch(ctx context.Context, req *Request) *Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler.Handle(ctx, req)
}

// Notify persists a notification for this session's stream and offers it to
// the attached subscriber. Failure to persist drops the message entirely,
// logged but never surfaced to the request that caused it.
func (s *Session) Notify(ctx context.Context, method string, params any) {
	note, err := NewNotification(method, params)
	if err != nil {
		s.logger.Warn("failed to build notification", "method", method, "error", err)
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		s.logger.Warn("failed to encode notification", "method", method, "error", err)
		return
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	id, err := s.events.Append(ctx, s.ID, payload)
	if err != nil {
		s.logger.Warn("failed to persist session event",
			"session", s.ID,
			"method", method,
			"error", err)
		return
	}
	s.offer(eventstore.Event{ID: id, StreamID: s.ID, Payload: payload})
}

// offer hands an event to the live subscriber without blocking. A full
// buffer means the client is too slow; the stream is closed and the client
// replays from its last seen id on reconnect.
func (s *Session) offer(ev eventstore.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscriber == nil {
		return
	}
	select {
	case s.subscriber <- ev:
	default:
		s.logger.Warn("session stream lagging, disconnecting subscriber", "session", s.ID)
		close(s.subscriber)
		s.subscriber = nil
	}
}

// Attach registers the single live stream for this session, replacing any
// previous one. The returned cancel detaches it if it is still the current
// subscriber.
func (s *Session) Attach() (<-chan eventstore.Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscriber != nil {
		close(s.subscriber)
	}
	ch := make(chan eventstore.Event, subscriberBuffer)
	s.subscriber = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if s.subscriber == ch {
			close(s.subscriber)
			s.subscriber = nil
		}
	}
	return ch, cancel
}

func (s *Session) detach() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscriber != nil {
		close(s.subscriber)
		s.subscriber = nil
	}
}

// SessionManager owns the session table: creation, tenant-checked lookup,
// idle expiry, and teardown.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	events eventstore.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionManager builds a manager over the event store. A ttl of zero
// uses DefaultSessionTTL.
func NewSessionManager(events eventstore.Store, ttl time.Duration, logger *slog.Logger) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions: make(map[string]*Session),
		events:   events,
		ttl:      ttl,
		logger:   logger.With("component", "session"),
		now:      time.Now,
	}
}

// Create opens a session for the tenant. build receives the session's
// notify hook and returns the handler that will serve its requests.
func (m *SessionManager) Create(id tenant.Identity, build func(notify NotifyFunc) (*Handler, error)) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, storage.WrapError(storage.KindTenantDenied, err, "session needs a tenant")
	}

	now := m.now()
	sess := &Session{
		ID:         uuid.NewString(),
		Tenant:     id,
		events:     m.events,
		logger:     m.logger,
		createdAt:  now,
		lastActive: now,
	}
	handler, err := build(sess.Notify)
	if err != nil {
		return nil, err
	}
	sess.handler = handler

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	m.logger.Debug("session created", "session", sess.ID, "tenant", id.String())
	return sess, nil
}

// Get returns the live session with this id, bound to this tenant. Unknown
// ids, expired sessions, and other tenants' sessions are indistinguishable
// to the caller.
func (m *SessionManager) Get(sessionID string, id tenant.Identity) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.Tenant != id {
		return nil, storage.NewError(storage.KindSessionGone, "session %q not found", sessionID)
	}
	sess.lastActive = m.now()
	return sess, nil
}

// Close tears down a session and drops its retained events.
func (m *SessionManager) Close(ctx context.Context, sessionID string, id tenant.Identity) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok && sess.Tenant == id {
		delete(m.sessions, sessionID)
	} else {
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return storage.NewError(storage.KindSessionGone, "session %q not found", sessionID)
	}

	sess.detach()
	if err := m.events.DropStream(ctx, sessionID); err != nil {
		m.logger.Warn("failed to drop session stream", "session", sessionID, "error", err)
	}
	m.logger.Debug("session closed", "session", sessionID)
	return nil
}

// Len reports how many sessions are live.
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CloseAll tears down every session, for daemon shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.detach()
	}
}

// RunJanitor sweeps expired sessions until the context ends.
func (m *SessionManager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep removes sessions idle past the TTL along with their event streams.
func (m *SessionManager) sweep(ctx context.Context) {
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		if sess.lastActive.Before(cutoff) {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.detach()
		if err := m.events.DropStream(ctx, sess.ID); err != nil {
			m.logger.Warn("failed to drop expired session stream", "session", sess.ID, "error", err)
		}
		m.logger.Info("session expired", "session", sess.ID, "idle", m.ttl.String())
	}
}
