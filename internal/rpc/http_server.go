package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/diaz3618/memory-bank-mcp-sub001/internal/auth"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/eventstore"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/ratelimit"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/storage"
	"github.com/diaz3618/memory-bank-mcp-sub001/internal/tenant"
)

// Wire headers of the session endpoint.
const (
	HeaderSessionID   = "Mb-Session-Id"
	HeaderLastEventID = "Last-Event-ID"

	headerRateLimit     = "X-RateLimit-Limit"
	headerRateRemaining = "X-RateLimit-Remaining"
	headerRateReset     = "X-RateLimit-Reset"
)

const (
	sessionPath         = "/v1/session"
	defaultMaxBodyBytes = 10 * 1024 * 1024
	shutdownTimeout     = 10 * time.Second
)

// Config is the transport's tunable surface.
type Config struct {
	Addr string

	// BasePath mounts the whole API under a prefix, for deployments
	// behind a path-routing proxy. Empty serves from the root.
	BasePath string

	// AllowedOrigins and AllowedHosts guard against DNS rebinding and
	// cross-site requests. Empty or "*" allows everything.
	AllowedOrigins []string
	AllowedHosts   []string

	SessionTTL time.Duration

	// Default per-window ceilings. A key's own rateLimit overrides the
	// user ceiling; zero disables that probe.
	UserRateLimit   int
	IPRateLimit     int
	RateLimitWindow time.Duration

	MaxBodyBytes int64
}

// DocsProvider returns the document store serving one tenant.
type DocsProvider func(id tenant.Identity) storage.DocumentStore

// Dependencies are the collaborators the transport is constructed over.
// Everything is injected; the transport owns only session state.
type Dependencies struct {
	Stores  *storage.Registry
	Docs    DocsProvider
	Events  eventstore.Store
	Gate    *auth.Gate
	Limiter *ratelimit.Limiter // nil disables rate limiting
	Ready   func(ctx context.Context) error
	Logger  *slog.Logger
}

// Server is the HTTP session transport.
type Server struct {
	cfg      Config
	deps     Dependencies
	sessions *SessionManager
	metrics  *Metrics
	router   http.Handler
	logger   *slog.Logger
}

// NewServer wires the router. Deps.Stores, Deps.Docs, Deps.Events and
// Deps.Gate are required.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Stores == nil || deps.Docs == nil || deps.Events == nil || deps.Gate == nil {
		return nil, fmt.Errorf("rpc server needs stores, docs, events and an auth gate")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = ratelimit.DefaultWindow
	}

	s := &Server{
		cfg:      cfg,
		deps:     deps,
		sessions: NewSessionManager(deps.Events, cfg.SessionTTL, deps.Logger),
		metrics:  NewMetrics(),
		logger:   deps.Logger.With("component", "http"),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Sessions exposes the session manager so the daemon can run the janitor
// and tear sessions down on shutdown.
func (s *Server) Sessions() *SessionManager { return s.sessions }

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recordStatus)
	r.Use(middleware.Recoverer)
	r.Use(s.checkOriginHost)

	corsOrigins := s.cfg.AllowedOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", HeaderSessionID, HeaderLastEventID},
		ExposedHeaders: []string{HeaderSessionID, headerRateLimit, headerRateRemaining, headerRateReset},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Route(sessionPath, func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/", s.handleSessionPost)
		r.Get("/", s.handleSessionStream)
		r.Delete("/", s.handleSessionDelete)
	})

	if base := strings.Trim(s.cfg.BasePath, "/"); base != "" {
		outer := chi.NewRouter()
		outer.Mount("/"+base, r)
		return outer
	}
	return r
}

// Run serves until the context is canceled, then drains with a timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		// Request contexts derive from the run context, so open event
		// streams end when the daemon stops and shutdown can drain.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("session transport listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	}
}

// recordStatus counts every response by status code.
func (s *Server) recordStatus(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.metrics.RecordStatus(ww.Status())
	})
}

// checkOriginHost rejects requests whose Host or Origin is off the
// allowlist, before any session or auth state is touched.
func (s *Server) checkOriginHost(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !hostAllowed(r.Host, s.cfg.AllowedHosts) {
			s.writeError(w, http.StatusForbidden, "host not allowed")
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !originAllowed(origin, s.cfg.AllowedOrigins) {
			s.writeError(w, http.StatusForbidden, "origin not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func hostAllowed(host string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	for _, a := range allow {
		if a == "*" || a == host || a == hostname {
			return true
		}
	}
	return false
}

func originAllowed(origin string, allow []string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, a := range allow {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// authenticate resolves the bearer credential and stashes the tenant
// identity and key record on the context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := bearerCredential(r)
		id, key, err := s.deps.Gate.Authenticate(r.Context(), credential)
		if err != nil {
			if storage.IsTenantDenied(err) {
				s.metrics.RecordAuthRejected()
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			s.writeError(w, http.StatusServiceUnavailable, "authentication backend unavailable")
			return
		}

		ctx := tenant.WithIdentity(r.Context(), id)
		ctx = auth.WithAPIKey(ctx, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return header // the gate rejects it as malformed
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// rateLimit checks the per-user and per-IP windows in parallel and writes
// the Limit/Remaining/Reset headers. Reset is delta seconds.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		id, _ := tenant.FromContext(r.Context())
		userMax := s.cfg.UserRateLimit
		if key, ok := auth.APIKeyFromContext(r.Context()); ok && key.RateLimit > 0 {
			userMax = key.RateLimit
		}

		probes := []ratelimit.Probe{
			{Key: "user:" + id.UserID, Max: userMax, Window: s.cfg.RateLimitWindow},
			{Key: "ip:" + clientIP(r), Max: s.cfg.IPRateLimit, Window: s.cfg.RateLimitWindow},
		}
		decision, err := s.deps.Limiter.CheckMany(r.Context(), probes)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "rate limit store unavailable")
			return
		}

		if decision.Limit > 0 {
			w.Header().Set(headerRateLimit, strconv.Itoa(decision.Limit))
			w.Header().Set(headerRateRemaining, strconv.Itoa(decision.Remaining))
			w.Header().Set(headerRateReset, strconv.Itoa(resetSeconds(decision.ResetIn)))
		}
		if !decision.Allowed {
			s.metrics.RecordRateLimited()
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func resetSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	secs := int((d + time.Second - 1) / time.Second)
	return secs
}

// handleSessionPost submits one JSON-RPC message. No session header means
// a fresh session bound to the caller's tenant; its id comes back in the
// response header.
func (s *Server) handleSessionPost(w http.ResponseWriter, r *http.Request) {
	id, ok := tenant.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}

	var sess *Session
	var err error
	if sessionID := r.Header.Get(HeaderSessionID); sessionID == "" {
		sess, err = s.createSession(r.Context(), id)
		if err != nil {
			s.logger.Error("failed to create session", "tenant", id.String(), "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create session")
			return
		}
	} else {
		sess, err = s.sessions.Get(sessionID, id)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
	}
	w.Header().Set(HeaderSessionID, sess.ID)

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, NewErrorResponse(nil, CodeParseError, "invalid JSON"))
		return
	}

	start := time.Now()
	resp := sess.Dispatch(r.Context(), &req)
	s.metrics.RecordRequest(req.Method, time.Since(start), resp != nil && resp.Error != nil)

	if resp == nil {
		// Notification: accepted, nothing to say.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) createSession(ctx context.Context, id tenant.Identity) (*Session, error) {
	return s.sessions.Create(id, func(notify NotifyFunc) (*Handler, error) {
		store, err := s.deps.Stores.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		counted := func(ctx context.Context, method string, params any) {
			notify(ctx, method, params)
			s.metrics.RecordEventAppended()
		}
		return NewHandler(id, store, s.deps.Docs(id), counted, s.deps.Logger), nil
	})
}

// handleSessionDelete closes a session explicitly.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := tenant.FromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "missing tenant identity")
		return
	}
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.sessions.Close(r.Context(), sessionID, id); err != nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, Ack{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot(s.sessions.Len()))
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
