package httpx

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/teamgate/internal/events"
	"github.com/splax/teamgate/internal/service/auth"
	"github.com/splax/teamgate/internal/service/team"
	"github.com/splax/teamgate/internal/session"
)

// Router wires HTTP endpoints to services.
type Router struct {
	router      *mux.Router
	handler     http.Handler
	logger      *slog.Logger
	auth        auth.Service
	team        team.Service
	sessions    *session.CookieStore
	hub         *events.Hub
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	dbHealth    func(context.Context) error
	metricsOnce sync.Once
	metrics     *routerMetrics
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitNonce     = 30
	rateLimitVerify    = 12
	rateLimitSession   = 120
	rateLimitUserWrite = 60
	rateLimitUserRead  = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeatPeriod = 25 * time.Second
	loginPath          = "/login"
	dashboardPath      = "/dashboard"
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, teamSvc team.Service, sessions *session.CookieStore, hub *events.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		router:   mux.NewRouter(),
		logger:   logger,
		auth:     authSvc,
		team:     teamSvc,
		sessions: sessions,
		hub:      hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: sameOrigin,
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	r.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(slog.NewLogLogger(logger.Handler(), slog.LevelError)),
	)(r.router)
	return r
}

// ServeHTTP delegates to the underlying router.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// AttachServer ends open team streams when srv shuts down. Shutdown does
// not cancel request contexts, so long-lived streams would otherwise hold it
// until its deadline.
func (r *Router) AttachServer(srv *http.Server) {
	if r.hub != nil {
		srv.RegisterOnShutdown(r.hub.Stop)
	}
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	m := r.router
	m.Use(r.audit)
	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) })
	m.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { r.methodNotAllowed(w) })

	m.HandleFunc("/healthz", r.handleHealthz).Methods(http.MethodGet)
	m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	m.HandleFunc("/auth/nonce", r.withRateLimit("auth_nonce", rateLimitNonce, rateWindowDefault, rateLimitKeyIP, r.handleNonce)).Methods(http.MethodPut)
	m.HandleFunc("/auth/verify", r.withRateLimit("auth_verify", rateLimitVerify, rateWindowDefault, rateLimitKeyIP, r.handleVerify)).Methods(http.MethodPost)
	m.HandleFunc("/auth/session", r.withRateLimit("auth_session", rateLimitSession, rateWindowDefault, rateLimitKeyIP, r.handleGetSession)).Methods(http.MethodGet)
	m.HandleFunc("/auth/session", r.handleClearSession).Methods(http.MethodDelete)

	m.HandleFunc("/teams", r.handlerSessionRate("teams", rateLimitUserRead, rateWindowDefault, r.handleListTeams)).Methods(http.MethodGet)
	m.HandleFunc("/teams", r.handlerSessionRate("teams_create", rateLimitUserWrite, rateWindowDefault, r.handleCreateTeam)).Methods(http.MethodPost)
	m.HandleFunc("/teams/switch", r.handlerSessionRate("teams_switch", rateLimitUserWrite, rateWindowDefault, r.handleSwitchTeam)).Methods(http.MethodPost)

	m.HandleFunc("/team", r.handlerSessionRate("team", rateLimitUserRead, rateWindowDefault, r.handleTeamOverview)).Methods(http.MethodGet)
	m.HandleFunc("/team", r.handlerSessionRate("team_update", rateLimitUserWrite, rateWindowDefault, r.handleUpdateTeam)).Methods(http.MethodPatch)
	m.HandleFunc("/team", r.handlerSessionRate("team_delete", rateLimitUserWrite, rateWindowDefault, r.handleDeleteTeam)).Methods(http.MethodDelete)
	m.HandleFunc("/team/members", r.handlerSessionRate("team_invite", rateLimitUserWrite, rateWindowDefault, r.handleInviteMember)).Methods(http.MethodPost)
	m.HandleFunc("/team/members/{userId}", r.handlerSessionRate("team_member_update", rateLimitUserWrite, rateWindowDefault, r.handleUpdateMember)).Methods(http.MethodPatch)

	m.HandleFunc("/ws/team", r.handlerSessionRate("ws_team", rateLimitStream, rateWindowRealtime, r.handleTeamWS)).Methods(http.MethodGet)
	m.HandleFunc("/events/team", r.handlerSessionRate("events_team", rateLimitStream, rateWindowRealtime, r.handleTeamSSE)).Methods(http.MethodGet)

	pages := r.pageGuard(http.HandlerFunc(r.handlePage))
	m.Handle("/", pages).Methods(http.MethodGet)
	m.Handle(loginPath, pages).Methods(http.MethodGet)
	m.Handle(dashboardPath, pages).Methods(http.MethodGet)
	m.PathPrefix(dashboardPath + "/").Handler(pages).Methods(http.MethodGet)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// pageGuard redirects browsers based on login state: anonymous users go to
// the login page, logged-in users without an active team have their
// session cleared, and logged-in users skip the landing and login pages.
func (r *Router) pageGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		path := req.URL.Path
		sess := r.sessions.FromRequest(req)

		if !sess.Authenticated() {
			if strings.HasPrefix(path, loginPath) {
				next.ServeHTTP(w, req)
				return
			}
			http.Redirect(w, req, loginPath, http.StatusFound)
			return
		}
		if sess.TeamID == "" {
			if !r.persist(w, session.Session{}) {
				return
			}
			http.Redirect(w, req, loginPath, http.StatusFound)
			return
		}
		if path == "/" || strings.HasPrefix(path, loginPath) {
			http.Redirect(w, req, dashboardPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// handlePage stands in for the page renderer, which lives outside this service.
func (r *Router) handlePage(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleTeamWS(w http.ResponseWriter, req *http.Request) {
	sess, ok := sessionFromContext(req.Context())
	if !ok {
		r.logger.Error("session context missing for team websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "session context missing")
		return
	}
	if _, err := r.team.CallerRole(req.Context(), sess); err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := events.NewClient(conn, r.logger)
	r.hub.Register(sess.TeamID, client)
	go func() {
		defer func() {
			r.hub.Unregister(sess.TeamID, client)
			client.Close()
		}()
		client.Drain()
	}()
}

func (r *Router) handleTeamSSE(w http.ResponseWriter, req *http.Request) {
	sess, ok := sessionFromContext(req.Context())
	if !ok {
		r.logger.Error("session context missing for team stream", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "session context missing")
		return
	}
	if _, err := r.team.CallerRole(req.Context(), sess); err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := events.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(sess.TeamID, client)
	defer r.hub.Unregister(sess.TeamID, client)

	ticker := time.NewTicker(sseHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			client.Close()
			return
		case <-client.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func sameOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	trimmed := strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")
	return strings.EqualFold(trimmed, req.Host)
}

func (r *Router) audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := req.URL.Path
		if current := mux.CurrentRoute(req); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if sess, ok := sessionFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", sess.UserID)
			if sess.TeamID != "" {
				fields = append(fields, "team_id", sess.TeamID)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		// Hijacked connections are upgrades; report them as such.
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
