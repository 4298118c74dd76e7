package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/splax/teamgate/internal/eth/ethtest"
	"github.com/splax/teamgate/internal/events"
	"github.com/splax/teamgate/internal/repository/sqlite/sqlitetest"
	"github.com/splax/teamgate/internal/service/auth"
	"github.com/splax/teamgate/internal/service/team"
	"github.com/splax/teamgate/internal/session"
	"github.com/splax/teamgate/internal/siwe"
	"github.com/splax/teamgate/pkg/config"
)

const (
	testSecret     = "0123456789abcdef0123456789abcdef"
	testCookieName = "teamgate_session"
	testDomain     = "app.teamgate.dev"
)

type denyLimiter struct{}

func (denyLimiter) Allow(string, int, time.Duration) rateDecision {
	return rateDecision{allowed: false, count: 1}
}

func (denyLimiter) Close() {}

type testEnv struct {
	router  *Router
	sealer  *session.Sealer
	cookies *session.CookieStore
}

func newTestEnv(t *testing.T, limiter RateLimiter) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := sqlitetest.Open(t)
	sealer, err := session.NewSealer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cookies := session.NewCookieStore(sealer, testCookieName, false, logger)
	hub := events.NewHub()
	t.Cleanup(hub.Stop)

	authSvc := auth.New(store, logger, config.APIConfig{SIWEDomains: []string{testDomain}})
	teamSvc := team.New(store, nil, hub, logger)
	router := NewRouter(logger, authSvc, teamSvc, cookies, hub, limiter, store.Ping)
	t.Cleanup(router.Close)
	return &testEnv{router: router, sealer: sealer, cookies: cookies}
}

// browser keeps the session cookie between requests.
type browser struct {
	t      *testing.T
	env    *testEnv
	cookie *http.Cookie
}

func (b *browser) do(method, path string, body any) *httptest.ResponseRecorder {
	b.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			b.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if b.cookie != nil {
		req.AddCookie(b.cookie)
	}
	rec := httptest.NewRecorder()
	b.env.router.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == testCookieName {
			b.cookie = c
		}
	}
	return rec
}

func (b *browser) session() session.Session {
	b.t.Helper()
	if b.cookie == nil {
		return session.Session{}
	}
	sess, err := b.env.sealer.Unseal(b.cookie.Value)
	if err != nil {
		b.t.Fatalf("unseal cookie: %v", err)
	}
	return sess
}

func signedMessage(wallet *ethtest.Wallet, nonce string) map[string]string {
	msg := &siwe.Message{
		Domain:   testDomain,
		Address:  wallet.Address(),
		URI:      "https://" + testDomain,
		Version:  "1",
		ChainID:  1,
		Nonce:    nonce,
		IssuedAt: time.Now().UTC(),
	}
	text := msg.String()
	return map[string]string{"message": text, "signature": wallet.Sign(text)}
}

func (b *browser) login(wallet *ethtest.Wallet) {
	b.t.Helper()
	rec := b.do(http.MethodPut, "/auth/nonce", nil)
	if rec.Code != http.StatusOK {
		b.t.Fatalf("nonce: unexpected status %d", rec.Code)
	}
	rec = b.do(http.MethodPost, "/auth/verify", signedMessage(wallet, rec.Body.String()))
	if rec.Code != http.StatusOK {
		b.t.Fatalf("verify: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestLoginFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	b := &browser{t: t, env: env}
	wallet := ethtest.NewWallet(t)

	first := b.do(http.MethodPut, "/auth/nonce", nil)
	second := b.do(http.MethodPut, "/auth/nonce", nil)
	if first.Body.String() != second.Body.String() || len(first.Body.String()) != auth.NonceLength {
		t.Fatalf("expected a stable nonce, got %q and %q", first.Body.String(), second.Body.String())
	}
	if !b.cookie.HttpOnly || b.cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes %+v", b.cookie)
	}

	rec := b.do(http.MethodPost, "/auth/verify", signedMessage(wallet, first.Body.String()))
	if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
		t.Fatalf("verify: unexpected response %d %q", rec.Code, rec.Body.String())
	}
	sess := b.session()
	if sess.Nonce != "" || sess.UserID != wallet.Address() || sess.TeamID == "" {
		t.Fatalf("unexpected session %+v", sess)
	}

	view := decodeBody[auth.SessionView](t, b.do(http.MethodGet, "/auth/session", nil))
	if !view.Authenticated || view.UserID != wallet.Address() || view.TeamID != sess.TeamID {
		t.Fatalf("unexpected session view %+v", view)
	}

	rec = b.do(http.MethodGet, "/team", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("overview: unexpected status %d", rec.Code)
	}
	overview := decodeBody[struct {
		Team    teamView     `json:"team"`
		Role    string       `json:"role"`
		Members []memberView `json:"members"`
	}](t, rec)
	if overview.Team.Type != "personal" || overview.Role != "owner" || len(overview.Members) != 1 {
		t.Fatalf("unexpected overview %+v", overview)
	}

	if rec := b.do(http.MethodDelete, "/auth/session", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: unexpected status %d", rec.Code)
	}
	if !b.session().Empty() {
		t.Fatalf("expected empty session after logout")
	}
}

func TestVerifyFailureClearsSession(t *testing.T) {
	env := newTestEnv(t, nil)
	b := &browser{t: t, env: env}
	wallet := ethtest.NewWallet(t)

	nonce := b.do(http.MethodPut, "/auth/nonce", nil).Body.String()
	payload := signedMessage(wallet, nonce)
	payload["signature"] = ethtest.NewWallet(t).Sign(payload["message"])

	rec := b.do(http.MethodPost, "/auth/verify", payload)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	body := decodeBody[map[string]string](t, rec)
	if body["code"] != "invalid_signature" {
		t.Fatalf("unexpected body %v", body)
	}
	if !b.session().Empty() {
		t.Fatalf("expected cleared session, got %+v", b.session())
	}
	if fresh := b.do(http.MethodPut, "/auth/nonce", nil).Body.String(); fresh == nonce {
		t.Fatalf("expected a new nonce after failure")
	}

	rec = b.do(http.MethodPost, "/auth/verify", map[string]string{"message": "garbage", "signature": "0x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed message, got %d", rec.Code)
	}
}

func TestTeamRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t, nil)
	b := &browser{t: t, env: env}

	rec := b.do(http.MethodGet, "/team", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeBody[map[string]string](t, rec)["code"]; code != "invalid_session" {
		t.Fatalf("unexpected code %q", code)
	}

	// A nonce-only session is not a login.
	b.do(http.MethodPut, "/auth/nonce", nil)
	if rec := b.do(http.MethodPost, "/team/members", map[string]string{"address": "0x0"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with nonce-only session, got %d", rec.Code)
	}
}

func TestTeamManagement(t *testing.T) {
	env := newTestEnv(t, nil)
	ownerWallet := ethtest.NewWallet(t)
	memberWallet := ethtest.NewWallet(t)
	owner := &browser{t: t, env: env}
	member := &browser{t: t, env: env}
	owner.login(ownerWallet)
	member.login(memberWallet)
	personal := owner.session().TeamID

	rec := owner.do(http.MethodPost, "/teams", map[string]string{"name": "Acme"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create team: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[teamView](t, rec)
	if owner.session().TeamID != created.ID {
		t.Fatalf("expected session to switch to the new team")
	}

	rec = owner.do(http.MethodPost, "/team/members", map[string]string{"address": strings.ToLower(memberWallet.Address())})
	if rec.Code != http.StatusCreated {
		t.Fatalf("invite: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if rec := owner.do(http.MethodPost, "/team/members", map[string]string{"address": memberWallet.Address()}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate invite, got %d", rec.Code)
	}
	if rec := owner.do(http.MethodPost, "/team/members", map[string]string{"address": "nope"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid address, got %d", rec.Code)
	}

	rec = member.do(http.MethodGet, "/teams", nil)
	teams := decodeBody[struct {
		Teams []teamView `json:"teams"`
	}](t, rec).Teams
	if len(teams) != 2 || teams[1].ID != created.ID || teams[1].Role != "member" {
		t.Fatalf("unexpected teams %+v", teams)
	}
	if rec := member.do(http.MethodPost, "/teams/switch", map[string]string{"teamId": created.ID}); rec.Code != http.StatusOK {
		t.Fatalf("switch: unexpected status %d", rec.Code)
	}
	if rec := member.do(http.MethodPost, "/teams/switch", map[string]string{"teamId": personal}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 switching to a foreign team, got %d", rec.Code)
	}

	if rec := member.do(http.MethodPatch, "/team", map[string]string{"name": "Mine"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for member rename, got %d", rec.Code)
	}
	if rec := owner.do(http.MethodPatch, "/team/members/"+memberWallet.Address(), map[string]string{"action": "promote"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", rec.Code)
	}
	if rec := owner.do(http.MethodPatch, "/team/members/0x0000000000000000000000000000000000000001", map[string]string{"action": "admin"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown member, got %d", rec.Code)
	}
	if rec := owner.do(http.MethodPatch, "/team/members/"+memberWallet.Address(), map[string]string{"action": "admin"}); rec.Code != http.StatusOK {
		t.Fatalf("promote: unexpected status %d: %s", rec.Code, rec.Body.String())
	}

	// The new admin removes themself and lands back on their personal team.
	rec = member.do(http.MethodPatch, "/team/members/"+memberWallet.Address(), map[string]string{"action": "delete"})
	if rec.Code != http.StatusOK {
		t.Fatalf("self removal: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if got := member.session().TeamID; got == created.ID || got == "" {
		t.Fatalf("expected member re-homed, got team %q", got)
	}

	rec = owner.do(http.MethodDelete, "/team", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete team: unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if owner.session().TeamID != personal {
		t.Fatalf("expected owner re-homed to personal team")
	}
	if rec := owner.do(http.MethodDelete, "/team", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 deleting personal team, got %d", rec.Code)
	}
}

func TestPageGuard(t *testing.T) {
	env := newTestEnv(t, nil)
	anon := &browser{t: t, env: env}

	rec := anon.do(http.MethodGet, "/dashboard/team-settings", nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to login, got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if rec := anon.do(http.MethodGet, "/login", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected login page for anonymous user, got %d", rec.Code)
	}

	user := &browser{t: t, env: env}
	user.login(ethtest.NewWallet(t))
	for _, path := range []string{"/", "/login"} {
		rec := user.do(http.MethodGet, path, nil)
		if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/dashboard" {
			t.Fatalf("%s: expected redirect to dashboard, got %d %q", path, rec.Code, rec.Header().Get("Location"))
		}
	}
	if rec := user.do(http.MethodGet, "/dashboard", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected dashboard, got %d", rec.Code)
	}

	teamless := &browser{t: t, env: env}
	rec = httptest.NewRecorder()
	if err := env.cookies.Persist(rec, session.Session{UserID: "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	teamless.cookie = rec.Result().Cookies()[0]
	rec = teamless.do(http.MethodGet, "/dashboard", nil)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/login" {
		t.Fatalf("expected teamless user redirected to login, got %d", rec.Code)
	}
	if !teamless.session().Empty() {
		t.Fatalf("expected teamless session to be cleared")
	}
}

func TestHealthzAndMethodHandling(t *testing.T) {
	env := newTestEnv(t, nil)
	b := &browser{t: t, env: env}

	rec := b.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", rec.Code)
	}
	if status := decodeBody[map[string]any](t, rec)["status"]; status != "ok" {
		t.Fatalf("unexpected status %v", status)
	}
	if rec := b.do(http.MethodPost, "/healthz", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if rec := b.do(http.MethodGet, "/nope", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestRateLimitedAuth(t *testing.T) {
	env := newTestEnv(t, denyLimiter{})
	b := &browser{t: t, env: env}

	rec := b.do(http.MethodPut, "/auth/nonce", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Fatalf("expected rate limit headers")
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()

	for i := 0; i < 3; i++ {
		if d := limiter.Allow("ip:1.2.3.4", 3, time.Minute); !d.allowed {
			t.Fatalf("request %d unexpectedly limited", i)
		}
	}
	if d := limiter.Allow("ip:1.2.3.4", 3, time.Minute); d.allowed {
		t.Fatalf("expected fourth request to be limited")
	}
	if d := limiter.Allow("ip:5.6.7.8", 3, time.Minute); !d.allowed {
		t.Fatalf("expected other key to be allowed")
	}
}

func TestHealthzReportsDatabaseDown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sealer, _ := session.NewSealer(testSecret, time.Hour)
	hub := events.NewHub()
	defer hub.Stop()
	router := NewRouter(logger, auth.Service{}, team.Service{}, session.NewCookieStore(sealer, testCookieName, false, logger), hub, nil, func(context.Context) error {
		return io.ErrUnexpectedEOF
	})
	defer router.Close()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestShutdownEndsTeamStreams(t *testing.T) {
	env := newTestEnv(t, nil)
	b := &browser{t: t, env: env}
	b.login(ethtest.NewWallet(t))

	srv := httptest.NewUnstartedServer(env.router)
	env.router.AttachServer(srv.Config)
	srv.Start()
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events/team", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.AddCookie(b.cookie)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream: unexpected status %d", resp.StatusCode)
	}
	streamDone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(streamDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	start := time.Now()
	if err := srv.Config.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown after %s: %v", time.Since(start), err)
	}
	select {
	case <-streamDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("stream still open after shutdown")
	}
}
