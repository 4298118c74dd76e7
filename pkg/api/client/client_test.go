package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/splax/teamgate/internal/eth/ethtest"
	"github.com/splax/teamgate/internal/events"
	httpx "github.com/splax/teamgate/internal/http"
	"github.com/splax/teamgate/internal/repository/sqlite/sqlitetest"
	"github.com/splax/teamgate/internal/service/auth"
	"github.com/splax/teamgate/internal/service/team"
	"github.com/splax/teamgate/internal/session"
	"github.com/splax/teamgate/pkg/config"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := sqlitetest.Open(t)
	sealer, err := session.NewSealer("0123456789abcdef0123456789abcdef", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hub := events.NewHub()
	t.Cleanup(hub.Stop)

	router := httpx.NewRouter(
		logger,
		auth.New(store, logger, config.APIConfig{}),
		team.New(store, nil, hub, logger),
		session.NewCookieStore(sealer, "teamgate_session", false, logger),
		hub,
		httpx.NewMemoryRateLimiter(),
		store.Ping,
	)
	t.Cleanup(router.Close)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:4000/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cli.baseURL.String() != "http://localhost:4000" {
		t.Fatalf("unexpected base url: %s", cli.baseURL)
	}
	if cli.httpClient.Jar == nil {
		t.Fatalf("expected cookie jar")
	}
}

func TestLoginAndManageTeam(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	owner := ethtest.NewWallet(t)
	invitee := ethtest.NewWallet(t)

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, err := cli.Login(ctx, owner)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !sess.Authenticated || sess.UserID != owner.Address() || sess.TeamID == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	personalID := sess.TeamID

	created, err := cli.CreateTeam(ctx, "Acme")
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if created.Role != "owner" || !created.Active {
		t.Fatalf("unexpected team: %+v", created)
	}

	if _, err := cli.InviteMember(ctx, invitee.Address()); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := cli.UpdateMember(ctx, invitee.Address(), "admin"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	overview, err := cli.Team(ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if overview.Team.ID != created.ID || overview.Role != "owner" || len(overview.Members) != 2 {
		t.Fatalf("unexpected overview: %+v", overview)
	}

	teams, err := cli.ListTeams(ctx)
	if err != nil {
		t.Fatalf("list teams: %v", err)
	}
	if len(teams) != 2 {
		t.Fatalf("expected two teams, got %d", len(teams))
	}

	sess, err = cli.DeleteTeam(ctx)
	if err != nil {
		t.Fatalf("delete team: %v", err)
	}
	if sess.TeamID != personalID {
		t.Fatalf("expected re-home to personal team, got %s", sess.TeamID)
	}
}

func TestSavedCookiesResumeSession(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	wallet := ethtest.NewWallet(t)

	first, err := New(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := first.Login(ctx, wallet); err != nil {
		t.Fatalf("login: %v", err)
	}

	second, err := New(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second.SetCookies(first.Cookies())
	sess, err := second.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.UserID != wallet.Address() {
		t.Fatalf("unexpected session: %+v", sess)
	}

	if err := second.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}
	sess, err = second.Session(ctx)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Authenticated {
		t.Fatalf("expected logged out session")
	}
}

func TestAPIErrorCarriesCode(t *testing.T) {
	srv := newTestServer(t)
	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = cli.ListTeams(context.Background())
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Code != "invalid_session" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
