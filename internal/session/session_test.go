package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/splax/teamgate/internal/domain"
)

const secret = "0123456789abcdef0123456789abcdef"

func newSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(secret, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func TestSealRoundTrip(t *testing.T) {
	s := newSealer(t)
	// Every combination of present and absent fields, the empty session included.
	for mask := 0; mask < 8; mask++ {
		var want Session
		if mask&1 != 0 {
			want.Nonce = "abcdefgh12345678z"
		}
		if mask&2 != 0 {
			want.UserID = "0xabc"
		}
		if mask&4 != 0 {
			want.TeamID = "team-1"
		}
		t.Run(fmt.Sprintf("nonce=%t,user=%t,team=%t", want.Nonce != "", want.UserID != "", want.TeamID != ""), func(t *testing.T) {
			is := is.New(t)
			sealed, err := s.Seal(want)
			is.NoErr(err)
			is.True(!strings.Contains(sealed, "0xabc")) // user id must not be readable

			got, err := s.Unseal(sealed)
			is.NoErr(err)
			is.Equal(got, want)
		})
	}
}

func TestUnsealRejectsTampering(t *testing.T) {
	is := is.New(t)
	s := newSealer(t)
	sealed, err := s.Seal(Session{UserID: "0xabc"})
	is.NoErr(err)

	flipped := []byte(sealed)
	if flipped[len(flipped)/2] == 'A' {
		flipped[len(flipped)/2] = 'B'
	} else {
		flipped[len(flipped)/2] = 'A'
	}
	for _, value := range []string{"", "not-base64!", string(flipped)} {
		_, err := s.Unseal(value)
		is.True(errors.Is(err, domain.ErrInvalidSession))
	}

	other, err := NewSealer("another-secret-another-secret-!!", time.Hour)
	is.NoErr(err)
	_, err = other.Unseal(sealed)
	is.True(errors.Is(err, domain.ErrInvalidSession))
}

func TestUnsealRejectsExpired(t *testing.T) {
	is := is.New(t)
	s := newSealer(t)
	issued := time.Now()
	s.now = func() time.Time { return issued }
	sealed, err := s.Seal(Session{UserID: "0xabc"})
	is.NoErr(err)

	s.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = s.Unseal(sealed)
	is.True(errors.Is(err, domain.ErrInvalidSession))
}

func TestCookieStore(t *testing.T) {
	is := is.New(t)
	store := NewCookieStore(newSealer(t), "sid", true, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	is.NoErr(store.Persist(rec, Session{UserID: "0xabc", TeamID: "team-1"}))
	cookies := rec.Result().Cookies()
	is.Equal(len(cookies), 1)
	cookie := cookies[0]
	is.True(cookie.HttpOnly)
	is.True(cookie.Secure)
	is.Equal(cookie.SameSite, http.SameSiteLaxMode)
	is.Equal(cookie.Path, "/")
	is.Equal(cookie.MaxAge, 3600)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	is.Equal(store.FromRequest(req), Session{UserID: "0xabc", TeamID: "team-1"})

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	is.True(store.FromRequest(bare).Empty())
	_, err := store.FromRequestStrict(bare)
	is.True(errors.Is(err, domain.ErrInvalidSession))

	garbage := httptest.NewRequest(http.MethodGet, "/", nil)
	garbage.AddCookie(&http.Cookie{Name: "sid", Value: "garbage"})
	is.True(store.FromRequest(garbage).Empty())
	_, err = store.FromRequestStrict(garbage)
	is.True(errors.Is(err, domain.ErrInvalidSession))
}
