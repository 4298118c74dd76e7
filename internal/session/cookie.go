package session

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/splax/teamgate/internal/domain"
)

// CookieStore carries sealed sessions in an HttpOnly cookie.
type CookieStore struct {
	sealer *Sealer
	name   string
	secure bool
	logger *slog.Logger
}

// NewCookieStore wires a sealer to a cookie name. secure marks the cookie Secure.
func NewCookieStore(sealer *Sealer, name string, secure bool, logger *slog.Logger) *CookieStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CookieStore{sealer: sealer, name: name, secure: secure, logger: logger}
}

// FromRequest returns the request's session. A missing or unreadable
// cookie yields the empty session.
func (c *CookieStore) FromRequest(r *http.Request) Session {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return Session{}
	}
	sess, err := c.sealer.Unseal(cookie.Value)
	if err != nil {
		c.logger.Debug("discarding unreadable session cookie", "error", err, "path", r.URL.Path)
		return Session{}
	}
	return sess
}

// FromRequestStrict is FromRequest for callers that require a prior
// session: a missing or unreadable cookie is domain.ErrInvalidSession.
func (c *CookieStore) FromRequestStrict(r *http.Request) (Session, error) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return Session{}, domain.ErrInvalidSession
		}
		return Session{}, err
	}
	return c.sealer.Unseal(cookie.Value)
}

// Persist reseals the whole session into the response cookie.
func (c *CookieStore) Persist(w http.ResponseWriter, sess Session) error {
	value, err := c.sealer.Seal(sess)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(c.sealer.TTL().Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear persists the empty session.
func (c *CookieStore) Clear(w http.ResponseWriter) error {
	return c.Persist(w, Session{})
}
