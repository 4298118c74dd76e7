// Package session seals the per-browser session into an encrypted,
// signed cookie value. Nothing is stored server-side.
package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/pkg/crypto"
	"github.com/splax/teamgate/pkg/jwt"
)

// DefaultTTL is the lifetime of a sealed session.
const DefaultTTL = 30 * 24 * time.Hour

var additionalData = []byte("teamgate-session")

// Session is the per-browser login state. All fields are optional.
type Session struct {
	Nonce  string
	UserID string
	TeamID string
}

// Empty reports whether the session carries no state.
func (s Session) Empty() bool {
	return s == Session{}
}

// Authenticated reports whether a user is logged in.
func (s Session) Authenticated() bool {
	return s.UserID != ""
}

// Sealer seals and unseals sessions under a server secret.
type Sealer struct {
	secret string
	ttl    time.Duration
	now    func() time.Time
}

// NewSealer builds a Sealer. A non-positive ttl falls back to DefaultTTL.
func NewSealer(secret string, ttl time.Duration) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("session secret required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Sealer{secret: secret, ttl: ttl, now: time.Now}, nil
}

// TTL returns the sealed session lifetime.
func (s *Sealer) TTL() time.Duration {
	return s.ttl
}

// Seal signs the session as a JWT and encrypts it.
func (s *Sealer) Seal(sess Session) (string, error) {
	token, err := jwt.GenerateToken(sess.Nonce, sess.UserID, sess.TeamID, s.secret, s.ttl, s.now())
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	sealed, err := crypto.Encrypt(s.secret, []byte(token), additionalData)
	if err != nil {
		return "", fmt.Errorf("encrypt session: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Unseal reverses Seal. Any failure yields domain.ErrInvalidSession.
func (s *Sealer) Unseal(value string) (Session, error) {
	if value == "" {
		return Session{}, domain.ErrInvalidSession
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return Session{}, domain.ErrInvalidSession
	}
	token, err := crypto.Decrypt(s.secret, raw, additionalData)
	if err != nil {
		return Session{}, domain.ErrInvalidSession
	}
	claims, err := jwt.Parse(string(token), s.secret, s.now())
	if err != nil {
		return Session{}, domain.ErrInvalidSession
	}
	return Session{Nonce: claims.Nonce, UserID: claims.UserID, TeamID: claims.TeamID}, nil
}
