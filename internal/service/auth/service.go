package auth

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/internal/eth"
	"github.com/splax/teamgate/internal/repository"
	"github.com/splax/teamgate/internal/session"
	"github.com/splax/teamgate/internal/siwe"
	"github.com/splax/teamgate/pkg/config"
)

// NonceLength is the length of issued login nonces.
const NonceLength = 17

const nonceAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Service handles wallet login.
type Service struct {
	store   repository.Store
	logger  *slog.Logger
	domains []string
	now     func() time.Time
}

// New constructs a Service. cfg.SIWEDomains, when set, restricts the
// domains sign-in messages may name.
func New(store repository.Store, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{store: store, logger: logger, domains: cfg.SIWEDomains, now: time.Now}
}

// IssueNonce returns the session's pending nonce, generating one when absent.
func (s Service) IssueNonce(sess session.Session) (session.Session, string, error) {
	if sess.Nonce != "" {
		return sess, sess.Nonce, nil
	}
	nonce, err := generateNonce()
	if err != nil {
		return sess, "", fmt.Errorf("generate nonce: %w", err)
	}
	sess.Nonce = nonce
	return sess, nonce, nil
}

// Verify checks a signed sign-in message against the session nonce. On
// success the returned session is logged in to the signer's personal
// team. On any failure the returned session is empty.
func (s Service) Verify(ctx context.Context, sess session.Session, message, signature string) (session.Session, error) {
	msg, err := s.checkMessage(sess, message, signature)
	if err != nil {
		s.logger.Info("sign-in rejected", "error", err)
		return session.Session{}, err
	}

	teamID, err := s.GetOrCreateAccountAndPersonalTeam(ctx, msg.Address)
	if err != nil {
		return session.Session{}, err
	}
	s.logger.Info("user signed in", "user_id", msg.Address, "team_id", teamID)
	return session.Session{UserID: msg.Address, TeamID: teamID}, nil
}

func (s Service) checkMessage(sess session.Session, message, signature string) (*siwe.Message, error) {
	msg, err := siwe.ParseMessage(message)
	if err != nil {
		return nil, domain.ErrMalformedMessage
	}
	if sess.Nonce == "" || msg.Nonce != sess.Nonce {
		return nil, domain.ErrInvalidNonce
	}
	if err := msg.CheckTime(s.now()); err != nil {
		return nil, domain.ErrExpiredMessage
	}
	if len(s.domains) > 0 && !slices.Contains(s.domains, strings.ToLower(msg.Domain)) {
		return nil, domain.ErrInvalidDomain
	}
	if err := eth.VerifySignature(msg.Address, []byte(message), signature); err != nil {
		return nil, domain.ErrInvalidSignature
	}
	return msg, nil
}

// GetOrCreateAccountAndPersonalTeam makes sure userID has an account and
// a personal team it owns, returning the personal team id.
func (s Service) GetOrCreateAccountAndPersonalTeam(ctx context.Context, userID string) (string, error) {
	var teamID string
	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		team := &domain.Team{
			ID:        uuid.NewString(),
			Name:      domain.PersonalTeamName,
			Type:      domain.TeamTypePersonal,
			CreatedAt: s.now().UTC(),
		}
		id, err := q.UpsertUserWithPersonalTeam(ctx, userID, team)
		if err != nil {
			return err
		}
		teamID = id
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ensure account: %w", err)
	}
	return teamID, nil
}

// SessionView is the client-visible part of a session.
type SessionView struct {
	UserID        string `json:"userId,omitempty"`
	TeamID        string `json:"teamId,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// PublicSession hides the nonce from session reads.
func PublicSession(sess session.Session) SessionView {
	return SessionView{UserID: sess.UserID, TeamID: sess.TeamID, Authenticated: sess.Authenticated()}
}

func generateNonce() (string, error) {
	max := big.NewInt(int64(len(nonceAlphabet)))
	out := make([]byte, NonceLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = nonceAlphabet[n.Int64()]
	}
	return string(out), nil
}

