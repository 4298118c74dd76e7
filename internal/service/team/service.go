package team

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/internal/ens"
	"github.com/splax/teamgate/internal/eth"
	"github.com/splax/teamgate/internal/repository"
	"github.com/splax/teamgate/internal/session"
)

// AddressResolver turns a human-readable name into an account address.
type AddressResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Notifier is told when a team's membership or details change.
type Notifier interface {
	Revalidate(teamID, reason string)
}

// Revalidation reasons.
const (
	ReasonMemberInvited        = "member_invited"
	ReasonMemberUpdated        = "member_updated"
	ReasonMemberRemoved        = "member_removed"
	ReasonOwnershipTransferred = "ownership_transferred"
	ReasonTeamUpdated          = "team_updated"
	ReasonTeamDeleted          = "team_deleted"
)

var (
	errModifyOwner      = domain.ErrForbidden.WithMessage("You can't modify the owner.")
	errModifyAdmin      = domain.ErrForbidden.WithMessage("You can't modify admins.")
	errTransferPersonal = domain.ErrForbidden.WithMessage("You can't transfer ownership of a personal team.")
	errDeletePersonal   = domain.ErrForbidden.WithMessage("You can't delete a personal team.")
)

// Service applies membership changes to teams.
type Service struct {
	store    repository.Store
	resolver AddressResolver
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service. resolver and notifier may be nil.
func New(store repository.Store, resolver AddressResolver, notifier Notifier, logger *slog.Logger) Service {
	return Service{store: store, resolver: resolver, notifier: notifier, logger: logger, now: time.Now}
}

// Overview is the active team as seen by one of its members.
type Overview struct {
	Team    domain.Team
	Role    domain.Role
	Members []domain.TeamMember
}

// InviteMember adds an address, or a name resolving to one, to the
// active team as a member.
func (s Service) InviteMember(ctx context.Context, sess session.Session, addressOrName string) (*domain.TeamMember, error) {
	if _, err := RequireElevated(ctx, s.store, sess); err != nil {
		return nil, err
	}
	address, err := s.resolveAddress(ctx, addressOrName)
	if err != nil {
		return nil, err
	}

	member := &domain.TeamMember{TeamID: sess.TeamID, UserID: address, Role: domain.RoleMember}
	err = s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if _, err := RequireElevated(ctx, q, sess); err != nil {
			return err
		}
		if _, err := findTeam(ctx, q, sess.TeamID); err != nil {
			return err
		}
		if err := q.EnsureUser(ctx, address); err != nil {
			return fmt.Errorf("ensure user: %w", err)
		}
		member.CreatedAt = s.now().UTC()
		if err := q.InsertMembership(ctx, member); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return domain.ErrAlreadyMember
			}
			return fmt.Errorf("insert membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("member invited", "team_id", sess.TeamID, "user_id", sess.UserID, "member_id", address)
	s.notify(sess.TeamID, ReasonMemberInvited)
	return member, nil
}

func (s Service) resolveAddress(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if ens.IsName(input) {
		if s.resolver == nil {
			return "", domain.ErrInvalidAddress
		}
		resolved, err := s.resolver.Resolve(ctx, input)
		if err != nil {
			s.logger.Warn("name resolution failed", "name", input, "error", err)
			return "", domain.ErrInvalidAddress
		}
		input = resolved
	}
	address, err := eth.ParseAddress(input)
	if err != nil {
		return "", domain.ErrInvalidAddress
	}
	return address, nil
}

// UpdateMember changes a member's role or removes them from the active
// team. The returned session is re-homed when callers remove themselves.
func (s Service) UpdateMember(ctx context.Context, sess session.Session, targetUserID string, action domain.MemberAction) (session.Session, error) {
	if checksummed, err := eth.ParseAddress(targetUserID); err == nil {
		targetUserID = checksummed
	}

	reason := ReasonMemberUpdated
	next := sess
	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		role, err := RequireElevated(ctx, q, sess)
		if err != nil {
			return err
		}
		team, err := findTeam(ctx, q, sess.TeamID)
		if err != nil {
			return err
		}
		target, err := q.FindMembership(ctx, targetUserID, sess.TeamID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.ErrMemberNotFound
			}
			return fmt.Errorf("load member: %w", err)
		}
		self := target.UserID == sess.UserID

		if target.Role == domain.RoleOwner {
			return errModifyOwner
		}
		if target.Role == domain.RoleAdmin && role != domain.RoleOwner && !self {
			return errModifyAdmin
		}

		switch action {
		case domain.MemberActionDelete:
			reason = ReasonMemberRemoved
			if err := q.DeleteMembership(ctx, sess.TeamID, target.UserID); err != nil {
				return fmt.Errorf("delete membership: %w", err)
			}
			if self {
				next, err = RehomeToPersonalTeam(ctx, q, sess)
				return err
			}
			return nil
		case domain.MemberActionOwner:
			if team.Personal() {
				return errTransferPersonal
			}
			if role != domain.RoleOwner {
				return domain.ErrForbidden
			}
			reason = ReasonOwnershipTransferred
			if err := q.DemoteOwner(ctx, sess.TeamID); err != nil {
				return fmt.Errorf("demote owner: %w", err)
			}
			if err := q.UpdateMembershipRole(ctx, sess.TeamID, target.UserID, domain.RoleOwner); err != nil {
				return fmt.Errorf("promote owner: %w", err)
			}
			return nil
		default:
			newRole, ok := action.Role()
			if !ok {
				return domain.ErrInvalidMemberRole
			}
			if err := q.UpdateMembershipRole(ctx, sess.TeamID, target.UserID, newRole); err != nil {
				return fmt.Errorf("update role: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return sess, err
	}
	s.logger.Info("member updated", "team_id", sess.TeamID, "user_id", sess.UserID, "member_id", targetUserID, "action", string(action))
	s.notify(sess.TeamID, reason)
	return next, nil
}

// UpdateTeamDetails renames the active team and sets its avatar.
func (s Service) UpdateTeamDetails(ctx context.Context, sess session.Session, name, avatarURL string) (*domain.Team, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	avatarURL = strings.TrimSpace(avatarURL)
	if err := validateAvatarURL(avatarURL); err != nil {
		return nil, err
	}

	var team *domain.Team
	err = s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if _, err := RequireElevated(ctx, q, sess); err != nil {
			return err
		}
		found, err := findTeam(ctx, q, sess.TeamID)
		if err != nil {
			return err
		}
		found.Name = name
		found.AvatarURL = avatarURL
		if err := q.UpdateTeam(ctx, found); err != nil {
			return fmt.Errorf("update team: %w", err)
		}
		team = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("team updated", "team_id", sess.TeamID, "user_id", sess.UserID)
	s.notify(sess.TeamID, ReasonTeamUpdated)
	return team, nil
}

// DeleteTeam removes the active organization team and re-homes the caller.
func (s Service) DeleteTeam(ctx context.Context, sess session.Session) (session.Session, error) {
	next := sess
	err := s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		role, err := RoleOf(ctx, q, sess)
		if err != nil {
			return err
		}
		team, err := findTeam(ctx, q, sess.TeamID)
		if err != nil {
			return err
		}
		if team.Personal() {
			return errDeletePersonal
		}
		if role != domain.RoleOwner {
			return domain.ErrForbidden
		}
		removed, err := q.DeleteMemberships(ctx, team.ID)
		if err != nil {
			return fmt.Errorf("delete memberships: %w", err)
		}
		if err := q.DeleteTeam(ctx, team.ID); err != nil {
			return fmt.Errorf("delete team: %w", err)
		}
		s.logger.Debug("team memberships removed", "team_id", team.ID, "count", removed)
		next, err = RehomeToPersonalTeam(ctx, q, sess)
		return err
	})
	if err != nil {
		return sess, err
	}
	s.logger.Info("team deleted", "team_id", sess.TeamID, "user_id", sess.UserID)
	s.notify(sess.TeamID, ReasonTeamDeleted)
	return next, nil
}

// RehomeToPersonalTeam points the session at the user's personal team.
// Without one, the team is cleared and the caller must log in again.
func RehomeToPersonalTeam(ctx context.Context, q repository.Queries, sess session.Session) (session.Session, error) {
	team, err := q.FindPersonalTeam(ctx, sess.UserID)
	switch {
	case err == nil:
		sess.TeamID = team.ID
	case errors.Is(err, repository.ErrNotFound):
		sess.TeamID = ""
	default:
		return sess, fmt.Errorf("load personal team: %w", err)
	}
	return sess, nil
}

// SwitchTeam makes teamID the active team if the caller belongs to it.
func (s Service) SwitchTeam(ctx context.Context, sess session.Session, teamID string) (session.Session, error) {
	if sess.UserID == "" {
		return sess, domain.ErrInvalidSession
	}
	target := session.Session{UserID: sess.UserID, TeamID: strings.TrimSpace(teamID)}
	if _, err := RoleOf(ctx, s.store, target); err != nil {
		return sess, err
	}
	sess.TeamID = target.TeamID
	return sess, nil
}

// CreateTeam creates an organization team owned by the caller and makes it active.
func (s Service) CreateTeam(ctx context.Context, sess session.Session, name string) (*domain.Team, session.Session, error) {
	if sess.UserID == "" {
		return nil, sess, domain.ErrInvalidSession
	}
	name, err := validateName(name)
	if err != nil {
		return nil, sess, err
	}
	now := s.now().UTC()
	team := &domain.Team{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      domain.TeamTypeOrganization,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.WithTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.InsertTeam(ctx, team); err != nil {
			return fmt.Errorf("insert team: %w", err)
		}
		owner := &domain.TeamMember{TeamID: team.ID, UserID: sess.UserID, Role: domain.RoleOwner, CreatedAt: now}
		if err := q.InsertMembership(ctx, owner); err != nil {
			return fmt.Errorf("insert owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, sess, err
	}
	s.logger.Info("team created", "team_id", team.ID, "user_id", sess.UserID)
	sess.TeamID = team.ID
	return team, sess, nil
}

// ListTeams returns every team the caller belongs to, personal team first.
func (s Service) ListTeams(ctx context.Context, sess session.Session) ([]domain.Membership, error) {
	if sess.UserID == "" {
		return nil, domain.ErrInvalidSession
	}
	teams, err := s.store.ListTeamsByUser(ctx, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	return teams, nil
}

// CallerRole returns the caller's role in the active team.
func (s Service) CallerRole(ctx context.Context, sess session.Session) (domain.Role, error) {
	return RoleOf(ctx, s.store, sess)
}

// Overview loads the active team, its members and the caller's role.
func (s Service) Overview(ctx context.Context, sess session.Session) (*Overview, error) {
	role, err := RoleOf(ctx, s.store, sess)
	if err != nil {
		return nil, err
	}
	team, err := findTeam(ctx, s.store, sess.TeamID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, team.ID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return &Overview{Team: *team, Role: role, Members: members}, nil
}

func (s Service) notify(teamID, reason string) {
	if s.notifier != nil {
		s.notifier.Revalidate(teamID, reason)
	}
}

func findTeam(ctx context.Context, q repository.Queries, teamID string) (*domain.Team, error) {
	team, err := q.FindTeam(ctx, teamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrTeamNotFound
		}
		return nil, fmt.Errorf("load team: %w", err)
	}
	return team, nil
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > domain.MaxTeamNameLength {
		return "", domain.ErrInvalidTeamName
	}
	return name, nil
}

func validateAvatarURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.ErrInvalidAvatarURL
	}
	return nil
}
