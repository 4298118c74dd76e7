package repository

import (
	"context"

	"github.com/splax/teamgate/internal/domain"
)

// UserRepository persists wallet accounts.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	// EnsureUser inserts the user row when absent.
	EnsureUser(ctx context.Context, id string) error
	// UpsertUserWithPersonalTeam creates the user and its personal team (with
	// an owner membership) unless they exist, returning the personal team id.
	UpsertUserWithPersonalTeam(ctx context.Context, userID string, team *domain.Team) (string, error)
}

// TeamRepository manages teams.
type TeamRepository interface {
	FindTeam(ctx context.Context, teamID string) (*domain.Team, error)
	FindPersonalTeam(ctx context.Context, userID string) (*domain.Team, error)
	ListTeamsByUser(ctx context.Context, userID string) ([]domain.Membership, error)
	InsertTeam(ctx context.Context, team *domain.Team) error
	UpdateTeam(ctx context.Context, team *domain.Team) error
	DeleteTeam(ctx context.Context, teamID string) error
}

// MembershipRepository manages team memberships.
type MembershipRepository interface {
	FindMembership(ctx context.Context, userID, teamID string) (*domain.TeamMember, error)
	ListMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error)
	// InsertMembership returns ErrConflict when the (user, team) pair exists.
	InsertMembership(ctx context.Context, member *domain.TeamMember) error
	UpdateMembershipRole(ctx context.Context, teamID, userID string, role domain.Role) error
	// DemoteOwner turns the team's current owner into an admin.
	DemoteOwner(ctx context.Context, teamID string) error
	DeleteMembership(ctx context.Context, teamID, userID string) error
	DeleteMemberships(ctx context.Context, teamID string) (int64, error)
	CountOwners(ctx context.Context, teamID string) (int, error)
}

// Queries is the full read/write surface, usable inside or outside a transaction.
type Queries interface {
	UserRepository
	TeamRepository
	MembershipRepository
}

// TxFunc runs inside a transaction. Returning an error rolls the transaction back.
type TxFunc func(ctx context.Context, q Queries) error

// Store is the membership store consumed by the services.
type Store interface {
	Queries
	// WithTx runs fn atomically. Implementations may retry fn on
	// serialization failures, so fn must not have side effects outside q.
	WithTx(ctx context.Context, fn TxFunc) error
	Ping(ctx context.Context) error
}
