package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/internal/repository"
)

const (
	txMaxRetries = 5
	txRetryBase  = 10 * time.Millisecond

	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements the membership store on PostgreSQL.
type Repository struct {
	queries
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{queries: queries{db: pool}, pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.Store   = (*Repository)(nil)
	_ repository.Queries = queries{}
)

// WithTx runs fn inside a SERIALIZABLE transaction, retrying the whole
// closure when PostgreSQL reports a serialization failure or deadlock.
func (r *Repository) WithTx(ctx context.Context, fn repository.TxFunc) error {
	return retrySerializable(ctx, func(ctx context.Context) error {
		return r.runTx(ctx, fn)
	})
}

func retrySerializable(ctx context.Context, attempt func(context.Context) error) error {
	backoff := retry.WithMaxRetries(txMaxRetries, retry.NewExponential(txRetryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := attempt(ctx)
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (r *Repository) runTx(ctx context.Context, fn repository.TxFunc) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, queries{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return repository.ErrConflict
		case codeForeignKeyViolation:
			return repository.ErrNotFound
		}
	}
	return err
}

type queries struct {
	db dbtx
}

const teamColumns = `id, name, type, COALESCE(avatar_url, ''), created_at, updated_at`

// GetUserByID retrieves a user by address.
func (q queries) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, created_at, updated_at FROM users WHERE id = $1`
	var u domain.User
	if err := q.db.QueryRow(ctx, query, id).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// EnsureUser inserts a user row if it does not exist.
func (q queries) EnsureUser(ctx context.Context, id string) error {
	const query = `INSERT INTO users (id, created_at, updated_at) VALUES ($1, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING`
	_, err := q.db.Exec(ctx, query, id)
	return err
}

// UpsertUserWithPersonalTeam creates the user, its personal team and the owner membership when missing.
func (q queries) UpsertUserWithPersonalTeam(ctx context.Context, userID string, team *domain.Team) (string, error) {
	if team == nil {
		return "", fmt.Errorf("personal team required")
	}
	if err := q.EnsureUser(ctx, userID); err != nil {
		return "", fmt.Errorf("ensure user: %w", err)
	}
	existing, err := q.FindPersonalTeam(ctx, userID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return "", err
	}

	const insertTeam = `INSERT INTO teams (id, name, type, avatar_url, personal_owner_id, created_at, updated_at)
		VALUES ($1, $2, 'personal', NULL, $3, $4, $4)
		ON CONFLICT (personal_owner_id) DO NOTHING
		RETURNING id`
	var teamID string
	err = q.db.QueryRow(ctx, insertTeam, team.ID, team.Name, userID, team.CreatedAt).Scan(&teamID)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := q.FindPersonalTeam(ctx, userID)
		if err != nil {
			return "", err
		}
		return existing.ID, nil
	}
	if err != nil {
		return "", mapWriteError(err)
	}
	member := &domain.TeamMember{
		TeamID:    teamID,
		UserID:    userID,
		Role:      domain.RoleOwner,
		CreatedAt: team.CreatedAt,
		UpdatedAt: team.CreatedAt,
	}
	if err := q.InsertMembership(ctx, member); err != nil {
		return "", fmt.Errorf("insert owner membership: %w", err)
	}
	return teamID, nil
}

// FindTeam returns a team by identifier.
func (q queries) FindTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE id = $1`
	return scanTeam(q.db.QueryRow(ctx, query, teamID))
}

// FindPersonalTeam returns the user's personal team.
func (q queries) FindPersonalTeam(ctx context.Context, userID string) (*domain.Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams WHERE personal_owner_id = $1 AND type = 'personal'`
	return scanTeam(q.db.QueryRow(ctx, query, userID))
}

// ListTeamsByUser returns teams the user belongs to along with their role.
func (q queries) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Membership, error) {
	const query = `SELECT t.id, t.name, t.type, COALESCE(t.avatar_url, ''), t.created_at, t.updated_at, tm.role
		FROM teams t
		INNER JOIN team_members tm ON tm.team_id = t.id
		WHERE tm.user_id = $1
		ORDER BY (t.type = 'personal') DESC, t.created_at ASC`
	rows, err := q.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	memberships := make([]domain.Membership, 0)
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.Team.ID, &m.Team.Name, &m.Team.Type, &m.Team.AvatarURL, &m.Team.CreatedAt, &m.Team.UpdatedAt, &m.Role); err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

// InsertTeam creates an organization team record.
func (q queries) InsertTeam(ctx context.Context, team *domain.Team) error {
	if team == nil {
		return fmt.Errorf("team required")
	}
	if team.Type == domain.TeamTypePersonal {
		return fmt.Errorf("personal teams are created with their owner")
	}
	const query = `INSERT INTO teams (id, name, type, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`
	_, err := q.db.Exec(ctx, query, team.ID, team.Name, string(team.Type), emptyToNil(team.AvatarURL), team.CreatedAt)
	return mapWriteError(err)
}

// UpdateTeam overwrites mutable team fields.
func (q queries) UpdateTeam(ctx context.Context, team *domain.Team) error {
	if team == nil {
		return fmt.Errorf("team required")
	}
	const query = `UPDATE teams SET name = $2, avatar_url = $3, updated_at = NOW()
		WHERE id = $1 RETURNING updated_at`
	if err := q.db.QueryRow(ctx, query, team.ID, team.Name, emptyToNil(team.AvatarURL)).Scan(&team.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	return nil
}

// DeleteTeam removes a team row.
func (q queries) DeleteTeam(ctx context.Context, teamID string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM teams WHERE id = $1`, teamID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FindMembership loads the membership row for (user, team).
func (q queries) FindMembership(ctx context.Context, userID, teamID string) (*domain.TeamMember, error) {
	const query = `SELECT team_id, user_id, role, created_at, updated_at
		FROM team_members WHERE user_id = $1 AND team_id = $2`
	var m domain.TeamMember
	if err := q.db.QueryRow(ctx, query, userID, teamID).Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// ListMembers returns the team's members, owner first.
func (q queries) ListMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	const query = `SELECT team_id, user_id, role, created_at, updated_at
		FROM team_members WHERE team_id = $1
		ORDER BY CASE role WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 ELSE 2 END, created_at ASC`
	rows, err := q.db.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]domain.TeamMember, 0)
	for rows.Next() {
		var m domain.TeamMember
		if err := rows.Scan(&m.TeamID, &m.UserID, &m.Role, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// InsertMembership adds a member to a team.
func (q queries) InsertMembership(ctx context.Context, member *domain.TeamMember) error {
	if member == nil {
		return fmt.Errorf("member required")
	}
	const query = `INSERT INTO team_members (team_id, user_id, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`
	_, err := q.db.Exec(ctx, query, member.TeamID, member.UserID, string(member.Role), member.CreatedAt)
	return mapWriteError(err)
}

// UpdateMembershipRole overwrites a member's role.
func (q queries) UpdateMembershipRole(ctx context.Context, teamID, userID string, role domain.Role) error {
	const query = `UPDATE team_members SET role = $3, updated_at = NOW() WHERE team_id = $1 AND user_id = $2`
	tag, err := q.db.Exec(ctx, query, teamID, userID, string(role))
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DemoteOwner turns the current owner of the team into an admin.
func (q queries) DemoteOwner(ctx context.Context, teamID string) error {
	const query = `UPDATE team_members SET role = 'admin', updated_at = NOW() WHERE team_id = $1 AND role = 'owner'`
	_, err := q.db.Exec(ctx, query, teamID)
	return err
}

// DeleteMembership removes a single membership.
func (q queries) DeleteMembership(ctx context.Context, teamID, userID string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM team_members WHERE team_id = $1 AND user_id = $2`, teamID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteMemberships removes every membership of a team.
func (q queries) DeleteMemberships(ctx context.Context, teamID string) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM team_members WHERE team_id = $1`, teamID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountOwners counts owner memberships of a team.
func (q queries) CountOwners(ctx context.Context, teamID string) (int, error) {
	const query = `SELECT COUNT(1) FROM team_members WHERE team_id = $1 AND role = 'owner'`
	var count int
	if err := q.db.QueryRow(ctx, query, teamID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func scanTeam(row pgx.Row) (*domain.Team, error) {
	var team domain.Team
	if err := row.Scan(&team.ID, &team.Name, &team.Type, &team.AvatarURL, &team.CreatedAt, &team.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &team, nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
