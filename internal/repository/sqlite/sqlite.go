// Package sqlite implements the membership store on an embedded SQLite
// database. It backs local development and the test suites.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	modsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/internal/repository"
)

const pragmas = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// Store implements repository.Store on SQLite.
type Store struct {
	queries
	db *sqlx.DB
}

var (
	_ repository.Store   = (*Store)(nil)
	_ repository.Queries = queries{}
)

// Open connects to the database file at path and applies the schema.
// A single connection is used so transactions are serialized.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimPrefix(path, "sqlite://")
	if path == "" {
		return nil, errors.New("empty sqlite path")
	}
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&" + pragmas
	} else {
		dsn += "?" + pragmas
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{queries: queries{h: db}, db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, fn repository.TxFunc) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, queries{h: tx}); err != nil {
		return rollback(tx, err)
	}
	if err := tx.Commit(); err != nil {
		// The driver rolls back on context cancellation, leaving Commit
		// with ErrTxDone; nothing was written.
		if errors.Is(err, sql.ErrTxDone) && ctx.Err() != nil {
			return fmt.Errorf("commit transaction: %w", ctx.Err())
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func rollback(tx *sqlx.Tx, err error) error {
	if rerr := tx.Rollback(); rerr != nil {
		if errors.Is(rerr, sql.ErrTxDone) {
			return err
		}
		return fmt.Errorf("rollback: %s: %w", err.Error(), rerr)
	}
	return err
}

// mapWriteError maps driver constraint errors to repository errors.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var liteErr *modsqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return repository.ErrConflict
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return repository.ErrNotFound
		}
	}
	return err
}

type queries struct {
	h sqlx.ExtContext
}

type userRow struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type teamRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Type      string    `db:"type"`
	AvatarURL string    `db:"avatar_url"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
	Role      string    `db:"role"`
}

func (r teamRow) team() *domain.Team {
	return &domain.Team{
		ID:        r.ID,
		Name:      r.Name,
		Type:      domain.TeamType(r.Type),
		AvatarURL: r.AvatarURL,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type memberRow struct {
	TeamID    string    `db:"team_id"`
	UserID    string    `db:"user_id"`
	Role      string    `db:"role"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r memberRow) member() domain.TeamMember {
	return domain.TeamMember{
		TeamID:    r.TeamID,
		UserID:    r.UserID,
		Role:      domain.Role(r.Role),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

const teamColumns = `id, name, type, COALESCE(avatar_url, '') AS avatar_url, created_at, updated_at`

func now() time.Time {
	return time.Now().UTC()
}

// GetUserByID retrieves a user by address.
func (q queries) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var row userRow
	if err := sqlx.GetContext(ctx, q.h, &row, `SELECT id, created_at, updated_at FROM users WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &domain.User{ID: row.ID, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt}, nil
}

// EnsureUser inserts a user row if it does not exist.
func (q queries) EnsureUser(ctx context.Context, id string) error {
	ts := now()
	_, err := q.h.ExecContext(ctx, `INSERT INTO users (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING`, id, ts, ts)
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
	if _, err := q.h.ExecContext(ctx, `INSERT INTO teams (id, name, type, avatar_url, personal_owner_id, created_at, updated_at)
		VALUES (?, ?, 'personal', NULL, ?, ?, ?)`, team.ID, team.Name, userID, team.CreatedAt, team.CreatedAt); err != nil {
		return "", mapWriteError(err)
	}
	member := &domain.TeamMember{
		TeamID:    team.ID,
		UserID:    userID,
		Role:      domain.RoleOwner,
		CreatedAt: team.CreatedAt,
	}
	if err := q.InsertMembership(ctx, member); err != nil {
		return "", fmt.Errorf("insert owner membership: %w", err)
	}
	return team.ID, nil
}

// FindTeam returns a team by identifier.
func (q queries) FindTeam(ctx context.Context, teamID string) (*domain.Team, error) {
	return q.getTeam(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = ?`, teamID)
}

// FindPersonalTeam returns the user's personal team.
func (q queries) FindPersonalTeam(ctx context.Context, userID string) (*domain.Team, error) {
	return q.getTeam(ctx, `SELECT `+teamColumns+` FROM teams WHERE personal_owner_id = ? AND type = 'personal'`, userID)
}

func (q queries) getTeam(ctx context.Context, query string, args ...any) (*domain.Team, error) {
	var row teamRow
	if err := sqlx.GetContext(ctx, q.h, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return row.team(), nil
}

// ListTeamsByUser returns teams the user belongs to along with their role.
func (q queries) ListTeamsByUser(ctx context.Context, userID string) ([]domain.Membership, error) {
	var rows []teamRow
	err := sqlx.SelectContext(ctx, q.h, &rows, `
		SELECT
		  t.id, t.name, t.type, COALESCE(t.avatar_url, '') AS avatar_url, t.created_at, t.updated_at, tm.role
		FROM
		  teams t
		  JOIN team_members tm ON tm.team_id = t.id
		WHERE
		  tm.user_id = ?
		ORDER BY (t.type = 'personal') DESC, t.created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	memberships := make([]domain.Membership, 0, len(rows))
	for _, row := range rows {
		memberships = append(memberships, domain.Membership{Team: *row.team(), Role: domain.Role(row.Role)})
	}
	return memberships, nil
}

// InsertTeam creates an organization team record.
func (q queries) InsertTeam(ctx context.Context, team *domain.Team) error {
	if team == nil {
		return fmt.Errorf("team required")
	}
	if team.Type == domain.TeamTypePersonal {
		return fmt.Errorf("personal teams are created with their owner")
	}
	_, err := q.h.ExecContext(ctx, `INSERT INTO teams (id, name, type, avatar_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, team.ID, team.Name, string(team.Type), emptyToNil(team.AvatarURL), team.CreatedAt, team.CreatedAt)
	return mapWriteError(err)
}

// UpdateTeam overwrites mutable team fields.
func (q queries) UpdateTeam(ctx context.Context, team *domain.Team) error {
	if team == nil {
		return fmt.Errorf("team required")
	}
	ts := now()
	res, err := q.h.ExecContext(ctx, `UPDATE teams SET name = ?, avatar_url = ?, updated_at = ? WHERE id = ?`,
		team.Name, emptyToNil(team.AvatarURL), ts, team.ID)
	if err != nil {
		return mapWriteError(err)
	}
	if err := expectRows(res); err != nil {
		return err
	}
	team.UpdatedAt = ts
	return nil
}

// DeleteTeam removes a team row.
func (q queries) DeleteTeam(ctx context.Context, teamID string) error {
	res, err := q.h.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, teamID)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// FindMembership loads the membership row for (user, team).
func (q queries) FindMembership(ctx context.Context, userID, teamID string) (*domain.TeamMember, error) {
	var row memberRow
	err := sqlx.GetContext(ctx, q.h, &row, `SELECT team_id, user_id, role, created_at, updated_at
		FROM team_members WHERE user_id = ? AND team_id = ?`, userID, teamID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	m := row.member()
	return &m, nil
}

// ListMembers returns the team's members, owner first.
func (q queries) ListMembers(ctx context.Context, teamID string) ([]domain.TeamMember, error) {
	var rows []memberRow
	err := sqlx.SelectContext(ctx, q.h, &rows, `SELECT team_id, user_id, role, created_at, updated_at
		FROM team_members WHERE team_id = ?
		ORDER BY CASE role WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 ELSE 2 END, created_at ASC`, teamID)
	if err != nil {
		return nil, err
	}
	members := make([]domain.TeamMember, 0, len(rows))
	for _, row := range rows {
		members = append(members, row.member())
	}
	return members, nil
}

// InsertMembership adds a member to a team.
func (q queries) InsertMembership(ctx context.Context, member *domain.TeamMember) error {
	if member == nil {
		return fmt.Errorf("member required")
	}
	created := member.CreatedAt
	if created.IsZero() {
		created = now()
	}
	_, err := q.h.ExecContext(ctx, `INSERT INTO team_members (team_id, user_id, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`, member.TeamID, member.UserID, string(member.Role), created, created)
	return mapWriteError(err)
}

// UpdateMembershipRole overwrites a member's role.
func (q queries) UpdateMembershipRole(ctx context.Context, teamID, userID string, role domain.Role) error {
	res, err := q.h.ExecContext(ctx, `UPDATE team_members SET role = ?, updated_at = ? WHERE team_id = ? AND user_id = ?`,
		string(role), now(), teamID, userID)
	if err != nil {
		return mapWriteError(err)
	}
	return expectRows(res)
}

// DemoteOwner turns the current owner of the team into an admin.
func (q queries) DemoteOwner(ctx context.Context, teamID string) error {
	_, err := q.h.ExecContext(ctx, `UPDATE team_members SET role = 'admin', updated_at = ? WHERE team_id = ? AND role = 'owner'`,
		now(), teamID)
	return err
}

// DeleteMembership removes a single membership.
func (q queries) DeleteMembership(ctx context.Context, teamID, userID string) error {
	res, err := q.h.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = ? AND user_id = ?`, teamID, userID)
	if err != nil {
		return err
	}
	return expectRows(res)
}

// DeleteMemberships removes every membership of a team.
func (q queries) DeleteMemberships(ctx context.Context, teamID string) (int64, error) {
	res, err := q.h.ExecContext(ctx, `DELETE FROM team_members WHERE team_id = ?`, teamID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountOwners counts owner memberships of a team.
func (q queries) CountOwners(ctx context.Context, teamID string) (int, error) {
	var count int
	if err := sqlx.GetContext(ctx, q.h, &count, `SELECT COUNT(1) FROM team_members WHERE team_id = ? AND role = 'owner'`, teamID); err != nil {
		return 0, err
	}
	return count, nil
}

func expectRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func emptyToNil(value string) any {
	if value == "" {
		return nil
	}
	return value
}
