package team

import (
	"context"
	"errors"
	"fmt"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/internal/repository"
	"github.com/splax/teamgate/internal/session"
)

// RoleOf loads the caller's role in the session's active team.
func RoleOf(ctx context.Context, q repository.Queries, sess session.Session) (domain.Role, error) {
	if sess.UserID == "" || sess.TeamID == "" {
		return "", domain.ErrNotAMember
	}
	member, err := q.FindMembership(ctx, sess.UserID, sess.TeamID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", domain.ErrNotAMember
		}
		return "", fmt.Errorf("load membership: %w", err)
	}
	return member.Role, nil
}

// RequireElevated fails with domain.ErrForbidden unless the caller is an
// owner or admin of the active team.
func RequireElevated(ctx context.Context, q repository.Queries, sess session.Session) (domain.Role, error) {
	role, err := RoleOf(ctx, q, sess)
	if err != nil {
		return "", err
	}
	if !role.Elevated() {
		return role, domain.ErrForbidden
	}
	return role, nil
}
