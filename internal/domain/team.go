package domain

import (
	"fmt"
	"strings"
	"time"
)

// TeamType distinguishes the per-user personal team from shared teams.
type TeamType string

const (
	TeamTypePersonal     TeamType = "personal"
	TeamTypeOrganization TeamType = "organization"
)

// PersonalTeamName is the display name given to newly created personal teams.
const PersonalTeamName = "Personal Team"

// MaxTeamNameLength bounds team display names.
const MaxTeamNameLength = 255

// Team represents a collaborative group.
type Team struct {
	ID        string
	Name      string
	Type      TeamType
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Personal reports whether the team is a user's personal team.
func (t Team) Personal() bool {
	return t.Type == TeamTypePersonal
}

// Role is a member's standing within a team.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Elevated reports whether the role may perform team management mutations.
func (r Role) Elevated() bool {
	return r == RoleOwner || r == RoleAdmin
}

// TeamMember links a user to a team with a role.
type TeamMember struct {
	TeamID    string
	UserID    string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Membership pairs a team with the viewing user's role in it.
type Membership struct {
	Team Team
	Role Role
}

// MemberAction is the set of changes an elevated member can apply to another member.
type MemberAction string

const (
	MemberActionOwner  MemberAction = "owner"
	MemberActionAdmin  MemberAction = "admin"
	MemberActionMember MemberAction = "member"
	MemberActionDelete MemberAction = "delete"
)

// ParseMemberAction validates a textual member action.
func ParseMemberAction(value string) (MemberAction, error) {
	action := MemberAction(strings.ToLower(strings.TrimSpace(value)))
	switch action {
	case MemberActionOwner, MemberActionAdmin, MemberActionMember, MemberActionDelete:
		return action, nil
	}
	return "", fmt.Errorf("unknown member action %q", value)
}

// Role returns the role an action assigns. Delete has no role.
func (a MemberAction) Role() (Role, bool) {
	switch a {
	case MemberActionOwner:
		return RoleOwner, true
	case MemberActionAdmin:
		return RoleAdmin, true
	case MemberActionMember:
		return RoleMember, true
	}
	return "", false
}
