package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/internal/service/auth"
	"github.com/splax/teamgate/internal/session"
)

type teamView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	Role      string    `json:"role,omitempty"`
	Active    bool      `json:"active,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type memberView struct {
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

func toTeamView(t domain.Team) teamView {
	return teamView{
		ID:        t.ID,
		Name:      t.Name,
		Type:      string(t.Type),
		AvatarURL: t.AvatarURL,
		CreatedAt: t.CreatedAt.UTC(),
		UpdatedAt: t.UpdatedAt.UTC(),
	}
}

func toMemberView(m domain.TeamMember) memberView {
	return memberView{UserID: m.UserID, Role: string(m.Role), CreatedAt: m.CreatedAt.UTC()}
}

// mustSession returns the session installed by requireSession.
func (r *Router) mustSession(w http.ResponseWriter, req *http.Request) (session.Session, bool) {
	sess, ok := sessionFromContext(req.Context())
	if !ok {
		r.logger.Error("session context missing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "session context missing")
	}
	return sess, ok
}

func decodeJSON(w http.ResponseWriter, req *http.Request, dst any) bool {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) handleListTeams(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	memberships, err := r.team.ListTeams(req.Context(), sess)
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	out := make([]teamView, 0, len(memberships))
	for _, m := range memberships {
		view := toTeamView(m.Team)
		view.Role = string(m.Role)
		view.Active = m.Team.ID == sess.TeamID
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"teams": out})
}

func (r *Router) handleCreateTeam(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	var payload struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	created, next, err := r.team.CreateTeam(req.Context(), sess, payload.Name)
	r.recordTeamMutation("create_team", err)
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	if !r.persist(w, next) {
		return
	}
	view := toTeamView(*created)
	view.Role = string(domain.RoleOwner)
	view.Active = true
	writeJSON(w, http.StatusCreated, view)
}

func (r *Router) handleSwitchTeam(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	var payload struct {
		TeamID string `json:"teamId"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	next, err := r.team.SwitchTeam(req.Context(), sess, payload.TeamID)
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	if !r.persist(w, next) {
		return
	}
	writeJSON(w, http.StatusOK, auth.PublicSession(next))
}

func (r *Router) handleTeamOverview(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	overview, err := r.team.Overview(req.Context(), sess)
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	members := make([]memberView, 0, len(overview.Members))
	for _, m := range overview.Members {
		members = append(members, toMemberView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"team":    toTeamView(overview.Team),
		"role":    string(overview.Role),
		"members": members,
	})
}

func (r *Router) handleUpdateTeam(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	var payload struct {
		Name      string `json:"name"`
		AvatarURL string `json:"avatarUrl"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	updated, err := r.team.UpdateTeamDetails(req.Context(), sess, payload.Name, payload.AvatarURL)
	r.recordTeamMutation("update_team", err)
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTeamView(*updated))
}

func (r *Router) handleDeleteTeam(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	next, err := r.team.DeleteTeam(req.Context(), sess)
	r.recordTeamMutation("delete_team", err)
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	if !r.persist(w, next) {
		return
	}
	writeJSON(w, http.StatusOK, auth.PublicSession(next))
}

func (r *Router) handleInviteMember(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	var payload struct {
		Address string `json:"address"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	member, err := r.team.InviteMember(req.Context(), sess, payload.Address)
	r.recordTeamMutation("invite", err)
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberView(*member))
}

func (r *Router) handleUpdateMember(w http.ResponseWriter, req *http.Request) {
	sess, ok := r.mustSession(w, req)
	if !ok {
		return
	}
	var payload struct {
		Action string `json:"action"`
	}
	if !decodeJSON(w, req, &payload) {
		return
	}
	action, err := domain.ParseMemberAction(payload.Action)
	if err != nil {
		writeDomainError(w, r.logger, domain.ErrInvalidMemberRole)
		return
	}
	next, err := r.team.UpdateMember(req.Context(), sess, mux.Vars(req)["userId"], action)
	r.recordTeamMutation("member_"+string(action), err)
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	if next != sess && !r.persist(w, next) {
		return
	}
	writeJSON(w, http.StatusOK, auth.PublicSession(next))
}
