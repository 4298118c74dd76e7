package httpx

import (
	"context"
	"net/http"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/internal/session"
)

type sessionContextKey string

const contextKeySession sessionContextKey = "teamgate-session"

type contextSetter interface {
	SetContext(context.Context)
}

// requireSession rejects requests without a readable, logged-in session
// before invoking the handler.
func (r *Router) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		sess, err := r.sessions.FromRequestStrict(req)
		if err == nil && !sess.Authenticated() {
			err = domain.ErrInvalidSession
		}
		if err != nil {
			r.logger.Warn("session required", "error", err, "path", req.URL.Path)
			writeDomainError(w, r.logger, domain.ErrInvalidSession)
			return
		}
		ctx := context.WithValue(req.Context(), contextKeySession, sess)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// sessionFromContext extracts the session stored by requireSession.
func sessionFromContext(ctx context.Context) (session.Session, bool) {
	sess, ok := ctx.Value(contextKeySession).(session.Session)
	return sess, ok
}

// persist writes sess to the response cookie, reporting failures as 500s.
func (r *Router) persist(w http.ResponseWriter, sess session.Session) bool {
	if err := r.sessions.Persist(w, sess); err != nil {
		r.logger.Error("persist session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return false
	}
	return true
}
