package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/splax/teamgate/internal/domain"
	"github.com/splax/teamgate/internal/service/auth"
	"github.com/splax/teamgate/internal/session"
)

const maxVerifyBody = 16 << 10

func (r *Router) handleNonce(w http.ResponseWriter, req *http.Request) {
	sess, nonce, err := r.auth.IssueNonce(r.sessions.FromRequest(req))
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	if !r.persist(w, sess) {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(nonce))
}

func (r *Router) handleVerify(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		Message   string `json:"message"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxVerifyBody)).Decode(&payload); err != nil {
		r.recordLogin(domain.ErrMalformedMessage)
		if r.persist(w, session.Session{}) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return
	}

	next, err := r.auth.Verify(req.Context(), r.sessions.FromRequest(req), payload.Message, payload.Signature)
	r.recordLogin(err)
	if !r.persist(w, next) {
		return
	}
	if err != nil {
		writeDomainError(w, r.logger, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Router) handleGetSession(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, auth.PublicSession(r.sessions.FromRequest(req)))
}

func (r *Router) handleClearSession(w http.ResponseWriter, _ *http.Request) {
	if !r.persist(w, session.Session{}) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
