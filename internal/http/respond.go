package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/splax/teamgate/internal/domain"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError renders a domain failure with its code. Anything else
// is logged and reported as an internal error.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, statusForError(de), map[string]string{"error": de.Message, "code": string(de.Code)})
}

func statusForError(de *domain.Error) int {
	switch de.Code {
	case domain.CodeMalformedMessage:
		return http.StatusBadRequest
	case domain.CodeInvalidNonce, domain.CodeInvalidSignature, domain.CodeExpiredMessage, domain.CodeInvalidDomain:
		return http.StatusUnprocessableEntity
	case domain.CodeInvalidSession:
		return http.StatusUnauthorized
	case domain.CodeForbidden, domain.CodeNotAMember:
		return http.StatusForbidden
	case domain.CodeMemberNotFound, domain.CodeTeamNotFound:
		return http.StatusNotFound
	case domain.CodeAlreadyMember:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
