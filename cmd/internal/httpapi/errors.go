package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"attend/cmd/internal/attendance"
)

// messageFor returns the attendee-facing wording for code. Operators see the same text.
func messageFor(code string) string {
	switch code {
	case "NOT_FOUND", string(attendance.ReasonSessionNotFound):
		return "session not found"
	case string(attendance.ReasonSessionExpired):
		return "this link has expired"
	case string(attendance.ReasonSessionClosed):
		return "this session has been closed"
	case string(attendance.ReasonTokenInvalid):
		return "this link is no longer valid"
	case "VALIDATION":
		return "invalid input"
	case "STORAGE_FAILURE":
		return "service temporarily unavailable"
	default:
		return "internal error"
	}
}

func statusFor(code string) int {
	switch code {
	case "NOT_FOUND", string(attendance.ReasonSessionNotFound):
		return http.StatusNotFound
	case "VALIDATION":
		return http.StatusBadRequest
	case string(attendance.ReasonSessionClosed), string(attendance.ReasonSessionExpired):
		return http.StatusGone
	case string(attendance.ReasonTokenInvalid):
		return http.StatusForbidden
	case "STORAGE_FAILURE":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps a service error onto the HTTP error body.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	code := attendance.Code(err)
	status := statusFor(code)

	body := apiError{Code: code, Message: messageFor(code)}
	var verr *attendance.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}

	if status >= http.StatusInternalServerError {
		log.Error("http.error", "path", r.URL.Path, "code", code, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func writeBadBody(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "VALIDATION", err.Error())
}
