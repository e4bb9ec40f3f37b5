package httpapi

import (
	"net/http"
	"strings"

	"attend/cmd/internal/attendance"
)

// resolveLink backs the attendee form: it reports whether the link still works before anything is submitted.
func (h *handler) resolveLink(w http.ResponseWriter, r *http.Request) {
	link, err := h.svc.ResolveCheckInLink(r.Context(), sessionID(r), r.URL.Query().Get("t"))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": checkInLinkResponse{
		SessionID: link.SessionID,
		Name:      link.Name,
		Location:  link.Location,
		ExpiresAt: link.ExpiresAt,
		Sites:     link.Sites,
	}})
}

// checkIn is the public submission. A valid bearer JWT attaches the attendee's user id;
// anything else stays anonymous.
func (h *handler) checkIn(w http.ResponseWriter, r *http.Request) {
	var req publicCheckInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w, err)
		return
	}
	tok := strings.TrimSpace(req.Token)
	if tok == "" {
		tok = strings.TrimSpace(r.URL.Query().Get("t"))
	}

	a := attendance.Attendee{Name: req.Name, Email: req.Email, Location: req.Location}
	if p, ok := h.auth.Identity(r); ok {
		a.UserID = p.Subject
	}

	ci, err := h.svc.CheckIn(r.Context(), sessionID(r), tok, a)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"checkIn": toCheckInResponse(ci)})
}
