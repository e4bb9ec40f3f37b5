package httpapi

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"attend/cmd/internal/attendance"
	"attend/cmd/internal/auth"

	"github.com/go-chi/chi/v5"
)

func sessionID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "id"))
}

func operatorSubject(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return p.Subject
	}
	return ""
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var in attendance.CreateSessionInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeBadBody(w, err)
		return
	}
	in.CreatedBy = operatorSubject(r)

	sess, err := h.svc.CreateSession(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": h.toSessionResponse(sess, h.now())})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := attendance.ListSessionsInput{Status: q.Get("status")}
	if raw := q.Get("usable"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION", "usable must be a boolean")
			return
		}
		in.Usable = v
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION", "limit must be a non-negative integer")
			return
		}
		in.Limit = n
	}

	list, err := h.svc.ListSessions(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	now := h.now()
	items := make([]sessionResponse, 0, len(list))
	for _, s := range list {
		items = append(items, h.toSessionResponse(s, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	sess, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	n, err := h.svc.CountCheckIns(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	out := h.toSessionResponse(sess, h.now())
	out.CheckInCount = &n
	writeJSON(w, http.StatusOK, map[string]any{"session": out})
}

func (h *handler) updateNotes(w http.ResponseWriter, r *http.Request) {
	var req notesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadBody(w, err)
		return
	}
	sess, err := h.svc.UpdateNotes(r.Context(), sessionID(r), req.Notes)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": h.toSessionResponse(sess, h.now())})
}

func (h *handler) rotateToken(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.RotateToken(r.Context(), sessionID(r))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": h.toSessionResponse(sess, h.now())})
}

func (h *handler) closeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.CloseSession(r.Context(), sessionID(r))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": h.toSessionResponse(sess, h.now())})
}

func (h *handler) listCheckIns(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.ListCheckIns(r.Context(), sessionID(r))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	items := make([]checkInResponse, 0, len(list))
	for _, ci := range list {
		items = append(items, toCheckInResponse(ci))
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkIns": items, "count": len(items)})
}

func (h *handler) manualCheckIn(w http.ResponseWriter, r *http.Request) {
	var a attendance.Attendee
	if err := decodeJSON(w, r, &a); err != nil {
		writeBadBody(w, err)
		return
	}
	ci, err := h.svc.ManualCheckIn(r.Context(), sessionID(r), a, operatorSubject(r))
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"checkIn": toCheckInResponse(ci)})
}

func (h *handler) exportCheckIns(w http.ResponseWriter, r *http.Request) {
	id := sessionID(r)
	sess, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.log, err)
		return
	}

	name := attendance.ExportFilename(sess, h.now())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("Cache-Control", "no-store")

	cw := &countingWriter{w: w}
	if err := h.svc.ExportCheckIns(r.Context(), id, cw); err != nil {
		if cw.n == 0 {
			w.Header().Del("Content-Disposition")
			writeServiceError(w, r, h.log, err)
			return
		}
		// Headers are gone; the client sees a truncated body.
		h.log.Error("export.aborted", "session_id", id, "bytes", cw.n, "err", err)
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// listSites feeds the operator's create-session form.
func (h *handler) listSites(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sites": h.svc.Sites().All()})
}
