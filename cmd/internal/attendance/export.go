package attendance

import (
	"context"
	"encoding/csv"
	"io"
	"strings"
	"time"
	"unicode"
)

// ExportHeader is the fixed CSV header row.
var ExportHeader = []string{"name", "email", "location", "checkedInAt"}

const exportFlushEvery = 256

// ExportCheckIns streams the session's check-ins as CSV in chronological order.
// Unknown sessions fail before anything is written.
func (s *Service) ExportCheckIns(ctx context.Context, id string, w io.Writer) error {
	id = strings.TrimSpace(id)
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}

	n := 0
	err := s.store.StreamCheckIns(ctx, id, func(ci CheckIn) error {
		if err := cw.Write(exportRow(ci)); err != nil {
			return err
		}
		n++
		if n%exportFlushEvery == 0 {
			cw.Flush()
			return cw.Error()
		}
		return nil
	})
	if err != nil {
		return err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	s.log.Info("session.exported", "session_id", id, "rows", n)
	return nil
}

func exportRow(ci CheckIn) []string {
	email := ""
	if ci.Email != nil {
		email = *ci.Email
	}
	return []string{csvSafe(ci.Name), csvSafe(email), ci.Location, ci.CheckedInAt.UTC().Format(time.RFC3339)}
}

// csvSafe keeps spreadsheets from evaluating attendee-supplied text: a cell that
// starts with a formula trigger gets a leading apostrophe.
func csvSafe(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}

// ExportFilename names the download: <slug(name)>-attendance-<YYYY-MM-DD>.csv.
func ExportFilename(sess Session, now time.Time) string {
	slug := slugify(sess.Name)
	if slug == "" {
		slug = "session"
	}
	return slug + "-attendance-" + now.UTC().Format("2006-01-02") + ".csv"
}

func slugify(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
