package attendance

import (
	"bytes"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExportCheckIns_RoundTripOrderedAndScoped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a := f.mustCreate(t, "Export A")
	b := f.mustCreate(t, "Export B")

	names := []string{"Alice", "Bob", "Carol"}
	for i, name := range names {
		f.clock.Set(testStart.Add(time.Duration(i+1) * time.Minute))
		if _, err := f.svc.CheckIn(t.Context(), a.ID, a.CurrentToken, Attendee{Name: name, Email: name + "@example.com"}); err != nil {
			t.Fatalf("check-in %s: %v", name, err)
		}
		if _, err := f.svc.CheckIn(t.Context(), b.ID, b.CurrentToken, Attendee{Name: "Other " + name}); err != nil {
			t.Fatalf("check-in other: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := f.svc.ExportCheckIns(t.Context(), a.ID, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != len(names)+1 {
		t.Fatalf("rows=%d want %d", len(rows), len(names)+1)
	}
	for i, h := range ExportHeader {
		if rows[0][i] != h {
			t.Fatalf("header=%v", rows[0])
		}
	}
	for i, name := range names {
		row := rows[i+1]
		wantAt := testStart.Add(time.Duration(i+1) * time.Minute).Format(time.RFC3339)
		if row[0] != name || row[1] != strings.ToLower(name)+"@example.com" || row[2] != "HQ" || row[3] != wantAt {
			t.Fatalf("row %d=%v", i, row)
		}
	}
}

func TestExportCheckIns_EmptySessionHasHeaderOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.mustCreate(t, "Empty")

	var buf bytes.Buffer
	if err := f.svc.ExportCheckIns(t.Context(), s.ID, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	if got := buf.String(); got != "name,email,location,checkedInAt\n" {
		t.Fatalf("csv=%q", got)
	}
}

func TestExportCheckIns_UnknownSessionWritesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	var buf bytes.Buffer
	err := f.svc.ExportCheckIns(t.Context(), "missing", &buf)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("wrote %d bytes for unknown session", buf.Len())
	}
}

func TestExportFilename(t *testing.T) {
	t.Parallel()

	day := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	cases := []struct {
		name string
		want string
	}{
		{name: "Safety Briefing", want: "safety-briefing-attendance-2026-03-02.csv"},
		{name: "  Q1 // All-Hands!! ", want: "q1-all-hands-attendance-2026-03-02.csv"},
		{name: "Réunion", want: "r-union-attendance-2026-03-02.csv"},
		{name: "***", want: "session-attendance-2026-03-02.csv"},
	}
	for _, tc := range cases {
		if got := ExportFilename(Session{Name: tc.name}, day); got != tc.want {
			t.Fatalf("ExportFilename(%q)=%q want %q", tc.name, got, tc.want)
		}
	}
}

func TestExportCheckIns_NeutralisesFormulaCells(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.mustCreate(t, "Formulas")

	names := []string{`=HYPERLINK("https://evil.example.com","x")`, "@SUM(A1:A9)", "Jane Doe"}
	for i, name := range names {
		f.clock.Set(testStart.Add(time.Duration(i+1) * time.Minute))
		if _, err := f.svc.CheckIn(t.Context(), s.ID, s.CurrentToken, Attendee{Name: name}); err != nil {
			t.Fatalf("check-in %q: %v", name, err)
		}
	}

	var buf bytes.Buffer
	if err := f.svc.ExportCheckIns(t.Context(), s.ID, &buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	want := []string{`'=HYPERLINK("https://evil.example.com","x")`, "'@SUM(A1:A9)", "Jane Doe"}
	for i, w := range want {
		if rows[i+1][0] != w {
			t.Fatalf("row %d name=%q want %q", i, rows[i+1][0], w)
		}
	}
}

func TestCSVSafe(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"", ""},
		{"Jane Doe", "Jane Doe"},
		{"=1+1", "'=1+1"},
		{"+31 6 1234", "'+31 6 1234"},
		{"-2", "'-2"},
		{"@cmd", "'@cmd"},
		{"\tx", "'\tx"},
		{"jane+tag@example.com", "jane+tag@example.com"},
	}
	for _, tc := range cases {
		if got := csvSafe(tc.in); got != tc.want {
			t.Fatalf("csvSafe(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
