package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"attend/cmd/internal/attendance"
	"attend/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ attendance.Observer = (*Metrics)(nil)
	_ realtime.Observer   = (*Metrics)(nil)
)

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()
	m.SessionCreated()
	m.SessionRotated()
	m.SessionRotated()
	m.CheckInAccepted(attendance.SourceQR)
	m.CheckInRejected("TOKEN_INVALID")
	m.SubscriberJoined()
	m.SubscriberJoined()
	m.SubscriberLeft()
	m.BroadcastDropped(3)

	if got := testutil.ToFloat64(m.sessions.WithLabelValues("rotated")); got != 2 {
		t.Fatalf("rotated=%v", got)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("TOKEN_INVALID")); got != 1 {
		t.Fatalf("rejected=%v", got)
	}
	if got := testutil.ToFloat64(m.subs); got != 1 {
		t.Fatalf("subscribers=%v", got)
	}
	if got := testutil.ToFloat64(m.dropped); got != 3 {
		t.Fatalf("dropped=%v", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.CheckInAccepted(attendance.SourceManual)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `attend_checkins_accepted_total{source="manual"} 1`) {
		t.Fatalf("exposition missing counter:\n%s", body)
	}
}
