package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(EventJoins)
	m.Add(EventRelayed, 3)
	m.Inc(`odd"name\x`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE warpmesh_signaling_events_total counter",
		`warpmesh_signaling_events_total{event="joins"} 1`,
		`warpmesh_signaling_events_total{event="messages_relayed"} 3`,
		`warpmesh_signaling_events_total{event="odd\"name\\x"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(EventJoins)
	if got := m.Get(EventJoins); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
	if len(m.Snapshot()) != 0 {
		t.Fatalf("expected empty snapshot")
	}
}
