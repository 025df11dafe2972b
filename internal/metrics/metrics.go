package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Event names counted by the relay.
const (
	EventConnections      = "connections"
	EventDisconnections   = "disconnections"
	EventRoomsCreated     = "rooms_created"
	EventJoins            = "joins"
	EventJoinsRejected    = "joins_rejected_full"
	EventLeaves           = "leaves"
	EventRelayed          = "messages_relayed"
	EventDropTargetLeft   = "dropped_target_left"
	EventDropTargetAbsent = "dropped_target_unknown"
	EventDropSendBuffer   = "dropped_send_buffer_full"
	EventDropRateLimited  = "dropped_rate_limited"
	EventProtocolErrors   = "protocol_errors"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil *Metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}

// PrometheusHandler exposes the counters in Prometheus' text exposition
// format as a single metric with an `event` label.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"")

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP warpmesh_signaling_events_total Signaling relay event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE warpmesh_signaling_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "warpmesh_signaling_events_total{event=\"%s\"} %d\n", escaper.Replace(k), snap[k])
		}
	})
}
