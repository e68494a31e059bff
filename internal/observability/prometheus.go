package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/sevenDatabase/SevenFlow/internal/delivery"
)

// customCollectors contains callbacks that return fully formatted Prometheus metric lines.
// Other packages can register lightweight metrics without introducing dependencies here.
var customCollectors []func() []string

// RegisterCustomCollector adds a collector function whose returned lines will be emitted on /metrics.
func RegisterCustomCollector(f func() []string) {
	customCollectors = append(customCollectors, f)
}

// SetupPrometheus registers a minimal Prometheus-compatible text endpoint at /metrics.
// This avoids pulling external dependencies while remaining scrape-friendly.
func SetupPrometheus(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		// Aggregate under stream="all"
		writeSnapshot(w, "all", delivery.Metrics.Snapshot())
		// Per-stream breakdown
		snaps := delivery.Metrics.StreamSnapshots()
		// Stable iteration order for readability
		keys := make([]string, 0, len(snaps))
		for k := range snaps {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, s := range keys {
			writeSnapshot(w, s, snaps[s])
		}

		// Emit custom registered metrics
		for _, f := range customCollectors {
			if f == nil {
				continue
			}
			for _, line := range f() {
				if line == "" {
					continue
				}
				fmt.Fprintln(w, line)
			}
		}
	})
}

func writeSnapshot(w http.ResponseWriter, stream string, snap map[string]interface{}) {
	// Helper to read numeric types
	f := func(k string) float64 {
		if v, ok := snap[k]; ok {
			switch t := v.(type) {
			case int64:
				return float64(t)
			case int:
				return float64(t)
			case float64:
				return t
			case uint64:
				return float64(t)
			case uint:
				return float64(t)
			}
		}
		return 0
	}
	label := fmt.Sprintf("{stream=\"%s\"}", escapeLabel(stream))
	fmt.Fprintf(w, "sevenflow_delivery_unconfirmed%s %v\n", label, f("unconfirmed"))
	fmt.Fprintf(w, "sevenflow_delivery_buffered%s %v\n", label, f("buffered"))
	fmt.Fprintf(w, "sevenflow_delivery_workers%s %v\n", label, f("workers"))
	fmt.Fprintf(w, "sevenflow_delivery_confirmed_seq_nr%s %v\n", label, f("confirmed_seq_nr"))
	fmt.Fprintf(w, "sevenflow_delivery_sends_total%s %v\n", label, f("sends_total"))
	fmt.Fprintf(w, "sevenflow_delivery_sends_per_sec%s %v\n", label, f("sends_per_sec"))
	fmt.Fprintf(w, "sevenflow_delivery_resends_total%s %v\n", label, f("resends_total"))
	fmt.Fprintf(w, "sevenflow_delivery_request_nexts_total%s %v\n", label, f("request_nexts_total"))
	fmt.Fprintf(w, "sevenflow_delivery_rehomed_total%s %v\n", label, f("rehomed_total"))
	fmt.Fprintf(w, "sevenflow_delivery_failures_total%s %v\n", label, f("failures_total"))
	fmt.Fprintf(w, "sevenflow_delivery_send_latency_ms_avg%s %v\n", label, f("send_latency_ms_avg"))
	fmt.Fprintf(w, "sevenflow_delivery_send_latency_ms_min%s %v\n", label, f("send_latency_ms_min"))
	fmt.Fprintf(w, "sevenflow_delivery_send_latency_ms_max%s %v\n", label, f("send_latency_ms_max"))
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return s
}
