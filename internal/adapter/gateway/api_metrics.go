package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"

	"chatstream/internal/domain"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
func metricsHandler(s *Server, deps HandlerDeps, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		// Streams.
		writeMetric(w, "chatstream_streams_active", "gauge", "Number of streams in flight.", int64(len(deps.Streams.Sessions())))
		writeMetric(w, "chatstream_streams_started_total", "counter", "Streams initiated.", metrics.Started.Load())
		writeMetric(w, "chatstream_streams_completed_total", "counter", "Streams that completed normally.", metrics.Completed.Load())
		writeMetric(w, "chatstream_streams_cancelled_total", "counter", "Streams that ended cancelled.", metrics.Cancelled.Load())
		writeMetric(w, "chatstream_chunks_total", "counter", "Chunk events emitted.", metrics.Chunks.Load())
		writeMetric(w, "chatstream_tool_calls_total", "counter", "Tool calls surfaced to clients.", metrics.ToolCalls.Load())
		writeMetric(w, "chatstream_aborts_total", "counter", "Streams aborted over RPC.", metrics.Aborted.Load())

		errs := metrics.Errors()
		codes := make([]string, 0, len(errs))
		for code := range errs {
			codes = append(codes, string(code))
		}
		sort.Strings(codes)
		fmt.Fprintf(w, "# HELP chatstream_stream_errors_total Stream errors by code.\n")
		fmt.Fprintf(w, "# TYPE chatstream_stream_errors_total counter\n")
		for _, code := range codes {
			fmt.Fprintf(w, "chatstream_stream_errors_total{code=%q} %d\n", code, errs[domain.ErrorCode(code)])
		}

		// Gateway.
		writeMetric(w, "chatstream_gateway_clients", "gauge", "Connected WebSocket clients.", int64(s.Clients()))
		writeMetric(w, "chatstream_gateway_dropped_events_total", "counter", "Events dropped for slow clients.", s.DroppedEvents())

		if deps.UpstreamState != nil {
			fmt.Fprintf(w, "# HELP chatstream_upstream_breaker_state Upstream circuit breaker state.\n")
			fmt.Fprintf(w, "# TYPE chatstream_upstream_breaker_state gauge\n")
			fmt.Fprintf(w, "chatstream_upstream_breaker_state{state=%q} 1\n", deps.UpstreamState())
		}

		fmt.Fprintf(w, "# HELP chatstream_uptime_seconds Seconds since the service started.\n")
		fmt.Fprintf(w, "# TYPE chatstream_uptime_seconds gauge\n")
		fmt.Fprintf(w, "chatstream_uptime_seconds %.0f\n", metrics.Uptime().Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		writeMetric(w, "go_goroutines", "gauge", "Number of goroutines.", int64(runtime.NumGoroutine()))
		writeMetric(w, "go_memstats_alloc_bytes", "gauge", "Bytes of allocated heap objects.", int64(mem.Alloc))
		writeMetric(w, "go_memstats_sys_bytes", "gauge", "Total bytes of memory obtained from the OS.", int64(mem.Sys))

		fmt.Fprintf(w, "# HELP go_gc_duration_seconds Total GC pause duration.\n")
		fmt.Fprintf(w, "# TYPE go_gc_duration_seconds gauge\n")
		fmt.Fprintf(w, "go_gc_duration_seconds %f\n", float64(mem.PauseTotalNs)/1e9)
	}
}

func writeMetric(w io.Writer, name, kind, help string, v int64) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	fmt.Fprintf(w, "%s %d\n", name, v)
}
