package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chatstream/internal/domain"
)

// Version is reported by the status endpoint. Set at build time.
var Version = "dev"

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service  ServiceStatus  `json:"service"`
	Streams  StreamCounts   `json:"streams"`
	Gateway  GatewayStatus  `json:"gateway"`
	Upstream UpstreamStatus `json:"upstream"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StreamCounts holds stream lifecycle counters.
type StreamCounts struct {
	Active    int                        `json:"active"`
	Started   int64                      `json:"started"`
	Completed int64                      `json:"completed"`
	Cancelled int64                      `json:"cancelled"`
	Errors    map[domain.ErrorCode]int64 `json:"errors"`
}

// GatewayStatus holds connection info.
type GatewayStatus struct {
	Clients       int   `json:"clients"`
	DroppedEvents int64 `json:"dropped_events"`
}

// UpstreamStatus holds the upstream breaker state.
type UpstreamStatus struct {
	Breaker string `json:"breaker,omitempty"`
}

// Metrics counts stream lifecycle events observed on the bus.
type Metrics struct {
	start     time.Time
	Started   atomic.Int64
	Completed atomic.Int64
	Cancelled atomic.Int64
	Chunks    atomic.Int64
	ToolCalls atomic.Int64
	Aborted   atomic.Int64

	mu     sync.Mutex
	errors map[domain.ErrorCode]int64
}

// NewMetrics creates zeroed counters with uptime measured from start.
func NewMetrics(start time.Time) *Metrics {
	return &Metrics{start: start, errors: make(map[domain.ErrorCode]int64)}
}

// Observe subscribes the counters to bus.
func (m *Metrics) Observe(bus domain.EventBus) {
	bus.Subscribe(domain.EventStreamStatus, func(_ context.Context, e domain.Event) {
		var p domain.StreamStatusPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		switch p.Status {
		case domain.StatusInitiated:
			m.Started.Add(1)
		case domain.StatusCompleted:
			m.Completed.Add(1)
		case domain.StatusCancelled:
			m.Cancelled.Add(1)
		}
	})
	bus.Subscribe(domain.EventStreamError, func(_ context.Context, e domain.Event) {
		var p domain.StreamErrorPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			return
		}
		m.mu.Lock()
		m.errors[p.Code]++
		m.mu.Unlock()
	})
	bus.Subscribe(domain.EventStreamChunk, func(context.Context, domain.Event) { m.Chunks.Add(1) })
	bus.Subscribe(domain.EventStreamToolCall, func(context.Context, domain.Event) { m.ToolCalls.Add(1) })
	bus.Subscribe(domain.EventChatAborted, func(context.Context, domain.Event) { m.Aborted.Add(1) })
}

// Errors returns a copy of the per-code error counts.
func (m *Metrics) Errors() map[domain.ErrorCode]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.ErrorCode]int64, len(m.errors))
	for k, v := range m.errors {
		out[k] = v
	}
	return out
}

// Uptime reports time since start.
func (m *Metrics) Uptime() time.Duration { return time.Since(m.start) }

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "chatstream",
				Version:       Version,
				UptimeSeconds: int64(metrics.Uptime().Seconds()),
			},
			Streams: StreamCounts{
				Active:    len(deps.Streams.Sessions()),
				Started:   metrics.Started.Load(),
				Completed: metrics.Completed.Load(),
				Cancelled: metrics.Cancelled.Load(),
				Errors:    metrics.Errors(),
			},
			Gateway: GatewayStatus{
				Clients:       s.Clients(),
				DroppedEvents: s.DroppedEvents(),
			},
		}
		if deps.UpstreamState != nil {
			resp.Upstream.Breaker = deps.UpstreamState()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
