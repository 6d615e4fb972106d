package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"chatstream/internal/domain"
	"chatstream/internal/usecase/streaming"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Streams *streaming.Manager
	Journal domain.JournalReader // can be nil (journal disabled)
	Bus     domain.EventBus
	Logger  *slog.Logger
	// UpstreamState reports the upstream circuit breaker state; can be nil.
	UpstreamState func() string
}

func invalidPayload(method, detail string) error {
	return domain.NewSubSystemError("gateway", method, domain.ErrInvalidInput, detail)
}

// RegisterDefaultHandlers registers the stream RPC methods on the server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.RegisterHandler("chat.stream", chatStreamHandler(deps))
	s.RegisterHandler("chat.abort", chatAbortHandler(deps))
	s.RegisterHandler("stream.list", streamListHandler(deps))
	s.RegisterHandler("stream.subscribe", streamSubscribeHandler(true))
	s.RegisterHandler("stream.unsubscribe", streamSubscribeHandler(false))
	if deps.Journal != nil {
		s.RegisterHandler("stream.journal", streamJournalHandler(deps))
	}
}

// RegisterRESTHandlers registers the status and metrics endpoints.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	metrics := NewMetrics(time.Now())
	if deps.Bus != nil {
		metrics.Observe(deps.Bus)
	}

	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if _, err := s.auth.Authenticate(requestToken(r)); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(s, deps, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(s, deps, metrics)))
	return metrics
}

// --- chat ---

type streamStartResponse struct {
	Streaming bool `json:"streaming"`
	domain.StreamRef
}

// chatStreamHandler starts a stream and returns at once; the caller's
// connection is subscribed to the conversation before the first event is
// published.
func chatStreamHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req domain.ChatRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, invalidPayload("chat.stream", err.Error())
		}
		if err := deps.Streams.Validate(&req); err != nil {
			return nil, err
		}
		if cc := clientFrom(ctx); cc != nil {
			cc.watch(req.ConversationID)
		}

		ref, err := deps.Streams.Start(ctx, req)
		if err != nil {
			return nil, err
		}
		deps.Logger.Info("gateway stream started",
			"client", client.Name,
			"conversation_id", ref.ConversationID,
			"session_id", ref.SessionID,
		)
		return json.Marshal(streamStartResponse{Streaming: true, StreamRef: ref})
	}
}

type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

func chatAbortHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req conversationRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ConversationID == "" {
			return nil, invalidPayload("chat.abort", "conversation_id is required")
		}

		aborted := deps.Streams.Cancel(req.ConversationID)
		if aborted && deps.Bus != nil {
			deps.Bus.Publish(ctx, domain.Event{
				Type:           domain.EventChatAborted,
				Timestamp:      time.Now().UTC(),
				ConversationID: req.ConversationID,
			})
			deps.Logger.Info("gateway stream aborted", "client", client.Name, "conversation_id", req.ConversationID)
		}
		return json.Marshal(map[string]bool{"aborted": aborted})
	}
}

// --- streams ---

func streamListHandler(deps HandlerDeps) RPCHandler {
	return func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		sessions := deps.Streams.Sessions()
		if sessions == nil {
			sessions = []streaming.SessionInfo{}
		}
		return json.Marshal(sessions)
	}
}

func streamSubscribeHandler(subscribe bool) RPCHandler {
	method := "stream.unsubscribe"
	if subscribe {
		method = "stream.subscribe"
	}
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req conversationRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ConversationID == "" {
			return nil, invalidPayload(method, "conversation_id is required")
		}
		cc := clientFrom(ctx)
		if cc == nil {
			return nil, invalidPayload(method, "no connection")
		}
		if subscribe {
			cc.watch(req.ConversationID)
		} else {
			cc.unwatch(req.ConversationID)
		}
		return json.Marshal(map[string]bool{"subscribed": subscribe})
	}
}

type journalRequest struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
}

func streamJournalHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req journalRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.ConversationID == "" {
			return nil, invalidPayload("stream.journal", "conversation_id is required")
		}
		entries, err := deps.Journal.Entries(ctx, req.ConversationID, req.Limit)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []domain.JournalEntry{}
		}
		return json.Marshal(entries)
	}
}
