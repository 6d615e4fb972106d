// Package sink adapts stream events to their consumers.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"chatstream/internal/domain"
)

// BusSink publishes stream events on an event bus.
type BusSink struct {
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.EventBus, logger *slog.Logger) *BusSink {
	return &BusSink{bus: bus, logger: logger, now: time.Now}
}

func (s *BusSink) publish(ctx context.Context, typ domain.EventType, ref domain.StreamRef, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal stream event", "event", string(typ), "session_id", ref.SessionID, "error", err)
		return
	}
	s.bus.Publish(ctx, domain.Event{
		Type:           typ,
		Timestamp:      s.now().UTC(),
		ConversationID: ref.ConversationID,
		SessionID:      ref.SessionID,
		Payload:        raw,
	})
}

func (s *BusSink) Status(ctx context.Context, ref domain.StreamRef, status domain.StreamStatus) {
	s.publish(ctx, domain.EventStreamStatus, ref, domain.StreamStatusPayload{StreamRef: ref, Status: status})
}

func (s *BusSink) Chunk(ctx context.Context, ref domain.StreamRef, chunk domain.ChunkUpdate) {
	s.publish(ctx, domain.EventStreamChunk, ref, domain.StreamChunkPayload{StreamRef: ref, ChunkUpdate: chunk})
}

func (s *BusSink) Finish(ctx context.Context, ref domain.StreamRef, finish domain.FinishUpdate) {
	p := domain.StreamFinishPayload{StreamRef: ref, FinishUpdate: finish}
	if finish.Usage != nil {
		p.TotalTokens = finish.Usage.TotalTokens()
	}
	s.publish(ctx, domain.EventStreamFinish, ref, p)
}

func (s *BusSink) ToolCall(ctx context.Context, ref domain.StreamRef, call domain.ToolCall) {
	s.publish(ctx, domain.EventStreamToolCall, ref, domain.StreamToolCallPayload{StreamRef: ref, ToolCall: call})
}

func (s *BusSink) Error(ctx context.Context, ref domain.StreamRef, update domain.StreamErrorUpdate) {
	s.publish(ctx, domain.EventStreamError, ref, domain.StreamErrorPayload{StreamRef: ref, StreamErrorUpdate: update})
}
