package sink

import (
	"context"
	"sync"

	"chatstream/internal/domain"
)

// Recorded is one event captured by a Recorder.
type Recorded struct {
	Type    domain.EventType `json:"type"`
	Ref     domain.StreamRef `json:"ref"`
	Payload any              `json:"payload"`
}

// Recorder keeps every event in memory, in emission order. It can forward
// to another sink.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
	next   domain.StreamSink
}

// NewRecorder creates a Recorder forwarding to next, which may be nil.
func NewRecorder(next domain.StreamSink) *Recorder {
	return &Recorder{next: next}
}

func (r *Recorder) add(typ domain.EventType, ref domain.StreamRef, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Type: typ, Ref: ref, Payload: payload})
}

func (r *Recorder) Status(ctx context.Context, ref domain.StreamRef, status domain.StreamStatus) {
	r.add(domain.EventStreamStatus, ref, status)
	if r.next != nil {
		r.next.Status(ctx, ref, status)
	}
}

func (r *Recorder) Chunk(ctx context.Context, ref domain.StreamRef, chunk domain.ChunkUpdate) {
	r.add(domain.EventStreamChunk, ref, chunk)
	if r.next != nil {
		r.next.Chunk(ctx, ref, chunk)
	}
}

func (r *Recorder) Finish(ctx context.Context, ref domain.StreamRef, finish domain.FinishUpdate) {
	r.add(domain.EventStreamFinish, ref, finish)
	if r.next != nil {
		r.next.Finish(ctx, ref, finish)
	}
}

func (r *Recorder) ToolCall(ctx context.Context, ref domain.StreamRef, call domain.ToolCall) {
	r.add(domain.EventStreamToolCall, ref, call)
	if r.next != nil {
		r.next.ToolCall(ctx, ref, call)
	}
}

func (r *Recorder) Error(ctx context.Context, ref domain.StreamRef, update domain.StreamErrorUpdate) {
	r.add(domain.EventStreamError, ref, update)
	if r.next != nil {
		r.next.Error(ctx, ref, update)
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Statuses returns the recorded status transitions of one session.
func (r *Recorder) Statuses(sessionID string) []domain.StreamStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.StreamStatus
	for _, e := range r.events {
		if e.Type == domain.EventStreamStatus && e.Ref.SessionID == sessionID {
			out = append(out, e.Payload.(domain.StreamStatus))
		}
	}
	return out
}
