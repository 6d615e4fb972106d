package streaming

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"chatstream/internal/domain"
)

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers on the calling goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// chanSource yields chunks sent on ch; closing ch ends the body.
type chanSource struct {
	ch        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{ch: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *chanSource) Next(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-s.closed:
		return nil, errors.New("source closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *chanSource) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// sliceSource yields fixed chunks, then err (io.EOF when nil).
type sliceSource struct {
	chunks [][]byte
	err    error
	closed bool
}

func chunksOf(parts ...string) *sliceSource {
	s := &sliceSource{}
	for _, p := range parts {
		s.chunks = append(s.chunks, []byte(p))
	}
	return s
}

func (s *sliceSource) Next(context.Context) ([]byte, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	b := s.chunks[0]
	s.chunks = s.chunks[1:]
	return b, nil
}

func (s *sliceSource) Close() error {
	s.closed = true
	return nil
}

type event struct {
	Kind   string
	Ref    domain.StreamRef
	Status domain.StreamStatus
	Chunk  domain.ChunkUpdate
	Finish domain.FinishUpdate
	Call   domain.ToolCall
	Err    domain.StreamErrorUpdate
}

type recordingSink struct {
	mu     sync.Mutex
	events []event
}

func (s *recordingSink) add(e event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Status(_ context.Context, ref domain.StreamRef, st domain.StreamStatus) {
	s.add(event{Kind: "status", Ref: ref, Status: st})
}

func (s *recordingSink) Chunk(_ context.Context, ref domain.StreamRef, c domain.ChunkUpdate) {
	s.add(event{Kind: "chunk", Ref: ref, Chunk: c})
}

func (s *recordingSink) Finish(_ context.Context, ref domain.StreamRef, f domain.FinishUpdate) {
	s.add(event{Kind: "finish", Ref: ref, Finish: f})
}

func (s *recordingSink) ToolCall(_ context.Context, ref domain.StreamRef, c domain.ToolCall) {
	s.add(event{Kind: "tool_call", Ref: ref, Call: c})
}

func (s *recordingSink) Error(_ context.Context, ref domain.StreamRef, e domain.StreamErrorUpdate) {
	s.add(event{Kind: "error", Ref: ref, Err: e})
}

// Events returns the events of one session, or all when sessionID is "".
func (s *recordingSink) Events(sessionID string) []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event
	for _, e := range s.events {
		if sessionID == "" || e.Ref.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Kinds summarises events as "status:streaming", "chunk", ...
func (s *recordingSink) Kinds(sessionID string) []string {
	var out []string
	for _, e := range s.Events(sessionID) {
		if e.Kind == "status" {
			out = append(out, "status:"+string(e.Status))
			continue
		}
		out = append(out, e.Kind)
	}
	return out
}

// fakeUpstream hands out sources in order; a nil source means Open fails
// with openErr.
type fakeUpstream struct {
	mu      sync.Mutex
	sources []domain.ByteSource
	openErr error
	reqs    []domain.ChatRequest
}

func (u *fakeUpstream) Open(_ context.Context, req domain.ChatRequest) (domain.ByteSource, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reqs = append(u.reqs, req)
	if len(u.sources) == 0 {
		if u.openErr != nil {
			return nil, u.openErr
		}
		return nil, errors.New("no source")
	}
	src := u.sources[0]
	u.sources = u.sources[1:]
	return src, nil
}

func validRequest(convID string) domain.ChatRequest {
	return domain.ChatRequest{
		ConversationID: convID,
		SpaceID:        "space-1",
		Messages:       []domain.PromptMessage{{ID: "u1", Role: domain.RoleUser, Content: "hi"}},
	}
}
