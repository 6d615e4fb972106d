package streaming

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"chatstream/internal/domain"
	"chatstream/internal/usecase/assembler"
)

// ManagerConfig holds the Manager's collaborators.
type ManagerConfig struct {
	Registry *Registry
	Pipeline *Pipeline
	Upstream domain.Upstream
	Sink     domain.StreamSink
	Clock    Clock
	Logger   *slog.Logger
}

// Manager validates chat requests and runs one pipeline per conversation.
type Manager struct {
	registry *Registry
	pipeline *Pipeline
	upstream domain.Upstream
	sink     domain.StreamSink
	clock    Clock
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(RegistryConfig{Clock: cfg.Clock, StallTimeout: DefaultStallTimeout, Logger: cfg.Logger})
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = NewPipeline(PipelineConfig{Logger: cfg.Logger})
	}
	return &Manager{
		registry: cfg.Registry,
		pipeline: cfg.Pipeline,
		upstream: cfg.Upstream,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Registry returns the session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Validate checks req and fills in a placeholder conversation id when it
// has none. It allocates no session and emits nothing.
func (m *Manager) Validate(req *domain.ChatRequest) error {
	if req.SpaceID == "" {
		return domain.NewSubSystemError("stream", "Manager.Stream", domain.ErrInvalidInput, "spaceId is required")
	}
	if len(req.Messages) == 0 {
		return domain.NewSubSystemError("stream", "Manager.Stream", domain.ErrInvalidInput, "at least one message is required")
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return domain.NewSubSystemError("stream", "Manager.Stream", domain.ErrInvalidInput,
				fmt.Sprintf("message %d has no role", i))
		}
	}
	if req.ConversationID == "" {
		req.ConversationID = ulid.MustNew(ulid.Timestamp(m.clock.Now()), ulid.DefaultEntropy()).String()
	}
	return nil
}

// Stream runs req to completion on the calling goroutine. Validation errors
// are returned before any session exists. Otherwise the returned error is
// the one already reported to the sink, or nil when the stream finished or
// was cancelled.
func (m *Manager) Stream(ctx context.Context, req domain.ChatRequest) (Result, error) {
	if err := m.Validate(&req); err != nil {
		return Result{}, err
	}
	sess := m.begin(ctx, req.ConversationID)
	res := m.execute(ctx, sess, req)
	return res, res.Err
}

// Start validates and registers req, then runs the stream in the
// background. The stream outlives ctx's cancellation but not Shutdown.
func (m *Manager) Start(ctx context.Context, req domain.ChatRequest) (domain.StreamRef, error) {
	if err := m.Validate(&req); err != nil {
		return domain.StreamRef{}, err
	}
	runCtx := context.WithoutCancel(ctx)
	sess := m.begin(runCtx, req.ConversationID)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(runCtx, sess, req)
	}()
	return sess.Ref(), nil
}

func (m *Manager) begin(ctx context.Context, convID string) *Session {
	sess := m.registry.Register(ctx, convID)
	m.sink.Status(ctx, sess.Ref(), domain.StatusInitiated)
	m.logger.Info("stream initiated", "conversation_id", convID, "session_id", sess.ID)
	return sess
}

func (m *Manager) execute(ctx context.Context, sess *Session, req domain.ChatRequest) Result {
	defer sess.Token.Release()
	defer m.registry.Remove(sess)

	state := assembler.NewState()
	if req.Continue != nil {
		state = assembler.ContinueState(*req.Continue)
	}

	src, err := m.upstream.Open(sess.Token.Context(), req)
	if err != nil {
		src = failedSource{err: err}
	}
	res := m.pipeline.Run(ctx, sess, src, m.sink, state)

	m.logger.Info("stream ended",
		"conversation_id", sess.ConversationID,
		"session_id", sess.ID,
		"status", string(res.Status),
		"finish_reason", res.FinishReason,
		"reason", string(res.Reason),
	)
	return res
}

// Cancel cancels the live stream of convID on behalf of the user. It
// reports false if none is live, for example because it already completed.
func (m *Manager) Cancel(convID string) bool {
	return m.registry.Cancel(convID, ReasonUser)
}

// Supersede cancels the live stream of convID unless it is sessionID. It
// handles notices that another node started a stream for the conversation.
func (m *Manager) Supersede(convID, sessionID string) bool {
	return m.registry.CancelSession(convID, sessionID, ReasonSuperseded)
}

// Sessions lists live sessions.
func (m *Manager) Sessions() []SessionInfo { return m.registry.Sessions() }

// Shutdown cancels every live stream and waits for background runs to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	n := m.registry.CancelAll(ReasonShutdown)
	if n > 0 {
		m.logger.Info("cancelled live streams", "count", n)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream shutdown: %w", ctx.Err())
	}
}

// failedSource reports an Open failure through the pipeline so it is
// emitted like any other upstream error.
type failedSource struct{ err error }

func (s failedSource) Next(context.Context) ([]byte, error) { return nil, s.err }
func (failedSource) Close() error { return nil }
