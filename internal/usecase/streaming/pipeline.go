package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"

	"chatstream/internal/adapter/wire"
	"chatstream/internal/domain"
	"chatstream/internal/infra/logger"
	"chatstream/internal/infra/tracer"
	"chatstream/internal/usecase/assembler"
)

// UnknownFinishReason is reported when the body ends without a
// finish_message record.
const UnknownFinishReason = "unknown"

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Assembler    *assembler.Assembler
	Lenient      bool // skip undecodable lines instead of aborting
	MaxLineBytes int
	Logger       *slog.Logger
}

// Pipeline drives one session: byte source, framer, codec, assembler, sink.
type Pipeline struct {
	asm     *assembler.Assembler
	lenient bool
	maxLine int
	logger  *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Assembler == nil {
		cfg.Assembler = assembler.New(assembler.Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		asm:     cfg.Assembler,
		lenient: cfg.Lenient,
		maxLine: cfg.MaxLineBytes,
		logger:  cfg.Logger,
	}
}

// Result is the outcome of one pipeline run.
type Result struct {
	Message      domain.Message
	FinishReason string
	Usage        *domain.Usage
	Status       domain.StreamStatus // completed or cancelled
	Reason       CancelReason        // set when cancelled by the token
	Skipped      int                 // lines dropped in lenient mode
	Err          error               // decode, protocol, upstream or stall error
}

// Run consumes src until the stream finishes, fails or the session's token
// is cancelled, emitting events to sink in production order. The session
// must already be registered and its initiated status emitted. src is
// closed before Run returns.
func (p *Pipeline) Run(ctx context.Context, sess *Session, src domain.ByteSource, sink domain.StreamSink, state assembler.State) Result {
	ctx, span := tracer.StartSpan(ctx, "stream.run", tracer.SessionAttrs(sess.ConversationID, sess.ID))
	defer span.End()

	unregister := sess.Token.OnCancel(func(CancelReason) { _ = src.Close() })
	defer unregister()
	defer src.Close()

	r := &run{
		p:     p,
		ctx:   ctx,
		sess:  sess,
		sink:  sink,
		ref:   sess.Ref(),
		state: state,
		log:   logger.ForStream(p.logger, sess.ConversationID, sess.ID),
	}
	res := r.loop(src)

	span.SetAttributes(
		tracer.StringAttr("status", string(res.Status)),
		tracer.IntAttr("skipped_lines", res.Skipped),
	)
	if res.Err != nil {
		tracer.RecordError(span, res.Err)
	} else {
		tracer.SetOK(span)
	}
	return res
}

type run struct {
	p     *Pipeline
	ctx   context.Context
	sess  *Session
	sink  domain.StreamSink
	ref   domain.StreamRef
	state assembler.State
	log   *slog.Logger

	progressed bool
	last       *domain.Message // message as of the previous chunk
	dataSent   int
	skipped    int
}

func (r *run) loop(src domain.ByteSource) Result {
	framer := wire.NewFramer(r.p.maxLine)
	for {
		if r.sess.Token.Cancelled() {
			return r.cancelled()
		}
		chunk, err := src.Next(r.sess.Token.Context())
		if r.sess.Token.Cancelled() {
			return r.cancelled()
		}
		if err != nil && !errors.Is(err, io.EOF) && r.ctx.Err() != nil {
			r.sess.Token.Cancel(ReasonShutdown)
			return r.cancelled()
		}

		if len(chunk) > 0 {
			r.streaming()
			lines, ferr := framer.Push(chunk)
			for _, line := range lines {
				if res, done := r.line(line); done {
					return res
				}
			}
			if ferr != nil {
				if res, done := r.undecodable("", ferr); done {
					return res
				}
			}
		}

		if errors.Is(err, io.EOF) {
			for _, line := range framer.Flush() {
				if res, done := r.line(line); done {
					return res
				}
			}
			return r.finish(UnknownFinishReason, nil)
		}
		if err != nil {
			if domain.ErrorCodeOf(err) == domain.CodeUnknown {
				err = domain.NewDomainError("Pipeline.Run", domain.ErrUpstream, err.Error())
			}
			return r.fail(err)
		}
	}
}

// line decodes and folds one line. done reports that the run is over.
func (r *run) line(line string) (Result, bool) {
	rec, err := wire.Decode(line)
	if err != nil {
		return r.undecodable(line, err)
	}
	if r.sess.Token.Cancelled() {
		return r.cancelled(), true
	}

	next, err := r.p.asm.Fold(r.state, rec)
	r.state = next
	if err != nil {
		return r.fail(err), true
	}
	if !r.progressed {
		r.progressed = true
		r.sess.disarmStall()
	}

	switch rec := rec.(type) {
	case domain.FinishMessageRecord:
		return r.finish(rec.FinishReason, rec.Usage), true
	case domain.FinishStepRecord:
		return Result{}, false
	case domain.TextRecord:
		return r.chunk(rec.Delta)
	case domain.ToolCallRecord:
		if res, done := r.chunk(""); done {
			return res, true
		}
		r.sink.ToolCall(r.ctx, r.ref, domain.ToolCall{ToolCallID: rec.ToolCallID, ToolName: rec.ToolName, Args: rec.Args})
		return Result{}, false
	default:
		return r.chunk("")
	}
}

func (r *run) undecodable(line string, err error) (Result, bool) {
	if r.p.lenient {
		r.skipped++
		r.log.Warn("skipping undecodable line", "line", line, "error", err)
		return Result{}, false
	}
	return r.fail(err), true
}

func (r *run) streaming() {
	if r.sess.advance(domain.StatusStreaming) {
		r.sink.Status(r.ctx, r.ref, domain.StatusStreaming)
	}
}

// chunk emits the current message. The first chunk carries a snapshot;
// later ones carry the delta plus the metadata that changed.
func (r *run) chunk(delta string) (Result, bool) {
	if r.sess.Token.Cancelled() {
		return r.cancelled(), true
	}
	snap := r.state.Snapshot()
	cu := domain.ChunkUpdate{TextDelta: delta, MessageID: snap.ID}

	if r.last == nil {
		cu.IsFirstChunk = true
		cu.Snapshot = &snap
	} else {
		if !reflect.DeepEqual(snap.Annotations, r.last.Annotations) {
			cu.Annotations = snap.Annotations
		}
		if !reflect.DeepEqual(snap.ToolInvocations, r.last.ToolInvocations) {
			cu.ToolInvocations = snap.ToolInvocations
		}
		if snap.Reasoning != r.last.Reasoning {
			reasoning := snap.Reasoning
			cu.Reasoning = &reasoning
		}
		if !reflect.DeepEqual(snap.Parts, r.last.Parts) {
			cu.Parts = snap.Parts
		}
	}
	if n := len(r.state.Data); n > r.dataSent {
		cu.Data = append(cu.Data, r.state.Data[r.dataSent:]...)
		r.dataSent = n
	}

	last := snap.Clone()
	r.last = &last
	r.sink.Chunk(r.ctx, r.ref, cu)
	return Result{}, false
}

func (r *run) finish(reason string, usage *domain.Usage) Result {
	if r.sess.Token.Cancelled() {
		return r.cancelled()
	}
	msg := r.state.Snapshot()
	r.sink.Finish(r.ctx, r.ref, domain.FinishUpdate{Message: &msg, FinishReason: reason, Usage: usage})
	if r.sess.advance(domain.StatusCompleted) {
		r.sink.Status(r.ctx, r.ref, domain.StatusCompleted)
	}
	r.log.Debug("stream finished", "finish_reason", reason, "skipped_lines", r.skipped)
	return Result{
		Message:      r.state.Snapshot(),
		FinishReason: reason,
		Usage:        usage,
		Status:       domain.StatusCompleted,
		Skipped:      r.skipped,
	}
}

// fail reports err once and ends the session as cancelled.
func (r *run) fail(err error) Result {
	update := domain.StreamErrorUpdate{Message: err.Error(), Code: domain.ErrorCodeOf(err)}
	var de *wire.DecodeError
	var ue *domain.UpstreamError
	switch {
	case errors.As(err, &de):
		update.Details = de.Line
	case errors.As(err, &ue):
		update.Details = ue.Body
	}
	r.sink.Error(r.ctx, r.ref, update)
	if r.sess.advance(domain.StatusCancelled) {
		r.sink.Status(r.ctx, r.ref, domain.StatusCancelled)
	}
	r.log.Warn("stream failed", "error", err, "code", string(update.Code))
	return Result{
		Message: r.state.Snapshot(),
		Status:  domain.StatusCancelled,
		Skipped: r.skipped,
		Err:     err,
	}
}

// cancelled ends a session whose token fired. A stall is reported as an
// error first; every other reason only as the cancelled status.
func (r *run) cancelled() Result {
	reason := r.sess.Token.Reason()
	res := Result{
		Message: r.state.Snapshot(),
		Status:  domain.StatusCancelled,
		Reason:  reason,
		Skipped: r.skipped,
	}
	if reason == ReasonStalled {
		res.Err = domain.NewDomainError("Pipeline.Run", domain.ErrStalled,
			fmt.Sprintf("no record within %s", r.sess.Deadline.Sub(r.sess.StartedAt)))
		r.sink.Error(r.ctx, r.ref, domain.StreamErrorUpdate{
			Message: res.Err.Error(),
			Code:    domain.CodeStalled,
		})
	}
	if r.sess.advance(domain.StatusCancelled) {
		r.sink.Status(r.ctx, r.ref, domain.StatusCancelled)
	}
	r.log.Info("stream cancelled", "reason", string(reason))
	return res
}
