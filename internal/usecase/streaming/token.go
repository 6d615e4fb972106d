package streaming

import (
	"context"
	"sync"

	"chatstream/internal/domain"
)

// CancelReason records why a session stopped early.
type CancelReason string

const (
	ReasonUser       CancelReason = "user"
	ReasonSuperseded CancelReason = "superseded"
	ReasonStalled    CancelReason = "stalled"
	ReasonShutdown   CancelReason = "shutdown"
)

type cancelCallback struct {
	id uint64
	fn func(CancelReason)
}

// CancelToken is a one-shot cancellation signal shared by a session's
// pipeline, its byte source and the registry. The first Cancel wins;
// later calls are no-ops.
type CancelToken struct {
	mu        sync.Mutex
	done      chan struct{}
	reason    CancelReason
	callbacks []cancelCallback
	nextID    uint64

	ctx        context.Context
	cancelCtx  context.CancelFunc
	stopParent func() bool
}

// NewCancelToken creates a token. Cancelling parent cancels the token with
// ReasonShutdown.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	t := &CancelToken{
		done:      make(chan struct{}),
		ctx:       ctx,
		cancelCtx: cancel,
	}
	t.stopParent = context.AfterFunc(parent, func() { t.Cancel(ReasonShutdown) })
	return t
}

// Cancel signals cancellation and runs registered callbacks in
// registration order. It reports whether this call cancelled the token.
func (t *CancelToken) Cancel(reason CancelReason) bool {
	t.mu.Lock()
	if t.reason != "" {
		t.mu.Unlock()
		return false
	}
	t.reason = reason
	close(t.done)
	cbs := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	t.stopParent()
	t.cancelCtx()
	for _, cb := range cbs {
		cb.fn(reason)
	}
	return true
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Reason returns the cancellation reason, or "" while live.
func (t *CancelToken) Reason() CancelReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Done is closed on cancellation.
func (t *CancelToken) Done() <-chan struct{} { return t.done }

// Context is cancelled together with the token, for APIs such as net/http
// that observe a context.
func (t *CancelToken) Context() context.Context { return t.ctx }

// OnCancel registers f to run once on cancellation. If the token is already
// cancelled f runs immediately. The returned func unregisters f.
func (t *CancelToken) OnCancel(f func(CancelReason)) (unregister func()) {
	t.mu.Lock()
	if t.reason != "" {
		reason := t.reason
		t.mu.Unlock()
		f(reason)
		return func() {}
	}
	t.nextID++
	id := t.nextID
	t.callbacks = append(t.callbacks, cancelCallback{id: id, fn: f})
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, cb := range t.callbacks {
			if cb.id == id {
				t.callbacks = append(t.callbacks[:i], t.callbacks[i+1:]...)
				return
			}
		}
	}
}

// Err maps the cancellation reason to a domain error, or nil while live.
func (t *CancelToken) Err() error {
	switch t.Reason() {
	case "":
		return nil
	case ReasonStalled:
		return domain.ErrStalled
	default:
		return domain.ErrCancelled
	}
}

// Release frees the token's context after its session ended. The token
// itself is not cancelled, but Context is done afterwards.
func (t *CancelToken) Release() {
	t.stopParent()
	t.cancelCtx()
}
