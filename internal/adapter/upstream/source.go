package upstream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"chatstream/internal/domain"
)

// ErrSourceClosed is returned by Next after Close.
var ErrSourceClosed = fmt.Errorf("upstream: source closed")

const defaultReadBuffer = 4096

// ReaderSource adapts a response body to domain.ByteSource. Each Next
// performs at most one Read, so chunk boundaries follow the network.
type ReaderSource struct {
	r       io.ReadCloser
	buf     []byte
	pending error // error returned alongside the last data

	closed   atomic.Bool
	once     sync.Once
	closeErr error
}

// NewReaderSource wraps r. bufSize <= 0 selects 4 KiB reads.
func NewReaderSource(r io.ReadCloser, bufSize int) *ReaderSource {
	if bufSize <= 0 {
		bufSize = defaultReadBuffer
	}
	return &ReaderSource{r: r, buf: make([]byte, bufSize)}
}

// Next returns the next chunk of the body, or io.EOF at its end. The
// returned slice is owned by the caller.
func (s *ReaderSource) Next(ctx context.Context) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrSourceClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pending != nil {
		return nil, s.pending
	}
	for {
		n, err := s.r.Read(s.buf)
		if n > 0 {
			s.pending = err
			return append([]byte(nil), s.buf[:n]...), nil
		}
		if err != nil {
			if s.closed.Load() {
				return nil, ErrSourceClosed
			}
			s.pending = err
			return nil, err
		}
	}
}

// Close closes the body. Safe to call more than once and concurrently with
// Next; a blocked Read returns once the body is closed.
func (s *ReaderSource) Close() error {
	s.once.Do(func() {
		s.closed.Store(true)
		s.closeErr = s.r.Close()
	})
	return s.closeErr
}

var _ domain.ByteSource = (*ReaderSource)(nil)
