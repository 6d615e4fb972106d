package streaming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func newTestRegistry(clock Clock, stall time.Duration) *Registry {
	return NewRegistry(RegistryConfig{Clock: clock, StallTimeout: stall})
}

func TestRegistry_RegisterSupersedes(t *testing.T) {
	r := newTestRegistry(newFakeClock(), 0)
	a := r.Register(context.Background(), "c1")
	b := r.Register(context.Background(), "c1")

	assert.NotEqual(t, a.ID, b.ID)
	assert.True(t, a.Token.Cancelled())
	assert.Equal(t, ReasonSuperseded, a.Token.Reason())
	assert.False(t, b.Token.Cancelled())

	live, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Same(t, b, live)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RemoveOnlyCurrent(t *testing.T) {
	r := newTestRegistry(newFakeClock(), 0)
	a := r.Register(context.Background(), "c1")
	b := r.Register(context.Background(), "c1")

	r.Remove(a)
	live, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Same(t, b, live)

	r.Remove(b)
	_, ok = r.Lookup("c1")
	assert.False(t, ok)
}

func TestRegistry_Cancel(t *testing.T) {
	r := newTestRegistry(newFakeClock(), 0)
	assert.False(t, r.Cancel("missing", ReasonUser))

	s := r.Register(context.Background(), "c1")
	assert.True(t, r.Cancel("c1", ReasonUser))
	assert.Equal(t, ReasonUser, s.Token.Reason())
	assert.Zero(t, r.Len())

	// Completed sessions are gone from the registry.
	s2 := r.Register(context.Background(), "c2")
	r.Remove(s2)
	assert.False(t, r.Cancel("c2", ReasonUser))
	assert.False(t, s2.Token.Cancelled())
}

func TestRegistry_CancelSessionKeepsNamedSession(t *testing.T) {
	r := newTestRegistry(newFakeClock(), 0)
	s := r.Register(context.Background(), "c1")

	assert.False(t, r.CancelSession("c1", s.ID, ReasonSuperseded))
	assert.False(t, s.Token.Cancelled())

	assert.True(t, r.CancelSession("c1", "remote-session", ReasonSuperseded))
	assert.Equal(t, ReasonSuperseded, s.Token.Reason())
	assert.Zero(t, r.Len())
}

func TestRegistry_StallTimer(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, time.Minute)
	s := r.Register(context.Background(), "c1")
	assert.Equal(t, s.StartedAt.Add(time.Minute), s.Deadline)

	clock.Advance(59 * time.Second)
	assert.False(t, s.Token.Cancelled())

	clock.Advance(time.Second)
	assert.True(t, s.Token.Cancelled())
	assert.Equal(t, ReasonStalled, s.Token.Reason())
	assert.Zero(t, r.Len())
}

func TestRegistry_StallTimerDisarmed(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, time.Minute)

	s := r.Register(context.Background(), "c1")
	s.disarmStall()
	clock.Advance(2 * time.Minute)
	assert.False(t, s.Token.Cancelled())

	// Cancellation stops the timer too, so a later expiry cannot relabel it.
	s2 := r.Register(context.Background(), "c2")
	r.Cancel("c2", ReasonUser)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, ReasonUser, s2.Token.Reason())
}

func TestRegistry_CancelAllAndSessions(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock, 0)
	a := r.Register(context.Background(), "c1")
	clock.Advance(time.Second)
	b := r.Register(context.Background(), "c2")

	infos := r.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, a.ID, infos[0].SessionID)
	assert.Equal(t, b.ID, infos[1].SessionID)
	assert.Equal(t, domain.StatusInitiated, infos[0].Status)

	assert.Equal(t, 2, r.CancelAll(ReasonShutdown))
	assert.Equal(t, ReasonShutdown, a.Token.Reason())
	assert.Zero(t, r.Len())
}

func TestRegistry_AtMostOneLivePerConversation(t *testing.T) {
	r := newTestRegistry(SystemClock{}, 0)
	var wg sync.WaitGroup
	sessions := make([]*Session, 40)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sessions[i] = r.Register(context.Background(), fmt.Sprintf("c%d", i%4))
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, r.Len())
	live := 0
	for _, s := range sessions {
		if !s.Token.Cancelled() {
			live++
			cur, ok := r.Lookup(s.ConversationID)
			require.True(t, ok)
			assert.Same(t, s, cur)
		}
	}
	assert.Equal(t, 4, live)
}

func TestSession_StatusIsMonotonic(t *testing.T) {
	s := &Session{status: domain.StatusInitiated}
	assert.True(t, s.advance(domain.StatusStreaming))
	assert.False(t, s.advance(domain.StatusStreaming))
	assert.False(t, s.advance(domain.StatusInitiated))
	assert.True(t, s.advance(domain.StatusCompleted))
	assert.False(t, s.advance(domain.StatusCancelled))
	assert.Equal(t, domain.StatusCompleted, s.Status())
}
