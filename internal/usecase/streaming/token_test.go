package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/domain"
)

func TestCancelToken_FirstCancelWins(t *testing.T) {
	tok := NewCancelToken(context.Background())
	assert.False(t, tok.Cancelled())
	assert.Equal(t, CancelReason(""), tok.Reason())
	assert.NoError(t, tok.Err())

	assert.True(t, tok.Cancel(ReasonUser))
	assert.False(t, tok.Cancel(ReasonStalled))
	assert.True(t, tok.Cancelled())
	assert.Equal(t, ReasonUser, tok.Reason())
	assert.ErrorIs(t, tok.Err(), domain.ErrCancelled)
	assert.Error(t, tok.Context().Err())

	select {
	case <-tok.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestCancelToken_CallbacksRunInOrder(t *testing.T) {
	tok := NewCancelToken(context.Background())
	var got []string
	tok.OnCancel(func(r CancelReason) { got = append(got, "a:"+string(r)) })
	unregister := tok.OnCancel(func(CancelReason) { got = append(got, "b") })
	tok.OnCancel(func(CancelReason) { got = append(got, "c") })
	unregister()

	tok.Cancel(ReasonSuperseded)
	tok.Cancel(ReasonUser)
	assert.Equal(t, []string{"a:superseded", "c"}, got)
}

func TestCancelToken_OnCancelAfterCancelRunsImmediately(t *testing.T) {
	tok := NewCancelToken(context.Background())
	tok.Cancel(ReasonStalled)

	var got CancelReason
	tok.OnCancel(func(r CancelReason) { got = r })
	assert.Equal(t, ReasonStalled, got)
	assert.ErrorIs(t, tok.Err(), domain.ErrStalled)
}

func TestCancelToken_ParentCancelMeansShutdown(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	tok := NewCancelToken(parent)
	cancel()

	require.Eventually(t, tok.Cancelled, time.Second, time.Millisecond)
	assert.Equal(t, ReasonShutdown, tok.Reason())
}

func TestCancelToken_ReleaseDoesNotCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	tok := NewCancelToken(parent)
	tok.Release()
	cancel()

	assert.Error(t, tok.Context().Err())
	time.Sleep(5 * time.Millisecond)
	assert.False(t, tok.Cancelled())
}
