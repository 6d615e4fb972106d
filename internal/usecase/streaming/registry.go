package streaming

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatstream/internal/domain"
)

// DefaultStallTimeout is how long a session may go without folding its
// first record before it is cancelled as stalled.
const DefaultStallTimeout = 60 * time.Second

// Session is one live stream for a conversation.
type Session struct {
	ID             string
	ConversationID string
	StartedAt      time.Time
	Deadline       time.Time // zero when no stall timeout is armed
	Token          *CancelToken

	mu     sync.Mutex
	status domain.StreamStatus
	stall  Timer
}

// Ref identifies the session in emitted events.
func (s *Session) Ref() domain.StreamRef {
	return domain.StreamRef{ConversationID: s.ConversationID, SessionID: s.ID}
}

// Status returns the current lifecycle status.
func (s *Session) Status() domain.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// advance moves the session forward. Statuses never go backwards and a
// terminal status is final.
func (s *Session) advance(next domain.StreamStatus) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || s.status == next {
		return false
	}
	if s.status == domain.StatusStreaming && next == domain.StatusInitiated {
		return false
	}
	s.status = next
	return true
}

// disarmStall stops the stall timer once progress has been made.
func (s *Session) disarmStall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stall != nil {
		s.stall.Stop()
		s.stall = nil
	}
}

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ConversationID string              `json:"conversation_id"`
	SessionID      string              `json:"session_id"`
	Status         domain.StreamStatus `json:"status"`
	StartedAt      time.Time           `json:"started_at"`
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Clock        Clock
	StallTimeout time.Duration // zero disables the stall timer
	Logger       *slog.Logger
}

// Registry maps conversation ids to their live session. At most one session
// per conversation is registered; registering again supersedes the previous
// one.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	clock        Clock
	stallTimeout time.Duration
	logger       *slog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		clock:        cfg.Clock,
		stallTimeout: cfg.StallTimeout,
		logger:       cfg.Logger,
	}
}

// Register creates a live session for convID, cancelling any previous
// session of the same conversation with ReasonSuperseded. The session's
// token is cancelled with ReasonShutdown when ctx is cancelled.
func (r *Registry) Register(ctx context.Context, convID string) *Session {
	now := r.clock.Now()
	sess := &Session{
		ID:             ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ConversationID: convID,
		StartedAt:      now,
		Token:          NewCancelToken(ctx),
		status:         domain.StatusInitiated,
	}

	r.mu.Lock()
	prev := r.sessions[convID]
	r.sessions[convID] = sess
	if r.stallTimeout > 0 {
		sess.Deadline = now.Add(r.stallTimeout)
		sess.mu.Lock()
		sess.stall = r.clock.AfterFunc(r.stallTimeout, func() { r.expire(sess) })
		sess.mu.Unlock()
	}
	r.mu.Unlock()

	sess.Token.OnCancel(func(CancelReason) { sess.disarmStall() })

	if prev != nil && prev.Token.Cancel(ReasonSuperseded) {
		r.logger.Info("stream superseded",
			"conversation_id", convID,
			"session_id", prev.ID,
			"superseded_by", sess.ID,
		)
	}
	return sess
}

func (r *Registry) expire(sess *Session) {
	r.mu.Lock()
	if r.sessions[sess.ConversationID] == sess {
		delete(r.sessions, sess.ConversationID)
	}
	r.mu.Unlock()

	if sess.Token.Cancel(ReasonStalled) {
		r.logger.Warn("stream stalled",
			"conversation_id", sess.ConversationID,
			"session_id", sess.ID,
			"timeout", r.stallTimeout,
		)
	}
}

// Cancel cancels and removes the live session for convID. It reports false
// when no session is live, which includes sessions that already completed.
func (r *Registry) Cancel(convID string, reason CancelReason) bool {
	r.mu.Lock()
	sess, ok := r.sessions[convID]
	if ok {
		delete(r.sessions, convID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	return sess.Token.Cancel(reason)
}

// CancelSession cancels convID only if its live session is not keepID.
// Remote supersede notices use it so a node never cancels the session that
// caused the notice.
func (r *Registry) CancelSession(convID, keepID string, reason CancelReason) bool {
	r.mu.Lock()
	sess, ok := r.sessions[convID]
	if !ok || sess.ID == keepID {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, convID)
	r.mu.Unlock()
	return sess.Token.Cancel(reason)
}

// Lookup returns the live session for convID.
func (r *Registry) Lookup(convID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[convID]
	return sess, ok
}

// Remove unregisters sess if it is still the live session of its
// conversation, and stops its stall timer.
func (r *Registry) Remove(sess *Session) {
	r.mu.Lock()
	if r.sessions[sess.ConversationID] == sess {
		delete(r.sessions, sess.ConversationID)
	}
	r.mu.Unlock()
	sess.disarmStall()
}

// CancelAll cancels every live session.
func (r *Registry) CancelAll(reason CancelReason) int {
	r.mu.Lock()
	live := make([]*Session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		live = append(live, sess)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	n := 0
	for _, sess := range live {
		if sess.Token.Cancel(reason) {
			n++
		}
	}
	return n
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions lists live sessions ordered by start time.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, SessionInfo{
			ConversationID: sess.ConversationID,
			SessionID:      sess.ID,
			Status:         sess.Status(),
			StartedAt:      sess.StartedAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
