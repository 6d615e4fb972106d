// Package assembler folds decoded stream records into an assistant message.
package assembler

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"

	"chatstream/internal/domain"
)

// partialCall buffers the argument text of a tool call that is still
// streaming.
type partialCall struct {
	Text     string
	Step     int
	ToolName string
	Index    int // position in Message.ToolInvocations
}

// State is the value threaded through Fold. A State passed to Fold is
// consumed: callers keep only the returned State and take snapshots with
// Snapshot or Clone.
type State struct {
	Message      domain.Message
	Data         []json.RawMessage
	Step         int
	FinishReason string
	Usage        *domain.Usage
	Finished     bool
	Continuation bool

	idAdopted       bool
	textPart        int
	reasoningPart   int
	reasoningDetail int
	partial         map[string]partialCall
}

// NewState starts an empty assistant message with a generated id.
func NewState() State {
	return NewStateWithID(uuid.NewString(), time.Now().UTC())
}

// NewStateWithID starts an empty assistant message with a fixed id and
// creation time.
func NewStateWithID(id string, createdAt time.Time) State {
	return State{
		Message: domain.Message{
			ID:        id,
			Role:      domain.RoleAssistant,
			CreatedAt: createdAt,
			Parts:     []domain.Part{},
		},
		textPart:        -1,
		reasoningPart:   -1,
		reasoningDetail: -1,
	}
}

// ContinueState resumes an existing assistant message, as after a tool
// round-trip. The message keeps its id; start_step records never replace
// it. The step counter continues after the highest existing invocation step.
func ContinueState(prev domain.Message) State {
	msg := prev.Clone()
	msg.Role = domain.RoleAssistant
	if msg.Parts == nil {
		msg.Parts = []domain.Part{}
	}
	step := 0
	for _, inv := range msg.ToolInvocations {
		if inv.Step+1 > step {
			step = inv.Step + 1
		}
	}
	return State{
		Message:         msg,
		Step:            step,
		Continuation:    true,
		textPart:        -1,
		reasoningPart:   -1,
		reasoningDetail: -1,
	}
}

// Snapshot returns a deep copy of the message for emission.
func (s State) Snapshot() domain.Message {
	return s.Message.Clone()
}

// Clone returns a deep copy of the whole state.
func (s State) Clone() State {
	out := s
	out.Message = s.Message.Clone()
	if s.Data != nil {
		out.Data = append([]json.RawMessage(nil), s.Data...)
	}
	if s.Usage != nil {
		u := *s.Usage
		out.Usage = &u
	}
	if s.partial != nil {
		out.partial = maps.Clone(s.partial)
	}
	return out
}

// PendingToolCalls reports how many tool calls are still streaming
// arguments.
func (s State) PendingToolCalls() int { return len(s.partial) }
