package assembler

import (
	"encoding/json"
	"fmt"

	"chatstream/internal/domain"
)

// ToolHandler may resolve a finalized tool call synchronously. Returning
// false leaves the invocation in the call state.
type ToolHandler func(call domain.ToolCall) (json.RawMessage, bool)

// Options configures an Assembler.
type Options struct {
	ToolHandler ToolHandler
}

// Assembler applies records to a State.
type Assembler struct {
	toolHandler ToolHandler
}

// New creates an Assembler.
func New(opts Options) *Assembler {
	return &Assembler{toolHandler: opts.ToolHandler}
}

var defaultAssembler = New(Options{})

// Fold applies rec to s using an assembler without a tool handler.
func Fold(s State, rec domain.Record) (State, error) {
	return defaultAssembler.Fold(s, rec)
}

// FoldAll applies records in order and stops at the first error.
func (a *Assembler) FoldAll(s State, recs ...domain.Record) (State, error) {
	var err error
	for _, rec := range recs {
		if s, err = a.Fold(s, rec); err != nil {
			return s, err
		}
	}
	return s, nil
}

func violation(format string, args ...any) error {
	return domain.NewDomainError("Assembler.Fold", domain.ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Fold applies one record and returns the next state. Preconditions are
// checked before anything is modified, so on error the returned state equals
// the input. An error record yields an error wrapping domain.ErrUpstream.
func (a *Assembler) Fold(s State, rec domain.Record) (State, error) {
	if s.Finished {
		return s, violation("%s after finish_message", rec.RecordType())
	}

	switch r := rec.(type) {
	case domain.TextRecord:
		s.appendText(r.Delta)

	case domain.ReasoningRecord:
		s.appendReasoning(r.Delta)

	case domain.ReasoningSignatureRecord:
		if s.reasoningPart >= 0 && s.reasoningDetail >= 0 {
			s.Message.Parts[s.reasoningPart].Details[s.reasoningDetail].Signature = r.Signature
		}

	case domain.RedactedReasoningRecord:
		if !s.isOpen(s.reasoningPart) {
			s.Message.Parts = append(s.Message.Parts, domain.Part{Type: domain.PartReasoning})
			s.reasoningPart = len(s.Message.Parts) - 1
		}
		p := &s.Message.Parts[s.reasoningPart]
		p.Details = append(p.Details, domain.ReasoningDetail{Type: domain.DetailRedacted, Data: r.Data})
		s.reasoningDetail = -1

	case domain.SourceRecord:
		src := r.Source
		s.Message.Parts = append(s.Message.Parts, domain.Part{Type: domain.PartSource, Source: &src})

	case domain.FileRecord:
		s.Message.Parts = append(s.Message.Parts, domain.Part{Type: domain.PartFile, MimeType: r.MimeType, Data: r.Data})

	case domain.DataRecord:
		s.Data = append(s.Data, r.Items...)

	case domain.MessageAnnotationsRecord:
		s.Message.Annotations = append(s.Message.Annotations, r.Items...)

	case domain.ToolCallStreamingStartRecord:
		if _, ok := s.partial[r.ToolCallID]; ok || s.invocationIndex(r.ToolCallID) >= 0 {
			return s, violation("duplicate tool call %q", r.ToolCallID)
		}
		inv := domain.ToolInvocation{
			State:      domain.ToolStatePartialCall,
			Step:       s.Step,
			ToolCallID: r.ToolCallID,
			ToolName:   r.ToolName,
		}
		if s.partial == nil {
			s.partial = make(map[string]partialCall)
		}
		s.partial[r.ToolCallID] = partialCall{Step: s.Step, ToolName: r.ToolName, Index: len(s.Message.ToolInvocations)}
		s.addInvocation(inv)

	case domain.ToolCallDeltaRecord:
		pc, ok := s.partial[r.ToolCallID]
		if !ok {
			return s, violation("delta for unknown or finalized tool call %q", r.ToolCallID)
		}
		pc.Text += r.ArgsTextDelta
		s.partial[r.ToolCallID] = pc

		inv := s.Message.ToolInvocations[pc.Index]
		if res := Repair(pc.Text); res.State != ParseFailed {
			inv.Args = res.Value
		} else {
			inv.Args = nil
		}
		s.setInvocation(pc.Index, inv)

	case domain.ToolCallRecord:
		pc, streaming := s.partial[r.ToolCallID]
		if !streaming && s.invocationIndex(r.ToolCallID) >= 0 {
			return s, violation("duplicate tool call %q", r.ToolCallID)
		}
		inv := domain.ToolInvocation{
			State:      domain.ToolStateCall,
			Step:       s.Step,
			ToolCallID: r.ToolCallID,
			ToolName:   r.ToolName,
			Args:       r.Args,
		}
		if a.toolHandler != nil {
			if result, ok := a.toolHandler(domain.ToolCall{ToolCallID: r.ToolCallID, ToolName: r.ToolName, Args: r.Args}); ok {
				inv.State = domain.ToolStateResult
				inv.Result = result
			}
		}
		if streaming {
			inv.Step = pc.Step
			delete(s.partial, r.ToolCallID)
			s.setInvocation(pc.Index, inv)
		} else {
			s.addInvocation(inv)
		}

	case domain.ToolResultRecord:
		idx := s.invocationIndex(r.ToolCallID)
		if idx < 0 {
			return s, violation("result for unknown tool call %q", r.ToolCallID)
		}
		inv := s.Message.ToolInvocations[idx]
		if inv.State == domain.ToolStateResult {
			return s, violation("duplicate result for tool call %q", r.ToolCallID)
		}
		inv.State = domain.ToolStateResult
		inv.Result = r.Result
		delete(s.partial, r.ToolCallID)
		s.setInvocation(idx, inv)

	case domain.StartStepRecord:
		if !s.Continuation && !s.idAdopted && r.MessageID != "" {
			s.Message.ID = r.MessageID
		}
		s.idAdopted = true
		s.Message.Parts = append(s.Message.Parts, domain.Part{Type: domain.PartStepStart})

	case domain.FinishStepRecord:
		s.Step++
		if !r.IsContinued {
			s.textPart = -1
			s.reasoningPart = -1
			s.reasoningDetail = -1
		}

	case domain.FinishMessageRecord:
		s.Finished = true
		s.FinishReason = r.FinishReason
		s.Usage = r.Usage

	case domain.ErrorRecord:
		return s, domain.NewDomainError("Assembler.Fold", domain.ErrUpstream, r.Message)

	default:
		return s, fmt.Errorf("fold: unsupported record %T", rec)
	}
	return s, nil
}

// isOpen reports whether the part at idx may still be extended: it exists
// and only step-start parts follow it.
func (s *State) isOpen(idx int) bool {
	if idx < 0 || idx >= len(s.Message.Parts) {
		return false
	}
	for _, p := range s.Message.Parts[idx+1:] {
		if p.Type != domain.PartStepStart {
			return false
		}
	}
	return true
}

func (s *State) appendText(delta string) {
	s.Message.Content += delta
	if s.isOpen(s.textPart) {
		s.Message.Parts[s.textPart].Text += delta
		return
	}
	s.Message.Parts = append(s.Message.Parts, domain.Part{Type: domain.PartText, Text: delta})
	s.textPart = len(s.Message.Parts) - 1
}

func (s *State) appendReasoning(delta string) {
	s.Message.Reasoning += delta
	if !s.isOpen(s.reasoningPart) {
		s.Message.Parts = append(s.Message.Parts, domain.Part{Type: domain.PartReasoning})
		s.reasoningPart = len(s.Message.Parts) - 1
		s.reasoningDetail = -1
	}
	p := &s.Message.Parts[s.reasoningPart]
	p.Reasoning += delta
	if s.reasoningDetail >= 0 {
		p.Details[s.reasoningDetail].Text += delta
		return
	}
	p.Details = append(p.Details, domain.ReasoningDetail{Type: domain.DetailText, Text: delta})
	s.reasoningDetail = len(p.Details) - 1
}

func (s *State) invocationIndex(id string) int {
	for i, inv := range s.Message.ToolInvocations {
		if inv.ToolCallID == id {
			return i
		}
	}
	return -1
}

func (s *State) addInvocation(inv domain.ToolInvocation) {
	s.Message.ToolInvocations = append(s.Message.ToolInvocations, inv)
	s.Message.Parts = append(s.Message.Parts, domain.Part{Type: domain.PartToolInvocation, ToolInvocation: &inv})
}

// setInvocation replaces an invocation and its part in place.
func (s *State) setInvocation(idx int, inv domain.ToolInvocation) {
	s.Message.ToolInvocations[idx] = inv
	for i := range s.Message.Parts {
		p := &s.Message.Parts[i]
		if p.Type == domain.PartToolInvocation && p.ToolInvocation != nil && p.ToolInvocation.ToolCallID == inv.ToolCallID {
			cp := inv
			p.ToolInvocation = &cp
			return
		}
	}
	cp := inv
	s.Message.Parts = append(s.Message.Parts, domain.Part{Type: domain.PartToolInvocation, ToolInvocation: &cp})
}
