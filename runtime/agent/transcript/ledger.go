// Package transcript records the provider-precise conversation the actor
// builds during one ACT phase. The ledger keeps parts in the order providers
// require (text, tool_use on the assistant side; tool_result on the user side)
// and checks that every tool_use gets exactly one tool_result.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/verity/runtime/agent/model"
)

type (
	// Ledger holds the ordered transcript for one actor invocation.
	Ledger struct {
		messages []*model.Message
		// current accumulates the pending assistant message so text and
		// tool_use parts coalesce before flushing.
		current *model.Message
		// pending tracks tool_use IDs declared in the last flushed assistant
		// message that still need a result.
		pending []string
	}

	// ToolResultSpec describes a single tool_result block.
	ToolResultSpec struct {
		ToolUseID string
		Content   string
		IsError   bool
	}
)

// NewLedger constructs an empty Ledger seeded with msgs.
func NewLedger(msgs ...*model.Message) *Ledger {
	l := &Ledger{messages: make([]*model.Message, 0, len(msgs)+8)}
	l.messages = append(l.messages, msgs...)
	return l
}

// AppendUserText appends a user text message. Any pending assistant message
// is flushed first.
func (l *Ledger) AppendUserText(text string) {
	l.FlushAssistant()
	l.messages = append(l.messages, model.UserText(text))
}

// AppendText appends assistant text to the pending assistant message.
// Consecutive text parts are merged.
func (l *Ledger) AppendText(text string) {
	if text == "" {
		return
	}
	l.ensureCurrent()
	if n := len(l.current.Parts); n > 0 {
		if tp, ok := l.current.Parts[n-1].(model.TextPart); ok {
			l.current.Parts[n-1] = model.TextPart{Text: tp.Text + text}
			return
		}
	}
	l.current.Parts = append(l.current.Parts, model.TextPart{Text: text})
}

// DeclareToolUse appends a tool_use part to the pending assistant message.
func (l *Ledger) DeclareToolUse(id, name string, input json.RawMessage) {
	l.ensureCurrent()
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	l.current.Parts = append(l.current.Parts, model.ToolUsePart{ID: id, Name: name, Input: input})
}

// FlushAssistant finalizes the pending assistant message, if any.
func (l *Ledger) FlushAssistant() {
	if l.current == nil {
		return
	}
	if len(l.current.Parts) > 0 {
		l.messages = append(l.messages, l.current)
		l.pending = l.pending[:0]
		for _, p := range l.current.Parts {
			if tu, ok := p.(model.ToolUsePart); ok {
				l.pending = append(l.pending, tu.ID)
			}
		}
	}
	l.current = nil
}

// AppendUserToolResults appends one user message holding the given results.
// Results must match the tool_use IDs of the last assistant message one for
// one.
func (l *Ledger) AppendUserToolResults(results []ToolResultSpec) error {
	l.FlushAssistant()
	if len(results) != len(l.pending) {
		return fmt.Errorf("transcript: %d tool results for %d tool uses", len(results), len(l.pending))
	}
	want := make(map[string]struct{}, len(l.pending))
	for _, id := range l.pending {
		want[id] = struct{}{}
	}
	msg := &model.Message{Role: model.ConversationRoleUser, Parts: make([]model.Part, 0, len(results))}
	for _, r := range results {
		if _, ok := want[r.ToolUseID]; !ok {
			return fmt.Errorf("transcript: tool result %q does not match a pending tool use", r.ToolUseID)
		}
		delete(want, r.ToolUseID)
		msg.Parts = append(msg.Parts, model.ToolResultPart{ToolUseID: r.ToolUseID, Content: r.Content, IsError: r.IsError})
	}
	l.messages = append(l.messages, msg)
	l.pending = l.pending[:0]
	return nil
}

// BuildMessages returns the transcript including the pending assistant
// message. The returned slice is a copy.
func (l *Ledger) BuildMessages() []*model.Message {
	out := make([]*model.Message, 0, len(l.messages)+1)
	out = append(out, l.messages...)
	if l.current != nil && len(l.current.Parts) > 0 {
		cp := *l.current
		cp.Parts = append([]model.Part(nil), l.current.Parts...)
		out = append(out, &cp)
	}
	return out
}

func (l *Ledger) ensureCurrent() {
	if l.current == nil {
		l.current = &model.Message{Role: model.ConversationRoleAssistant}
	}
}

// Validate verifies that every assistant message carrying tool_use parts is
// immediately followed by a user message whose tool_result parts match the
// tool_use IDs exactly.
func Validate(messages []*model.Message) error {
	for i, m := range messages {
		if m == nil || m.Role != model.ConversationRoleAssistant {
			continue
		}
		useIDs := make(map[string]struct{})
		for _, p := range m.Parts {
			if tu, ok := p.(model.ToolUsePart); ok {
				useIDs[tu.ID] = struct{}{}
			}
		}
		if len(useIDs) == 0 {
			continue
		}
		if i+1 >= len(messages) || messages[i+1] == nil || messages[i+1].Role != model.ConversationRoleUser {
			return errors.New("transcript: expected user tool_result following assistant tool_use")
		}
		seen := 0
		for _, p := range messages[i+1].Parts {
			tr, ok := p.(model.ToolResultPart)
			if !ok {
				continue
			}
			if _, ok := useIDs[tr.ToolUseID]; !ok {
				return fmt.Errorf("transcript: tool_result %q does not match prior tool_use", tr.ToolUseID)
			}
			seen++
		}
		if seen != len(useIDs) {
			return fmt.Errorf("transcript: %d tool results for %d tool uses", seen, len(useIDs))
		}
	}
	return nil
}
