package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// CallAssembler rebuilds tool calls from providers that stream a call as a
// start event, argument fragments and a stop event, all keyed by content
// block index. Wire tool names are mapped back to canonical names.
type CallAssembler struct {
	names *ToolNames
	open  map[int]*pendingCall
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// NewCallAssembler returns an assembler translating wire names through
// names, which may be nil.
func NewCallAssembler(names *ToolNames) *CallAssembler {
	return &CallAssembler{names: names, open: make(map[int]*pendingCall)}
}

// Start opens the call at block index idx.
func (a *CallAssembler) Start(idx int, id, name string) error {
	if id == "" {
		return errors.New("tool use block missing id")
	}
	if name == "" {
		return fmt.Errorf("tool use block %q missing name", id)
	}
	a.open[idx] = &pendingCall{id: id, name: a.names.Canonical(name)}
	return nil
}

// Append adds an argument fragment to the call at idx. Fragments for blocks
// that are not tool calls are dropped.
func (a *CallAssembler) Append(idx int, fragment string) {
	if pc := a.open[idx]; pc != nil {
		pc.args.WriteString(fragment)
	}
}

// Finish closes the block at idx and returns its call, or nil when the
// block was not a tool call. Empty arguments become an empty JSON object.
func (a *CallAssembler) Finish(idx int) *ToolCall {
	pc := a.open[idx]
	if pc == nil {
		return nil
	}
	delete(a.open, idx)
	payload := strings.TrimSpace(pc.args.String())
	if payload == "" {
		payload = "{}"
	}
	return &ToolCall{ID: pc.id, Name: pc.name, Payload: json.RawMessage(payload)}
}

// Reset discards any call left open by an interrupted message.
func (a *CallAssembler) Reset() {
	clear(a.open)
}
