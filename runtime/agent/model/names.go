package model

import "fmt"

// ToolNames maps canonical tool names such as "knowledge.search" to the
// sanitized names sent on the wire for one request, and back. A nil
// *ToolNames passes every name through unchanged.
type ToolNames struct {
	wire  map[string]string
	canon map[string]string
}

// MapToolNames sanitizes the names of defs. Two tools whose names sanitize
// to the same wire name are rejected.
func MapToolNames(defs []*ToolDefinition) (*ToolNames, error) {
	n := &ToolNames{
		wire:  make(map[string]string, len(defs)),
		canon: make(map[string]string, len(defs)),
	}
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		w := SanitizeToolName(def.Name)
		if prev, ok := n.canon[w]; ok && prev != def.Name {
			return nil, fmt.Errorf("tool name %q sanitizes to %q which collides with %q", def.Name, w, prev)
		}
		n.wire[def.Name] = w
		n.canon[w] = def.Name
	}
	return n, nil
}

// Wire returns the name a provider knows canonical by.
func (n *ToolNames) Wire(canonical string) string {
	if n != nil {
		if w, ok := n.wire[canonical]; ok {
			return w
		}
	}
	return canonical
}

// Canonical returns the registry name for a wire name. Names the model
// invented are returned as-is so the executor reports them as unknown tools.
func (n *ToolNames) Canonical(wire string) string {
	if n != nil {
		if c, ok := n.canon[wire]; ok {
			return c
		}
	}
	return wire
}
