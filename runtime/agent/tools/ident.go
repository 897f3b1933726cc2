package tools

import "strings"

// Ident names a registered tool as "<toolset>.<tool>", e.g. "web.fetch".
type Ident string

func (id Ident) String() string { return string(id) }

// Toolset is the part before the last dot, or "" for undotted names.
func (id Ident) Toolset() string {
	if i := strings.LastIndexByte(string(id), '.'); i >= 0 {
		return string(id[:i])
	}
	return ""
}

// Tool is the part after the last dot.
func (id Ident) Tool() string {
	return string(id[strings.LastIndexByte(string(id), '.')+1:])
}
