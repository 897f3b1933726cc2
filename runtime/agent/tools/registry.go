package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/template"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/verity/runtime/agent/model"
)

// Registry is an immutable table of tools resolved at startup. Lookups are
// safe for concurrent use without locking; With returns a new Registry.
type Registry struct {
	entries map[Ident]*entry
	order   []Ident
}

type entry struct {
	spec   Spec
	schema *jsonschema.Schema
	hint   *template.Template
}

// NewRegistry compiles the schemas and hint templates of specs. Duplicate
// names, missing handlers and invalid schemas are rejected.
func NewRegistry(specs ...Spec) (*Registry, error) {
	return (&Registry{entries: map[Ident]*entry{}}).With(specs...)
}

// With returns a copy of r extended with specs.
func (r *Registry) With(specs ...Spec) (*Registry, error) {
	out := &Registry{
		entries: make(map[Ident]*entry, len(r.entries)+len(specs)),
		order:   append([]Ident(nil), r.order...),
	}
	for k, v := range r.entries {
		out.entries[k] = v
	}
	for _, s := range specs {
		if s.Name == "" {
			return nil, errors.New("tools: tool name is required")
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("tools: tool %q has no handler", s.Name)
		}
		if _, dup := out.entries[s.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", s.Name)
		}
		e := &entry{spec: s}
		if len(s.InputSchema) > 0 {
			sch, err := compileSchema(s.Name, s.InputSchema)
			if err != nil {
				return nil, err
			}
			e.schema = sch
		}
		if s.Hint != "" {
			tmpl, err := template.New(string(s.Name)).Option("missingkey=zero").Parse(s.Hint)
			if err != nil {
				return nil, fmt.Errorf("tools: parse hint for %q: %w", s.Name, err)
			}
			e.hint = tmpl
		}
		out.entries[s.Name] = e
		out.order = append(out.order, s.Name)
	}
	sort.Slice(out.order, func(i, j int) bool { return out.order[i] < out.order[j] })
	return out, nil
}

func compileSchema(name Ident, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tools: unmarshal schema for %q: %w", name, err)
	}
	loc := string(name) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(loc, doc); err != nil {
		return nil, fmt.Errorf("tools: add schema for %q: %w", name, err)
	}
	sch, err := c.Compile(loc)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema for %q: %w", name, err)
	}
	return sch, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []Ident {
	return append([]Ident(nil), r.order...)
}

// Spec returns the spec registered under name.
func (r *Registry) Spec(name Ident) (Spec, bool) {
	e, ok := r.entries[name]
	if !ok {
		return Spec{}, false
	}
	return e.spec, true
}

// Definitions returns the model-facing definitions of every tool.
func (r *Registry) Definitions() []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		e := r.entries[n]
		var schema any = map[string]any{"type": "object"}
		if len(e.spec.InputSchema) > 0 {
			schema = json.RawMessage(e.spec.InputSchema)
		}
		defs = append(defs, &model.ToolDefinition{
			Name:        string(n),
			Description: e.spec.Description,
			InputSchema: schema,
		})
	}
	return defs
}

// Validate checks args against the schema of name. It returns nil when the
// tool declares no schema.
func (r *Registry) Validate(name Ident, args json.RawMessage) []FieldIssue {
	e, ok := r.entries[name]
	if !ok || e.schema == nil {
		return nil
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return []FieldIssue{{Field: "/", Constraint: "json"}}
	}
	if err := e.schema.Validate(doc); err != nil {
		return fieldIssues(err)
	}
	return nil
}

// Hint renders the status hint of name for args. It returns "" when the tool
// declares no hint or rendering fails.
func (r *Registry) Hint(name Ident, args json.RawMessage) string {
	e, ok := r.entries[name]
	if !ok || e.hint == nil {
		return ""
	}
	var data map[string]any
	_ = json.Unmarshal(args, &data)
	var buf bytes.Buffer
	if err := e.hint.Execute(&buf, data); err != nil {
		return ""
	}
	return buf.String()
}

func (r *Registry) lookup(name Ident) (*entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}
