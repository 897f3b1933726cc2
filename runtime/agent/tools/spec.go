// Package tools implements the tool side of the engine: the typed table of
// tool handlers resolved at startup, the Result value returned for every
// call and the Executor that runs calls under a timeout and retry policy.
package tools

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Spec declares a tool. Specs are resolved once into a Registry.
	Spec struct {
		// Name is the unique tool identifier presented to the model.
		Name Ident
		// Description documents the tool for the model.
		Description string
		// InputSchema is the JSON Schema of the arguments. Empty accepts any
		// JSON object.
		InputSchema []byte
		// Handler executes the tool.
		Handler Handler
		// Timeout overrides the executor default per attempt timeout.
		Timeout time.Duration
		// MaxAttempts caps handler invocations per call. Zero keeps the
		// executor policy.
		MaxAttempts int
		// Idempotent marks tools whose successful results may be served from
		// the executor result cache for identical arguments.
		Idempotent bool
		// Hint is an optional text/template rendered as a status update while
		// the tool runs. The template receives the decoded arguments.
		Hint string
	}

	// Handler executes a tool call. Returned values other than string and
	// []byte are serialized to JSON before reaching the model. Handlers must
	// honor ctx cancellation.
	Handler interface {
		Call(ctx context.Context, args json.RawMessage) (any, error)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

	// Call is a tool invocation requested by the model.
	Call struct {
		ID   string
		Name Ident
		Args json.RawMessage
	}
)

// Call invokes f.
func (f HandlerFunc) Call(ctx context.Context, args json.RawMessage) (any, error) {
	return f(ctx, args)
}
