package tools

import (
	"fmt"
	"time"

	"goa.design/verity/runtime/agent/toolerrors"
)

type (
	// Result is the outcome of a tool call. Exactly one of Data or Failure
	// is meaningful: Failure is nil on success. Results are values; the
	// executor never returns errors or panics to its caller.
	Result struct {
		// CallID correlates the result with the requesting Call.
		CallID string
		// Name is the invoked tool.
		Name Ident
		// Data is the serialized success payload.
		Data string
		// Failure describes why the call failed.
		Failure *Failure
		// Attempts is the number of handler invocations made.
		Attempts int
		// Duration is the wall time spent including backoff.
		Duration time.Duration
		// Cached is true when Data was served from the result cache.
		Cached bool
	}

	// Failure is the failure branch of a Result.
	Failure struct {
		Code      toolerrors.Code
		Message   string
		Retryable bool
	}
)

// OK reports whether the call succeeded.
func (r Result) OK() bool {
	return r.Failure == nil
}

// Code returns "OK" on success or the failure code.
func (r Result) Code() string {
	if r.Failure == nil {
		return "OK"
	}
	return string(r.Failure.Code)
}

// Content renders the result as text for the model.
func (r Result) Content() string {
	if r.Failure == nil {
		return r.Data
	}
	retry := "not retryable"
	if r.Failure.Retryable {
		retry = "retryable"
	}
	return fmt.Sprintf("ERROR %s (%s): %s", r.Failure.Code, retry, r.Failure.Message)
}

func failed(call Call, code toolerrors.Code, msg string, retryable bool) Result {
	return Result{
		CallID:  call.ID,
		Name:    call.Name,
		Failure: &Failure{Code: code, Message: msg, Retryable: retryable},
	}
}
