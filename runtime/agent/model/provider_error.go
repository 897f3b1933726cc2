package model

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind groups provider failures by how the loop should react to them.
type ErrorKind string

const (
	// KindAuth is a credential or permission failure.
	KindAuth ErrorKind = "auth"
	// KindInvalidRequest is a request the provider will keep rejecting.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindRateLimited is provider throttling.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnavailable is a transient outage (5xx, timeouts).
	KindUnavailable ErrorKind = "unavailable"
	// KindUnknown is anything else.
	KindUnknown ErrorKind = "unknown"
)

// ProviderError is a failed completion call normalized across adapters. The
// retry classifier and the runtime status mapping read Kind.
type ProviderError struct {
	// Provider names the adapter, e.g. "bedrock".
	Provider string
	// Op is the provider operation, e.g. "converse_stream".
	Op string
	// Status is the HTTP status when the provider returned one.
	Status int
	Kind   ErrorKind
	// Code and Message are the provider's own error code and text.
	Code    string
	Message string
	Err     error
}

// Retryable reports whether the same request may succeed later.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Provider, e.Kind)
	if e.Status > 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	op := e.Op
	if op == "" {
		op = "request"
	}
	fmt.Fprintf(&b, " (%s): ", op)
	if e.Code != "" {
		b.WriteString(e.Code + ": ")
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("provider error")
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status to an ErrorKind.
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout, status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindInvalidRequest
	}
	return KindUnknown
}

// WrapStatus builds a ProviderError for an HTTP failure. Throttling errors
// also match ErrRateLimited.
func WrapStatus(provider, op string, status int, code, message string, cause error) error {
	pe := &ProviderError{
		Provider: provider,
		Op:       op,
		Status:   status,
		Kind:     KindForStatus(status),
		Code:     code,
		Message:  message,
		Err:      cause,
	}
	if pe.Kind == KindRateLimited {
		return errors.Join(ErrRateLimited, pe)
	}
	return pe
}

// AsProviderError returns the first ProviderError in err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	ok := errors.As(err, &pe)
	return pe, ok
}
