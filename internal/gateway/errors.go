package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled is returned when the caller's context is cancelled before a
// result is available. It wraps context.Canceled.
var ErrCancelled = fmt.Errorf("gateway: request cancelled: %w", context.Canceled)

// CallerError reports a request the gateway or a provider rejected as
// invalid. It is never retried against another provider.
type CallerError struct {
	Detail string
	// Provider is set when an upstream rejected the request.
	Provider string
}

func (e *CallerError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("gateway: invalid request (rejected by %s): %s", e.Provider, e.Detail)
	}
	return "gateway: invalid request: " + e.Detail
}

func callerErrorf(format string, args ...any) *CallerError {
	return &CallerError{Detail: fmt.Sprintf(format, args...)}
}

// Attempt is one entry of the ordered attempt log. Skipped candidates are
// included with the reason they were passed over.
type Attempt struct {
	Provider       string `json:"provider"`
	Classification string `json:"classification"`
	Detail         string `json:"detail,omitempty"`
	Skipped        bool   `json:"skipped,omitempty"`
}

// Skip reasons recorded as the classification of skipped attempts.
const (
	skipRateLimited = "rate_limited"
	skipCircuitOpen = "circuit_open"
	budgetExceeded  = "budget_exceeded"
)

// ExhaustedError is returned when no provider produced a result and the
// fallback chain had nothing to serve.
type ExhaustedError struct {
	Service   string
	Operation string
	Attempts  []Attempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gateway: all providers exhausted for %s.%s", e.Service, e.Operation)
	if len(e.Attempts) == 0 {
		b.WriteString(": no providers available")
		return b.String()
	}
	for i, a := range e.Attempts {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(a.Provider)
		b.WriteString(" ")
		b.WriteString(a.Classification)
		if a.Detail != "" {
			b.WriteString(" (" + a.Detail + ")")
		}
	}
	return b.String()
}

// abortedError ends a dispatch whose context finished early. It keeps the
// attempts made so far so the caller can still report them.
type abortedError struct {
	cause    error
	attempts []Attempt
}

func (e *abortedError) Error() string { return "gateway: dispatch aborted: " + e.cause.Error() }
func (e *abortedError) Unwrap() error { return e.cause }

// exhaustedDispatch ends a dispatch in which every candidate failed.
type exhaustedDispatch struct {
	attempts []Attempt
}

func (e *exhaustedDispatch) Error() string { return "gateway: every candidate failed" }

// attemptsOf extracts the attempt log carried by a dispatch error.
func attemptsOf(err error) []Attempt {
	var ab *abortedError
	if errors.As(err, &ab) {
		return ab.attempts
	}
	var ex *exhaustedDispatch
	if errors.As(err, &ex) {
		return ex.attempts
	}
	return nil
}
