package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the stable classification every failure carries to the caller.
type ErrorKind string

const (
	// ErrCapabilityUnavailable means the provider cannot serve this host or is unconfigured.
	ErrCapabilityUnavailable ErrorKind = "capability_unavailable"

	// ErrUnsupportedInputPair means the provider rejects the language pair or input.
	ErrUnsupportedInputPair ErrorKind = "unsupported_input_pair"

	// ErrNetwork covers transport failures and 5xx responses.
	ErrNetwork ErrorKind = "network"

	// ErrTimeout means a single attempt exceeded its timeout.
	ErrTimeout ErrorKind = "timeout"

	// ErrRateLimited means the provider asked us to slow down.
	ErrRateLimited ErrorKind = "rate_limited"

	// ErrEmptyResult means the provider answered with nothing usable.
	ErrEmptyResult ErrorKind = "empty_result"

	// ErrTaskTimeout is raised by the router watchdog.
	ErrTaskTimeout ErrorKind = "task_timeout"

	// ErrStartupFailed means the worker context could not be created or reached.
	ErrStartupFailed ErrorKind = "startup_failed"
)

// DefaultRetryable lists the kinds worth another attempt against the same provider.
func DefaultRetryable() map[ErrorKind]bool {
	return map[ErrorKind]bool{
		ErrNetwork:     true,
		ErrTimeout:     true,
		ErrRateLimited: true,
		ErrEmptyResult: true,
	}
}

// IsRetryable reports whether the kind is in the default retryable set.
func (k ErrorKind) IsRetryable() bool {
	return DefaultRetryable()[k]
}

// ParseErrorKind converts a wire string back to an ErrorKind.
// Unknown values map to ErrNetwork so that callers always see a known kind.
func ParseErrorKind(s string) ErrorKind {
	switch k := ErrorKind(s); k {
	case ErrCapabilityUnavailable, ErrUnsupportedInputPair, ErrNetwork, ErrTimeout,
		ErrRateLimited, ErrEmptyResult, ErrTaskTimeout, ErrStartupFailed:
		return k
	}
	return ErrNetwork
}

// Error is a classified failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithProvider tags a classified error with the provider that produced it.
// Unclassified errors are classified first.
func WithProvider(provider string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		if te.Provider != "" {
			return err
		}
		return &Error{Kind: te.Kind, Provider: provider, Err: te.Err}
	}
	return &Error{Kind: KindOf(err), Provider: provider, Err: err}
}

// KindOf classifies any error. Deadlines map to ErrTimeout and anything
// unclassified is treated as a network failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var chain *ChainError
	if errors.As(err, &chain) {
		return chain.Kind
	}

	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}

	return ErrNetwork
}

// Is reports whether err is classified as kind.
func Is(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// AdapterFailure is the final outcome of one adapter in a fallback chain.
type AdapterFailure struct {
	Adapter  string
	Attempts int
	Err      error
}

// ChainError is returned when every adapter in a chain failed.
// It keeps each adapter's final error so callers can see what happened everywhere.
type ChainError struct {
	TaskKind Kind
	Kind     ErrorKind
	Failures []AdapterFailure
}

func (e *ChainError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s (%d attempts)", f.Adapter, KindOf(f.Err), f.Attempts))
	}
	return fmt.Sprintf("all providers failed for %s: %s", e.TaskKind, strings.Join(parts, "; "))
}

// Unwrap exposes the adapter errors to errors.Is/As.
func (e *ChainError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}
