// Package sberrors classifies sandbox-provider failures into retry classes.
// Classification happens once at the provider boundary; the rest of the
// engine switches on the typed class instead of sniffing error strings.
package sberrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class is the retry class of a provider failure.
type Class string

const (
	// ClassPermanent failures (auth, authorization, not-found) are never
	// retried and surface immediately.
	ClassPermanent Class = "permanent"
	// ClassTransient failures (timeouts, connection resets, 5xx) are retried
	// with exponential backoff.
	ClassTransient Class = "transient"
	// ClassRateLimited failures (429) are retried with a longer fixed
	// backoff distinct from transient backoff.
	ClassRateLimited Class = "rate_limited"
	// ClassUnknown failures get a conservative retry as a safe default.
	ClassUnknown Class = "unknown"
)

// Retryable reports whether failures of this class may be retried at all.
func (c Class) Retryable() bool {
	return c != ClassPermanent
}

// ProviderError carries the classification assigned at the boundary.
type ProviderError struct {
	Class      Class
	Op         string // provider operation, e.g. "create", "pause"
	StatusCode int    // HTTP status when applicable, else 0
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("sandbox provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sandbox provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// New wraps err with an explicit class.
func New(class Class, op string, err error) *ProviderError {
	return &ProviderError{Class: class, Op: op, Err: err}
}

// FromStatus classifies an HTTP response status from the provider.
func FromStatus(op string, status int, err error) *ProviderError {
	pe := &ProviderError{Op: op, StatusCode: status, Err: err}
	switch {
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound:
		pe.Class = ClassPermanent
	case status == http.StatusTooManyRequests:
		pe.Class = ClassRateLimited
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		pe.Class = ClassTransient
	default:
		pe.Class = ClassUnknown
	}
	return pe
}

// FromTransport classifies a transport-level error (no HTTP response).
func FromTransport(op string, err error) *ProviderError {
	pe := &ProviderError{Op: op, Err: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		pe.Class = ClassTransient
	case errors.As(err, &netErr) && netErr.Timeout():
		pe.Class = ClassTransient
	case errors.Is(err, context.Canceled):
		pe.Class = ClassPermanent // caller gave up, do not retry
	default:
		// Connection refused/reset and DNS failures land here.
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			pe.Class = ClassTransient
		} else {
			pe.Class = ClassUnknown
		}
	}
	return pe
}

// Classify extracts the class from any error. Errors that did not come
// through the provider adapter classify as unknown.
func Classify(err error) Class {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassUnknown
}

// NotFound reports whether the error is the provider's "sandbox no longer
// exists" answer, which the pause sweep treats as a kill signal.
func NotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}
