package sberrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   Class
	}{
		{"unauthorized", http.StatusUnauthorized, ClassPermanent},
		{"forbidden", http.StatusForbidden, ClassPermanent},
		{"not found", http.StatusNotFound, ClassPermanent},
		{"rate limited", http.StatusTooManyRequests, ClassRateLimited},
		{"bad gateway", http.StatusBadGateway, ClassTransient},
		{"service unavailable", http.StatusServiceUnavailable, ClassTransient},
		{"gateway timeout", http.StatusGatewayTimeout, ClassTransient},
		{"internal error", http.StatusInternalServerError, ClassUnknown},
		{"teapot", http.StatusTeapot, ClassUnknown},
		{"conflict", http.StatusConflict, ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := FromStatus("create", tt.status, errors.New("boom"))
			assert.Equal(t, tt.want, pe.Class)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, "create", pe.Op)
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestFromTransport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"wrapped deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), ClassTransient},
		{"net timeout", timeoutErr{}, ClassTransient},
		{"context canceled", context.Canceled, ClassPermanent},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ClassTransient},
		{"unrecognized", errors.New("something odd"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromTransport("connect", tt.err).Class)
		})
	}
}

func TestClassify(t *testing.T) {
	pe := FromStatus("pause", http.StatusTooManyRequests, errors.New("slow down"))
	assert.Equal(t, ClassRateLimited, Classify(pe))
	assert.Equal(t, ClassRateLimited, Classify(fmt.Errorf("pausing: %w", pe)))

	// Errors that never went through the adapter are unknown, not sniffed.
	assert.Equal(t, ClassUnknown, Classify(errors.New("HTTP 429 too many requests")))
	assert.Equal(t, ClassUnknown, Classify(nil))
}

func TestRetryable(t *testing.T) {
	assert.False(t, ClassPermanent.Retryable())
	assert.True(t, ClassTransient.Retryable())
	assert.True(t, ClassRateLimited.Retryable())
	assert.True(t, ClassUnknown.Retryable())
}

func TestNotFound(t *testing.T) {
	nf := FromStatus("connect", http.StatusNotFound, errors.New("gone"))
	require.True(t, NotFound(nf))
	require.True(t, NotFound(fmt.Errorf("reconnect: %w", nf)))
	require.False(t, NotFound(FromStatus("connect", http.StatusForbidden, errors.New("no"))))
	require.False(t, NotFound(errors.New("404 not found")))
}
