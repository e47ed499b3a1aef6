// Package embedding turns chunk texts into vectors through a remote
// embedding provider, with batching, throttling and retries.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"legal-rag/internal/models"
)

// Provider computes embeddings for a batch of texts. Vectors are returned
// in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// ErrorKind classifies a provider failure
type ErrorKind int

const (
	// KindAPI is a server side or malformed response failure
	KindAPI ErrorKind = iota
	// KindRateLimit is a rejected request due to quota or throttling
	KindRateLimit
	// KindAuth is a rejected credential, never retried
	KindAuth
	// KindTimeout is a call that exceeded the request timeout
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate limit"
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	default:
		return "api"
	}
}

// ProviderError describes a failed provider call
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	// RetryAfter is the delay requested by the provider, if any
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

// Unwrap exposes both the ErrProvider sentinel and the underlying cause
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{models.ErrProvider}
	}
	return []error{models.ErrProvider, e.Err}
}

// IsRetryable reports whether a failed call may succeed when repeated
func IsRetryable(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind != KindAuth
}

// IsRateLimit reports whether the provider throttled the call
func IsRateLimit(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindRateLimit
}

// kindForStatus maps an HTTP status code to an error kind
func kindForStatus(code int) ErrorKind {
	switch code {
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	}
	return KindAPI
}

// parseRetryAfter reads a Retry-After header given in seconds
func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
