package providers

import (
	"fmt"
	"strings"
)

// ProviderError wraps a backend API failure with enough structure for
// the caller to decide whether to retry or surface it.
type ProviderError struct {
	Provider string
	Model    string

	// Status is the HTTP status code, or 0 when the failure never
	// reached the API.
	Status int

	// Code is the API's error type, e.g. "rate_limit_error".
	Code string

	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Code != "" {
		fmt.Fprintf(&b, ": %s", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// retryable reports whether a request failure is transient. Rate
// limits, server errors, timeouts, and connection resets are worth a
// retry; authentication and validation failures are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := err.(*ProviderError); ok {
		switch {
		case pe.Status == 429:
			return true
		case pe.Status >= 500 && pe.Status <= 599:
			return true
		case pe.Status != 0:
			return false
		}
	}

	msg := err.Error()
	for _, marker := range []string{
		"rate limit", "rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
