package reliability

import (
	"net/http"
	"time"
)

// Class buckets an HTTP response from a provider API.
type Class string

const (
	ClassOK        Class = "ok"
	ClassAuth      Class = "auth"
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps a status code onto a Class.
func ClassifyHTTPStatus(code int) Class {
	switch {
	case code >= 200 && code < 300:
		return ClassOK
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ClassAuth
	case IsRetryableHTTPStatus(code) || code >= 500:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
