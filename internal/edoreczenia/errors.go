package edoreczenia

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an upstream failure for the protocol layers. The
// client is the only place that assigns kinds; the IMAP and SMTP servers
// translate them into wire responses.
type ErrorKind int

const (
	// KindUnauthorized covers 401s that survive the token-refresh retry and
	// rejected OAuth2 credential exchanges.
	KindUnauthorized ErrorKind = iota
	// KindNotFound covers 404s (missing message, attachment, or EPO).
	KindNotFound
	// KindValidation covers 400s and payloads the proxy cannot parse.
	KindValidation
	// KindRateLimited covers 429s that survive the retry budget.
	KindRateLimited
	// KindUnavailable covers 5xx responses, timeouts, and network failures
	// that survive the retry budget.
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not found"
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate limited"
	case KindUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// APIError describes a failed call against the UA API or its token endpoint.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("edoreczenia: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("edoreczenia: %s: %s", e.Kind, e.Message)
}

// Transient reports whether retrying later could succeed. Sessions use this
// to pick between transient and permanent protocol errors.
func (e *APIError) Transient() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}

func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindUnauthorized
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimited
	case status >= 500:
		return KindUnavailable
	default:
		return KindValidation
	}
}

// IsNotFound reports whether err is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// IsAuth reports whether err is a credential failure, local or upstream.
func IsAuth(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindUnauthorized
}

// IsTransient reports whether err is worth a later retry. Unclassified
// errors count as transient so that unexpected failures never surface as
// permanent rejections.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	return true
}
