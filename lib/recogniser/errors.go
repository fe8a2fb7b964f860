package recogniser

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies why a call to the recognition provider failed.
type ErrorKind int

const (
	ErrTimeout ErrorKind = iota + 1
	ErrTransport
	ErrStatus
	ErrNonJSON
	ErrNonObject
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrTransport:
		return "transport"
	case ErrStatus:
		return "status"
	case ErrNonJSON:
		return "non_json"
	case ErrNonObject:
		return "non_object"
	}
	return "unknown"
}

var retryableStatusCodes = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// RetryableStatus reports whether an HTTP status from the provider is worth
// another attempt.
func RetryableStatus(code int) bool {
	_, ok := retryableStatusCodes[code]
	return ok
}

// UpstreamError is the only error the provider client returns.
type UpstreamError struct {
	Kind ErrorKind
	// StatusCode is the provider's HTTP status, or 0 when no response was read.
	StatusCode int
	// Attempts is the number of requests made before giving up.
	Attempts int
	// RequestID correlates the failure with the attempt logs.
	RequestID string
	Err       error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s error", e.Kind)
	if e.Kind == ErrStatus && e.StatusCode != 0 {
		msg = fmt.Sprintf("upstream returned HTTP %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s after %d attempts", msg, e.Attempts)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *UpstreamError) Retryable() bool {
	switch e.Kind {
	case ErrTimeout, ErrTransport:
		return true
	case ErrStatus:
		return RetryableStatus(e.StatusCode)
	}
	return false
}

// IsUpstreamError unwraps err into an *UpstreamError.
func IsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
