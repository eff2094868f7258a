package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure for the retry policy.
type Kind int

const (
	// KindRetryable: network error, timeout, 5xx, explicit rate-limit
	// response, open circuit breaker. The batch is requeued and the
	// reserved credits stay reserved.
	KindRetryable Kind = iota
	// KindNonRetryable: auth failure, malformed payload. Retrying cannot
	// succeed; messages fail and their credits are refunded.
	KindNonRetryable
)

// Error codes reported up the pipeline and persisted as message errors.
const (
	CodeRateLimited = "rate_limited"
	CodeTransient   = "gateway_transient"
	CodeRejected    = "gateway_rejected"
	CodeBreakerOpen = "breaker_open"
)

// Error is the structured failure of a gateway call.
type Error struct {
	Kind   Kind
	Code   string
	Status int // HTTP status when applicable, 0 otherwise
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("gateway %s (status=%d): %v", e.Code, e.Status, e.cause)
	}
	return fmt.Sprintf("gateway %s (status=%d)", e.Code, e.Status)
}

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable reports whether err is a gateway failure worth requeueing.
// Unknown errors default to retryable; a transient infrastructure problem
// must never burn a batch.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == KindRetryable
	}
	return true
}

func retryable(code string, status int, cause error) *Error {
	return &Error{Kind: KindRetryable, Code: code, Status: status, cause: cause}
}

func nonRetryable(code string, status int, cause error) *Error {
	return &Error{Kind: KindNonRetryable, Code: code, Status: status, cause: cause}
}
