package binanceapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// apiError is the JSON error body the venue returns on non-2xx responses,
// e.g. {"code":-1121,"msg":"Invalid symbol."}.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// ThrottledError reports a quota denial, either locally (the limiter refused
// the attempt) or from the server (HTTP 429/418). It is always retryable.
type ThrottledError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	if e.StatusCode == 0 {
		return "request throttled by local rate limiter"
	}
	return fmt.Sprintf("request throttled by server (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
}

// TransportError wraps a socket, DNS or timeout failure. Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "transport error: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestRejectedError is a terminal 4xx-class rejection: the request shape
// itself is wrong and retrying it wastes quota without a chance of success.
type RequestRejectedError struct {
	StatusCode int
	Code       int
	Message    string
	Body       []byte
}

func (e *RequestRejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request rejected (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("request rejected (status %d): %s", e.StatusCode, string(e.Body))
}

// AuthError is a terminal authentication or permission failure, surfaced
// distinctly so callers can tell "my credentials are wrong" from "the venue
// is unreachable".
type AuthError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
}

// RetriesExhaustedError wraps the last underlying error once the retry budget
// is spent.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Last }

// IsRetryable reports whether an error class may succeed on a later attempt.
func IsRetryable(err error) bool {
	var throttled *ThrottledError
	var transport *TransportError
	return errors.As(err, &throttled) || errors.As(err, &transport)
}

// IsAuthError reports whether an error is a credential/permission failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func parseAPIError(body []byte) apiError {
	var e apiError
	// the body is not always JSON (HTML error pages from proxies); a parse
	// failure just leaves code/message empty
	_ = json.Unmarshal(body, &e)
	return e
}
