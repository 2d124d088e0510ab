package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType categorizes provider failures for retry decisions.
type ErrorType int8

const (
	// ErrorTypeRateLimit covers 429s and quota exhaustion. Retryable.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers 5xx, timeouts, and connection resets.
	// Retryable.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse covers HTTP 200 with no content. Retryable.
	ErrorTypeEmptyResponse
	// ErrorTypeAuth covers 401/403 and bad API keys. Not retryable.
	ErrorTypeAuth
	// ErrorTypeBadPrompt covers malformed or oversized requests. Not
	// retryable.
	ErrorTypeBadPrompt
	// ErrorTypeUnknown is the default for unclassified failures.
	ErrorTypeUnknown
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this type are worth retrying.
func (et ErrorType) Retryable() bool {
	switch et {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse:
		return true
	default:
		return false
	}
}

// Error is a classified provider failure.
type Error struct {
	Cause      error
	Message    string
	Type       ErrorType
	StatusCode int
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("llm %s error: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("llm %s error: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a classified error without an underlying cause.
func NewError(t ErrorType, format string, args ...any) *Error {
	return &Error{Type: t, Message: fmt.Sprintf(format, args...)}
}

// WrapError classifies err under the given type.
func WrapError(t ErrorType, err error, msg string) *Error {
	return &Error{Type: t, Cause: err, Message: msg}
}

// Classify maps an arbitrary SDK error onto the taxonomy. Status codes are
// fished out of the error text since most SDKs embed them there.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return WrapError(ErrorTypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	switch extractStatusCode(errStr) {
	case 401, 403:
		return &Error{Type: ErrorTypeAuth, Cause: err, StatusCode: extractStatusCode(errStr), Message: "authentication failed"}
	case 429:
		return &Error{Type: ErrorTypeRateLimit, Cause: err, StatusCode: 429, Message: "rate limit exceeded"}
	case 400:
		return &Error{Type: ErrorTypeBadPrompt, Cause: err, StatusCode: 400, Message: "bad request"}
	case 500, 502, 503, 504:
		return &Error{Type: ErrorTypeTransient, Cause: err, StatusCode: extractStatusCode(errStr), Message: "server error"}
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "reset"):
		return WrapError(ErrorTypeTransient, err, "network error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"):
		return WrapError(ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"):
		return WrapError(ErrorTypeAuth, err, "authentication error")
	}

	return WrapError(ErrorTypeUnknown, err, "unclassified error")
}

var statusPatterns = []string{"status code: ", "status: ", "http "}

func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, pattern := range statusPatterns {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		start := idx + len(pattern)
		if start+3 > len(lower) {
			continue
		}
		switch lower[start : start+3] {
		case "400":
			return 400
		case "401":
			return 401
		case "403":
			return 403
		case "429":
			return 429
		case "500":
			return 500
		case "502":
			return 502
		case "503":
			return 503
		case "504":
			return 504
		}
	}
	return 0
}
