package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrRunNotFound is returned by registry lookups for unknown run ids.
var ErrRunNotFound = errors.New("workflow run not found")

// ConflictError rejects an operation because of the run's current state,
// such as deleting a run that is still executing. HTTP handlers map it to
// a 409 response.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// ErrToolNotFound is returned when a tool name is not registered.
var ErrToolNotFound = errors.New("unknown tool")

// ValidationError reports a rejected workflow template or tool argument.
// The message is safe to surface to API callers.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrLLM reports a failure talking to a model provider.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-2xx response from an upstream HTTP service.
// RetryAfter carries the parsed Retry-After header for retry middleware.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value, which is either a
// delay in seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
