package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrAuth means the embedding service rejected the credential.
	ErrAuth = errors.New("embedding service rejected credentials")
	// ErrRateLimited means the service asked us to slow down.
	ErrRateLimited = errors.New("embedding service rate limited the request")
	// ErrTransient covers network failures, timeouts and 5xx responses.
	ErrTransient = errors.New("transient embedding service failure")
	// ErrInvalidInput means the request itself was unacceptable.
	ErrInvalidInput = errors.New("invalid embedding input")
	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = fmt.Errorf("%w: unexpected vector dimensions", ErrInvalidInput)
	// ErrInvalidMaxAttempts is returned when a retry policy allows no attempts.
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")
)

// APIError is a non-2xx response from the embedding service.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("embedding service returned status code %d", e.StatusCode)
	}
	return fmt.Sprintf("embedding service returned status code %d: %s", e.StatusCode, e.Body)
}

// Unwrap exposes the error class so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	return classifyStatus(e.StatusCode)
}

func classifyStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrAuth
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code == http.StatusRequestTimeout || code >= 500:
		return ErrTransient
	default:
		return ErrInvalidInput
	}
}

var statusPattern = regexp.MustCompile(`status code:? (\d{3})`)

// classify attaches an error class to err. Errors that already carry a class
// pass through untouched. Provider errors that only report the status code in
// their message are recognised by pattern, anything else is treated as a
// network-level failure. If the caller's context is done its error wins.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	for _, class := range []error{ErrAuth, ErrRateLimited, ErrTransient, ErrInvalidInput} {
		if errors.Is(err, class) {
			return err
		}
	}
	if m := statusPattern.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return fmt.Errorf("%w: %v", classifyStatus(code), err)
		}
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// IsRetryable reports whether another attempt could succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

func retryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
