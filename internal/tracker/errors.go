package tracker

import (
	"errors"
	"fmt"
)

// AuthError means the token was rejected. Non-retryable and
// repository-fatal: the orchestrator surfaces it verbatim so the operator
// can re-authenticate; other repositories keep running.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("tracker auth rejected (status %d): %s", e.StatusCode, e.Body)
}

// TransientError wraps an error that survived all retry attempts.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("tracker request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is a token rejection.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
