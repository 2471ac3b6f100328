package retry

import (
	"errors"
	"fmt"
	"time"
)

// Permanent marks an error as non-retryable.
//
// Publishers wrap validation or permission failures with Permanent so
// retry loops and the dead letter pass give up immediately:
//
//	return false, retry.Permanent(fmt.Errorf("target deleted: %w", err))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

// After attaches a suggested delay before the next attempt,
// typically a remote Retry-After value.
func After(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return afterError{err: err, after: after}
}

// AfterError is implemented by errors that carry an explicit retry delay.
type AfterError interface {
	error
	RetryAfter() time.Duration
}

type afterError struct {
	err   error
	after time.Duration
}

func (e afterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e afterError) Unwrap() error             { return e.err }
func (e afterError) RetryAfter() time.Duration { return e.after }
