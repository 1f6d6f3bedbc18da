package orchestrate

import (
	"errors"
	"fmt"
)

// OrchestrationError is the terminal error for one failed stage. Transient
// reports whether the underlying failure was retryable (retries were
// exhausted) as opposed to fatal on first sight.
type OrchestrationError struct {
	Stage     string
	Transient bool
	Err       error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestrate: %s: %v", e.Stage, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// markTransient wraps err so IsTransient reports true for it.
func markTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err or anything in its chain is marked
// retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
