package synth

import (
	"errors"
	"fmt"
)

// Failure reasons carried by SynthesisError.
const (
	ReasonBackendUnavailable = "backend_unavailable"
	ReasonInvalidResponse    = "invalid_response"
	ReasonValidationFailed   = "validation_failed"
)

// Sentinels for errors.Is checks. SynthesisError matches the sentinel for
// its reason.
var (
	// ErrBackendUnavailable indicates the LLM backend could not be reached
	// after retry exhaustion.
	ErrBackendUnavailable = errors.New("synth: backend unavailable")

	// ErrInvalidResponse indicates the backend answered with something that
	// is not the expected JSON document. Not retried.
	ErrInvalidResponse = errors.New("synth: invalid response")

	// ErrValidationFailed indicates the response parsed but failed a
	// validation gate. Not retried.
	ErrValidationFailed = errors.New("synth: validation failed")
)

// SynthesisError is the error type returned by Synthesize.
type SynthesisError struct {
	// Reason is one of the Reason* constants.
	Reason string
	// Err is the underlying cause.
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synth: %s: %v", e.Reason, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// Is matches the sentinel corresponding to the error's reason.
func (e *SynthesisError) Is(target error) bool {
	switch target {
	case ErrBackendUnavailable:
		return e.Reason == ReasonBackendUnavailable
	case ErrInvalidResponse:
		return e.Reason == ReasonInvalidResponse
	case ErrValidationFailed:
		return e.Reason == ReasonValidationFailed
	}
	return false
}

// backendErr wraps err as a backend_unavailable synthesis error.
func backendErr(err error) *SynthesisError {
	return &SynthesisError{Reason: ReasonBackendUnavailable, Err: err}
}

// invalidErr wraps err as an invalid_response synthesis error.
func invalidErr(err error) *SynthesisError {
	return &SynthesisError{Reason: ReasonInvalidResponse, Err: err}
}

// validationErr wraps err as a validation_failed synthesis error.
func validationErr(err error) *SynthesisError {
	return &SynthesisError{Reason: ReasonValidationFailed, Err: err}
}
