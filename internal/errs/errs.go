// Package errs defines the failure taxonomy shared by the API and the pipeline steps.
//
// Errors are built with github.com/cockroachdb/errors and classified with errors.Mark,
// so a wrapped error keeps its class through any number of Wrap calls:
//
//	err := errs.Auth(errors.Wrap(cause, "assume role"))
//	errors.Is(err, errs.ErrAuth) // true
package errs

import (
	"github.com/cockroachdb/errors"
)

// Failure classes.
var (
	// ErrValidation rejects a submission synchronously, before anything is enqueued.
	ErrValidation = errors.New("validation error")

	// ErrAuth means credentials could not be obtained for the job.
	ErrAuth = errors.New("authentication error")

	// ErrExecution means the infrastructure run failed. Remediation is manual.
	ErrExecution = errors.New("execution error")

	// ErrReadinessTimeout means the application never became reachable within budget.
	// It fails only the downstream image step.
	ErrReadinessTimeout = errors.New("readiness timeout")

	// ErrImageCreation is an auxiliary failure. It never changes the job's primary status.
	ErrImageCreation = errors.New("image creation error")
)

// Validationf builds a validation error.
func Validationf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// Auth marks err as an authentication failure.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrAuth)
}

// Execution marks err as an execution failure.
func Execution(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrExecution)
}

// ReadinessTimeoutf builds a readiness timeout error.
func ReadinessTimeoutf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrReadinessTimeout)
}

// ImageCreation marks err as an image-cache failure.
func ImageCreation(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, ErrImageCreation)
}

// Class returns a short label for metrics and structured logs.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrExecution):
		return "execution"
	case errors.Is(err, ErrReadinessTimeout):
		return "readiness_timeout"
	case errors.Is(err, ErrImageCreation):
		return "image_creation"
	default:
		return "internal"
	}
}

// Message renders err with its hints appended, for job log rows and error columns.
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if hint := errors.FlattenHints(err); hint != "" {
		msg += " (hint: " + hint + ")"
	}
	return msg
}
