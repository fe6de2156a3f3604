package experiment

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPlayer    = errors.New("unknown player")
	ErrWrongStage       = errors.New("operation not allowed in current stage")
	ErrSessionComplete  = errors.New("session is complete")
	ErrAlreadySubmitted = errors.New("decision already submitted")
)

// ConfigurationError reports an unusable session setup.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a submission. It is shown to the submitting player
// only and the page is displayed again.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
