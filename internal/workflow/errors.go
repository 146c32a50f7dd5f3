package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks requests that are valid but not allowed in the current state.
	ErrConflict = errors.New("conflict")
)

// FieldError 单个字段的校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects everything wrong with a rule before it is saved.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...interface{}) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Errors) == 0 {
		return nil
	}
	return e
}

// EngineError means the engine could not do its job (rules or context could not be
// loaded). It is the only error handed back to event producers.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("workflow engine: %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// ConditionError is a condition that could not be evaluated; it counts as false.
type ConditionError struct {
	Index int
	Field string
	Err   error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition %d (%s): %v", e.Index, e.Field, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// SchedulingError wraps a failure to persist a deferred task.
type SchedulingError struct {
	TaskType string
	Err      error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("schedule %s: %v", e.TaskType, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// IsEngineError reports whether err carries an EngineError.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
