package errors

import (
	"errors"
	"fmt"
	"strings"
)

// OrchestrationErrorType classifies errors raised by the orchestrator and
// its supporting packages.
type OrchestrationErrorType string

const (
	ErrorTypeValidation  OrchestrationErrorType = "validation"
	ErrorTypeCycle       OrchestrationErrorType = "cycle"
	ErrorTypeLaunch      OrchestrationErrorType = "launch"
	ErrorTypeHealthCheck OrchestrationErrorType = "health_check"
	ErrorTypeTimeout     OrchestrationErrorType = "timeout"
	ErrorTypeDependency  OrchestrationErrorType = "dependency"
	ErrorTypeNotFound    OrchestrationErrorType = "not_found"
	ErrorTypeConflict    OrchestrationErrorType = "conflict"
	ErrorTypeIO          OrchestrationErrorType = "io"
	ErrorTypeInternal    OrchestrationErrorType = "internal"
	ErrorTypeCancelled   OrchestrationErrorType = "cancelled"
)

// OrchestrationError is a structured error with a type and optional context.
// Load-time types (validation, cycle) are fatal to the whole run; the rest
// are contained to a single unit and its dependents.
type OrchestrationError struct {
	Type    OrchestrationErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *OrchestrationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *OrchestrationError) Unwrap() error {
	return e.Cause
}

// Is matches on the error type, so errors.Is can compare against a bare
// typed error regardless of message.
func (e *OrchestrationError) Is(target error) bool {
	if other, ok := target.(*OrchestrationError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext attaches a key/value pair for diagnostics.
func (e *OrchestrationError) WithContext(key string, value interface{}) *OrchestrationError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

func newError(errorType OrchestrationErrorType, message string, cause error) *OrchestrationError {
	return &OrchestrationError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

func NewValidationError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeValidation, message, cause)
}

func NewLaunchError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeLaunch, message, cause)
}

func NewHealthCheckError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeHealthCheck, message, cause)
}

func NewTimeoutError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeTimeout, message, cause)
}

func NewDependencyFailedError(unit string, failedDependency string) *OrchestrationError {
	return newError(ErrorTypeDependency,
		fmt.Sprintf("dependency %q of unit %q failed permanently", failedDependency, unit), nil).
		WithContext("unit", unit).
		WithContext("dependency", failedDependency)
}

func NewNotFoundError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeConflict, message, cause)
}

func NewIOError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *OrchestrationError {
	return newError(ErrorTypeCancelled, message, cause)
}

// CycleError reports a dependency cycle. Units holds the cycle members in
// traversal order; the first element is not repeated at the end.
type CycleError struct {
	Units []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle: dependency cycle detected: %s", strings.Join(e.Units, " -> "))
}

// Is lets errors.Is treat any CycleError as equivalent.
func (e *CycleError) Is(target error) bool {
	if _, ok := target.(*CycleError); ok {
		return true
	}
	if other, ok := target.(*OrchestrationError); ok {
		return other.Type == ErrorTypeCycle
	}
	return false
}

func NewCycleError(units []string) *CycleError {
	return &CycleError{Units: units}
}

func isType(err error, errorType OrchestrationErrorType) bool {
	var orchErr *OrchestrationError
	return errors.As(err, &orchErr) && orchErr.Type == errorType
}

func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsCycleError(err error) bool {
	var cycleErr *CycleError
	return errors.As(err, &cycleErr) || isType(err, ErrorTypeCycle)
}

func IsLaunchError(err error) bool {
	return isType(err, ErrorTypeLaunch)
}

func IsHealthCheckError(err error) bool {
	return isType(err, ErrorTypeHealthCheck)
}

func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsDependencyFailedError(err error) bool {
	return isType(err, ErrorTypeDependency)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

// ErrorCollection aggregates per-unit errors from bulk operations such as
// topology teardown.
type ErrorCollection struct {
	Errors []error
}

func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{}
}

func (e *ErrorCollection) Error() string {
	switch len(e.Errors) {
	case 0:
		return "no errors"
	case 1:
		return e.Errors[0].Error()
	default:
		return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
	}
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}
