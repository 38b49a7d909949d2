// Package engine provides the core types and interfaces for the Gauntlet
// verification engine. It defines the execution workflow:
// Suite -> Plan -> Schedule -> Probe -> Findings -> Report.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, probe target temporarily unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the probed service.
	// Retried with a longer exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassFlaky indicates a probabilistic failure: the same step has
	// both passed and failed recently without any input change. Retried
	// with a short backoff so the retry lands in the same conditions.
	ErrorClassFlaky ErrorClass = "flaky"

	// ErrorClassPermanent indicates a non-recoverable failure.
	// Examples: invalid suite config, assertion failure, honeypot passed.
	ErrorClassPermanent ErrorClass = "permanent"
)

// CheckError represents a classified error with verification context.
type CheckError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Project is the project ID the failing unit targeted, if applicable.
	Project string `json:"project,omitempty"`

	// Unit is the check unit ID that produced the error, if applicable.
	Unit string `json:"unit,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	switch {
	case e.Project != "" && e.Unit != "":
		return fmt.Sprintf("[%s] %s (project=%s, unit=%s): %s",
			e.Class, e.Message, e.Project, e.Unit, e.unwrapMessage())
	case e.Project != "":
		return fmt.Sprintf("[%s] %s (project=%s): %s",
			e.Class, e.Message, e.Project, e.unwrapMessage())
	default:
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *CheckError) Unwrap() error {
	return e.Err
}

func (e *CheckError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *CheckError) Is(target error) bool {
	t, ok := target.(*CheckError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *CheckError {
	return &CheckError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *CheckError {
	return &CheckError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewFlakyError creates a new flaky error.
func NewFlakyError(message string, err error) *CheckError {
	return &CheckError{Class: ErrorClassFlaky, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *CheckError {
	return &CheckError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithProject adds project context to an error.
func (e *CheckError) WithProject(projectID string) *CheckError {
	e.Project = projectID
	return e
}

// WithUnit adds check unit context to an error.
func (e *CheckError) WithUnit(unitID string) *CheckError {
	e.Unit = unitID
	return e
}

// WithCode adds an error code to an error.
func (e *CheckError) WithCode(code string) *CheckError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *CheckError) WithDetail(key string, value interface{}) *CheckError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// classOf extracts the error class from an error chain.
func classOf(err error) (ErrorClass, bool) {
	var e *CheckError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsFlaky returns true if the error is classified as flaky.
func IsFlaky(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassFlaky
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and flaky errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsFlaky(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeProbeFailed      = "PROBE_FAILED"
	ErrCodeAssertFailed     = "ASSERT_FAILED"
	ErrCodeHoneypotPassed   = "HONEYPOT_PASSED"
	ErrCodeBreakerOpen      = "BREAKER_OPEN"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
