// Package errors provides centralized error definitions and error handling
// utilities for the statetree runtime. It defines the runtime's error
// taxonomy, error constructors with context wrapping, and classification
// helpers.
//
// # Error Types
//
// The package distinguishes two categories of errors:
//
// Caller errors are programmer mistakes discoverable at the call site and
// are returned synchronously:
//   - ValidationError: an assigned value fails a slot's or attribute's check
//   - ConfigurationError: a slot or scheduler option is missing a prerequisite
//   - CycleError: a parent assignment would create an ownership cycle
//   - TimeoutError: a wait primitive expired
//
// Reported errors surface through a node's OnError hook rather than the
// call stack:
//   - BrokenLinkError: a link's post-propagation verification failed
//   - TaskError: an exception escaped scheduled work
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewValidationError("value is not a Node").WithAttr("child")
//	err := errors.NewCycleError(candidate, self)
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrClosed) { ... }
//
//	var vErr *errors.ValidationError
//	if errors.As(err, &vErr) { ... }
//
//	if errors.IsCancellation(err) { ... }
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Node lifecycle sentinel errors
var (
	// ErrClosed indicates an operation on a node that has already been closed.
	ErrClosed = New("node is closed")
	// ErrKeepAlive indicates a close request was ignored because the node is
	// marked keep-alive and force was not set.
	ErrKeepAlive = New("node is marked keep-alive")
	// ErrNoParent indicates a parent-dependent operation on an orphan node.
	ErrNoParent = New("node has no parent")
	// ErrAttrNotFound indicates a named attribute is not defined on the node.
	ErrAttrNotFound = New("attribute not defined")
)

// Scheduler sentinel errors
var (
	// ErrTaskCancelled indicates a task was cancelled before completing.
	ErrTaskCancelled = New("task cancelled")
	// ErrSchedulerClosed indicates the scheduler no longer accepts work.
	ErrSchedulerClosed = New("scheduler is closed")
	// ErrNoOwner indicates a scheduling option requires an owner.
	ErrNoOwner = New("option requires an owner")
)

// Link and slot sentinel errors
var (
	// ErrLinkDetached indicates an operation on a link that is already detached.
	ErrLinkDetached = New("link is detached")
	// ErrNoFactory indicates a slot was asked to construct a value without a factory.
	ErrNoFactory = New("slot has no factory")
	// ErrNotSettable indicates a dotted path terminated at a read-only segment.
	ErrNotSettable = New("path segment is not settable")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message  string
	cause    error
	severity Severity
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// -----------------------------------------------------------------------------
// Validation Errors
// -----------------------------------------------------------------------------

// ValidationError represents a value that failed a slot's or attribute's
// type or invariant check. It is raised synchronously to the caller of the
// assignment.
//
// Example:
//
//	err := errors.NewValidationError("expected *node.Node").
//		WithAttr("child").WithValue(v)
type ValidationError struct {
	baseError
	Attr  string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithAttr adds the attribute or slot name to the error context.
func (e *ValidationError) WithAttr(attr string) *ValidationError {
	e.Attr = attr
	return e
}

// WithValue adds the rejected value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Attr != "" {
		parts = append(parts, fmt.Sprintf("attr=%s", e.Attr))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Configuration Errors
// -----------------------------------------------------------------------------

// ConfigurationError represents a slot, tuple, or scheduler call that is
// missing a required prerequisite (factory, update key, owner). It is raised
// at declaration or first use.
type ConfigurationError struct {
	baseError
	Component string
	Missing   string
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{
		baseError: baseError{
			message:  message,
			severity: SeverityError,
		},
	}
}

// WithComponent adds the offending component name to the error context.
func (e *ConfigurationError) WithComponent(name string) *ConfigurationError {
	e.Component = name
	return e
}

// WithMissing names the missing prerequisite.
func (e *ConfigurationError) WithMissing(what string) *ConfigurationError {
	e.Missing = what
	return e
}

// WithCause adds a cause to the error.
func (e *ConfigurationError) WithCause(cause error) *ConfigurationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ConfigurationError) Error() string {
	var parts []string
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", e.Component))
	}
	if e.Missing != "" {
		parts = append(parts, fmt.Sprintf("missing=%s", e.Missing))
	}

	prefix := "configuration error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("configuration error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	if _, ok := target.(*ConfigurationError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Cycle Errors
// -----------------------------------------------------------------------------

// CycleError represents a parent assignment that would create a cycle in the
// ownership tree. The assignment is rejected and neither side is mutated.
type CycleError struct {
	baseError
	Node   string
	Parent string
}

// NewCycleError creates a new CycleError for the given node and candidate
// parent descriptions.
func NewCycleError(node, parent string) *CycleError {
	return &CycleError{
		baseError: baseError{
			message:  "parent assignment would create a cycle",
			severity: SeverityError,
		},
		Node:   node,
		Parent: parent,
	}
}

// Error returns the formatted error message.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle error [node=%s, parent=%s]: %s", e.Node, e.Parent, e.message)
}

// Is checks if this error matches the target.
func (e *CycleError) Is(target error) bool {
	if _, ok := target.(*CycleError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Broken Link Errors
// -----------------------------------------------------------------------------

// BrokenLinkError represents a link whose post-propagation verification
// failed: re-reading the destination did not produce the transformed source
// value, meaning some other observer mutated the target concurrently.
// It is reported through the owning node's OnError hook.
type BrokenLinkError struct {
	baseError
	Source   string
	Target   string
	Expected any
	Actual   any
}

// NewBrokenLinkError creates a new BrokenLinkError.
func NewBrokenLinkError(source, target string, expected, actual any) *BrokenLinkError {
	return &BrokenLinkError{
		baseError: baseError{
			message:  "link verification failed",
			severity: SeverityError,
		},
		Source:   source,
		Target:   target,
		Expected: expected,
		Actual:   actual,
	}
}

// Error returns the formatted error message.
func (e *BrokenLinkError) Error() string {
	return fmt.Sprintf("broken link [%s -> %s]: %s: expected %v, found %v",
		e.Source, e.Target, e.message, e.Expected, e.Actual)
}

// Is checks if this error matches the target.
func (e *BrokenLinkError) Is(target error) bool {
	if _, ok := target.(*BrokenLinkError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Timeout Errors
// -----------------------------------------------------------------------------

// TimeoutError represents a wait primitive that expired. Outstanding tasks
// are cancelled before the error is returned.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:  operation,
			severity: SeverityWarning,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Task Errors
// -----------------------------------------------------------------------------

// TaskError represents an error (or recovered panic) that escaped scheduled
// work. It is reported through the owning node's OnError hook unless the
// task was flagged IgnoreError, and is never silently lost.
type TaskError struct {
	baseError
	TaskID string
	Key    string
}

// NewTaskError creates a new TaskError.
func NewTaskError(message string, cause error) *TaskError {
	return &TaskError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityError,
		},
	}
}

// WithTaskID adds the task id to the error context.
func (e *TaskError) WithTaskID(id string) *TaskError {
	e.TaskID = id
	return e
}

// WithKey adds the singular-task key to the error context.
func (e *TaskError) WithKey(key string) *TaskError {
	e.Key = key
	return e
}

// Error returns the formatted error message.
func (e *TaskError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Key))
	}

	prefix := "task error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("task error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TaskError) Is(target error) bool {
	if _, ok := target.(*TaskError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsCancellation reports whether the error represents cooperative
// cancellation. Cancellation is not a failure: it is explicitly excluded
// from OnError reporting.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, context.Canceled) || Is(err, ErrTaskCancelled)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors without an explicit severity.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var sev interface{ Severity() Severity }
	if As(err, &sev) {
		return sev.Severity()
	}
	return SeverityError
}

// IsCallerError reports whether the error belongs to the caller-error
// category (validation, configuration, cycle, timeout). Such errors
// propagate synchronously instead of going through OnError.
func IsCallerError(err error) bool {
	if err == nil {
		return false
	}

	var validation *ValidationError
	var configuration *ConfigurationError
	var cycle *CycleError
	var timeout *TimeoutError

	return As(err, &validation) || As(err, &configuration) ||
		As(err, &cycle) || As(err, &timeout)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
