// Package errors provides the error taxonomy for the control plane
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrHealthCheck  = errors.New("health check failed")
	ErrRejected     = errors.New("request rejected")
)

// NotFoundError indicates an unknown version, plan, or trace id.
// It is always surfaced to the caller and never retried.
type NotFoundError struct {
	Kind string // "version", "plan", "trace", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound creates a NotFoundError for the given entity kind and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// InvalidStateError indicates an operation attempted against a version or
// plan in the wrong lifecycle state.
type InvalidStateError struct {
	Kind    string
	ID      string
	State   string
	Message string
}

func (e *InvalidStateError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s in state %s: %s", e.Kind, e.ID, e.State, e.Message)
	}
	return fmt.Sprintf("%s %s is in invalid state %s", e.Kind, e.ID, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// NewInvalidState creates an InvalidStateError.
func NewInvalidState(kind, id, state, message string) *InvalidStateError {
	return &InvalidStateError{Kind: kind, ID: id, State: state, Message: message}
}

// HealthCheckError carries the name of the failing check during a rollout.
type HealthCheckError struct {
	Check string
	Cause error
}

func (e *HealthCheckError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("health check %s failed: %v", e.Check, e.Cause)
	}
	return fmt.Sprintf("health check %s failed", e.Check)
}

func (e *HealthCheckError) Unwrap() error { return ErrHealthCheck }

// NewHealthCheck creates a HealthCheckError for the named check.
func NewHealthCheck(check string, cause error) *HealthCheckError {
	return &HealthCheckError{Check: check, Cause: cause}
}

// RejectionError is a synchronous middleware rejection (circuit open, rate
// limited, duplicate, security threat). It is not a deployment-level failure.
type RejectionError struct {
	Enhancement string
	Reason      string
}

func (e *RejectionError) Error() string { return e.Reason }

func (e *RejectionError) Unwrap() error { return ErrRejected }

// NewRejection creates a RejectionError from the named enhancement.
func NewRejection(enhancement, reason string) *RejectionError {
	return &RejectionError{Enhancement: enhancement, Reason: reason}
}

// ExecutionError wraps a transient failure of the wrapped agent call itself.
// It is eligible for the retry enhancement.
type ExecutionError struct {
	AgentType string
	Task      string
	Cause     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed for %s/%s: %v", e.AgentType, e.Task, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// NewExecution creates an ExecutionError.
func NewExecution(agentType, task string, cause error) *ExecutionError {
	return &ExecutionError{AgentType: agentType, Task: task, Cause: cause}
}
