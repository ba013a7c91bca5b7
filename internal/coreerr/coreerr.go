// Package coreerr defines the fail-closed error kinds the core returns:
// ContractError, AuditError, and BackendError (with TimeoutError as one of
// its causes). All three wrap an underlying cause and carry enough context
// for callers to log or classify without string matching.
package coreerr

import (
	"errors"
	"fmt"
)

// ContractError means the orchestrator's own output would violate a
// response invariant (missing field, empty snippet source, an ALLOW with no
// matched rule ids). Always fatal to the enclosing query.
type ContractError struct {
	Stage string // which orchestrator stage detected the violation
	Msg   string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("contract violation at %s: %s", e.Stage, e.Msg)
}

// NewContractError builds a ContractError for the given stage.
func NewContractError(stage, msg string) *ContractError {
	return &ContractError{Stage: stage, Msg: msg}
}

// AuditError means a write to the audit sink failed. Always fatal: the
// query must not return results after an audit failure.
type AuditError struct {
	Action string // the audit action being recorded when the write failed
	Cause  error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit write failed for %s: %v", e.Action, e.Cause)
}

func (e *AuditError) Unwrap() error {
	return e.Cause
}

// NewAuditError wraps cause as an AuditError for the given action.
func NewAuditError(action string, cause error) *AuditError {
	return &AuditError{Action: action, Cause: cause}
}

// BackendError means a call to the lexical, vector, embedding, or metadata
// backend failed. Always fatal.
type BackendError struct {
	Backend string // "lexical", "vector", "embedding", "metadata"
	Cause   error
	Timeout bool
}

func (e *BackendError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s backend timed out: %v", e.Backend, e.Cause)
	}
	return fmt.Sprintf("%s backend failed: %v", e.Backend, e.Cause)
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// NewBackendError wraps cause as a BackendError for the given backend name.
func NewBackendError(backend string, cause error) *BackendError {
	return &BackendError{Backend: backend, Cause: cause}
}

// NewTimeoutError wraps cause as a BackendError flagged as a timeout.
// TimeoutError is a class of BackendError, not a distinct type.
func NewTimeoutError(backend string, cause error) *BackendError {
	return &BackendError{Backend: backend, Cause: cause, Timeout: true}
}

// IsTimeout reports whether err is a BackendError flagged as a timeout.
func IsTimeout(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Timeout
	}
	return false
}
