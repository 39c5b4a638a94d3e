package taskgraph

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable code attached to every failure that crosses a
// component boundary. Codes survive serialization through workflow history
// and are surfaced verbatim by the status API.
type ErrorKind string

const (
	ErrTransientNetwork  ErrorKind = "TRANSIENT_NETWORK"
	ErrRateLimited       ErrorKind = "RATE_LIMITED"
	ErrPolicyBlocked     ErrorKind = "POLICY_BLOCKED"
	ErrValidationFailed  ErrorKind = "VALIDATION_FAILED"
	ErrQuotaExceeded     ErrorKind = "QUOTA_EXCEEDED"
	ErrDecomposition     ErrorKind = "DECOMPOSITION_FAILED"
	ErrPathCollision     ErrorKind = "PATH_COLLISION"
	ErrCapsulePersist    ErrorKind = "CAPSULE_PERSISTENCE_FAILED"
	ErrCancelled         ErrorKind = "CANCELLED"
	ErrInvalidInput      ErrorKind = "INVALID_INPUT"
	ErrInternal          ErrorKind = "INTERNAL"
)

// Valid reports whether k is one of the declared kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrTransientNetwork, ErrRateLimited, ErrPolicyBlocked, ErrValidationFailed,
		ErrQuotaExceeded, ErrDecomposition, ErrPathCollision, ErrCapsulePersist,
		ErrCancelled, ErrInvalidInput, ErrInternal:
		return true
	}
	return false
}

// Retryable reports whether the kind may be retried by the caller.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTransientNetwork, ErrRateLimited, ErrCapsulePersist:
		return true
	}
	return false
}

// UserVisible reports whether the kind is surfaced to the requester as-is.
// Internal transient kinds are masked behind retries.
func (k ErrorKind) UserVisible() bool {
	switch k {
	case ErrPolicyBlocked, ErrQuotaExceeded, ErrValidationFailed,
		ErrDecomposition, ErrPathCollision, ErrCancelled, ErrInvalidInput:
		return true
	}
	return false
}

// TypedError carries a stable code, a user-visible message and developer
// detail across component boundaries.
type TypedError struct {
	Kind    ErrorKind              `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *TypedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTypedError builds a TypedError with optional detail pairs.
func NewTypedError(kind ErrorKind, message string, details map[string]interface{}) *TypedError {
	return &TypedError{Kind: kind, Message: message, Details: details}
}

// KindOf extracts the error kind from err, unwrapping as needed.
// Unknown errors classify as ErrInternal; nil returns "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TypedError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrInternal
}

// AsTyped converts err into a TypedError, preserving an existing one.
func AsTyped(err error) *TypedError {
	if err == nil {
		return nil
	}
	var te *TypedError
	if errors.As(err, &te) {
		return te
	}
	return &TypedError{Kind: ErrInternal, Message: err.Error()}
}
