// Package apperrors provides the structured error taxonomy used across the
// projection engine: permanent vs. transient job errors, the inference
// error classification, and schema-capability degradation markers.
package apperrors

import (
	"errors"
	"fmt"

	"github.com/kurahq/kura/internal/domain"
)

// Code is a stable, loggable error identifier.
type Code string

const (
	CodeTransient          Code = "JOB_TRANSIENT"
	CodePermanent          Code = "JOB_PERMANENT"
	CodeInferenceFailed    Code = "INFERENCE_FAILED"
	CodeSchemaDegraded     Code = "SCHEMA_DEGRADED"
	CodeIdempotencyConflict Code = "IDEMPOTENCY_CONFLICT"
	CodeSimulationRejected Code = "SIMULATION_REJECTED"
)

// Error is a structured error carrying a stable code and optional details,
// grounded on the teacher's ServiceError shape.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func new_(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Transient wraps an error that a job handler can retry (spec §7: transient
// job errors feed the exponential backoff schedule).
func Transient(operation string, err error) *Error {
	return new_(CodeTransient, "transient job error", err).WithDetail("operation", operation)
}

// Permanent wraps an error that should send a job straight to dead-letter
// without consuming retry budget.
func Permanent(operation string, err error) *Error {
	return new_(CodePermanent, "permanent job error", err).WithDetail("operation", operation)
}

// Inference wraps an inference-collaborator failure, classified per the
// reference taxonomy (insufficient_data, numeric_instability,
// engine_unavailable, unexpected).
func Inference(class domain.InferenceErrorClass, err error) *Error {
	return new_(CodeInferenceFailed, "inference run failed", err).WithDetail("class", string(class))
}

// SchemaDegraded reports that an optional relation the caller wanted to use
// is absent, and the caller should fall back to reduced functionality
// instead of failing the transaction.
func SchemaDegraded(relation string) *Error {
	return new_(CodeSchemaDegraded, "relation unavailable, degrading", nil).WithDetail("relation", relation)
}

// IdempotencyConflict reports that a write collided with an existing row
// under the same natural key and was treated as a no-op.
func IdempotencyConflict(key string) *Error {
	return new_(CodeIdempotencyConflict, "idempotent write collision", nil).WithDetail("key", key)
}

// SimulationRejected reports that a repair proposal's dry-run simulation
// failed one of the auto-apply policy gates (spec §4.6.5 reject codes).
func SimulationRejected(reason string) *Error {
	return new_(CodeSimulationRejected, "simulation rejected proposal", nil).WithDetail("reason", reason)
}

// IsTransient reports whether err (or something it wraps) should be retried.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodeTransient
	}
	// Unclassified errors default to transient: spec §7 treats unknown
	// failures as retryable up to max_retries before going dead.
	return err != nil
}

// IsPermanent reports whether err should skip retries and dead-letter now.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == CodePermanent
	}
	return false
}

// As extracts an *Error from the error chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
