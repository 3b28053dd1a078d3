// Package service defines the Engine's error-kind vocabulary, shared by
// every internal package and mapped to HTTP status codes in internal/api.
package service

import (
	"errors"
	"fmt"
)

// Code is one of the error kinds from spec §7 (a stable wire string, not a
// Go type name).
type Code string

const (
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeWriteOnReplica    Code = "WRITE_ON_REPLICA"
	CodeReplicationLag    Code = "REPLICATION_LAG"
	CodeWALChain          Code = "WAL_CHAIN"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidRequest    Code = "INVALID_REQUEST"
	CodeTimeout           Code = "TIMEOUT"
	CodeStorage           Code = "STORAGE"
	CodeTEERequired       Code = "TEE_REQUIRED"
	CodeAttestationFailed Code = "ATTESTATION_FAILED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInternal          Code = "INTERNAL"
)

// ReplicationLagDetails carries the structured detail spec §7 requires for
// ReplicationLag responses.
type ReplicationLagDetails struct {
	Current  int64 `json:"current"`
	Required int64 `json:"required"`
}

// EngineError is the error type returned by every Engine operation whose
// failure is expected and classifiable under §7's error kinds.
type EngineError struct {
	Code    Code
	Message string
	Details any
	Err     error
}

func (e *EngineError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *EngineError) Unwrap() error { return e.Err }

// New builds a plain EngineError with no wrapped cause.
func New(code Code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// Wrap builds an EngineError that preserves an underlying cause.
func Wrap(code Code, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, Err: err}
}

// NotFound builds a NotFound EngineError.
func NotFound(format string, args ...any) *EngineError {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

// AlreadyExists builds an AlreadyExists EngineError.
func AlreadyExists(format string, args ...any) *EngineError {
	return New(CodeAlreadyExists, fmt.Sprintf(format, args...))
}

// InvalidRequest builds an InvalidRequest EngineError.
func InvalidRequest(format string, args ...any) *EngineError {
	return New(CodeInvalidRequest, fmt.Sprintf(format, args...))
}

// Unauthorized builds an Unauthorized EngineError.
func Unauthorized(format string, args ...any) *EngineError {
	return New(CodeUnauthorized, fmt.Sprintf(format, args...))
}

// StorageError wraps an underlying SQLite error, preserving its message.
func StorageError(err error) *EngineError {
	return Wrap(CodeStorage, err.Error(), err)
}

// ReplicationLag builds a ReplicationLagError carrying {current, required}.
func ReplicationLag(current, required int64) *EngineError {
	return &EngineError{
		Code:    CodeReplicationLag,
		Message: fmt.Sprintf("wal position %d has not reached required position %d", current, required),
		Details: ReplicationLagDetails{Current: current, Required: required},
	}
}

// WriteOnReplica builds a WriteOnReplicaError.
func WriteOnReplica() *EngineError {
	return New(CodeWriteOnReplica, "mutating statement rejected: this node is a replica for the database")
}

// WALChain builds a WALChainError.
func WALChain(format string, args ...any) *EngineError {
	return New(CodeWALChain, fmt.Sprintf(format, args...))
}

// TEERequired builds a TEERequired EngineError.
func TEERequired(format string, args ...any) *EngineError {
	return New(CodeTEERequired, fmt.Sprintf(format, args...))
}

// AttestationFailed builds an AttestationFailed EngineError.
func AttestationFailed(format string, args ...any) *EngineError {
	return New(CodeAttestationFailed, fmt.Sprintf(format, args...))
}

// Timeout builds a Timeout EngineError.
func Timeout(format string, args ...any) *EngineError {
	return New(CodeTimeout, fmt.Sprintf(format, args...))
}

// AsEngineError unwraps err into an *EngineError if possible.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	ok := errors.As(err, &ee)
	return ee, ok
}
