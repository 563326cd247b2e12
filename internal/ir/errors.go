package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes sync failures.
//
// Adapters report failures with one of these codes instead of free-form
// messages so callers never match on backend error text.
type ErrorCode string

const (
	// ErrCodeValidation indicates a record failed its collection schema.
	// Raised synchronously; the record never enters the store.
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeDuplicateKey indicates an insert collided with a unique key.
	ErrCodeDuplicateKey ErrorCode = "DUPLICATE_KEY"

	// ErrCodeNotFound indicates the update/delete target is absent upstream.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeForeignKey indicates a write blocked by a reference constraint.
	ErrCodeForeignKey ErrorCode = "FOREIGN_KEY_CONSTRAINT"

	// ErrCodeConflict indicates a write to a record still pending under a
	// different in-flight transaction.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeNetwork indicates the adapter call could not complete.
	ErrCodeNetwork ErrorCode = "NETWORK"
)

// SyncError is the single error type surfaced by collections, transactions
// and adapters.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Collection names the affected collection, if known.
	Collection string

	// Key identifies the affected record. Zero when not applicable.
	Key Key

	// Field names the offending field for validation errors.
	Field string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	switch {
	case e.Collection != "" && !e.Key.IsZero():
		msg += fmt.Sprintf(" (collection=%s, key=%s)", e.Collection, e.Key)
	case e.Collection != "":
		msg += fmt.Sprintf(" (collection=%s)", e.Collection)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" [field %s]", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches another *SyncError with the same code, so
// errors.Is(err, &SyncError{Code: ErrCodeConflict}) works.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Collection == "" && t.Key.IsZero()
}

// CodeOf returns the code of the first SyncError in err's chain,
// or "" if there is none.
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsValidation returns true if err is a schema validation failure.
func IsValidation(err error) bool { return CodeOf(err) == ErrCodeValidation }

// IsDuplicateKey returns true if err is a unique-key collision.
func IsDuplicateKey(err error) bool { return CodeOf(err) == ErrCodeDuplicateKey }

// IsNotFound returns true if err reports a missing upstream record.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsForeignKey returns true if err is a reference constraint violation.
func IsForeignKey(err error) bool { return CodeOf(err) == ErrCodeForeignKey }

// IsConflict returns true if err is a pending-record conflict.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsNetwork returns true if err is a transport failure.
func IsNetwork(err error) bool { return CodeOf(err) == ErrCodeNetwork }

// NewValidationError creates a SyncError for a schema violation.
func NewValidationError(collection, field, message string) *SyncError {
	return &SyncError{
		Code:       ErrCodeValidation,
		Collection: collection,
		Field:      field,
		Message:    message,
	}
}

// NewConflictError creates a SyncError for a write against a record that
// is pending under transaction ownerTx.
func NewConflictError(collection string, key Key, ownerTx string) *SyncError {
	return &SyncError{
		Code:       ErrCodeConflict,
		Collection: collection,
		Key:        key,
		Message:    fmt.Sprintf("record is pending under transaction %s", ownerTx),
	}
}

// NewNotFoundError creates a SyncError for a missing record.
func NewNotFoundError(collection string, key Key) *SyncError {
	return &SyncError{
		Code:       ErrCodeNotFound,
		Collection: collection,
		Key:        key,
		Message:    "record not found",
	}
}

// Errorf creates a SyncError with a formatted message.
func Errorf(code ErrorCode, collection string, format string, args ...any) *SyncError {
	return &SyncError{
		Code:       code,
		Collection: collection,
		Message:    fmt.Sprintf(format, args...),
	}
}

// AsSyncError normalizes an adapter error. SyncErrors pass through
// unchanged; anything else is wrapped as a NETWORK error.
func AsSyncError(err error, collection string) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		if se.Collection == "" {
			cp := *se
			cp.Collection = collection
			return &cp
		}
		return se
	}
	return &SyncError{
		Code:       ErrCodeNetwork,
		Collection: collection,
		Message:    "adapter call failed",
		Err:        err,
	}
}
