// Package domain holds the quote record model and the failure kinds every
// layer reports. Adapters translate these into HTTP statuses.
package domain

import (
	"errors"
	"fmt"
)

// Failure kinds, matched with errors.Is.
var (
	// ErrNotFound indicates the requested record or conflict does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates user input violated a record rule.
	ErrValidation = errors.New("validation failed")

	// ErrStorage indicates the durable store could not be written or read.
	ErrStorage = errors.New("storage failure")

	// ErrNetwork indicates a remote call failed. Always transient.
	ErrNetwork = errors.New("network failure")

	// ErrParse indicates a payload (remote response or import file) could not be decoded.
	ErrParse = errors.New("parse failure")
)

// NotFoundError names the missing record or conflict.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s with id %q not found", e.Entity, e.ID)
	}

	return e.Entity + " not found"
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func NewNotFoundError(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ValidationError rejects user input for one field.
type ValidationError struct {
	Field   string
	Message string
	Value   any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}

	return "validation failed: " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NewValidationErrorWithValue also records the rejected value.
func NewValidationErrorWithValue(field, message string, value any) error {
	return &ValidationError{Field: field, Message: message, Value: value}
}

// StorageError reports a failed read or write against the durable store.
// The in-memory collection is not rolled back when a write fails.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	msg := "storage " + e.Op
	if e.Key != "" {
		msg += fmt.Sprintf(" %q", e.Key)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *StorageError) Unwrap() []error {
	return withCause(ErrStorage, e.Err)
}

// NewStorageError creates a storage error for op on key.
func NewStorageError(op, key string, err error) error {
	return &StorageError{Op: op, Key: key, Err: err}
}

// NetworkError reports a failed remote call. It never escalates beyond the
// operation that produced it.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	msg := "remote " + e.Op + " failed"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *NetworkError) Unwrap() []error {
	return withCause(ErrNetwork, e.Err)
}

// Transient reports whether a retry may succeed. Network errors always may.
func (e *NetworkError) Transient() bool {
	return true
}

// NewNetworkError creates a network error for op.
func NewNetworkError(op string, statusCode int, err error) error {
	return &NetworkError{Op: op, StatusCode: statusCode, Err: err}
}

// ParseError reports an undecodable payload from source.
type ParseError struct {
	Source string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := "cannot parse " + e.Source
	if e.Reason != "" {
		msg += ": " + e.Reason
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ParseError) Unwrap() []error {
	return withCause(ErrParse, e.Err)
}

// NewParseError creates a parse error.
func NewParseError(source, reason string, err error) error {
	return &ParseError{Source: source, Reason: reason, Err: err}
}

func withCause(sentinel, cause error) []error {
	if cause == nil {
		return []error{sentinel}
	}

	return []error{sentinel, cause}
}

// IsNotFound and the predicates below report whether err is of that kind
// anywhere in its chain.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

func IsParse(err error) bool {
	return errors.Is(err, ErrParse)
}
