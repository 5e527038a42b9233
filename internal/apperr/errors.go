// Package apperr defines the error taxonomy shared by services and handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// NotFoundError reports an unknown session, browser session or hook.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ValidationError reports a missing field or an invalid enum value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ConflictError reports a claim on a resource that is already held.
type ConflictError struct {
	Resource string
	Key      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q is already held", e.Resource, e.Key)
}

// InternalError wraps an unexpected condition such as a write to an
// uninitialized store.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.Op + ": internal error"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// NotFound creates a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// Invalid creates a ValidationError.
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// Conflict creates a ConflictError.
func Conflict(resource, key string) error {
	return &ConflictError{Resource: resource, Key: key}
}

// Internal creates an InternalError.
func Internal(op string, err error) error {
	return &InternalError{Op: op, Err: err}
}

// ErrUninitialized is wrapped by InternalError when a zero-value store is used.
var ErrUninitialized = errors.New("store not initialized")

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsValidation(err):
		return http.StatusBadRequest
	case IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
