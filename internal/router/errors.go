package router

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry operations.
var (
	// ErrInvalidPattern indicates that a hostname pattern failed to compile.
	ErrInvalidPattern = errors.New("invalid hostname pattern")

	// ErrInvalidAddress indicates that a backend target address is empty.
	ErrInvalidAddress = errors.New("invalid target address")

	// ErrNoMatch indicates that no backend matched the requested hostname.
	ErrNoMatch = errors.New("no backend matches hostname")

	// ErrBackendNotFound indicates that a backend is not a member of the registry.
	ErrBackendNotFound = errors.New("backend not registered")
)

// Error describes a failed registry operation.
type Error struct {
	Op       string // Operation that failed
	Kind     error  // One of the sentinel errors above
	Pattern  string // Hostname pattern if applicable
	Hostname string // Requested hostname if applicable
	Cause    error  // Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("router error [%s]", e.Op)
	if e.Pattern != "" {
		msg += fmt.Sprintf(" pattern=%q", e.Pattern)
	}
	if e.Op == "lookup" {
		msg += fmt.Sprintf(" hostname=%q", e.Hostname)
	}
	msg += ": " + e.Kind.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// newPatternError creates an error for a pattern that failed to compile.
func newPatternError(pattern string, cause error) *Error {
	return &Error{Op: "add", Kind: ErrInvalidPattern, Pattern: pattern, Cause: cause}
}

// newAddressError creates an error for an empty target address.
func newAddressError(pattern string) *Error {
	return &Error{Op: "add", Kind: ErrInvalidAddress, Pattern: pattern}
}

// newNoMatchError creates an error for a lookup that found nothing.
func newNoMatchError(hostname string) *Error {
	return &Error{Op: "lookup", Kind: ErrNoMatch, Hostname: hostname}
}

// newNotFoundError creates an error for removing a foreign backend.
func newNotFoundError(pattern string) *Error {
	return &Error{Op: "remove", Kind: ErrBackendNotFound, Pattern: pattern}
}

// IsNoMatch checks if an error indicates that no backend matched.
func IsNoMatch(err error) bool {
	return errors.Is(err, ErrNoMatch)
}
