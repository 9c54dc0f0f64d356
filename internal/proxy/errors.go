// Package proxy opens outbound connections to the backends selected by the
// router.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Sentinel errors for dispatch operations.
var (
	// ErrNoBackend indicates that Connect was called without a backend.
	ErrNoBackend = errors.New("no backend selected")

	// ErrResolution indicates that the target could not be resolved into
	// any candidate address.
	ErrResolution = errors.New("target resolution failed")

	// ErrConnect indicates that every resolved candidate failed to connect.
	ErrConnect = errors.New("backend connection failed")
)

// Error describes a failed dispatch with details for logging.
type Error struct {
	Op       string // Operation that failed
	Kind     error  // One of the sentinel errors above
	Target   string // Effective target hostname
	Port     int    // Target port
	Address  string // Last candidate address tried, if any
	Attempts int    // Number of candidates tried
	Cause    error  // Underlying error of the last failure
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("dispatch error [%s]", e.Op)
	if e.Target != "" || e.Port != 0 {
		msg += " target=" + net.JoinHostPort(e.Target, strconv.Itoa(e.Port))
	}
	if e.Address != "" {
		msg += fmt.Sprintf(" address=%s attempts=%d", e.Address, e.Attempts)
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

// newResolutionError creates an error for a target that did not resolve.
func newResolutionError(target string, port int, cause error) *Error {
	return &Error{
		Op:     "resolve",
		Kind:   ErrResolution,
		Target: target,
		Port:   port,
		Cause:  cause,
	}
}

// newConnectError creates an error for a target whose candidates all
// failed. Only the last candidate's cause is kept.
func newConnectError(target string, port int, address string, attempts int, cause error) *Error {
	return &Error{
		Op:       "connect",
		Kind:     ErrConnect,
		Target:   target,
		Port:     port,
		Address:  address,
		Attempts: attempts,
		Cause:    cause,
	}
}

// IsResolutionError checks if an error indicates a resolution failure.
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrResolution)
}

// IsConnectError checks if an error indicates that no candidate connected.
func IsConnectError(err error) bool {
	return errors.Is(err, ErrConnect)
}
