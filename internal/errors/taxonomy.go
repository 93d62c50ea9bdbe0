package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
)

// AuthenticationError means the remote API rejected the credentials.
// It is never retried.
type AuthenticationError struct {
	Message string
	Err     error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Message, e.Err)
	}
	return "authentication failed: " + e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ConnectionError means the remote API could not be reached.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError means a call did not complete within its deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// APIError is a non-2xx response other than 401.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api error: %s %s returned HTTP %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("api error: %s %s returned HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// UnsupportedActionError is returned for an action the resource kind does not
// support. The request never reaches the remote API.
type UnsupportedActionError struct {
	Kind   string
	Action string
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("action %q is not supported for %s", e.Action, e.Kind)
}

// Classify wraps a transport-level failure as a TimeoutError or a
// ConnectionError. Errors that are already classified pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return err
	}
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, os.ErrDeadlineExceeded) ||
		(stderrors.As(err, &netErr) && netErr.Timeout()) {
		return &TimeoutError{Op: op, Err: err}
	}
	return &ConnectionError{Op: op, Err: err}
}

// IsClassified reports whether err already belongs to the taxonomy.
func IsClassified(err error) bool {
	var (
		authErr *AuthenticationError
		connErr *ConnectionError
		toErr   *TimeoutError
		apiErr  *APIError
		unsErr  *UnsupportedActionError
	)
	return stderrors.As(err, &authErr) || stderrors.As(err, &connErr) ||
		stderrors.As(err, &toErr) || stderrors.As(err, &apiErr) || stderrors.As(err, &unsErr)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var (
		connErr *ConnectionError
		toErr   *TimeoutError
	)
	return stderrors.As(err, &connErr) || stderrors.As(err, &toErr)
}

// CodeFor maps an error to the collector code that best describes it.
func CodeFor(err error) Code {
	var (
		authErr *AuthenticationError
		toErr   *TimeoutError
		apiErr  *APIError
	)
	switch {
	case stderrors.As(err, &authErr):
		return ErrAuthFailed
	case stderrors.As(err, &toErr):
		return ErrTimeout
	case stderrors.As(err, &apiErr):
		return ErrAPIRejected
	default:
		return ErrAPIUnreachable
	}
}
