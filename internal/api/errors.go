package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrTransient marks failures worth retrying later: network errors, timeouts,
// 408, 429 and 5xx responses.
var ErrTransient = errors.New("transient backend failure")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

// Is lets errors.Is(err, ErrTransient) match retryable status codes.
func (e *StatusError) Is(target error) bool {
	return target == ErrTransient && transientStatus(e.StatusCode)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
func (e *transientError) Is(target error) bool {
	return target == ErrTransient
}

func markTransient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return &transientError{err: err}
}

func transientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent reports a backend rejection of the action itself, which will
// fail the same way on every retry. Auth failures are not permanent.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && !transientStatus(se.StatusCode) && !authStatus(se.StatusCode)
}

// IsAuth reports a 401 or 403: the session is rejected, not the action, so it
// is worth retrying once the responder signs in again.
func IsAuth(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && authStatus(se.StatusCode)
}

func authStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// IsNotFound reports a 404 from the backend, i.e. the report no longer exists.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
