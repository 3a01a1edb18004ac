package deyecloud

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth means the credentials or the access token were rejected.
	ErrAuth = errors.New("deye cloud: authentication failed")
	// ErrAPI is a well-formed, non-auth error response.
	ErrAPI = errors.New("deye cloud: api error")
	// ErrTransport covers network failures, timeouts, non-2xx statuses and malformed bodies.
	ErrTransport = errors.New("deye cloud: transport error")
	// ErrValidation means the caller violated a precondition; no request was sent.
	ErrValidation = errors.New("deye cloud: validation error")
)

// APIError is an application-level failure reported in the response envelope.
type APIError struct {
	Kind error // ErrAuth or ErrAPI
	Code string
	Msg  string
	Path string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%v: %s (code %s) from %s", e.Kind, e.Msg, e.Code, e.Path)
}

func (e *APIError) Unwrap() error { return e.Kind }

func validationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transportError(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, path, err)
}
