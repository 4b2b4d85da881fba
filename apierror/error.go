// Package apierror provides a typed error that carries the HTTP status
// returned by a remote API, so that clients can classify failures without
// matching on error strings.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is the type of error returned by a network client. It contains an
// HTTP status code so that callers can interpret the failure.
type Error struct {
	err    error
	status int
}

func New(err error, status int) *Error {
	return &Error{
		err:    err,
		status: status,
	}
}

// FromResponse builds an error from a response status and body. The body text
// becomes the error message when present.
func FromResponse(status int, body []byte) error {
	var err error
	text := strings.TrimSpace(string(body))
	if text != "" {
		err = errors.New(text)
	}
	if status == 0 {
		return err
	}
	return New(err, status)
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.status == 0 {
		return ""
	}
	// If there is only status, then return status text.
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

func (e *Error) Status() int {
	return e.status
}

func (e *Error) Unwrap() error {
	return e.err
}

// StatusOf returns the HTTP status carried by err, or 0 when err does not
// carry one.
func StatusOf(err error) int {
	var apierr *Error
	if errors.As(err, &apierr) {
		return apierr.Status()
	}
	return 0
}

// IsStatus reports whether err carries the given HTTP status.
func IsStatus(err error, status int) bool {
	return StatusOf(err) == status
}
