package sdk

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an API error
type Error struct {
	Status int    `json:"status"`
	Msg    string `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("status: %d, msg: %s", e.Status, e.Msg)
}

// NewError creates a new error
func NewError(status int, msg string) *Error {
	return &Error{Status: status, Msg: msg}
}

// errorBody is the error envelope returned by the API
type errorBody struct {
	Detail string `json:"detail"`
}

// IsAuthError reports whether err means the session credential was rejected
func IsAuthError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Status == http.StatusUnauthorized
}

// IsNotFound reports whether err is a 404 from the API
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusNotFound
}

// Predefined errors
var (
	ErrUnauthorized    = NewError(http.StatusUnauthorized, "Unauthorized")
	ErrForbidden       = NewError(http.StatusForbidden, "Not a member")
	ErrNotFound        = NewError(http.StatusNotFound, "Not found")
	ErrTooManyRequests = NewError(http.StatusTooManyRequests, "Too many requests")
)
