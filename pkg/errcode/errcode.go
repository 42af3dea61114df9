package errcode

import (
	"errors"
	"fmt"
)

// Error represents a business error
type Error struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("errcode: %d, msg: %s", e.Code, e.Msg)
}

// New creates a new error with code and message
func New(code int, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap wraps an error with additional context
func (e *Error) Wrap(err error) *Error {
	if err == nil {
		return e
	}
	return &Error{
		Code: e.Code,
		Msg:  fmt.Sprintf("%s: %v", e.Msg, err),
	}
}

// Is reports whether target carries the same code, so wrapped copies
// still match their sentinel with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Common error codes
var (
	// Success
	ErrSuccess = New(0, "success")

	// Common errors (1xxx)
	ErrInvalidParam    = New(1001, "invalid parameter")
	ErrInternalServer  = New(1002, "internal server error")
	ErrUnauthorized    = New(1003, "unauthorized")
	ErrForbidden       = New(1004, "forbidden")
	ErrNotFound        = New(1005, "not found")
	ErrTooManyRequests = New(1006, "too many requests")

	// Auth errors (2xxx)
	ErrTokenInvalid = New(2001, "token invalid")
	ErrTokenExpired = New(2002, "token expired")
	ErrTokenMissing = New(2003, "token missing")
	ErrNoSession    = New(2004, "no active session")

	// Conversation errors (3xxx)
	ErrConvNotFound    = New(3001, "conversation not found")
	ErrNotMember       = New(3002, "not a conversation member")
	ErrConvNotPending  = New(3003, "conversation is not pending")
	ErrConvRejected    = New(3004, "conversation was rejected")
	ErrConvNotAccepted = New(3005, "conversation is not accepted")

	// Message errors (4xxx)
	ErrMessageNotFound = New(4001, "message not found")
	ErrNotMessageOwner = New(4002, "not the message owner")
	ErrMessageDeleted  = New(4003, "message has been deleted")
	ErrContentTooLong  = New(4004, "content too long")
	ErrEmptyContent    = New(4005, "empty content")

	// WebSocket errors (5xxx)
	ErrConnClosed      = New(5001, "connection closed")
	ErrInvalidProtocol = New(5002, "invalid protocol")
	ErrUnknownEvent    = New(5003, "unknown event")
	ErrOffline         = New(5004, "offline: reconnect attempts exhausted")
)

// Server-reported error codes carried by error frames
const (
	ServerInvalidRequest = "INVALID_REQUEST"
	ServerForbidden      = "FORBIDDEN"
	ServerNotFound       = "NOT_FOUND"
	ServerRateLimit      = "RATE_LIMIT"
	ServerUnknownEvent   = "UNKNOWN_EVENT"
	ServerInvalidJSON    = "INVALID_JSON"
	ServerInternalError  = "INTERNAL_ERROR"
	ServerUnauthorized   = "UNAUTHORIZED"
)

// FromServer maps an error frame's code and message to a business error
func FromServer(code, msg string) *Error {
	var base *Error
	switch code {
	case ServerInvalidRequest, ServerInvalidJSON:
		base = ErrInvalidParam
	case ServerForbidden:
		base = ErrNotMember
	case ServerNotFound:
		base = ErrConvNotFound
	case ServerRateLimit:
		base = ErrTooManyRequests
	case ServerUnknownEvent:
		base = ErrUnknownEvent
	case ServerUnauthorized:
		base = ErrUnauthorized
	default:
		base = ErrInternalServer
	}
	if msg == "" {
		return base
	}
	return &Error{Code: base.Code, Msg: fmt.Sprintf("%s: %s", base.Msg, msg)}
}

// CodeOf returns the code carried by err, or ErrInternalServer's code
func CodeOf(err error) int {
	if err == nil {
		return ErrSuccess.Code
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternalServer.Code
}
