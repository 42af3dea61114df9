package transport

import "errors"

// Transport errors
var (
	ErrConnClosed       = errors.New("connection closed")
	ErrWriteChannelFull = errors.New("write channel full")
	ErrInvalidProtocol  = errors.New("invalid protocol")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrMaxReconnect     = errors.New("max reconnect attempts reached")
	ErrPanic            = errors.New("panic error")
)
