package transport

import "github.com/tokmz/sio/pkg/errors"

// 传输错误 4xxx，4001 为 socket.ErrTransportOverlap
var (
	ErrUnknownTransport   = errors.New(4002, "transport not supported", 400)
	ErrInvalidPayload     = errors.New(4003, "invalid transport payload", 400)
	ErrMethodNotAllowed   = errors.New(4004, "method not allowed", 405)
	ErrUpgradeFailed      = errors.New(4005, "websocket upgrade failed", 400)
	ErrStreamNotSupported = errors.New(4006, "response writer does not support streaming", 500)
	ErrPayloadTooLarge    = errors.New(4007, "payload too large", 413)
)
