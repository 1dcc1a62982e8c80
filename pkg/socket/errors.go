package socket

import "github.com/tokmz/sio/pkg/errors"

// 会话错误 3xxx，传输错误 4xxx
var (
	ErrSessionAlreadyDisconnected = errors.New(3001, "session already disconnected", 410)
	ErrSessionClosed              = errors.New(3002, "session closed", 410)
	ErrSessionGone                = errors.New(3003, "session no longer owned by this process", 410)

	ErrTransportOverlap = errors.New(4001, "overlapping transport request", 500)
)
