package rooms

import "github.com/tokmz/sio/pkg/errors"

var (
	ErrUnknownTarget    = errors.New(2101, "session not registered in namespace", 400)
	ErrBroadcastTimeout = errors.New(2102, "broadcast timeout", 504)
)
