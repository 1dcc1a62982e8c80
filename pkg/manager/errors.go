package manager

import "github.com/tokmz/sio/pkg/errors"

var (
	ErrDistributedLockTimeout = errors.New(5101, "distributed lock timeout", 503)
	ErrLockNotHeld            = errors.New(5102, "lock not held", 500)
	ErrInvalidEvent           = errors.New(5103, "invalid sync event", 400)
	ErrBrokerClosed           = errors.New(5104, "broker closed", 503)
	ErrInvalidConfig          = errors.New(6201, "invalid manager config", 500)
)
