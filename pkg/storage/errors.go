package storage

import "github.com/tokmz/sio/pkg/errors"

// 预定义错误
var (
	ErrNotFound      = errors.New(5001, "storage key not found", 404)
	ErrQueueEmpty    = errors.New(5002, "queue empty", 500)
	ErrConnection    = errors.New(5003, "storage connection failed", 500)
	ErrSerialization = errors.New(5004, "storage serialization failed", 500)
	ErrInvalidConfig = errors.New(5005, "storage invalid config", 500)
	ErrOperation     = errors.New(5006, "storage operation failed", 500)
)
