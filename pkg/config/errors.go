package config

import "github.com/tokmz/sio/pkg/errors"

var (
	ErrConfigNotFound     = errors.New(6001, "config file not found")
	ErrConfigReadFailed   = errors.New(6002, "config read failed")
	ErrConfigDecodeFailed = errors.New(6003, "config decode failed")
)
