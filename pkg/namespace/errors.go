package namespace

import "github.com/tokmz/sio/pkg/errors"

var (
	ErrNamespaceFrozen = errors.New(2201, "namespace frozen", 500)
	ErrHandlerExists   = errors.New(2202, "handler already registered", 500)
	ErrNoACL           = errors.New(2203, "no acl restrictions defined", 400)
	ErrInvalidArgs     = errors.New(2204, "invalid handler arguments", 400)
)
