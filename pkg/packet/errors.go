package packet

import (
	stderrors "errors"

	"github.com/tokmz/sio/pkg/errors"
)

// 编解码错误
var (
	ErrUnknownPacketType = errors.New(1001, "unknown packet type", 400)
	ErrFraming           = errors.New(1002, "framing error", 400)
	ErrInvalidPacket     = errors.New(1003, "invalid packet", 400)
	ErrInvalidAttachment = errors.New(1004, "invalid attachment", 400)
)

// 会以 error 包回送给客户端的协议错误
var (
	ErrTransportNotSupported = errors.New(1101, "transport not supported", 400)
	ErrClientNotHandshaken   = errors.New(1102, "client not handshaken", 404)
	ErrUnauthorized          = errors.New(1103, "unauthorized", 401)
	ErrNoSuchNamespace       = errors.New(2001, "no such namespace", 400)
	ErrNoSuchMethod          = errors.New(2002, "no such method", 400)
	ErrMethodAccessDenied    = errors.New(2003, "method access denied", 403)
	ErrUnallowedEventName    = errors.New(2004, "unallowed event name", 400)
)

var reasonByError = []struct {
	err    error
	reason Reason
}{
	{ErrTransportNotSupported, ReasonTransportNotSupported},
	{ErrClientNotHandshaken, ReasonClientNotHandshaken},
	{ErrUnauthorized, ReasonUnauthorized},
	{ErrUnknownPacketType, ReasonInvalidPacket},
	{ErrFraming, ReasonInvalidPacket},
	{ErrInvalidPacket, ReasonInvalidPacket},
	{ErrInvalidAttachment, ReasonInvalidPacket},
	{ErrNoSuchNamespace, ReasonNoSuchNamespace},
	// 7:::5，不与 7:::1 的未握手复用
	{ErrNoSuchMethod, ReasonNoSuchMethod},
	{ErrMethodAccessDenied, ReasonMethodAccessDenied},
	{ErrUnallowedEventName, ReasonUnallowedEventName},
}

// ReasonOf 将协议错误映射为 error 包原因码
// 非协议错误返回 false
func ReasonOf(err error) (Reason, bool) {
	if err == nil {
		return ReasonNone, false
	}
	for _, rb := range reasonByError {
		if stderrors.Is(err, rb.err) {
			return rb.reason, true
		}
	}
	return ReasonNone, false
}
