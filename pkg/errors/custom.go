package errors

// 通用错误码，各子包在各自号段内定义协议错误：
// 1xxx 编解码 2xxx 分发 3xxx 会话 4xxx 传输 5xxx 管理器/存储
var (
	// ErrInternal 服务器内部错误
	ErrInternal = New(1, "internal error", 500)
	// ErrBadRequest 请求格式错误
	ErrBadRequest = New(2, "bad request", 400)
	// ErrNotFound 资源不存在
	ErrNotFound = New(3, "not found", 404)
)
