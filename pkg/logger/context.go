package logger

import "context"

type contextKey struct{ name string }

var (
	loggerKey    = contextKey{"logger"}
	sessionIDKey = contextKey{"sid"}
)

// NewContext 将 Logger 存入 ctx
func NewContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext 取出 ctx 中的 Logger，没有时返回 fallback
func FromContext(ctx context.Context, fallback Logger) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return fallback
}

// WithSessionID 在 ctx 上标记会话 ID，*Context 日志方法会输出为 sid 字段
func WithSessionID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sid)
}

// SessionID 读取 ctx 上的会话 ID
func SessionID(ctx context.Context) string {
	sid, _ := ctx.Value(sessionIDKey).(string)
	return sid
}
