package logger

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Level 日志级别，取值与配置文件一致
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// ParseLevel 解析级别字符串
func ParseLevel(s string) (Level, error) {
	var zl zapcore.Level
	if err := zl.UnmarshalText([]byte(s)); err != nil {
		return "", fmt.Errorf("logger: invalid level %q", s)
	}
	return fromZapLevel(zl), nil
}

func (l Level) toZapLevel() zapcore.Level {
	zl, err := zapcore.ParseLevel(string(l))
	if err != nil {
		return zapcore.InfoLevel
	}
	return zl
}

func fromZapLevel(zl zapcore.Level) Level {
	return Level(zl.String())
}
