package logger

import "go.uber.org/zap/zapcore"

// Format 日志格式
type Format string

const (
	// JSONFormat JSON 格式（生产环境推荐）
	JSONFormat Format = "json"
	// ConsoleFormat 控制台格式（开发环境推荐）
	ConsoleFormat Format = "console"
)

// IsValid 检查格式是否有效
func (f Format) IsValid() bool {
	return f == JSONFormat || f == ConsoleFormat
}

// Config 日志配置，可直接由配置文件解码
type Config struct {
	Level  Level  `mapstructure:"level" json:"level"`   // 日志级别（默认 info）
	Format Format `mapstructure:"format" json:"format"` // json/console（默认 json）

	Console bool          `mapstructure:"console" json:"console"` // 输出到控制台
	File    string        `mapstructure:"file" json:"file"`       // 文件路径（空则不输出到文件）
	Rotate  *RotateConfig `mapstructure:"rotate" json:"rotate"`   // 轮转配置（nil 则不轮转）

	Sampling *SamplingConfig `mapstructure:"sampling" json:"sampling"` // 采样配置（nil 则不采样）

	DisableCaller     bool `mapstructure:"disable_caller" json:"disable_caller"`
	DisableStacktrace bool `mapstructure:"disable_stacktrace" json:"disable_stacktrace"`

	EncoderConfig *zapcore.EncoderConfig `mapstructure:"-" json:"-"`
	Hooks         []Hook                 `mapstructure:"-" json:"-"`
}

func (c *Config) setDefaults() {
	if c.Level == "" {
		c.Level = InfoLevel
	}
	if c.Format == "" {
		c.Format = JSONFormat
	}
	if !c.Console && c.File == "" && c.Rotate == nil {
		c.Console = true
	}
}

// RotateConfig 文件轮转配置
type RotateConfig struct {
	Filename   string `mapstructure:"filename" json:"filename"`
	MaxSize    int    `mapstructure:"max_size" json:"max_size"`       // MB，默认 100
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`         // 天，默认 30
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"` // 默认 10
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

func (r *RotateConfig) setDefaults() {
	if r.MaxSize == 0 {
		r.MaxSize = 100
	}
	if r.MaxAge == 0 {
		r.MaxAge = 30
	}
	if r.MaxBackups == 0 {
		r.MaxBackups = 10
	}
}

// SamplingConfig 采样配置
// 每秒前 Initial 条必定记录，之后每 Thereafter 条记录 1 条
type SamplingConfig struct {
	Initial    int `mapstructure:"initial" json:"initial"`
	Thereafter int `mapstructure:"thereafter" json:"thereafter"`
}

func (s *SamplingConfig) setDefaults() {
	if s.Initial == 0 {
		s.Initial = 100
	}
	if s.Thereafter == 0 {
		s.Thereafter = 100
	}
}

// Hook 日志写入钩子
type Hook interface {
	OnWrite(entry zapcore.Entry, fields []zapcore.Field) error
}
