package logger

import "go.uber.org/zap/zapcore"

// Option 配置选项函数
type Option func(*Config)

func WithLevel(level Level) Option {
	return func(c *Config) {
		c.Level = level
	}
}

func WithFormat(format Format) Option {
	return func(c *Config) {
		c.Format = format
	}
}

func WithConsoleOutput() Option {
	return func(c *Config) {
		c.Console = true
	}
}

func WithFileOutput(filename string) Option {
	return func(c *Config) {
		c.File = filename
	}
}

func WithRotateOutput(config *RotateConfig) Option {
	return func(c *Config) {
		c.Rotate = config
	}
}

func WithSampling(config *SamplingConfig) Option {
	return func(c *Config) {
		c.Sampling = config
	}
}

// WithCaller 设置是否记录调用位置
func WithCaller(enable bool) Option {
	return func(c *Config) {
		c.DisableCaller = !enable
	}
}

// WithStacktrace 设置 Error 及以上是否记录堆栈
func WithStacktrace(enable bool) Option {
	return func(c *Config) {
		c.DisableStacktrace = !enable
	}
}

func WithEncoderConfig(config *zapcore.EncoderConfig) Option {
	return func(c *Config) {
		c.EncoderConfig = config
	}
}

func WithHook(hook Hook) Option {
	return func(c *Config) {
		c.Hooks = append(c.Hooks, hook)
	}
}
