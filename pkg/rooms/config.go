package rooms

import (
	"time"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/metrics"
)

// Config 广播配置
type Config struct {
	// MaxWorkers 单次广播的最大并发发送数
	MaxWorkers int `mapstructure:"max_workers" json:"max_workers"`
	// Timeout 单次广播的超时时间
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		MaxWorkers: 100,
		Timeout:    5 * time.Second,
	}
}

// Option 适配器选项
type Option func(*Adapter)

// WithConfig 设置广播配置
func WithConfig(cfg Config) Option {
	return func(a *Adapter) {
		if cfg.MaxWorkers > 0 {
			a.config.MaxWorkers = cfg.MaxWorkers
		}
		if cfg.Timeout > 0 {
			a.config.Timeout = cfg.Timeout
		}
	}
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithMetrics 设置监控
func WithMetrics(m metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}
