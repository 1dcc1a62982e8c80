package tracing

import (
	"time"

	"github.com/tokmz/sio/pkg/errors"
)

// ErrInvalidConfig 追踪配置错误
var ErrInvalidConfig = errors.New(6101, "invalid tracing config", 500)

// Config 链路追踪配置
type Config struct {
	// 是否启用，关闭时使用 noop 导出器
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	ServiceName    string `mapstructure:"service_name" json:"service_name"`
	ServiceVersion string `mapstructure:"service_version" json:"service_version"`
	Environment    string `mapstructure:"environment" json:"environment"`

	// 导出器类型（otlp/stdout/noop）
	Exporter string `mapstructure:"exporter" json:"exporter"`
	// OTLP HTTP 端点，为空时读取 OTEL_EXPORTER_OTLP_ENDPOINT
	Endpoint string            `mapstructure:"endpoint" json:"endpoint"`
	Headers  map[string]string `mapstructure:"headers" json:"-"`
	Insecure bool              `mapstructure:"insecure" json:"insecure"`

	// 采样类型（always/never/ratio/parent_based）
	Sampler      string  `mapstructure:"sampler" json:"sampler"`
	SamplingRate float64 `mapstructure:"sampling_rate" json:"sampling_rate"`

	BatchTimeout       time.Duration `mapstructure:"batch_timeout" json:"batch_timeout"`
	MaxExportBatchSize int           `mapstructure:"max_export_batch_size" json:"max_export_batch_size"`
	MaxQueueSize       int           `mapstructure:"max_queue_size" json:"max_queue_size"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Enabled:            false,
		ServiceName:        "sioserver",
		ServiceVersion:     "dev",
		Environment:        "development",
		Exporter:           "noop",
		Sampler:            "parent_based",
		SamplingRate:       1.0,
		BatchTimeout:       5 * time.Second,
		MaxExportBatchSize: 512,
		MaxQueueSize:       2048,
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return ErrInvalidConfig.WithMessage("tracing: service name is required")
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return ErrInvalidConfig.WithMessage("tracing: sampling rate must be between 0.0 and 1.0")
	}
	switch c.Exporter {
	case "otlp", "stdout", "noop":
	default:
		return ErrInvalidConfig.WithMessage("tracing: invalid exporter type: " + c.Exporter)
	}
	return nil
}
