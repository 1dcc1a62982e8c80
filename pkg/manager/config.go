package manager

import (
	"fmt"
	"time"

	"github.com/tokmz/sio/pkg/storage"
)

const (
	DriverLocal = "local"
	DriverRedis = "redis"

	BrokerRedis = "redis"
	BrokerAMQP  = "amqp"
)

// Config 会话管理器配置
type Config struct {
	Driver string `mapstructure:"driver" json:"driver"` // local, redis

	// 以下仅 redis 管理器使用
	KeyPrefix    string `mapstructure:"key_prefix" json:"key_prefix"`
	BucketsCount int    `mapstructure:"buckets_count" json:"buckets_count"`

	OrphanCleanerInterval time.Duration `mapstructure:"orphan_cleaner_interval" json:"orphan_cleaner_interval"`
	OrphanCleanerBatch    int           `mapstructure:"orphan_cleaner_batch" json:"orphan_cleaner_batch"` // 每轮抽样的桶数
	OrphanCleanerLimit    int           `mapstructure:"orphan_cleaner_limit" json:"orphan_cleaner_limit"` // 每轮最多清理的会话数

	LockTimeout      time.Duration `mapstructure:"lock_timeout" json:"lock_timeout"`             // 获取会话锁的最长等待
	LockTTL          time.Duration `mapstructure:"lock_ttl" json:"lock_ttl"`                     // 锁键过期时间，持有期间自动续期
	LockRetry        time.Duration `mapstructure:"lock_retry" json:"lock_retry"`                 // 重试间隔
	SweepLockTimeout time.Duration `mapstructure:"sweep_lock_timeout" json:"sweep_lock_timeout"` // 清理锁等待上限

	Redis  *storage.RedisConfig `mapstructure:"redis" json:"redis"`
	Broker BrokerConfig         `mapstructure:"broker" json:"broker"`
}

// BrokerConfig 跨进程事件通道配置
type BrokerConfig struct {
	Driver string `mapstructure:"driver" json:"driver"` // redis, amqp
	URL    string `mapstructure:"url" json:"-"`         // amqp 连接地址
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Driver:                DriverLocal,
		KeyPrefix:             "socketio.socket:",
		BucketsCount:          64,
		OrphanCleanerInterval: 60 * time.Second,
		OrphanCleanerBatch:    8,
		OrphanCleanerLimit:    100,
		LockTimeout:           30 * time.Second,
		LockTTL:               60 * time.Second,
		LockRetry:             100 * time.Millisecond,
		SweepLockTimeout:      2 * time.Second,
		Redis:                 storage.DefaultRedisConfig(),
		Broker:                BrokerConfig{Driver: BrokerRedis},
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverLocal, "":
		return nil
	case DriverRedis:
	default:
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("unknown manager driver %q", c.Driver))
	}

	if c.KeyPrefix == "" {
		return ErrInvalidConfig.WithMessage("key_prefix is required")
	}
	if c.BucketsCount < 1 {
		return ErrInvalidConfig.WithMessage("buckets_count must be at least 1")
	}
	if c.OrphanCleanerInterval <= 0 || c.OrphanCleanerBatch < 1 || c.OrphanCleanerLimit < 1 {
		return ErrInvalidConfig.WithMessage("orphan cleaner settings must be positive")
	}
	if c.LockTimeout <= 0 || c.LockTTL <= 0 || c.LockRetry <= 0 {
		return ErrInvalidConfig.WithMessage("lock settings must be positive")
	}
	switch c.Broker.Driver {
	case BrokerRedis, "":
	case BrokerAMQP:
		if c.Broker.URL == "" {
			return ErrInvalidConfig.WithMessage("amqp broker requires url")
		}
	default:
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("unknown broker driver %q", c.Broker.Driver))
	}
	return nil
}
