package storage

import (
	"fmt"
	"time"
)

// RedisMode Redis 部署模式
type RedisMode string

const (
	RedisStandalone RedisMode = "standalone"
	RedisCluster    RedisMode = "cluster"
	RedisSentinel   RedisMode = "sentinel"
)

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr         string        `mapstructure:"addr" json:"addr"`                     // 地址（单机）
	Addrs        []string      `mapstructure:"addrs" json:"addrs"`                   // 地址列表（集群/哨兵）
	Mode         RedisMode     `mapstructure:"mode" json:"mode"`                     // standalone, cluster, sentinel
	Username     string        `mapstructure:"username" json:"username"`             // 用户名（Redis 6.0+）
	Password     string        `mapstructure:"password" json:"-"`                    // 密码
	DB           int           `mapstructure:"db" json:"db"`                         // 数据库编号
	PoolSize     int           `mapstructure:"pool_size" json:"pool_size"`           // 连接池大小
	MinIdleConns int           `mapstructure:"min_idle_conns" json:"min_idle_conns"` // 最小空闲连接
	MaxRetries   int           `mapstructure:"max_retries" json:"max_retries"`       // 最大重试次数
	DialTimeout  time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`     // 连接超时
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`     // 读超时
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`   // 写超时
	MasterName   string        `mapstructure:"master_name" json:"master_name"`       // 哨兵主节点名称
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		Mode:         RedisStandalone,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Validate 校验配置
func (c *RedisConfig) Validate() error {
	switch c.Mode {
	case RedisStandalone, "":
		if c.Addr == "" {
			return fmt.Errorf("%w: redis addr is required for standalone mode", ErrInvalidConfig)
		}
	case RedisCluster:
		if len(c.Addrs) == 0 {
			return fmt.Errorf("%w: cluster mode requires addrs", ErrInvalidConfig)
		}
	case RedisSentinel:
		if len(c.Addrs) == 0 {
			return fmt.Errorf("%w: sentinel mode requires addrs", ErrInvalidConfig)
		}
		if c.MasterName == "" {
			return fmt.Errorf("%w: sentinel mode requires master name", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported redis mode: %s", ErrInvalidConfig, c.Mode)
	}
	return nil
}
