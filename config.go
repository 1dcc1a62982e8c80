package sio

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/tokmz/sio/pkg/config"
	"github.com/tokmz/sio/pkg/errors"
	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/manager"
	"github.com/tokmz/sio/pkg/metrics"
	"github.com/tokmz/sio/pkg/rooms"
	"github.com/tokmz/sio/pkg/socket"
	"github.com/tokmz/sio/pkg/tracing"
	"github.com/tokmz/sio/pkg/transport"
)

// 引擎错误 6xxx 中的 60xx 段
var (
	ErrInvalidConfig = errors.New(6001, "invalid engine config", 500)
	ErrBadRequest    = errors.New(6002, "bad protocol request", 400)
	ErrEngineClosed  = errors.New(6003, "engine is shutting down", 503)
)

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	// Addr 监听地址，默认 ":8080"
	Addr string `mapstructure:"addr" json:"addr"`

	// ReadTimeout 读取请求的超时，长轮询只影响请求体读取
	ReadTimeout time.Duration `mapstructure:"read_timeout" json:"read_timeout"`

	// IdleTimeout 空闲超时
	IdleTimeout time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`

	// MaxHeaderBytes 最大请求头字节数
	MaxHeaderBytes int `mapstructure:"max_header_bytes" json:"max_header_bytes"`

	// TrustedProxies 信任的代理 IP
	TrustedProxies []string `mapstructure:"trusted_proxies" json:"trusted_proxies"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Path      string `mapstructure:"path" json:"path"`
	Namespace string `mapstructure:"namespace" json:"namespace"`
}

// EventsConfig 生命周期事件总线配置
type EventsConfig struct {
	Workers   int `mapstructure:"workers" json:"workers"`
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
}

// Config 引擎配置
type Config struct {
	// Mode 运行模式：debug, release, test
	Mode string `mapstructure:"mode" json:"mode"`

	Server ServerConfig `mapstructure:"server" json:"server"`

	// Resource 协议路径段，请求路径为 /<resource>/1/...
	Resource string `mapstructure:"resource" json:"resource"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	// HeartbeatTimeout 必须大于 HeartbeatInterval
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" json:"heartbeat_timeout"`
	// CloseTimeout 关机时等待进行中请求的时长，同时在握手响应中告知客户端
	CloseTimeout time.Duration `mapstructure:"close_timeout" json:"close_timeout"`

	// Transports 启用的传输，顺序即握手响应中的顺序
	Transports []string `mapstructure:"transports" json:"transports"`

	Transport transport.Config `mapstructure:"transport" json:"transport"`
	Rooms     rooms.Config     `mapstructure:"rooms" json:"rooms"`
	Manager   *manager.Config  `mapstructure:"manager" json:"manager"`
	Log       *logger.Config   `mapstructure:"log" json:"log"`
	Tracing   *tracing.Config  `mapstructure:"tracing" json:"tracing"`
	Metrics   MetricsConfig    `mapstructure:"metrics" json:"metrics"`
	Events    EventsConfig     `mapstructure:"events" json:"events"`

	HandshakeLimit RateLimitConfig `mapstructure:"handshake_limit" json:"handshake_limit"`

	// 以下为运行时注入，不参与配置文件解码

	Logger         logger.Logger         `mapstructure:"-" json:"-"`
	Recorder       metrics.Metrics       `mapstructure:"-" json:"-"`
	RedisClient    redis.UniversalClient `mapstructure:"-" json:"-"`
	ErrorHandler   socket.ErrorHandler   `mapstructure:"-" json:"-"`
	BeforeShutdown func()                `mapstructure:"-" json:"-"`
	AfterShutdown  func()                `mapstructure:"-" json:"-"`
}

// Option 配置选项函数
type Option func(*Config)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Mode: gin.ReleaseMode,
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    10 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		Resource:          "socket.io",
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		CloseTimeout:      60 * time.Second,
		Transports:        append([]string(nil), transport.All...),
		Transport:         transport.DefaultConfig(),
		Rooms:             rooms.DefaultConfig(),
		Manager:           manager.DefaultConfig(),
		Log:               &logger.Config{Level: logger.InfoLevel, Format: logger.JSONFormat, Console: true},
		Tracing:           tracing.DefaultConfig(),
		Metrics:           MetricsConfig{Path: "/metrics", Namespace: "sio"},
		Events:            EventsConfig{Workers: 10, QueueSize: 1000},
		HandshakeLimit:    defaultRateLimitConfig(),
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Resource == "" || strings.Contains(c.Resource, "/") {
		return ErrInvalidConfig.WithMessage(fmt.Sprintf("resource %q must be a single non-empty path segment", c.Resource))
	}
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidConfig.WithMessage("heartbeat_interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return ErrInvalidConfig.WithMessage("heartbeat_timeout must exceed heartbeat_interval")
	}
	if c.CloseTimeout <= 0 {
		return ErrInvalidConfig.WithMessage("close_timeout must be positive")
	}
	if c.Transport.PollingTimeout >= c.HeartbeatTimeout {
		return ErrInvalidConfig.WithMessage("transport.polling_timeout must be shorter than heartbeat_timeout")
	}
	if len(c.Transports) == 0 {
		return ErrInvalidConfig.WithMessage("at least one transport is required")
	}
	for _, name := range c.Transports {
		if !knownTransport(name) {
			return ErrInvalidConfig.WithMessage("unknown transport: " + name)
		}
	}
	if c.Manager != nil {
		if err := c.Manager.Validate(); err != nil {
			return err
		}
	}
	if c.Tracing != nil && c.Tracing.Enabled {
		if err := c.Tracing.Validate(); err != nil {
			return err
		}
	}
	if c.HandshakeLimit.Enabled {
		l := c.HandshakeLimit
		if l.RequestsPerSecond <= 0 || l.Burst < 1 || l.BucketExpiry <= 0 {
			return ErrInvalidConfig.WithMessage("handshake_limit settings must be positive")
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return ErrInvalidConfig.WithMessage("metrics.path must start with /")
	}
	return nil
}

func knownTransport(name string) bool {
	for _, t := range transport.All {
		if t == name {
			return true
		}
	}
	return false
}

// WithConfig 整体替换配置，通常用于 LoadConfig 的结果，应放在其他选项之前
func WithConfig(cfg *Config) Option {
	return func(c *Config) {
		*c = *cfg
	}
}

// WithMode 设置运行模式
func WithMode(mode string) Option {
	return func(c *Config) {
		c.Mode = mode
	}
}

// WithAddr 设置监听地址
func WithAddr(addr string) Option {
	return func(c *Config) {
		c.Server.Addr = addr
	}
}

// WithResource 设置协议路径段
func WithResource(resource string) Option {
	return func(c *Config) {
		c.Resource = resource
	}
}

// WithHeartbeat 设置心跳间隔与超时
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Config) {
		c.HeartbeatInterval = interval
		c.HeartbeatTimeout = timeout
	}
}

// WithCloseTimeout 设置关机等待时长
func WithCloseTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.CloseTimeout = timeout
	}
}

// WithPollingTimeout 设置长轮询等待时长
func WithPollingTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Transport.PollingTimeout = timeout
	}
}

// WithTransports 设置启用的传输
func WithTransports(names ...string) Option {
	return func(c *Config) {
		c.Transports = names
	}
}

// WithCORS 设置跨域策略
func WithCORS(cors transport.CORSConfig) Option {
	return func(c *Config) {
		c.Transport.CORS = cors
	}
}

// WithManager 设置会话管理器配置
func WithManager(cfg *manager.Config) Option {
	return func(c *Config) {
		c.Manager = cfg
	}
}

// WithRedisClient 使用已有的 redis 客户端
func WithRedisClient(client redis.UniversalClient) Option {
	return func(c *Config) {
		c.RedisClient = client
	}
}

// WithLogger 设置日志器，未设置时不输出日志
func WithLogger(l logger.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithMetrics 使用自定义的监控实现
func WithMetrics(m metrics.Metrics) Option {
	return func(c *Config) {
		c.Recorder = m
	}
}

// WithPrometheus 启用内置 Prometheus 指标并挂载到 path
func WithPrometheus(path string) Option {
	return func(c *Config) {
		c.Metrics.Enabled = true
		if path != "" {
			c.Metrics.Path = path
		}
	}
}

// WithHandshakeLimit 按客户端 IP 限制握手频率
func WithHandshakeLimit(rps float64, burst int) Option {
	return func(c *Config) {
		c.HandshakeLimit.Enabled = true
		c.HandshakeLimit.RequestsPerSecond = rps
		c.HandshakeLimit.Burst = burst
	}
}

// WithTracing 设置链路追踪
func WithTracing(cfg *tracing.Config) Option {
	return func(c *Config) {
		c.Tracing = cfg
	}
}

// WithErrorHandler 设置协议错误处理函数
func WithErrorHandler(h socket.ErrorHandler) Option {
	return func(c *Config) {
		c.ErrorHandler = h
	}
}

// WithBeforeShutdown 设置关机前回调
func WithBeforeShutdown(fn func()) Option {
	return func(c *Config) {
		c.BeforeShutdown = fn
	}
}

// WithAfterShutdown 设置关机后回调
func WithAfterShutdown(fn func()) Option {
	return func(c *Config) {
		c.AfterShutdown = fn
	}
}

// EnvPrefix 默认的环境变量前缀
const EnvPrefix = "SIO"

// envKeys 可由环境变量覆盖的键，取默认配置中的值作为 viper 默认值
func envKeys(c *Config) map[string]any {
	m := map[string]any{
		"mode":                      c.Mode,
		"server.addr":               c.Server.Addr,
		"resource":                  c.Resource,
		"heartbeat_interval":        c.HeartbeatInterval,
		"heartbeat_timeout":         c.HeartbeatTimeout,
		"close_timeout":             c.CloseTimeout,
		"transports":                c.Transports,
		"transport.polling_timeout": c.Transport.PollingTimeout,
		"metrics.enabled":           c.Metrics.Enabled,
		"metrics.path":              c.Metrics.Path,
		"log.level":                 string(c.Log.Level),
		"log.format":                string(c.Log.Format),
		"tracing.enabled":           c.Tracing.Enabled,
		"tracing.exporter":          c.Tracing.Exporter,
		"tracing.endpoint":          c.Tracing.Endpoint,
		"manager.driver":            c.Manager.Driver,
		"manager.key_prefix":        c.Manager.KeyPrefix,
		"manager.buckets_count":     c.Manager.BucketsCount,
		"manager.broker.driver":     c.Manager.Broker.Driver,
		"manager.broker.url":        c.Manager.Broker.URL,
	}
	if c.Manager.Redis != nil {
		m["manager.redis.addr"] = c.Manager.Redis.Addr
		m["manager.redis.password"] = c.Manager.Redis.Password
		m["manager.redis.db"] = c.Manager.Redis.DB
	}
	return m
}

func newLoader(path, envPrefix string, opts ...config.Option) *config.Config {
	if envPrefix == "" {
		envPrefix = EnvPrefix
	}
	base := []config.Option{
		config.WithEnvPrefix(envPrefix),
		config.WithDefaults(envKeys(DefaultConfig())),
	}
	if path != "" {
		base = append(base, config.WithConfigFile(path))
	}
	return config.New(append(base, opts...)...)
}

func decode(loader *config.Config) (*Config, error) {
	cfg := DefaultConfig()
	if err := loader.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig 读取配置文件并应用环境变量覆盖
// path 为空时只使用默认值与环境变量，envPrefix 为空时使用 SIO
func LoadConfig(path, envPrefix string) (*Config, error) {
	loader := newLoader(path, envPrefix)
	if err := loader.Load(); err != nil {
		return nil, err
	}
	return decode(loader)
}

// WatchConfig 读取配置并在文件变化时回调新配置，返回的 stop 停止回调
// 解码或校验失败的变更会被忽略
func WatchConfig(path, envPrefix string, onChange func(*Config)) (*Config, func(), error) {
	var loader *config.Config
	loader = newLoader(path, envPrefix,
		config.WithAutoWatch(true),
		config.WithOnChange(func() {
			if cfg, err := decode(loader); err == nil {
				onChange(cfg)
			}
		}),
	)
	if err := loader.Load(); err != nil {
		return nil, nil, err
	}
	cfg, err := decode(loader)
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	return cfg, loader.Close, nil
}
