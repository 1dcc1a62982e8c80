package manager

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/metrics"
	"github.com/tokmz/sio/pkg/socket"
	"github.com/tokmz/sio/pkg/storage"
)

// 会话的两条队列
const (
	QueueServer = "server" // 客户端 -> 服务端
	QueueClient = "client" // 服务端 -> 客户端
)

// Manager 会话管理器
// 负责会话的创建、查找、加锁与清理，Local 为单进程实现，Redis 为多进程实现
type Manager interface {
	socket.Manager

	// NewSessionID 生成新的会话 ID
	NewSessionID() string
	// Handshake 登记会话，此时还不创建 Socket
	Handshake(ctx context.Context, sid string) error
	// GetSocket 返回已握手的会话，未握手或已关闭时返回 nil
	GetSocket(ctx context.Context, sid string) (*socket.Socket, error)
	MakeQueue(sid, name string) storage.Queue
	MakeSession(sid string) storage.Store
	// Sockets 本进程持有的会话
	Sockets() []*socket.Socket
	// Release 本进程停止服务时交出会话
	// 共享状态保存在外部的实现只丢弃本地实例，会话可由其他进程继续服务
	Release(ctx context.Context, s *socket.Socket) error

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Option 管理器选项
type Option func(*options)

type options struct {
	socket  socket.Options
	log     logger.Logger
	metrics metrics.Metrics
	client  redis.UniversalClient
	broker  Broker
}

// WithSocketOptions 新建会话使用的选项
func WithSocketOptions(o socket.Options) Option {
	return func(opts *options) { opts.socket = o }
}

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(opts *options) { opts.log = l }
}

// WithMetrics 设置监控
func WithMetrics(m metrics.Metrics) Option {
	return func(opts *options) { opts.metrics = m }
}

// WithRedisClient 使用已有的 redis 客户端，不再按配置创建
func WithRedisClient(c redis.UniversalClient) Option {
	return func(opts *options) { opts.client = c }
}

// WithBroker 使用自定义的跨进程事件通道
func WithBroker(b Broker) Option {
	return func(opts *options) { opts.broker = b }
}

func buildOptions(opts []Option) options {
	o := options{
		log:     logger.NewNop(),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.socket.Logger == nil {
		o.socket.Logger = o.log
	}
	if o.socket.Metrics == nil {
		o.socket.Metrics = o.metrics
	}
	return o
}

func (o *options) heartbeatTimeout() time.Duration {
	if o.socket.HeartbeatTimeout > 0 {
		return o.socket.HeartbeatTimeout
	}
	return 60 * time.Second
}

// New 按配置创建管理器
func New(cfg *Config, opts ...Option) (Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Driver == DriverRedis {
		return NewRedis(cfg, opts...)
	}
	return NewLocal(opts...), nil
}

// newSessionID 不带连字符的随机 ID
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newSocket 用管理器的队列和会话存储创建会话并进入 CONNECTING
func newSocket(m Manager, sid string, opts socket.Options) *socket.Socket {
	s := socket.New(sid, m, socket.Storage{
		Inbound:  m.MakeQueue(sid, QueueServer),
		Outbound: m.MakeQueue(sid, QueueClient),
		Session:  m.MakeSession(sid),
	}, opts)
	s.Open()
	return s
}
