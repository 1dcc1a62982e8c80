package namespace

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/metrics"
	"github.com/tokmz/sio/pkg/rooms"
	"github.com/tokmz/sio/pkg/socket"
)

// Observer 命名空间实例的生命周期观察者
// 回调在会话的处理协程中同步执行，不应阻塞
type Observer interface {
	EndpointActivated(c *Conn)
	EndpointDeactivated(c *Conn)
}

// Registry 命名空间注册表，实现 socket.Registry
type Registry struct {
	mu         sync.RWMutex
	namespaces map[string]*Namespace
	roomsCfg   rooms.Config
	observer   Observer
	log        logger.Logger
	metrics    metrics.Metrics
}

// Option 注册表选项
type Option func(*Registry)

// WithLogger 设置日志器
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithMetrics 设置监控
func WithMetrics(m metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithRoomsConfig 设置每个命名空间的广播配置
func WithRoomsConfig(cfg rooms.Config) Option {
	return func(r *Registry) { r.roomsCfg = cfg }
}

// WithObserver 订阅命名空间实例的创建与离开
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// NewRegistry 创建注册表，全局命名空间总是存在
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		namespaces: make(map[string]*Namespace),
		roomsCfg:   rooms.DefaultConfig(),
		log:        logger.NewNop(),
		metrics:    metrics.Noop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Of(socket.GlobalEndpoint)
	return r
}

// Of 返回命名空间，不存在时创建
func (r *Registry) Of(name string) *Namespace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ns, ok := r.namespaces[name]; ok {
		return ns
	}
	log := r.log.With(zap.String("endpoint", name))
	adapter := rooms.New(
		rooms.WithConfig(r.roomsCfg),
		rooms.WithLogger(log),
		rooms.WithMetrics(r.metrics),
	)
	ns := newNamespace(name, adapter, log)
	ns.observer = r.observer
	r.namespaces[name] = ns
	return ns
}

// Get 返回已注册的命名空间
func (r *Registry) Get(name string) (*Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[name]
	return ns, ok
}

// Names 已注册的命名空间名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.namespaces))
	for name := range r.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Freeze 冻结全部命名空间
func (r *Registry) Freeze() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ns := range r.namespaces {
		ns.Freeze()
	}
}

// Endpoint 为会话创建命名空间实例，会话接纳后由 Open 加入命名空间
func (r *Registry) Endpoint(s *socket.Socket, name string) (socket.Endpoint, bool) {
	ns, ok := r.Get(name)
	if !ok {
		return nil, false
	}

	c := newConn(ns, s)
	c.ResetACL()
	return c, true
}

// Lookup 返回会话在命名空间上的实例
func Lookup(s *socket.Socket, name string) (*Conn, bool) {
	ep, ok := s.Endpoint(name)
	if !ok {
		return nil, false
	}
	c, ok := ep.(*Conn)
	return c, ok
}
