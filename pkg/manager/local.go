package manager

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/socket"
	"github.com/tokmz/sio/pkg/storage"
)

// Local 单进程会话管理器
// 已握手但从未被传输连接的会话在 heartbeat_timeout 后过期
type Local struct {
	opts options
	log  logger.Logger

	handshakes *gocache.Cache

	mu        sync.RWMutex
	sockets   map[string]*socket.Socket
	endpoints map[string]map[string]struct{}
}

var _ Manager = (*Local)(nil)

// NewLocal 创建单进程管理器
func NewLocal(opts ...Option) *Local {
	o := buildOptions(opts)
	timeout := o.heartbeatTimeout()
	return &Local{
		opts:       o,
		log:        o.log.With(zap.String("manager", DriverLocal)),
		handshakes: gocache.New(timeout, timeout),
		sockets:    make(map[string]*socket.Socket),
		endpoints:  make(map[string]map[string]struct{}),
	}
}

func (m *Local) NewSessionID() string { return newSessionID() }

func (m *Local) Handshake(ctx context.Context, sid string) error {
	m.handshakes.SetDefault(sid, struct{}{})
	return nil
}

// GetSocket 首次访问已握手的会话时创建 Socket，每次访问计一次命中
func (m *Local) GetSocket(ctx context.Context, sid string) (*socket.Socket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sockets[sid]
	if ok && !s.State().Alive() {
		delete(m.sockets, sid)
		ok = false
	}
	if !ok {
		if _, handshaken := m.handshakes.Get(sid); !handshaken {
			return nil, nil
		}
		m.handshakes.Delete(sid)
		s = newSocket(m, sid, m.opts.socket)
		m.sockets[sid] = s
	}
	s.IncrHits()
	return s, nil
}

func (m *Local) lookup(sid string) *socket.Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sockets[sid]
	if !ok || !s.State().Alive() {
		return nil
	}
	return s
}

// LockSocket 单进程下不需要真正加锁
func (m *Local) LockSocket(ctx context.Context, sid string) (*socket.Socket, func(), error) {
	return m.lookup(sid), func() {}, nil
}

func (m *Local) Detach(ctx context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sockets, sid)
	delete(m.endpoints, sid)
	m.handshakes.Delete(sid)
	return nil
}

func (m *Local) MakeQueue(sid, name string) storage.Queue { return storage.NewMemoryQueue() }

func (m *Local) MakeSession(sid string) storage.Store { return storage.NewMemoryStore() }

func (m *Local) ActivateEndpoint(ctx context.Context, sid, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps, ok := m.endpoints[sid]
	if !ok {
		eps = make(map[string]struct{})
		m.endpoints[sid] = eps
	}
	eps[endpoint] = struct{}{}
	return nil
}

func (m *Local) DeactivateEndpoint(ctx context.Context, sid, endpoint string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eps := m.endpoints[sid]
	if _, ok := eps[endpoint]; !ok {
		return false, nil
	}
	delete(eps, endpoint)
	return true, nil
}

func (m *Local) ActiveEndpoints(ctx context.Context, sid string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eps := m.endpoints[sid]
	out := make([]string, 0, len(eps))
	for ep := range eps {
		out = append(out, ep)
	}
	return out, nil
}

// HeartbeatReceived Socket 已在收到入站数据时自行刷新心跳
func (m *Local) HeartbeatReceived(ctx context.Context, sid string) {}

func (m *Local) HeartbeatSent(ctx context.Context, sid string) {}

func (m *Local) Connected(ctx context.Context, sid string) {
	m.log.Debug("session connected", zap.String("sid", sid))
}

func (m *Local) Sockets() []*socket.Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*socket.Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		out = append(out, s)
	}
	return out
}

// Release 会话状态只存在于本进程，交出即结束会话
func (m *Local) Release(ctx context.Context, s *socket.Socket) error {
	return s.Kill(true)
}

func (m *Local) Start(ctx context.Context) error { return nil }

func (m *Local) Stop(ctx context.Context) error {
	m.handshakes.Flush()
	return nil
}
