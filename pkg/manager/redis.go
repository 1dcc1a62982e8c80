package manager

import (
	"context"
	stderrors "errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/socket"
	"github.com/tokmz/sio/pkg/storage"
)

// Redis 多进程会话管理器
//
// 会话状态保存在 redis 中，任何进程都能按 ID 取回会话：
//
//	<prefix><sid>:session       会话键值存储
//	<prefix><sid>:lock          会话锁
//	<prefix><sid>:endpoints     已激活的命名空间
//	<prefix><sid>:queue:<name>  收发队列
//	<prefix>alive:b<n>          最近心跳时间，按桶分片
//	<prefix>hits:b<n>           命中次数，按桶分片
//	<prefix>buckets             有数据的 alive 桶
//	<prefix>connected           已完成连接确认的会话
//
// 心跳与命名空间变更通过 Broker 通知其他进程
type Redis struct {
	cfg    Config
	opts   options
	client redis.UniversalClient
	owned  bool // client 由管理器创建，Stop 时关闭
	broker Broker
	uuid   string
	log    logger.Logger

	locks *groupLocks
	lc    *lockClient
	sf    singleflight.Group

	mu      sync.RWMutex
	sockets map[string]*socket.Socket

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Manager = (*Redis)(nil)

// NewRedis 创建多进程管理器
func NewRedis(cfg *Config, opts ...Option) (*Redis, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.Driver = DriverRedis
	if err := c.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	client, owned := o.client, false
	if client == nil {
		owned = true
		var err error
		if client, err = storage.NewRedisClient(c.Redis); err != nil {
			return nil, err
		}
	}

	log := o.log.With(zap.String("manager", DriverRedis))
	broker := o.broker
	if broker == nil {
		switch c.Broker.Driver {
		case BrokerAMQP:
			b, err := NewAMQPBroker(c.Broker.URL, log)
			if err != nil {
				return nil, err
			}
			broker = b
		default:
			broker = NewRedisBroker(client, log)
		}
	}

	lc := &lockClient{client: client, ttl: c.LockTTL, retry: c.LockRetry}
	return &Redis{
		cfg:     c,
		opts:    o,
		client:  client,
		owned:   owned,
		broker:  broker,
		uuid:    uuid.NewString(),
		log:     log,
		lc:      lc,
		locks:   newGroupLocks(lc, c.LockTimeout, log),
		sockets: make(map[string]*socket.Socket),
	}, nil
}

// ---- 键 ----

func (m *Redis) sessionKey(sid, suffix string) string {
	return m.cfg.KeyPrefix + sid + ":" + suffix
}

// bucket 会话 ID 的 FNV-1a 哈希对桶数取模
func (m *Redis) bucket(sid string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sid))
	return int(h.Sum32() % uint32(m.cfg.BucketsCount))
}

func (m *Redis) bucketKey(kind, sid string) string {
	return m.cfg.KeyPrefix + kind + ":b" + strconv.Itoa(m.bucket(sid))
}

func (m *Redis) bucketsKey() string   { return m.cfg.KeyPrefix + "buckets" }
func (m *Redis) connectedKey() string { return m.cfg.KeyPrefix + "connected" }
func (m *Redis) sweepLockKey() string { return m.cfg.KeyPrefix + "sweeper:lock" }
func (m *Redis) socketChannel() string {
	return m.cfg.KeyPrefix + "socket.events"
}
func (m *Redis) endpointChannel() string {
	return m.cfg.KeyPrefix + "endpoint.events"
}

// derivedKeys 会话的全部派生键，不含分片桶
func (m *Redis) derivedKeys(sid string) []string {
	return []string{
		m.sessionKey(sid, "session"),
		m.sessionKey(sid, "lock"),
		m.sessionKey(sid, "endpoints"),
		m.sessionKey(sid, "queue:"+QueueServer),
		m.sessionKey(sid, "queue:"+QueueClient),
	}
}

// ---- 会话 ----

func (m *Redis) NewSessionID() string { return newSessionID() }

// Handshake 在 alive 桶中登记会话，时间戳用于孤儿清理
func (m *Redis) Handshake(ctx context.Context, sid string) error {
	alive := m.bucketKey("alive", sid)
	_, err := m.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, alive, sid, time.Now().Unix())
		p.SAdd(ctx, m.bucketsKey(), alive)
		return nil
	})
	return err
}

// GetSocket 返回会话并累加共享的命中次数
// 本进程没有该会话时从 redis 恢复
func (m *Redis) GetSocket(ctx context.Context, sid string) (*socket.Socket, error) {
	s, err := m.lookup(ctx, sid)
	if err != nil || s == nil {
		return nil, err
	}
	hits, err := m.client.HIncrBy(ctx, m.bucketKey("hits", sid), sid, 1).Result()
	if err != nil {
		return nil, err
	}
	s.SetHits(hits)
	return s, nil
}

func (m *Redis) local(sid string) *socket.Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sockets[sid]
}

// lookup 返回本进程的会话，必要时从 redis 恢复，不计命中
func (m *Redis) lookup(ctx context.Context, sid string) (*socket.Socket, error) {
	if s := m.local(sid); s != nil {
		if s.State().Alive() {
			return s, nil
		}
		m.forget(sid, s)
	}

	v, err, _ := m.sf.Do(sid, func() (any, error) {
		if s := m.local(sid); s != nil && s.State().Alive() {
			return s, nil
		}
		alive, err := m.client.HExists(ctx, m.bucketKey("alive", sid), sid).Result()
		if err != nil {
			return nil, err
		}
		if !alive {
			return (*socket.Socket)(nil), nil
		}
		connected, err := m.client.SIsMember(ctx, m.connectedKey(), sid).Result()
		if err != nil {
			return nil, err
		}

		s := newSocket(m, sid, m.opts.socket)
		m.mu.Lock()
		m.sockets[sid] = s
		m.mu.Unlock()
		if connected {
			// 其他进程已写出过 1::，这里只恢复状态
			s.Establish()
		}
		m.log.Debug("session restored", zap.String("sid", sid), zap.Bool("connected", connected))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*socket.Socket), nil
}

// forget 仅当表中仍是同一个实例时删除
func (m *Redis) forget(sid string, s *socket.Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sockets[sid] == s {
		delete(m.sockets, sid)
	}
}

// LockSocket 获取会话的分布式组锁
func (m *Redis) LockSocket(ctx context.Context, sid string) (*socket.Socket, func(), error) {
	release, err := m.locks.Acquire(ctx, m.sessionKey(sid, "lock"))
	if err != nil {
		return nil, nil, err
	}
	s, err := m.lookup(ctx, sid)
	if err != nil {
		release()
		return nil, nil, err
	}
	return s, release, nil
}

// Detach 会话关闭后删除本地实例和 redis 中的全部状态，并通知其他进程
func (m *Redis) Detach(ctx context.Context, sid string) error {
	if s := m.local(sid); s != nil {
		m.forget(sid, s)
	}
	if err := m.purge(ctx, sid); err != nil {
		return err
	}
	return m.publish(ctx, m.socketChannel(), sid, EventDead)
}

// purge 删除会话的全部派生键和分片记录
func (m *Redis) purge(ctx context.Context, sid string) error {
	_, err := m.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, m.derivedKeys(sid)...)
		p.HDel(ctx, m.bucketKey("hits", sid), sid)
		p.SRem(ctx, m.connectedKey(), sid)
		return nil
	})
	if err != nil {
		return err
	}
	return bucketHDel.Run(ctx, m.client, []string{m.bucketKey("alive", sid), m.bucketsKey()}, sid).Err()
}

// Release 只丢弃本地实例，redis 中的会话、队列和命名空间记录保持不变
// 其他进程继续服务该会话；客户端不再出现时由孤儿清理回收
func (m *Redis) Release(ctx context.Context, s *socket.Socket) error {
	m.forget(s.ID(), s)
	return s.Release()
}

func (m *Redis) MakeQueue(sid, name string) storage.Queue {
	return storage.NewRedisQueue(m.client, m.sessionKey(sid, "queue:"+name))
}

func (m *Redis) MakeSession(sid string) storage.Store {
	return storage.NewRedisStore(m.client, m.sessionKey(sid, "session"))
}

func (m *Redis) Sockets() []*socket.Socket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*socket.Socket, 0, len(m.sockets))
	for _, s := range m.sockets {
		out = append(out, s)
	}
	return out
}

// ---- 命名空间 ----

func (m *Redis) ActivateEndpoint(ctx context.Context, sid, endpoint string) error {
	if err := m.client.SAdd(ctx, m.sessionKey(sid, "endpoints"), endpoint).Err(); err != nil {
		return err
	}
	return m.publish(ctx, m.endpointChannel(), sid, EventActivated, endpoint)
}

// DeactivateEndpoint 只有真正移除时才通知，重放的移除不会再次广播
func (m *Redis) DeactivateEndpoint(ctx context.Context, sid, endpoint string) (bool, error) {
	n, err := m.client.SRem(ctx, m.sessionKey(sid, "endpoints"), endpoint).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	return true, m.publish(ctx, m.endpointChannel(), sid, EventDeactivated, endpoint)
}

func (m *Redis) ActiveEndpoints(ctx context.Context, sid string) ([]string, error) {
	return m.client.SMembers(ctx, m.sessionKey(sid, "endpoints")).Result()
}

// ---- 心跳 ----

func (m *Redis) HeartbeatReceived(ctx context.Context, sid string) {
	ctx = context.WithoutCancel(ctx)
	if err := m.client.HSet(ctx, m.bucketKey("alive", sid), sid, time.Now().Unix()).Err(); err != nil {
		m.log.Warn("record heartbeat failed", zap.String("sid", sid), zap.Error(err))
	}
	if err := m.publish(ctx, m.socketChannel(), sid, EventHeartbeatReceived); err != nil {
		m.log.Warn("publish heartbeat failed", zap.String("sid", sid), zap.Error(err))
	}
}

func (m *Redis) HeartbeatSent(ctx context.Context, sid string) {
	if err := m.publish(context.WithoutCancel(ctx), m.socketChannel(), sid, EventHeartbeatSent); err != nil {
		m.log.Warn("publish heartbeat failed", zap.String("sid", sid), zap.Error(err))
	}
}

func (m *Redis) Connected(ctx context.Context, sid string) {
	if err := m.client.SAdd(context.WithoutCancel(ctx), m.connectedKey(), sid).Err(); err != nil {
		m.log.Warn("mark session connected failed", zap.String("sid", sid), zap.Error(err))
	}
}

// ---- 跨进程同步 ----

func (m *Redis) publish(ctx context.Context, channel, sid, event string, args ...string) error {
	return m.broker.Publish(ctx, channel, &Event{
		UUID:   m.uuid,
		SessID: sid,
		Event:  event,
		Args:   args,
	})
}

// handleEvent 处理其他进程发来的通知，自己发出的忽略
func (m *Redis) handleEvent(channel string, ev *Event) {
	if ev.UUID == m.uuid {
		return
	}
	s := m.local(ev.SessID)
	if s == nil {
		return
	}

	switch ev.Event {
	case EventHeartbeatReceived:
		s.Heartbeat()
	case EventHeartbeatSent:
		s.HeartbeatSent()
	case EventDead:
		// 先移出表，Kill 触发的 Detach 不会再次广播
		m.forget(ev.SessID, s)
		_ = s.Kill(false)
	case EventDeactivated:
		if len(ev.Args) == 0 {
			return
		}
		// 发起方已通知客户端，这里静默关闭
		s.CloseEndpoint(context.WithoutCancel(s.Context()), ev.Args[0])
	case EventActivated:
		// 命名空间在首个数据包到达时按需创建
	default:
		m.log.Debug("unknown sync event", zap.String("channel", channel), zap.String("event", ev.Event))
	}
}

// Start 启动事件订阅和孤儿清理
func (m *Redis) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return nil
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.subscribeLoop(runCtx)
	}()
	go func() {
		defer m.wg.Done()
		m.sweepLoop(runCtx)
	}()
	m.log.Info("redis manager started", zap.String("uuid", m.uuid))
	return nil
}

// subscribeLoop 订阅断开后重连
func (m *Redis) subscribeLoop(ctx context.Context) {
	for {
		err := m.broker.Subscribe(ctx, m.handleEvent, m.socketChannel(), m.endpointChannel())
		if ctx.Err() != nil || stderrors.Is(err, ErrBrokerClosed) {
			return
		}
		if err != nil {
			m.log.Warn("sync subscription failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// Stop 停止后台任务，本地会话由调用方负责关闭
func (m *Redis) Stop(ctx context.Context) error {
	m.runMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.runMu.Unlock()
	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err := m.broker.Close()
	if m.owned {
		if cerr := m.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
