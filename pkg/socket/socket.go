package socket

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/metrics"
	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/storage"
)

// GlobalEndpoint 全局命名空间，代表整条连接
const GlobalEndpoint = ""

// Manager 会话对管理器的依赖
// 由 pkg/manager 中的 Local / Redis 实现
type Manager interface {
	Detach(ctx context.Context, sid string) error
	ActivateEndpoint(ctx context.Context, sid, endpoint string) error
	// DeactivateEndpoint 返回 true 表示本次调用真正移除了该命名空间
	DeactivateEndpoint(ctx context.Context, sid, endpoint string) (bool, error)
	ActiveEndpoints(ctx context.Context, sid string) ([]string, error)
	HeartbeatReceived(ctx context.Context, sid string)
	HeartbeatSent(ctx context.Context, sid string)
	// Connected 记录会话已完成连接确认
	Connected(ctx context.Context, sid string)
	// LockSocket 在调用 release 之前独占该会话
	// 会话不存在时返回 nil socket
	LockSocket(ctx context.Context, sid string) (s *Socket, release func(), err error)
}

// Endpoint 会话在单个命名空间上的实例
type Endpoint interface {
	Name() string
	// Open 会话接纳该实例后调用一次，加入命名空间并执行初始化钩子
	Open()
	Dispatch(ctx context.Context, pkt *packet.Packet) error
	// Close 执行断开钩子并离开命名空间
	Close(ctx context.Context)
	// Release 只清理本进程内的状态，不执行断开钩子，也不修改管理器中的记录
	Release()
}

// Registry 命名空间注册表
type Registry interface {
	// Endpoint 为会话创建命名空间实例，未注册的命名空间返回 false
	Endpoint(s *Socket, name string) (Endpoint, bool)
}

// ErrorHandler 会话上的协议错误处理函数
type ErrorHandler func(s *Socket, endpoint string, err error)

// AckCallback 客户端确认回调
type AckCallback func(args []any)

// StateHook 状态变更回调
type StateHook func(s *Socket, from, to State)

// Storage 会话的队列与键值存储
type Storage struct {
	// Inbound 客户端 -> 服务端
	Inbound storage.Queue
	// Outbound 服务端 -> 客户端
	Outbound storage.Queue
	Session  storage.Store
}

// Options 会话选项
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	Registry          Registry
	ErrorHandler      ErrorHandler
	OnStateChange     StateHook
	Logger            logger.Logger
	Metrics           metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
	if o.ErrorHandler == nil {
		o.ErrorHandler = DefaultErrorHandler
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Noop{}
	}
}

// Socket 虚拟会话
// 把各种传输统一成一条双向连接，持有收发队列、心跳计时器和命名空间实例
type Socket struct {
	id      string
	manager Manager
	opts    Options
	log     logger.Logger

	inbound  storage.Queue
	outbound storage.Queue
	session  storage.Store

	state atomic.Int32

	// 生命周期
	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
	done   chan struct{}

	// 心跳
	hbCheck       chan struct{}
	hbSend        chan struct{}
	heartbeats    atomic.Int64
	lastHeartbeat atomic.Int64
	hits          atomic.Int64

	mu        sync.Mutex
	endpoints map[string]Endpoint
	acks      map[int]AckCallback
	ackSeq    int
	bound     map[string]bool
	request   *http.Request
}

// New 创建会话，初始状态为 NEW
func New(id string, m Manager, st Storage, opts Options) *Socket {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	ctx = logger.WithSessionID(ctx, id)

	s := &Socket{
		id:        id,
		manager:   m,
		opts:      opts,
		log:       opts.Logger.With(zap.String("sid", id)),
		inbound:   st.Inbound,
		outbound:  st.Outbound,
		session:   st.Session,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		hbCheck:   make(chan struct{}, 1),
		hbSend:    make(chan struct{}, 1),
		endpoints: make(map[string]Endpoint),
		acks:      make(map[int]AckCallback),
		bound:     make(map[string]bool),
	}
	s.lastHeartbeat.Store(time.Now().Unix())
	return s
}

// ID 会话 ID
func (s *Socket) ID() string { return s.id }

// State 当前状态
func (s *Socket) State() State { return State(s.state.Load()) }

// Connected 是否处于 CONNECTED 状态
func (s *Socket) Connected() bool { return s.State() == StateConnected }

// Context 会话上下文，会话被 Kill 时取消
func (s *Socket) Context() context.Context { return s.ctx }

// Done 会话进入 DISCONNECTED 后关闭
func (s *Socket) Done() <-chan struct{} { return s.done }

// Logger 带 sid 字段的日志器
func (s *Socket) Logger() logger.Logger { return s.log }

// Session 会话级键值存储，跨命名空间共享
func (s *Socket) Session() storage.Store { return s.session }

// Hits 会话被传输请求命中的次数
func (s *Socket) Hits() int64 { return s.hits.Load() }

// IncrHits 命中次数加一
func (s *Socket) IncrHits() int64 { return s.hits.Add(1) }

// SetHits 由分布式管理器同步共享的命中次数
func (s *Socket) SetHits(n int64) { s.hits.Store(n) }

// Heartbeats 已确认的心跳次数
func (s *Socket) Heartbeats() int64 { return s.heartbeats.Load() }

// LastHeartbeat 最近一次收到心跳的时间
func (s *Socket) LastHeartbeat() time.Time {
	return time.Unix(s.lastHeartbeat.Load(), 0)
}

// SetRequest 保存触发会话的 http 请求，供命名空间读取
func (s *Socket) SetRequest(r *http.Request) {
	s.mu.Lock()
	s.request = r
	s.mu.Unlock()
}

// Request 最近绑定的 http 请求
func (s *Socket) Request() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// transition 须在持有 mu 时调用
func (s *Socket) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// notify 在释放 mu 之后调用
func (s *Socket) notify(from, to State) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s, from, to)
	}
}

// Open NEW -> CONNECTING，握手完成后由管理器调用
func (s *Socket) Open() bool {
	s.mu.Lock()
	ok := s.transition(StateNew, StateConnecting)
	s.mu.Unlock()
	if ok {
		s.notify(StateNew, StateConnecting)
	}
	return ok
}

// Establish CONNECTING -> CONNECTED
// 第一个传输绑定时调用，启动心跳和接收循环
// 返回 true 表示调用方需要向客户端写出连接确认包 1::
func (s *Socket) Establish() bool {
	s.mu.Lock()
	ok := s.transition(StateConnecting, StateConnected)
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.notify(StateConnecting, StateConnected)

	s.opts.Metrics.SessionOpened()
	s.manager.Connected(s.ctx, s.id)
	s.spawnHeartbeat()
	_ = s.Spawn(s.receiverLoop)
	s.log.Debug("session connected")
	return true
}

// Kill 关闭会话
// 清空确认回调，执行所有命名空间的断开钩子，取消后台任务。
// 重复调用返回 ErrSessionAlreadyDisconnected
func (s *Socket) Kill(detach bool) error {
	s.mu.Lock()
	s.acks = make(map[int]AckCallback)
	from := s.State()
	ok := from.Alive() && s.transition(from, StateDisconnecting)
	s.mu.Unlock()
	if !ok {
		return ErrSessionAlreadyDisconnected
	}
	s.notify(from, StateDisconnecting)

	ctx := context.WithoutCancel(s.ctx)
	s.closeEndpoints(ctx)
	s.cancel()

	if detach {
		if err := s.manager.Detach(ctx, s.id); err != nil {
			s.log.Warn("detach session failed", zap.Error(err))
		}
	}

	go s.finish(from, true)
	return nil
}

// Release 本进程停止服务该会话
// 取消本地任务并丢弃命名空间实例，不执行断开钩子，不触碰管理器中的共享状态，
// 会话可以在其他进程上继续。状态变更不通知 OnStateChange
func (s *Socket) Release() error {
	s.mu.Lock()
	s.acks = make(map[int]AckCallback)
	from := s.State()
	ok := from.Alive() && s.transition(from, StateDisconnecting)
	eps := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.endpoints = make(map[string]Endpoint)
	s.mu.Unlock()
	if !ok {
		return ErrSessionAlreadyDisconnected
	}

	for _, ep := range eps {
		ep.Release()
	}
	s.cancel()
	go s.finish(from, false)
	return nil
}

// finish 等待后台任务退出后进入 DISCONNECTED
func (s *Socket) finish(from State, notify bool) {
	s.tasks.Wait()
	s.mu.Lock()
	s.transition(StateDisconnecting, StateDisconnected)
	s.mu.Unlock()
	if notify {
		s.notify(StateDisconnecting, StateDisconnected)
	}
	close(s.done)
	if from == StateConnected {
		s.opts.Metrics.SessionClosed()
	}
	s.log.Debug("session disconnected", zap.Bool("released", !notify))
}

// Spawn 启动挂在会话上的后台任务，会话被 Kill 时其 ctx 取消
// 会话已关闭时返回 ErrSessionClosed
func (s *Socket) Spawn(fn func(ctx context.Context)) error {
	s.mu.Lock()
	if !s.State().Alive() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("session task panic",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		fn(s.ctx)
	}()
	return nil
}

// Wait 等待会话进入 DISCONNECTED
func (s *Socket) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bind 标记某类传输请求正在占用会话
// 同类请求重叠时返回 ErrTransportOverlap，会话本身不受影响
func (s *Socket) Bind(kind string) (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound[kind] {
		return nil, ErrTransportOverlap.WithMessage(fmt.Sprintf("overlapping %s request for session %s", kind, s.id))
	}
	s.bound[kind] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.bound, kind)
			s.mu.Unlock()
		})
	}, nil
}

// SendPacket 把数据包放入发送队列，不会阻塞调用方
// 事件参数中的 []byte 被拆成 b4 附件帧紧跟在包后面
func (s *Socket) SendPacket(pkt *packet.Packet) error {
	if !s.State().Alive() {
		s.opts.Metrics.PacketDropped()
		return ErrSessionClosed
	}

	var buffers [][]byte
	if (pkt.Type == packet.TypeEvent || pkt.Type == packet.TypeAck) && packet.HasBinary(pkt.Args) {
		cp := *pkt
		cp.Args, buffers = packet.Deconstruct(pkt.Args)
		pkt = &cp
	}

	raw, err := packet.Encode(pkt)
	if err != nil {
		return err
	}
	frames := make([]string, 0, 1+len(buffers))
	frames = append(frames, raw)
	for _, buf := range buffers {
		frames = append(frames, packet.EncodeAttachment(buf))
	}

	if err := s.outbound.Put(context.WithoutCancel(s.ctx), frames...); err != nil {
		return err
	}
	s.opts.Metrics.PacketProcessed("out", pkt.Type.String())
	return nil
}

// PutServerMsg 写入客户端发来的原始帧，交给接收循环处理
// 任何入站数据都视为一次心跳
func (s *Socket) PutServerMsg(ctx context.Context, frames ...string) error {
	if len(frames) == 0 {
		return nil
	}
	s.Touch(ctx)
	return s.inbound.Put(ctx, frames...)
}

// Touch 收到传输请求，刷新本地心跳检测和管理器中的存活时间
func (s *Socket) Touch(ctx context.Context) {
	s.Heartbeat()
	s.manager.HeartbeatReceived(ctx, s.id)
}

// ReadOutbound 等待至少一条待发送帧并取走队列中的全部帧
// ctx 或会话任一结束都会中止等待
func (s *Socket) ReadOutbound(ctx context.Context, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return storage.ReadQueue(ctx, s.outbound, timeout)
}

// RegisterAck 分配消息 ID 并保存确认回调
func (s *Socket) RegisterAck(cb AckCallback) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackSeq++
	s.acks[s.ackSeq] = cb
	return s.ackSeq
}

func (s *Socket) popAck(id int) AckCallback {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.acks[id]
	if ok {
		delete(s.acks, id)
	}
	return cb
}

// Endpoint 返回已激活的命名空间实例
func (s *Socket) Endpoint(name string) (Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[name]
	return ep, ok
}

// Endpoints 已激活的命名空间名
func (s *Socket) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.endpoints))
	for name := range s.endpoints {
		names = append(names, name)
	}
	return names
}

// AddEndpoint 激活命名空间，已激活时直接返回现有实例
func (s *Socket) AddEndpoint(ctx context.Context, name string) (Endpoint, error) {
	if ep, ok := s.Endpoint(name); ok {
		return ep, nil
	}
	if s.opts.Registry == nil {
		return nil, packet.ErrNoSuchNamespace.WithMessage("no such namespace: " + name)
	}
	ep, ok := s.opts.Registry.Endpoint(s, name)
	if !ok {
		return nil, packet.ErrNoSuchNamespace.WithMessage("no such namespace: " + name)
	}

	s.mu.Lock()
	if existing, ok := s.endpoints[name]; ok {
		s.mu.Unlock()
		// 并发创建时落选的实例从未加入命名空间
		ep.Release()
		return existing, nil
	}
	s.endpoints[name] = ep
	s.mu.Unlock()

	ep.Open()
	if err := s.manager.ActivateEndpoint(ctx, s.id, name); err != nil {
		s.log.Warn("activate endpoint failed", zap.String("endpoint", name), zap.Error(err))
	}
	return ep, nil
}

// RemoveEndpoint 移除命名空间实例
// 会话仍连接且已没有任何激活的命名空间时，整个会话被关闭
func (s *Socket) RemoveEndpoint(ctx context.Context, name string) {
	s.mu.Lock()
	_, ok := s.endpoints[name]
	delete(s.endpoints, name)
	s.mu.Unlock()

	if ok {
		if _, err := s.manager.DeactivateEndpoint(ctx, s.id, name); err != nil {
			s.log.Warn("deactivate endpoint failed", zap.String("endpoint", name), zap.Error(err))
		}
	}

	if !s.Connected() {
		return
	}
	active, err := s.manager.ActiveEndpoints(ctx, s.id)
	if err != nil {
		s.log.Warn("load active endpoints failed", zap.Error(err))
		return
	}
	if len(active) == 0 {
		_ = s.Kill(true)
	}
}

// DropEndpoint 本进程没有实例时直接在管理器中注销命名空间
// 持有实例的进程会收到通知并关闭它；真正移除后没有激活的命名空间时关闭会话
func (s *Socket) DropEndpoint(ctx context.Context, name string) {
	removed, err := s.manager.DeactivateEndpoint(ctx, s.id, name)
	if err != nil {
		s.log.Warn("deactivate endpoint failed", zap.String("endpoint", name), zap.Error(err))
		return
	}
	if !removed || !s.Connected() {
		return
	}
	active, err := s.manager.ActiveEndpoints(ctx, s.id)
	if err != nil {
		s.log.Warn("load active endpoints failed", zap.Error(err))
		return
	}
	if len(active) == 0 {
		_ = s.Kill(true)
	}
}

// CloseEndpoint 关闭单个命名空间实例，执行其断开钩子
func (s *Socket) CloseEndpoint(ctx context.Context, name string) {
	if ep, ok := s.Endpoint(name); ok {
		ep.Close(ctx)
	}
}

func (s *Socket) closeEndpoints(ctx context.Context) {
	s.mu.Lock()
	eps := make([]Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		eps = append(eps, ep)
	}
	s.mu.Unlock()

	for _, ep := range eps {
		ep.Close(ctx)
	}
}

// Error 交给错误处理函数
func (s *Socket) Error(endpoint string, err error) {
	kind := "internal"
	if reason, ok := packet.ReasonOf(err); ok {
		kind = reason.String()
	}
	s.opts.Metrics.DispatchError(kind)
	s.opts.ErrorHandler(s, endpoint, err)
}

// DefaultErrorHandler 把协议错误转成 error 包发给客户端并记录日志
func DefaultErrorHandler(s *Socket, endpoint string, err error) {
	if reason, ok := packet.ReasonOf(err); ok {
		_ = s.SendPacket(packet.Error(endpoint, reason, packet.AdviceNone))
	}
	s.Logger().Warn("protocol error", zap.String("endpoint", endpoint), zap.Error(err))
}

func (s *Socket) String() string {
	return fmt.Sprintf("sid=%s state=%s hits=%d heartbeats=%d", s.id, s.State(), s.Hits(), s.Heartbeats())
}
