package namespace

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/rooms"
	"github.com/tokmz/sio/pkg/socket"
	"github.com/tokmz/sio/pkg/tracing"
)

// Conn 会话在某个命名空间上的实例
type Conn struct {
	ns  *Namespace
	s   *socket.Socket
	log logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	acl    map[string]struct{} // nil 表示不限制
	values map[string]any

	opened    atomic.Bool
	closeOnce sync.Once
}

func newConn(ns *Namespace, s *socket.Socket) *Conn {
	ctx, cancel := context.WithCancel(s.Context())
	return &Conn{
		ns:     ns,
		s:      s,
		log:    s.Logger().With(zap.String("endpoint", ns.name)),
		ctx:    ctx,
		cancel: cancel,
		values: make(map[string]any),
	}
}

// ID 会话 ID
func (c *Conn) ID() string { return c.s.ID() }

// Name 命名空间名
func (c *Conn) Name() string { return c.ns.name }

// Namespace 所属命名空间
func (c *Conn) Namespace() *Namespace { return c.ns }

// Socket 底层会话
func (c *Conn) Socket() *socket.Socket { return c.s }

// Context 离开命名空间或会话关闭时取消
func (c *Conn) Context() context.Context { return c.ctx }

// Logger 带 sid/endpoint 字段的日志器
func (c *Conn) Logger() logger.Logger { return c.log }

// Request 会话最近绑定的 http 请求
func (c *Conn) Request() *http.Request { return c.s.Request() }

// Set 保存实例级数据
func (c *Conn) Set(key string, v any) {
	c.mu.Lock()
	c.values[key] = v
	c.mu.Unlock()
}

// Get 读取实例级数据
func (c *Conn) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// ---- ACL ----

// IsMethodAllowed 检查处理函数名是否在 ACL 中
func (c *Conn) IsMethodAllowed(method string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acl == nil {
		return true
	}
	_, ok := c.acl[method]
	return ok
}

// AddAllowedMethod 开放处理函数，没有 ACL 时创建只含该方法的 ACL
func (c *Conn) AddAllowedMethod(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acl == nil {
		c.acl = make(map[string]struct{})
	}
	c.acl[method] = struct{}{}
}

// RemoveAllowedMethod 收回处理函数，没有 ACL 时返回 ErrNoACL
func (c *Conn) RemoveAllowedMethod(method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acl == nil {
		return ErrNoACL.WithMessage("cannot remove " + method + ": no acl restrictions defined")
	}
	delete(c.acl, method)
	return nil
}

// LiftACLRestrictions 取消全部限制
func (c *Conn) LiftACLRestrictions() {
	c.mu.Lock()
	c.acl = nil
	c.mu.Unlock()
}

// ResetACL 恢复为命名空间的初始 ACL
func (c *Conn) ResetACL() {
	c.ns.mu.RLock()
	fn := c.ns.initialACL
	c.ns.mu.RUnlock()

	var acl map[string]struct{}
	if fn != nil {
		if methods := fn(c); methods != nil {
			acl = make(map[string]struct{}, len(methods))
			for _, m := range methods {
				acl[m] = struct{}{}
			}
		}
	}
	c.mu.Lock()
	c.acl = acl
	c.mu.Unlock()
}

func (c *Conn) checkACL(method string) error {
	if !c.IsMethodAllowed(method) {
		return packet.ErrMethodAccessDenied.WithMessage("method access denied: " + method)
	}
	return nil
}

// ---- 分发 ----

// Dispatch 分发发往本命名空间的数据包
func (c *Conn) Dispatch(ctx context.Context, pkt *packet.Packet) error {
	switch pkt.Type {
	case packet.TypeConnect:
		return c.recvConnect(pkt)
	case packet.TypeDisconnect:
		// 客户端主动离开，不再回送 0::
		c.teardown(ctx, true)
		return nil
	case packet.TypeError:
		if err := c.checkACL(MethodError); err != nil {
			return err
		}
		c.ns.mu.RLock()
		fn := c.ns.onError
		c.ns.mu.RUnlock()
		if fn != nil {
			return fn(c, pkt)
		}
		return nil
	case packet.TypeMessage, packet.TypeJSON, packet.TypeEvent:
		return c.dispatchData(ctx, pkt)
	}
	return nil
}

func (c *Conn) recvConnect(pkt *packet.Packet) error {
	if err := c.checkACL(MethodConnect); err != nil {
		return err
	}
	c.ns.mu.RLock()
	fn := c.ns.onConnect
	c.ns.mu.RUnlock()
	if fn != nil {
		if err := fn(c, pkt); err != nil {
			return err
		}
	}
	// 全局命名空间的 1:: 已由传输层在建立连接时写出
	if c.ns.name != socket.GlobalEndpoint {
		return c.s.SendPacket(packet.Connect(c.ns.name))
	}
	return nil
}

func (c *Conn) dispatchData(ctx context.Context, pkt *packet.Packet) error {
	method, final, err := c.resolve(pkt)
	if err != nil {
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "sio.dispatch",
		trace.WithAttributes(
			attribute.String("sio.endpoint", c.ns.name),
			attribute.String("sio.event", method),
			attribute.String("sio.sid", c.ID()),
		),
	)
	defer span.End()

	result, err := c.ns.chain(c, pkt, final)()
	if err != nil {
		tracing.RecordError(span, err)
		c.log.DebugContext(ctx, "handler failed", zap.String("method", method), zap.Error(err))
		return err
	}

	// 带 + 的消息由处理函数的返回值应答
	if pkt.AckData && pkt.ID > 0 {
		return c.s.SendPacket(packet.Ack(c.ns.name, pkt.ID, result...))
	}
	return nil
}

// resolve 检查事件名和 ACL，返回处理函数名和最终调用
func (c *Conn) resolve(pkt *packet.Packet) (string, NextFunc, error) {
	switch pkt.Type {
	case packet.TypeMessage:
		if err := c.checkACL(MethodMessage); err != nil {
			return "", nil, err
		}
		c.ns.mu.RLock()
		fn := c.ns.onMessage
		c.ns.mu.RUnlock()
		return MethodMessage, func() ([]any, error) {
			if fn == nil {
				return []any{pkt.Data}, nil
			}
			return fn(c, pkt.Data)
		}, nil

	case packet.TypeJSON:
		if err := c.checkACL(MethodJSON); err != nil {
			return "", nil, err
		}
		c.ns.mu.RLock()
		fn := c.ns.onJSON
		c.ns.mu.RUnlock()
		return MethodJSON, func() ([]any, error) {
			if fn == nil {
				return []any{pkt.JSON}, nil
			}
			return fn(c, pkt.JSON)
		}, nil

	default:
		if !eventNamePattern.MatchString(pkt.Name) {
			return "", nil, packet.ErrUnallowedEventName.WithMessage("unallowed event name: " + pkt.Name)
		}
		method := MethodName(pkt.Name)
		if err := c.checkACL(method); err != nil {
			return "", nil, err
		}
		h, ok := c.ns.handler(method)
		if !ok {
			return "", nil, packet.ErrNoSuchMethod.WithMessage("no such method: " + method)
		}
		return method, func() ([]any, error) {
			return h(c, pkt.Args)
		}, nil
	}
}

// Open 加入命名空间的房间管理器并执行初始化钩子
func (c *Conn) Open() {
	c.ns.adapter.Add(c)
	c.opened.Store(true)

	c.ns.mu.RLock()
	initFn := c.ns.onInitialize
	c.ns.mu.RUnlock()
	if initFn != nil {
		initFn(c)
	}
	if c.ns.observer != nil {
		c.ns.observer.EndpointActivated(c)
	}
}

// ---- 离开命名空间 ----

// Release 进程停止服务时丢弃实例，不执行断开钩子，不注销命名空间
func (c *Conn) Release() {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.opened.Load() {
			c.ns.adapter.Remove(c.ID())
		}
	})
}

// Close 会话关闭或移除命名空间时调用
func (c *Conn) Close(ctx context.Context) {
	c.teardown(ctx, true)
}

// Disconnect 服务端主动离开命名空间，silent 为 false 时通知客户端
func (c *Conn) Disconnect(silent bool) {
	c.teardown(context.WithoutCancel(c.ctx), silent)
}

func (c *Conn) teardown(ctx context.Context, silent bool) {
	c.closeOnce.Do(func() {
		if !silent {
			_ = c.s.SendPacket(packet.Disconnect(c.ns.name))
		}

		c.ns.mu.RLock()
		fn := c.ns.onDisconnect
		c.ns.mu.RUnlock()
		if fn != nil {
			fn(c)
		}
		if c.ns.observer != nil {
			c.ns.observer.EndpointDeactivated(c)
		}

		c.cancel()
		if c.opened.Load() {
			c.ns.adapter.Remove(c.ID())
		}
		c.s.RemoveEndpoint(ctx, c.ns.name)
	})
}

// Spawn 启动挂在本实例上的后台任务，离开命名空间或会话关闭时 ctx 取消
func (c *Conn) Spawn(fn func(ctx context.Context)) error {
	return c.s.Spawn(func(sctx context.Context) {
		ctx, cancel := context.WithCancel(sctx)
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()
		fn(ctx)
	})
}

// ---- 发送 ----

// SendPacket 发送数据包，满足 rooms.Target
func (c *Conn) SendPacket(pkt *packet.Packet) error {
	return c.s.SendPacket(pkt)
}

// Send 发送 message 包
func (c *Conn) Send(data string) error {
	return c.s.SendPacket(packet.Message(c.ns.name, data))
}

// SendJSON 发送 json 包
func (c *Conn) SendJSON(v any) error {
	return c.s.SendPacket(packet.JSON(c.ns.name, v))
}

// Emit 向客户端发送事件
func (c *Conn) Emit(event string, args ...any) error {
	return c.s.SendPacket(packet.Event(c.ns.name, event, args...))
}

// EmitWithAck 发送要求客户端应答的事件，应答到达时调用 cb
func (c *Conn) EmitWithAck(event string, cb socket.AckCallback, args ...any) error {
	pkt := packet.Event(c.ns.name, event, args...)
	pkt.ID = c.s.RegisterAck(cb)
	pkt.AckData = true
	return c.s.SendPacket(pkt)
}

// Join 加入房间
func (c *Conn) Join(room string) error {
	return c.ns.adapter.Join(c.ID(), room)
}

// Leave 离开房间
func (c *Conn) Leave(room string) {
	c.ns.adapter.Leave(c.ID(), room)
}

// Rooms 所在房间
func (c *Conn) Rooms() []string {
	return c.ns.adapter.Rooms(c.ID())
}

// EmitToRoom 向房间内除自己以外的会话发送事件
func (c *Conn) EmitToRoom(ctx context.Context, room, event string, args ...any) (int, error) {
	return c.broadcast(ctx, packet.Event(c.ns.name, event, args...), rooms.BroadcastOptions{
		Rooms:  []string{room},
		Except: []string{c.ID()},
	})
}

// BroadcastEvent 向命名空间内全部会话发送事件，包括自己
func (c *Conn) BroadcastEvent(ctx context.Context, event string, args ...any) (int, error) {
	return c.broadcast(ctx, packet.Event(c.ns.name, event, args...), rooms.BroadcastOptions{})
}

// BroadcastEventNotMe 向命名空间内除自己以外的会话发送事件
func (c *Conn) BroadcastEventNotMe(ctx context.Context, event string, args ...any) (int, error) {
	return c.broadcast(ctx, packet.Event(c.ns.name, event, args...), rooms.BroadcastOptions{
		Except: []string{c.ID()},
	})
}

func (c *Conn) broadcast(ctx context.Context, pkt *packet.Packet, opts rooms.BroadcastOptions) (int, error) {
	return c.ns.Broadcast(ctx, pkt, opts)
}
