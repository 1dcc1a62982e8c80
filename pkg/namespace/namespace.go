package namespace

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/rooms"
)

// 内置钩子的 ACL 名称
const (
	MethodConnect = "recv_connect"
	MethodMessage = "recv_message"
	MethodJSON    = "recv_json"
	MethodError   = "recv_error"
)

var eventNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*$`)

// MethodName 事件名对应的处理函数名，ACL 按这个名称检查
func MethodName(event string) string {
	return "on_" + strings.ReplaceAll(event, " ", "_")
}

// Handler 事件处理函数，返回值用于应答带 + 的消息
type Handler func(c *Conn, args []any) ([]any, error)

// NextFunc 中间件下一步函数
type NextFunc func() ([]any, error)

// MiddlewareFunc 入站中间件，包裹 message/json/event 的分发
type MiddlewareFunc func(c *Conn, pkt *packet.Packet, next NextFunc) ([]any, error)

// ACLFunc 返回会话进入命名空间时的初始 ACL，nil 表示不限制
type ACLFunc func(c *Conn) []string

// Namespace 命名空间定义
// 处理函数在引擎启动前注册，Freeze 之后只读
type Namespace struct {
	name string

	mu         sync.RWMutex
	frozen     bool
	handlers   map[string]Handler
	middleware []MiddlewareFunc
	filters    []rooms.Filter
	initialACL ACLFunc

	onInitialize func(c *Conn)
	onConnect    func(c *Conn, pkt *packet.Packet) error
	onMessage    func(c *Conn, data string) ([]any, error)
	onJSON       func(c *Conn, v any) ([]any, error)
	onError      func(c *Conn, pkt *packet.Packet) error
	onDisconnect func(c *Conn)

	adapter  *rooms.Adapter
	observer Observer
	log      logger.Logger
}

func newNamespace(name string, adapter *rooms.Adapter, log logger.Logger) *Namespace {
	return &Namespace{
		name:     name,
		handlers: make(map[string]Handler),
		adapter:  adapter,
		log:      log,
	}
}

// Name 命名空间名，全局命名空间为空串
func (n *Namespace) Name() string { return n.name }

// Rooms 命名空间的房间管理器
func (n *Namespace) Rooms() *rooms.Adapter { return n.adapter }

// On 注册事件处理函数
func (n *Namespace) On(event string, h Handler) error {
	if !eventNamePattern.MatchString(event) {
		return packet.ErrUnallowedEventName.WithMessage("unallowed event name: " + event)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return ErrNamespaceFrozen
	}
	method := MethodName(event)
	if _, ok := n.handlers[method]; ok {
		return ErrHandlerExists.WithMessage("handler already registered: " + method)
	}
	n.handlers[method] = h
	return nil
}

// Use 添加入站中间件
func (n *Namespace) Use(mw ...MiddlewareFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return ErrNamespaceFrozen
	}
	n.middleware = append(n.middleware, mw...)
	return nil
}

// AddEmitFilter 添加广播过滤函数，按添加顺序执行
func (n *Namespace) AddEmitFilter(f rooms.Filter) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return ErrNamespaceFrozen
	}
	n.filters = append(n.filters, f)
	return nil
}

// SetInitialACL 设置初始 ACL
func (n *Namespace) SetInitialACL(fn ACLFunc) {
	n.mu.Lock()
	n.initialACL = fn
	n.mu.Unlock()
}

// OnInitialize 实例创建时调用，不受 ACL 保护
func (n *Namespace) OnInitialize(fn func(c *Conn)) {
	n.mu.Lock()
	n.onInitialize = fn
	n.mu.Unlock()
}

// OnConnect 收到 connect 包时调用，返回错误则不回送 1::
func (n *Namespace) OnConnect(fn func(c *Conn, pkt *packet.Packet) error) {
	n.mu.Lock()
	n.onConnect = fn
	n.mu.Unlock()
}

// OnMessage 处理 message 包，未设置时原样返回数据
func (n *Namespace) OnMessage(fn func(c *Conn, data string) ([]any, error)) {
	n.mu.Lock()
	n.onMessage = fn
	n.mu.Unlock()
}

// OnJSON 处理 json 包，未设置时原样返回数据
func (n *Namespace) OnJSON(fn func(c *Conn, v any) ([]any, error)) {
	n.mu.Lock()
	n.onJSON = fn
	n.mu.Unlock()
}

// OnError 处理客户端发来的 error 包
func (n *Namespace) OnError(fn func(c *Conn, pkt *packet.Packet) error) {
	n.mu.Lock()
	n.onError = fn
	n.mu.Unlock()
}

// OnDisconnect 离开命名空间时调用，无论是客户端断开、服务端断开还是会话被关闭
func (n *Namespace) OnDisconnect(fn func(c *Conn)) {
	n.mu.Lock()
	n.onDisconnect = fn
	n.mu.Unlock()
}

// Freeze 冻结命名空间
func (n *Namespace) Freeze() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frozen {
		return
	}
	n.frozen = true
	n.log.Debug("namespace frozen",
		zap.Int("handlers", len(n.handlers)),
		zap.Int("middleware", len(n.middleware)),
	)
}

func (n *Namespace) handler(method string) (Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[method]
	return h, ok
}

func (n *Namespace) emitFilters() []rooms.Filter {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.filters
}

// chain 从后向前构建中间件链
func (n *Namespace) chain(c *Conn, pkt *packet.Packet, final NextFunc) NextFunc {
	n.mu.RLock()
	mws := n.middleware
	n.mu.RUnlock()

	next := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func() ([]any, error) {
			return mw(c, pkt, inner)
		}
	}
	return next
}

// HandlerFunc 泛型处理函数（有请求有响应）
type HandlerFunc[Req any, Resp any] func(c *Conn, req *Req) (*Resp, error)

// HandlerFunc0 泛型处理函数（有请求无响应）
type HandlerFunc0[Req any] func(c *Conn, req *Req) error

// HandlerFuncOnly 泛型处理函数（无请求有响应）
type HandlerFuncOnly[Resp any] func(c *Conn) (*Resp, error)

// Handle 注册泛型处理函数，第一个事件参数解码为 Req，返回值作为应答参数
func Handle[Req any, Resp any](n *Namespace, event string, h HandlerFunc[Req, Resp]) error {
	return n.On(event, func(c *Conn, args []any) ([]any, error) {
		var req Req
		if err := decodeFirst(args, &req); err != nil {
			return nil, err
		}
		resp, err := h(c, &req)
		if err != nil {
			return nil, err
		}
		return []any{resp}, nil
	})
}

// Handle0 注册泛型处理函数（有请求无响应）
func Handle0[Req any](n *Namespace, event string, h HandlerFunc0[Req]) error {
	return n.On(event, func(c *Conn, args []any) ([]any, error) {
		var req Req
		if err := decodeFirst(args, &req); err != nil {
			return nil, err
		}
		return nil, h(c, &req)
	})
}

// HandleOnly 注册泛型处理函数（无请求有响应）
func HandleOnly[Resp any](n *Namespace, event string, h HandlerFuncOnly[Resp]) error {
	return n.On(event, func(c *Conn, _ []any) ([]any, error) {
		resp, err := h(c)
		if err != nil {
			return nil, err
		}
		return []any{resp}, nil
	})
}

// decodeFirst 参数已是 JSON 解码后的通用结构，经过一次 JSON 往返转成目标类型
func decodeFirst(args []any, dst any) error {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args[0])
	if err != nil {
		return ErrInvalidArgs.WithError(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return ErrInvalidArgs.WithError(err)
	}
	return nil
}

// Broadcast 在命名空间内广播，命名空间的过滤函数先于调用方的过滤函数执行
// pkt 不会被修改
func (n *Namespace) Broadcast(ctx context.Context, pkt *packet.Packet, opts rooms.BroadcastOptions) (int, error) {
	cp := *pkt
	cp.Endpoint = n.name
	pkt = &cp
	if filters := n.emitFilters(); len(filters) > 0 {
		opts.Filters = append(append([]rooms.Filter(nil), filters...), opts.Filters...)
	}
	return n.adapter.Broadcast(ctx, pkt, opts)
}
