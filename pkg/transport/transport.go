package transport

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/metrics"
	"github.com/tokmz/sio/pkg/socket"
)

// 传输名称，与客户端 URL 中的段一致
const (
	WebSocket    = "websocket"
	FlashSocket  = "flashsocket"
	HTMLFile     = "htmlfile"
	XHRMultipart = "xhr-multipart"
	XHRPolling   = "xhr-polling"
	JSONPPolling = "jsonp-polling"
)

// All 全部支持的传输，按客户端的优先顺序排列
var All = []string{WebSocket, FlashSocket, HTMLFile, XHRMultipart, XHRPolling, JSONPPolling}

// 会话的绑定类别，同类请求不能重叠
const (
	bindRecv   = "recv"
	bindSend   = "send"
	bindSocket = "socket"
)

// 固定帧
const (
	connectFrame    = "1::"
	disconnectFrame = "0::"
	noopFrame       = "8::"
)

// Transport 把一种传输的 I/O 转换成会话的收发队列操作
type Transport interface {
	Name() string
	// Serve 处理绑定到会话的一次请求，长连接传输阻塞到连接结束
	// 返回错误时若响应尚未写出，由调用方按错误的 http 状态码应答
	Serve(w http.ResponseWriter, r *http.Request, s *socket.Socket) error
}

// Locker 会话的跨进程互斥，由会话管理器提供
type Locker interface {
	LockSocket(ctx context.Context, sid string) (*socket.Socket, func(), error)
}

// Option 传输选项
type Option func(*shared)

func WithConfig(cfg Config) Option {
	return func(t *shared) { t.cfg = cfg }
}

func WithLogger(l logger.Logger) Option {
	return func(t *shared) { t.log = l }
}

func WithMetrics(m metrics.Metrics) Option {
	return func(t *shared) { t.metrics = m }
}

// WithLocker 首次连接确认在锁内完成，避免多个进程重复写出 1::
func WithLocker(l Locker) Option {
	return func(t *shared) { t.locker = l }
}

// shared 各传输共用的配置与工具
type shared struct {
	cfg      Config
	cors     *cors
	log      logger.Logger
	metrics  metrics.Metrics
	locker   Locker
	upgrader websocket.Upgrader
}

func newShared(opts []Option) *shared {
	t := &shared{
		cfg:     DefaultConfig(),
		log:     logger.NewNop(),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.cfg.setDefaults()
	t.cors = newCORS(t.cfg.CORS)
	t.upgrader = websocket.Upgrader{
		ReadBufferSize:  t.cfg.ReadBufferSize,
		WriteBufferSize: t.cfg.WriteBufferSize,
		CheckOrigin:     t.cors.checkOrigin,
	}
	return t
}

// establish 完成 CONNECTING -> CONNECTED，返回 true 表示本次请求负责写出 1::
func (t *shared) establish(ctx context.Context, s *socket.Socket) (bool, error) {
	if s.Connected() {
		return false, nil
	}
	if t.locker != nil {
		_, release, err := t.locker.LockSocket(ctx, s.ID())
		if err != nil {
			return false, err
		}
		defer release()
	}
	return s.Establish(), nil
}

func (t *shared) logger(name string, s *socket.Socket) logger.Logger {
	return t.log.With(zap.String("transport", name), zap.String("sid", s.ID()))
}

// Set 已启用的传输
type Set struct {
	byName map[string]Transport
	names  []string
	cors   *cors
}

// NewSet 按名称创建传输，名称为空时启用全部
func NewSet(names []string, opts ...Option) (*Set, error) {
	if len(names) == 0 {
		names = All
	}
	sh := newShared(opts)
	set := &Set{byName: make(map[string]Transport, len(names)), cors: sh.cors}
	for _, name := range names {
		var tr Transport
		switch name {
		case XHRPolling:
			tr = &xhrPolling{shared: sh}
		case JSONPPolling:
			tr = &jsonpPolling{shared: sh}
		case HTMLFile:
			tr = &streaming{shared: sh, name: HTMLFile, format: htmlfileFormat{}}
		case XHRMultipart:
			tr = &streaming{shared: sh, name: XHRMultipart, format: multipartFormat{}}
		case WebSocket, FlashSocket:
			tr = &socketTransport{shared: sh, name: name}
		default:
			return nil, ErrUnknownTransport.WithMessage("unknown transport: " + name)
		}
		if _, dup := set.byName[name]; dup {
			continue
		}
		set.byName[name] = tr
		set.names = append(set.names, name)
	}
	return set, nil
}

// Get 返回已启用的传输
func (s *Set) Get(name string) (Transport, bool) {
	tr, ok := s.byName[name]
	return tr, ok
}

// Names 已启用的传输名称，顺序与配置一致
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

// String 握手响应中的传输列表
func (s *Set) String() string {
	return strings.Join(s.names, ",")
}

// ApplyCORS 为握手等非传输请求写出跨域响应头
func (s *Set) ApplyCORS(w http.ResponseWriter, r *http.Request) {
	s.cors.apply(w, r)
}

// IsBidirectional 该传输是否需要协议升级
func IsBidirectional(name string) bool {
	return name == WebSocket || name == FlashSocket
}
