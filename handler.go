package sio

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/errors"
	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/transport"
)

// ProtocolVersion 路径中的协议版本段
const ProtocolVersion = "1"

// ErrUnknownSession 升级请求携带的会话不存在
var ErrUnknownSession = errors.New(6004, "unknown session", 404)

// route 解析后的协议请求
type route struct {
	handshake bool
	transport string
	sid       string
}

// parseRoute 解析 /<resource> 之后的路径
//
//	/1/                    握手
//	/1/<transport>/<sid>   传输请求
//	/1//<sid>?disconnect   强制断开
//	/?transport=..&sid=..  查询参数形式，缺少 sid 时视为握手
func parseRoute(path string, query url.Values) (route, error) {
	p := strings.Trim(path, "/")
	if p == "" {
		sid := query.Get("sid")
		if sid == "" {
			return route{handshake: true}, nil
		}
		return route{transport: query.Get("transport"), sid: sid}, nil
	}

	segs := strings.Split(p, "/")
	if segs[0] != ProtocolVersion {
		return route{}, ErrBadRequest.WithMessage("unsupported protocol version: " + segs[0])
	}
	switch len(segs) {
	case 1:
		return route{handshake: true}, nil
	case 3:
		if segs[2] == "" {
			return route{}, ErrBadRequest.WithMessage("missing session id")
		}
		return route{transport: segs[1], sid: segs[2]}, nil
	default:
		return route{}, ErrBadRequest.WithMessage("malformed request path: " + path)
	}
}

// spanName 追踪时只使用传输名，避免会话 ID 进入 Span 名称
func (e *Engine) spanName(c *gin.Context) string {
	rt, err := parseRoute(c.Param("path"), c.Request.URL.Query())
	switch {
	case err != nil:
		return c.Request.Method + " " + c.FullPath()
	case rt.handshake:
		return c.Request.Method + " handshake"
	default:
		return c.Request.Method + " " + rt.transport
	}
}

func (e *Engine) handle(c *gin.Context) {
	if e.closing.Load() {
		e.fail(c, ErrEngineClosed)
		return
	}
	rt, err := parseRoute(c.Param("path"), c.Request.URL.Query())
	if err != nil {
		e.fail(c, err)
		return
	}
	if rt.handshake {
		e.handshake(c)
		return
	}
	e.dispatch(c, rt)
}

// handshake 创建会话并返回 sid:心跳超时:关闭超时:传输列表
func (e *Engine) handshake(c *gin.Context) {
	e.transports.ApplyCORS(c.Writer, c.Request)
	if c.Request.Method == http.MethodOptions {
		c.Status(http.StatusOK)
		return
	}

	if e.limiter != nil && !e.limiter.allow(c.ClientIP()) {
		e.fail(c, ErrRateLimited)
		return
	}

	ctx := c.Request.Context()
	sid := e.manager.NewSessionID()
	if err := e.manager.Handshake(ctx, sid); err != nil {
		e.fail(c, err)
		return
	}

	body := fmt.Sprintf("%s:%d:%d:%s",
		sid,
		int(e.config.HeartbeatTimeout.Seconds()),
		int(e.config.CloseTimeout.Seconds()),
		e.transports.String(),
	)
	e.log.DebugContext(ctx, "session handshaken", zap.String("sid", sid))

	if v, ok := c.GetQuery("jsonp"); ok {
		quoted, _ := json.Marshal(body)
		c.Data(http.StatusOK, "application/javascript; charset=UTF-8",
			[]byte(fmt.Sprintf("io.j[%d](%s);", jsonpIndex(v), quoted)))
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=UTF-8", []byte(body))
}

func jsonpIndex(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// dispatch 把请求交给会话对应的传输
func (e *Engine) dispatch(c *gin.Context, rt route) {
	ctx := c.Request.Context()
	s, err := e.manager.GetSocket(ctx, rt.sid)
	if err != nil {
		e.fail(c, err)
		return
	}
	if s == nil {
		e.unknownSession(c, rt.transport)
		return
	}

	if _, ok := c.GetQuery("disconnect"); ok {
		_ = s.Kill(true)
		e.transports.ApplyCORS(c.Writer, c.Request)
		c.Status(http.StatusOK)
		return
	}

	tr, ok := e.transports.Get(rt.transport)
	if !ok {
		e.fail(c, transport.ErrUnknownTransport.WithMessage("transport not enabled: "+rt.transport))
		return
	}

	s.SetRequest(c.Request)
	if err := tr.Serve(c.Writer, c.Request, s); err != nil {
		e.fail(c, err)
	}
}

// unknownSession 轮询客户端收到 7:::1 后重新握手，升级请求直接拒绝
func (e *Engine) unknownSession(c *gin.Context, name string) {
	if transport.IsBidirectional(name) {
		e.fail(c, ErrUnknownSession)
		return
	}
	body, err := packet.Encode(packet.Error("", packet.ReasonClientNotHandshaken, packet.AdviceNone))
	if err != nil {
		e.fail(c, err)
		return
	}
	e.transports.ApplyCORS(c.Writer, c.Request)
	c.Data(http.StatusOK, "text/plain; charset=UTF-8", []byte(body))
}

// fail 按错误码写出 HTTP 错误，响应已开始写出时只记录
func (e *Engine) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	if c.Writer.Written() {
		return
	}
	e.transports.ApplyCORS(c.Writer, c.Request)
	c.String(errors.HTTPStatus(err), err.Error())
}
