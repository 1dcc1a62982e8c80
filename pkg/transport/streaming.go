package transport

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/socket"
)

// streamFormat 流式传输的响应格式
type streamFormat interface {
	contentType() string
	// preamble 响应开始时写出的内容
	preamble() string
	part(payload string) string
}

// htmlfileFormat 在隐藏 iframe 中逐段执行 script
type htmlfileFormat struct{}

// 部分浏览器收到足够的字节后才开始渲染
var htmlfilePreamble = "<html><body>" + strings.Repeat(" ", 244)

func (htmlfileFormat) contentType() string { return "text/html; charset=UTF-8" }
func (htmlfileFormat) preamble() string    { return htmlfilePreamble }
func (htmlfileFormat) part(payload string) string {
	return fmt.Sprintf("<script>parent.s._(%s, document);</script>", quoteJS(payload))
}

// multipartFormat multipart/x-mixed-replace，每个负载一段
type multipartFormat struct{}

const multipartBoundary = "socketio"

func (multipartFormat) contentType() string {
	return `multipart/x-mixed-replace;boundary="` + multipartBoundary + `"`
}
func (multipartFormat) preamble() string { return "--" + multipartBoundary + "\r\n" }
func (multipartFormat) part(payload string) string {
	return "Content-Type: text/plain; charset=UTF-8\r\n\r\n" + payload + "\r\n--" + multipartBoundary + "\r\n"
}

// streaming 一个 GET 响应持续写出下行数据，直到会话结束
// 上行数据仍走 POST
type streaming struct {
	*shared
	name   string
	format streamFormat
}

func (t *streaming) Name() string { return t.name }

func (t *streaming) Serve(w http.ResponseWriter, r *http.Request, s *socket.Socket) error {
	switch r.Method {
	case http.MethodOptions:
		t.options(w, r)
		return nil
	case http.MethodGet:
		return t.stream(w, r, s)
	case http.MethodPost:
		return t.post(w, r, s, t.name, readBody)
	default:
		return ErrMethodNotAllowed
	}
}

func (t *streaming) stream(w http.ResponseWriter, r *http.Request, s *socket.Socket) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamNotSupported
	}
	release, err := s.Bind(bindRecv)
	if err != nil {
		return err
	}
	defer release()

	ctx := r.Context()
	log := t.logger(t.name, s)
	s.Touch(ctx)
	established, err := t.establish(ctx, s)
	if err != nil {
		return err
	}

	t.cors.apply(w, r)
	w.Header().Set("Content-Type", t.format.contentType())
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(chunk string) bool {
		if _, err := io.WriteString(w, chunk); err != nil {
			log.Debug("stream write failed", zap.Error(err))
			return false
		}
		flusher.Flush()
		return true
	}

	ok = send(t.format.preamble())
	if ok && established {
		ok = send(t.format.part(connectFrame))
	}
	for ok {
		frames, err := s.ReadOutbound(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				// 客户端断开等同于写失败
				break
			}
			if !s.State().Alive() {
				return nil
			}
			log.Warn("read outbound queue failed", zap.Error(err))
			t.metrics.TransportError(t.name)
			break
		}
		ok = send(t.format.part(packet.EncodePayload(frames)))
	}

	// 流已断开，会话无法再向客户端投递
	t.metrics.TransportError(t.name)
	_ = s.Kill(true)
	return nil
}
