package transport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/socket"
	"github.com/tokmz/sio/pkg/storage"
)

// xhrPolling 长轮询：GET 取下行数据，POST 提交上行数据
type xhrPolling struct {
	*shared
}

func (t *xhrPolling) Name() string { return XHRPolling }

func (t *xhrPolling) Serve(w http.ResponseWriter, r *http.Request, s *socket.Socket) error {
	switch r.Method {
	case http.MethodOptions:
		t.options(w, r)
		return nil
	case http.MethodGet:
		return t.poll(w, r, s, XHRPolling, plainWrap)
	case http.MethodPost:
		return t.post(w, r, s, XHRPolling, readBody)
	default:
		return ErrMethodNotAllowed
	}
}

// jsonpPolling 与长轮询相同，下行数据包在 io.j[i](...) 回调中
type jsonpPolling struct {
	*shared
}

func (t *jsonpPolling) Name() string { return JSONPPolling }

func (t *jsonpPolling) Serve(w http.ResponseWriter, r *http.Request, s *socket.Socket) error {
	switch r.Method {
	case http.MethodOptions:
		t.options(w, r)
		return nil
	case http.MethodGet:
		return t.poll(w, r, s, JSONPPolling, jsonpWrap(jsonpIndex(r)))
	case http.MethodPost:
		return t.post(w, r, s, JSONPPolling, readJSONPBody)
	default:
		return ErrMethodNotAllowed
	}
}

// wrapper 把负载包装成响应体，返回 content-type 和 body
type wrapper func(payload string) (string, string)

func plainWrap(payload string) (string, string) {
	return "text/plain; charset=UTF-8", payload
}

func jsonpWrap(index int) wrapper {
	return func(payload string) (string, string) {
		return "text/javascript; charset=UTF-8", fmt.Sprintf("io.j[%d](%s);", index, quoteJS(payload))
	}
}

// jsonpIndex 回调下标只接受非负整数，其他值一律按 0 处理
func jsonpIndex(r *http.Request) int {
	q := r.URL.Query()
	raw := q.Get("i")
	if raw == "" {
		raw = q.Get("j")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// quoteJS 生成 JS 字符串字面量，< > & 被转义，不会提前结束 script 标签
func quoteJS(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (t *shared) options(w http.ResponseWriter, r *http.Request) {
	t.cors.apply(w, r)
	w.WriteHeader(http.StatusOK)
}

func (t *shared) writeWrapped(w http.ResponseWriter, r *http.Request, wrap wrapper, payload string) {
	contentType, body := wrap(payload)
	t.write(w, r, contentType, body)
}

func (t *shared) write(w http.ResponseWriter, r *http.Request, contentType, body string) {
	t.cors.apply(w, r)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// poll 等待下行数据，超时返回 8::
// 会话的第一个请求只写出连接确认 1::
func (t *shared) poll(w http.ResponseWriter, r *http.Request, s *socket.Socket, name string, wrap wrapper) error {
	release, err := s.Bind(bindRecv)
	if err != nil {
		return err
	}
	defer release()

	ctx := r.Context()
	s.Touch(ctx)
	established, err := t.establish(ctx, s)
	if err != nil {
		return err
	}
	if established {
		t.writeWrapped(w, r, wrap, connectFrame)
		return nil
	}

	frames, err := s.ReadOutbound(ctx, t.cfg.PollingTimeout)
	var payload string
	switch {
	case err == nil:
		payload = packet.EncodePayload(frames)
	case ctx.Err() != nil:
		// 客户端已断开
		return nil
	case !s.State().Alive():
		payload = disconnectFrame
	default:
		if !stderrors.Is(err, storage.ErrQueueEmpty) && !stderrors.Is(err, context.DeadlineExceeded) {
			t.logger(name, s).Warn("read outbound queue failed", zap.Error(err))
			t.metrics.TransportError(name)
		}
		payload = noopFrame
	}
	t.writeWrapped(w, r, wrap, payload)
	return nil
}

// bodyReader 读取上行负载
type bodyReader func(r *http.Request, limit int64) (string, error)

func readBody(r *http.Request, limit int64) (string, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(b)) > limit {
		return "", ErrPayloadTooLarge
	}
	return string(b), nil
}

// readJSONPBody 表单字段 d 中是 JSON 字符串字面量
func readJSONPBody(r *http.Request, limit int64) (string, error) {
	raw, err := readBody(r, limit)
	if err != nil {
		return "", err
	}
	data := raw
	if strings.HasPrefix(raw, "d=") || strings.Contains(r.Header.Get("Content-Type"), "form") {
		values, err := url.ParseQuery(raw)
		if err != nil {
			return "", ErrInvalidPayload.WithError(err)
		}
		data = values.Get("d")
	}
	if strings.HasPrefix(data, `"`) {
		var s string
		if err := json.Unmarshal([]byte(data), &s); err != nil {
			return "", ErrInvalidPayload.WithError(err)
		}
		return s, nil
	}
	return data, nil
}

// post 把上行负载拆帧后写入会话的接收队列，应答固定为 "1"
func (t *shared) post(w http.ResponseWriter, r *http.Request, s *socket.Socket, name string, read bodyReader) error {
	release, err := s.Bind(bindSend)
	if err != nil {
		return err
	}
	defer release()

	body, err := read(r, t.cfg.MaxMessageSize)
	if err != nil {
		return err
	}
	frames, err := packet.DecodePayload(body)
	if err != nil {
		t.metrics.TransportError(name)
		return ErrInvalidPayload.WithError(err)
	}

	ctx := r.Context()
	established, err := t.establish(ctx, s)
	if err != nil {
		return err
	}
	if established {
		// 连接确认由下一次 GET 带回
		_ = s.SendPacket(packet.Connect(socket.GlobalEndpoint))
	}
	if err := s.PutServerMsg(ctx, frames...); err != nil {
		return err
	}

	w.Header().Set("Connection", "close")
	t.write(w, r, "text/plain; charset=UTF-8", "1")
	return nil
}
