package transport

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/socket"
	"github.com/tokmz/sio/pkg/storage"
)

// socketTransport websocket 与 flashsocket
// 连接存续期间一个协程读、一个协程写，任一结束即关闭连接并结束会话
type socketTransport struct {
	*shared
	name string
}

func (t *socketTransport) Name() string { return t.name }

func (t *socketTransport) Serve(w http.ResponseWriter, r *http.Request, s *socket.Socket) error {
	if r.Method != http.MethodGet {
		return ErrMethodNotAllowed
	}
	release, err := s.Bind(bindSocket)
	if err != nil {
		return err
	}
	defer release()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已写出错误响应
		t.metrics.TransportError(t.name)
		return ErrUpgradeFailed.WithError(err)
	}
	defer conn.Close()

	log := t.logger(t.name, s)
	b64 := r.URL.Query().Has("b64")
	conn.SetReadLimit(t.cfg.MaxMessageSize)

	established, err := t.establish(r.Context(), s)
	if err != nil {
		log.Warn("establish session failed", zap.Error(err))
		t.closeConn(conn, websocket.CloseInternalServerErr)
		return nil
	}
	if established {
		if err := t.writeFrame(conn, websocket.TextMessage, []byte(connectFrame)); err != nil {
			_ = s.Kill(true)
			return nil
		}
	}
	s.Touch(r.Context())

	g, ctx := errgroup.WithContext(s.Context())
	stop := context.AfterFunc(ctx, func() {
		t.closeConn(conn, websocket.CloseNormalClosure)
	})
	defer stop()

	g.Go(func() error { return t.writeLoop(ctx, conn, s, b64) })
	g.Go(func() error { return t.readLoop(ctx, conn, s) })

	if err := g.Wait(); err != nil && !expectedClose(err) {
		log.Debug("websocket closed", zap.Error(err))
		t.metrics.TransportError(t.name)
	}
	if s.State().Alive() {
		_ = s.Kill(true)
	}
	return nil
}

// writeLoop 把发送队列写到连接上
// 附件帧默认以二进制帧发送，带 b64 参数时保持 b4 文本帧
func (t *socketTransport) writeLoop(ctx context.Context, conn *websocket.Conn, s *socket.Socket, b64 bool) error {
	for {
		frames, err := s.ReadOutbound(ctx, 0)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if stderrors.Is(err, storage.ErrQueueEmpty) {
				continue
			}
			return err
		}
		for _, f := range frames {
			typ, data := websocket.TextMessage, []byte(f)
			if !b64 && packet.IsAttachment(f) {
				if buf, err := packet.DecodeAttachment(f); err == nil {
					typ, data = websocket.BinaryMessage, buf
				}
			}
			if err := t.writeFrame(conn, typ, data); err != nil {
				return err
			}
		}
	}
}

// readLoop 把收到的帧写入接收队列，二进制帧作为附件
func (t *socketTransport) readLoop(ctx context.Context, conn *websocket.Conn, s *socket.Socket) error {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frames []string
		if typ == websocket.BinaryMessage {
			frames = []string{packet.EncodeAttachment(data)}
		} else {
			frames, err = packet.DecodePayload(string(data))
			if err != nil {
				s.Error(socket.GlobalEndpoint, err)
				continue
			}
		}
		if err := s.PutServerMsg(ctx, frames...); err != nil {
			return err
		}
	}
}

func (t *socketTransport) writeFrame(conn *websocket.Conn, typ int, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(typ, data)
}

// closeConn 发送关闭帧后关闭底层连接，可与读写协程并发调用
func (t *socketTransport) closeConn(conn *websocket.Conn, code int) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	_ = conn.Close()
}

func expectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, net.ErrClosed)
}
