package socket

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/packet"
	"github.com/tokmz/sio/pkg/storage"
)

const receiverRetryDelay = 100 * time.Millisecond

// receiver 接收循环的解码状态
// 带二进制占位符的事件要等到对应数量的 b4 附件帧全部到达后才分发
type receiver struct {
	s       *Socket
	pending *packet.Packet
	need    int
	buffers [][]byte
}

// receiverLoop 入站包的唯一消费者，保证同一会话内按到达顺序处理
func (s *Socket) receiverLoop(ctx context.Context) {
	r := &receiver{s: s}
	for {
		frames, err := storage.ReadQueue(ctx, s.inbound, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !stderrors.Is(err, storage.ErrQueueEmpty) {
				s.log.Warn("read inbound queue failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(receiverRetryDelay):
				}
			}
			continue
		}

		for _, raw := range frames {
			if stop := r.feed(ctx, raw); stop {
				return
			}
		}
	}
}

// feed 处理一帧，返回 true 表示循环应退出
func (r *receiver) feed(ctx context.Context, raw string) bool {
	if raw == "" {
		return false
	}

	if packet.IsAttachment(raw) {
		if r.pending == nil {
			r.s.Error(GlobalEndpoint, packet.ErrInvalidAttachment.WithMessage("unexpected attachment frame"))
			return false
		}
		buf, err := packet.DecodeAttachment(raw)
		if err != nil {
			r.s.Error(r.pending.Endpoint, err)
			r.reset()
			return false
		}
		r.buffers = append(r.buffers, buf)
		if len(r.buffers) < r.need {
			return false
		}
		pkt := r.pending
		args, err := packet.Reconstruct(pkt.Args, r.buffers)
		r.reset()
		if err != nil {
			r.s.Error(pkt.Endpoint, err)
			return false
		}
		pkt.Args = args
		return r.s.process(ctx, pkt)
	}

	if r.pending != nil {
		r.s.Error(r.pending.Endpoint, packet.ErrInvalidAttachment.WithMessage("attachments interrupted by a new packet"))
		r.reset()
	}

	pkt, err := packet.Decode(raw)
	if err != nil {
		r.s.Error(GlobalEndpoint, err)
		return false
	}
	if pkt.Type == packet.TypeEvent {
		if n := packet.CountPlaceholders(pkt.Args); n > 0 {
			r.pending, r.need = pkt, n
			return false
		}
	}
	return r.s.process(ctx, pkt)
}

func (r *receiver) reset() {
	r.pending, r.need, r.buffers = nil, 0, nil
}

// process 分发单个包，返回 true 表示会话已不再连接
func (s *Socket) process(ctx context.Context, pkt *packet.Packet) bool {
	s.opts.Metrics.PacketProcessed("in", pkt.Type.String())

	switch pkt.Type {
	case packet.TypeHeartbeat, packet.TypeNoop:
		// 心跳已在 PutServerMsg 中处理
		return false
	case packet.TypeDisconnect:
		if pkt.Endpoint == GlobalEndpoint {
			_ = s.Kill(true)
			return true
		}
	case packet.TypeAck:
		if cb := s.popAck(pkt.AckID); cb != nil {
			cb(pkt.Args)
		}
		return false
	}

	locked, release, err := s.manager.LockSocket(ctx, s.id)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.Error(pkt.Endpoint, err)
		return false
	}
	defer release()
	if locked == nil {
		s.log.Warn("session vanished while locked")
		_ = s.Kill(false)
		return true
	}

	// 未加入过的命名空间收到断开包时不创建实例
	if pkt.Type == packet.TypeDisconnect {
		if _, ok := s.Endpoint(pkt.Endpoint); !ok {
			s.DropEndpoint(ctx, pkt.Endpoint)
			return !s.Connected()
		}
	}

	ep, err := s.AddEndpoint(ctx, pkt.Endpoint)
	if err != nil {
		s.Error(pkt.Endpoint, err)
		return false
	}

	// 不带 + 的消息 ID 由服务端收到即确认
	if pkt.ID > 0 && !pkt.AckData {
		_ = s.SendPacket(packet.Ack(pkt.Endpoint, pkt.ID))
	}

	if err := ep.Dispatch(ctx, pkt); err != nil {
		s.Error(pkt.Endpoint, err)
	}

	if !s.Connected() {
		_ = s.Kill(true)
		return true
	}
	return false
}
