package socket

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/packet"
)

// Heartbeat 收到对端心跳（或任意入站数据），重置超时检测
func (s *Socket) Heartbeat() {
	s.lastHeartbeat.Store(time.Now().Unix())
	select {
	case s.hbCheck <- struct{}{}:
	default:
	}
}

// HeartbeatSent 其他进程已替本会话发送过心跳，推迟本地发送
func (s *Socket) HeartbeatSent() {
	select {
	case s.hbSend <- struct{}{}:
	default:
	}
}

func (s *Socket) spawnHeartbeat() {
	_ = s.Spawn(s.heartbeatSend)
	_ = s.Spawn(s.heartbeatCheck)
}

// heartbeatSend 按固定间隔发送心跳包
// 间隔内若已有其他进程发送过，则本轮跳过
func (s *Socket) heartbeatSend(ctx context.Context) {
	timer := time.NewTimer(s.opts.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hbSend:
			timer.Reset(s.opts.HeartbeatInterval)
		case <-timer.C:
			if !s.Connected() {
				return
			}
			if err := s.SendPacket(packet.Heartbeat()); err != nil {
				return
			}
			s.manager.HeartbeatSent(ctx, s.id)
			timer.Reset(s.opts.HeartbeatInterval)
		}
	}
}

// heartbeatCheck 超时未收到任何心跳时关闭会话
func (s *Socket) heartbeatCheck(ctx context.Context) {
	timer := time.NewTimer(s.opts.HeartbeatTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.hbCheck:
			s.heartbeats.Add(1)
			timer.Reset(s.opts.HeartbeatTimeout)
		case <-timer.C:
			if s.Connected() {
				s.log.Debug("heartbeat timed out, killing session",
					zap.Duration("timeout", s.opts.HeartbeatTimeout),
				)
				_ = s.Kill(true)
			}
			return
		}
	}
}
