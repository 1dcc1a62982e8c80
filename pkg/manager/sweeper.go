package manager

import (
	"context"
	stderrors "errors"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sweepLoop 按带抖动的间隔执行孤儿清理
func (m *Redis) sweepLoop(ctx context.Context) {
	for {
		// 间隔在 [interval/2, interval*3/2) 之间，避免多个进程同时检查
		interval := m.cfg.OrphanCleanerInterval
		wait := interval/2 + time.Duration(rand.Int64N(int64(interval)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if n, err := m.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("orphan sweep failed", zap.Error(err))
		} else if n > 0 {
			m.log.Info("orphan sessions swept", zap.Int("count", n))
		}
	}
}

// Sweep 执行一轮孤儿清理，返回清理的会话数
// 随机抽取若干桶，找出心跳早于 heartbeat_timeout 的会话，删除其全部状态并广播 dead。
// 其他进程正在清理时直接返回
func (m *Redis) Sweep(ctx context.Context) (int, error) {
	token := uuid.NewString()
	lockKey := m.sweepLockKey()
	if err := m.lc.acquire(ctx, lockKey, token, m.cfg.SweepLockTimeout); err != nil {
		if stderrors.Is(err, ErrDistributedLockTimeout) {
			return 0, nil
		}
		return 0, err
	}
	defer func() {
		if err := m.lc.release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			m.log.Warn("release sweep lock failed", zap.Error(err))
		}
	}()

	buckets, err := m.client.SRandMemberN(ctx, m.bucketsKey(), int64(m.cfg.OrphanCleanerBatch)).Result()
	if err != nil || len(buckets) == 0 {
		return 0, err
	}

	cutoff := time.Now().Add(-m.opts.heartbeatTimeout()).Unix()
	orphans, err := bucketsFilterLT.Run(ctx, m.client, buckets, cutoff, m.cfg.OrphanCleanerLimit).StringSlice()
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, sid := range orphans {
		if err := m.purge(ctx, sid); err != nil {
			m.log.Warn("purge orphan failed", zap.String("sid", sid), zap.Error(err))
			continue
		}
		if s := m.local(sid); s != nil {
			m.forget(sid, s)
			_ = s.Kill(false)
		}
		if err := m.publish(ctx, m.socketChannel(), sid, EventDead); err != nil {
			m.log.Warn("publish dead failed", zap.String("sid", sid), zap.Error(err))
		}
		swept++
	}
	m.opts.metrics.OrphansSwept(swept)
	return swept, nil
}
