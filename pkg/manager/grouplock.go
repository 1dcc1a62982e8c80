package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tokmz/sio/pkg/logger"
)

// lockClient 获取与释放单个 redis 锁键
type lockClient struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
}

// acquire SETNX 加 TTL，失败后休眠重试，超过 timeout 返回 ErrDistributedLockTimeout
func (c *lockClient) acquire(ctx context.Context, key, token string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := c.client.SetNX(ctx, key, token, c.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrDistributedLockTimeout.WithMessage("timeout acquiring " + key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retry):
		}
	}
}

func (c *lockClient) release(ctx context.Context, key, token string) error {
	return unlockScript.Run(ctx, c.client, []string{key}, token).Err()
}

func (c *lockClient) refresh(ctx context.Context, key, token string) (bool, error) {
	n, err := refreshScript.Run(ctx, c.client, []string{key}, token, c.ttl.Milliseconds()).Int()
	return n == 1, err
}

// groupLock 本进程内多个持有者共享的分布式锁
// 同一进程的持有者互不阻塞，最后一个持有者释放时才删除远端锁键
type groupLock struct {
	key string
	lc  *lockClient
	log logger.Logger

	waiters int // 由 groupLocks.mu 保护

	mu       sync.Mutex
	acquired bool
	holders  int
	token    string
	stop     context.CancelFunc
}

// groupLocks 按会话 ID 管理 groupLock
type groupLocks struct {
	lc      *lockClient
	timeout time.Duration
	log     logger.Logger
	sf      singleflight.Group

	mu    sync.Mutex
	locks map[string]*groupLock
}

func newGroupLocks(lc *lockClient, timeout time.Duration, log logger.Logger) *groupLocks {
	return &groupLocks{
		lc:      lc,
		timeout: timeout,
		log:     log,
		locks:   make(map[string]*groupLock),
	}
}

// join 取出锁并登记等待者，等待者存在期间锁不会从表中移除
func (g *groupLocks) join(key string) *groupLock {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[key]
	if !ok {
		l = &groupLock{key: key, lc: g.lc, log: g.log}
		g.locks[key] = l
	}
	l.waiters++
	return l
}

func (g *groupLocks) leave(l *groupLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.waiters--
	g.forgetLocked(l)
}

// forgetLocked 锁空闲时从表中移除，须持有 g.mu
func (g *groupLocks) forgetLocked(l *groupLock) {
	l.mu.Lock()
	idle := !l.acquired && l.holders == 0
	l.mu.Unlock()
	if idle && l.waiters == 0 && g.locks[l.key] == l {
		delete(g.locks, l.key)
	}
}

// Acquire 加入持有者组，组尚未持有远端锁时阻塞等待
// 返回的 release 只有第一次调用有效
func (g *groupLocks) Acquire(ctx context.Context, key string) (func(), error) {
	l := g.join(key)
	defer g.leave(l)

	for {
		l.mu.Lock()
		if l.acquired {
			l.holders++
			l.mu.Unlock()
			release := g.releaser(l)
			if err := ctx.Err(); err != nil {
				release()
				return nil, err
			}
			return release, nil
		}
		l.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// 同一进程对同一把锁的远端争抢只由一个 goroutine 执行
		_, err, _ := g.sf.Do(key, func() (any, error) {
			token := uuid.NewString()
			actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
			defer cancel()
			if err := g.lc.acquire(actx, key, token, g.timeout); err != nil {
				return nil, err
			}
			kctx, stop := context.WithCancel(context.Background())
			l.mu.Lock()
			l.acquired, l.token, l.stop = true, token, stop
			l.mu.Unlock()
			go l.keepalive(kctx, token)
			return nil, nil
		})
		if err != nil {
			return nil, err
		}
		// 远端锁到手后可能已被组内其他持有者释放，重新检查
	}
}

func (g *groupLocks) releaser(l *groupLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.holders--
			if l.holders > 0 {
				l.mu.Unlock()
				return
			}
			token, stop := l.token, l.stop
			l.acquired, l.token, l.stop = false, "", nil
			l.mu.Unlock()

			if stop != nil {
				stop()
			}
			if err := g.lc.release(context.Background(), l.key, token); err != nil {
				g.log.Warn("release lock failed", zap.String("key", l.key), zap.Error(err))
			}
			g.mu.Lock()
			g.forgetLocked(l)
			g.mu.Unlock()
		})
	}
}

// keepalive 持有期间定期续期，避免长轮询或 websocket 持锁超过 TTL
func (l *groupLock) keepalive(ctx context.Context, token string) {
	ticker := time.NewTicker(l.lc.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.lc.refresh(ctx, l.key, token)
			if err != nil {
				if ctx.Err() == nil {
					l.log.Warn("refresh lock failed", zap.String("key", l.key), zap.Error(err))
				}
				continue
			}
			if !ok {
				// 锁键已被清理（例如会话被删除），停止续期
				return
			}
		}
	}
}
