package rooms

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/metrics"
	"github.com/tokmz/sio/pkg/packet"
)

// Target 广播目标，一般是会话在某个命名空间上的实例
type Target interface {
	ID() string
	SendPacket(pkt *packet.Packet) error
}

// Filter 发送前的过滤函数，返回 false 时跳过该目标
type Filter func(target Target, pkt *packet.Packet) bool

// BroadcastOptions 广播范围
type BroadcastOptions struct {
	// Rooms 为空时发给命名空间内全部会话，否则发给至少属于其中一个房间的会话
	Rooms []string
	// Except 排除的会话 ID，通常是发送者自己
	Except []string
	// Filters 依次执行，任一返回 false 即跳过
	Filters []Filter
}

// Adapter 单个命名空间的房间管理器
// 房间成员和会话集合由同一把锁保护，广播读取的是一致的快照
type Adapter struct {
	mu      sync.RWMutex
	targets map[string]Target
	rooms   map[string]map[string]struct{} // room -> sid
	joined  map[string]map[string]struct{} // sid -> room

	config  Config
	log     logger.Logger
	metrics metrics.Metrics
}

// New 创建房间管理器
func New(opts ...Option) *Adapter {
	a := &Adapter{
		targets: make(map[string]Target),
		rooms:   make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
		config:  DefaultConfig(),
		log:     logger.NewNop(),
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add 登记命名空间内的会话
func (a *Adapter) Add(t Target) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.targets[t.ID()] = t
}

// Remove 移除会话及其全部房间成员关系
func (a *Adapter) Remove(sid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaveAllLocked(sid)
	delete(a.targets, sid)
}

// Has 会话是否已登记
func (a *Adapter) Has(sid string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.targets[sid]
	return ok
}

// Join 加入房间，重复加入无副作用
func (a *Adapter) Join(sid, room string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.targets[sid]; !ok {
		return ErrUnknownTarget.WithMessage("session " + sid + " is not connected to this namespace")
	}

	members, ok := a.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		a.rooms[room] = members
	}
	members[sid] = struct{}{}

	rooms, ok := a.joined[sid]
	if !ok {
		rooms = make(map[string]struct{})
		a.joined[sid] = rooms
	}
	rooms[room] = struct{}{}
	return nil
}

// Leave 离开房间，最后一个成员离开时删除房间
func (a *Adapter) Leave(sid, room string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaveLocked(sid, room)
}

// LeaveAll 离开全部房间，会话仍保留在命名空间中
func (a *Adapter) LeaveAll(sid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaveAllLocked(sid)
}

func (a *Adapter) leaveLocked(sid, room string) {
	if members, ok := a.rooms[room]; ok {
		delete(members, sid)
		if len(members) == 0 {
			delete(a.rooms, room)
		}
	}
	if rooms, ok := a.joined[sid]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(a.joined, sid)
		}
	}
}

func (a *Adapter) leaveAllLocked(sid string) {
	for room := range a.joined[sid] {
		a.leaveLocked(sid, room)
	}
}

// Rooms 会话所在的房间，按名称排序
func (a *Adapter) Rooms(sid string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedKeys(a.joined[sid])
}

// Members 房间成员，按 ID 排序
func (a *Adapter) Members(room string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return sortedKeys(a.rooms[room])
}

// RoomCount 当前房间数量
func (a *Adapter) RoomCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rooms)
}

// Len 命名空间内的会话数量
func (a *Adapter) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.targets)
}

// snapshot 在读锁下收集广播目标
func (a *Adapter) snapshot(opts BroadcastOptions) []Target {
	except := make(map[string]struct{}, len(opts.Except))
	for _, sid := range opts.Except {
		except[sid] = struct{}{}
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Target
	if len(opts.Rooms) == 0 {
		out = make([]Target, 0, len(a.targets))
		for sid, t := range a.targets {
			if _, skip := except[sid]; !skip {
				out = append(out, t)
			}
		}
		return out
	}

	seen := make(map[string]struct{})
	for _, room := range opts.Rooms {
		for sid := range a.rooms[room] {
			if _, skip := except[sid]; skip {
				continue
			}
			if _, dup := seen[sid]; dup {
				continue
			}
			seen[sid] = struct{}{}
			if t, ok := a.targets[sid]; ok {
				out = append(out, t)
			}
		}
	}
	return out
}

// Broadcast 向范围内的会话发送数据包，返回成功投递的数量
func (a *Adapter) Broadcast(ctx context.Context, pkt *packet.Packet, opts BroadcastOptions) (int, error) {
	start := time.Now()
	targets := a.snapshot(opts)
	if len(opts.Filters) > 0 {
		kept := targets[:0]
		for _, t := range targets {
			if passes(opts.Filters, t, pkt) {
				kept = append(kept, t)
			}
		}
		targets = kept
	}
	if len(targets) == 0 {
		return 0, nil
	}

	// worker pool 模式，避免为每个会话创建 goroutine
	workerCount := a.config.MaxWorkers
	if len(targets) < workerCount {
		workerCount = len(targets)
	}

	jobs := make(chan Target, len(targets))
	for _, t := range targets {
		jobs <- t
	}
	close(jobs)

	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case t, ok := <-jobs:
					if !ok {
						return
					}
					if err := t.SendPacket(pkt); err != nil {
						// 会话已关闭，跳过
						a.log.Debug("broadcast skipped target", zap.String("sid", t.ID()), zap.Error(err))
						continue
					}
					mu.Lock()
					delivered++
					mu.Unlock()
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.metrics.BroadcastSent(delivered, time.Since(start))
		return delivered, nil
	case <-ctx.Done():
		mu.Lock()
		n := delivered
		mu.Unlock()
		return n, ErrBroadcastTimeout
	}
}

func passes(filters []Filter, t Target, pkt *packet.Packet) bool {
	for _, f := range filters {
		if !f(t, pkt) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
