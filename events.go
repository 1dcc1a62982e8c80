package sio

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
	"github.com/tokmz/sio/pkg/namespace"
	"github.com/tokmz/sio/pkg/socket"
)

// EventType 生命周期事件类型
type EventType string

const (
	// EventSessionConnected 会话完成首次连接确认
	EventSessionConnected EventType = "session.connected"
	// EventSessionDisconnected 会话彻底断开
	EventSessionDisconnected EventType = "session.disconnected"
	// EventEndpointActivated 会话进入命名空间
	EventEndpointActivated EventType = "endpoint.activated"
	// EventEndpointDeactivated 会话离开命名空间
	EventEndpointDeactivated EventType = "endpoint.deactivated"
)

// Event 生命周期事件
type Event struct {
	Type     EventType
	SID      string
	Endpoint string
	Time     time.Time
}

// EventHandler 事件处理器，在事件总线的 worker 中执行
type EventHandler func(Event)

// criticalWait 关键事件在队列满时的最长等待
const criticalWait = 100 * time.Millisecond

// EventBus 事件总线
type EventBus struct {
	handlers map[EventType][]EventHandler
	mu       sync.RWMutex
	workerCh chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	dropped  atomic.Int64
	log      logger.Logger
}

// NewEventBus 创建事件总线，workers 与 queueSize 不大于 0 时使用 10 与 1000
func NewEventBus(workers, queueSize int, log logger.Logger) *EventBus {
	if workers <= 0 {
		workers = 10
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if log == nil {
		log = logger.NewNop()
	}
	eb := &EventBus{
		handlers: make(map[EventType][]EventHandler),
		workerCh: make(chan func(), queueSize),
		stopCh:   make(chan struct{}),
		log:      log,
	}
	for i := 0; i < workers; i++ {
		eb.wg.Add(1)
		go eb.worker()
	}
	return eb
}

func (eb *EventBus) worker() {
	defer eb.wg.Done()
	for {
		select {
		case task := <-eb.workerCh:
			eb.run(task)
		case <-eb.stopCh:
			return
		}
	}
}

func (eb *EventBus) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			eb.log.Error("event handler panicked", zap.Any("panic", r))
		}
	}()
	task()
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish 异步发布事件
// 会话事件在队列满时最多等待 100ms，命名空间事件直接丢弃
func (eb *EventBus) Publish(event Event) {
	if eb.closed.Load() {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		task := func() { h(event) }
		if event.Type == EventSessionConnected || event.Type == EventSessionDisconnected {
			timer := time.NewTimer(criticalWait)
			select {
			case eb.workerCh <- task:
			case <-timer.C:
				eb.dropped.Add(1)
			}
			timer.Stop()
			continue
		}
		select {
		case eb.workerCh <- task:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Close 停止 worker，队列中剩余的事件被丢弃
func (eb *EventBus) Close() {
	if !eb.closed.CompareAndSwap(false, true) {
		return
	}
	close(eb.stopCh)
	eb.wg.Wait()
}

// Dropped 丢弃的事件数量
func (eb *EventBus) Dropped() int64 {
	return eb.dropped.Load()
}

// onStateChange 会话状态变化转为事件
func (eb *EventBus) onStateChange(s *socket.Socket, _, to socket.State) {
	switch to {
	case socket.StateConnected:
		eb.Publish(Event{Type: EventSessionConnected, SID: s.ID()})
	case socket.StateDisconnected:
		eb.Publish(Event{Type: EventSessionDisconnected, SID: s.ID()})
	}
}

// busObserver 命名空间实例的进出转为事件
type busObserver struct{ bus *EventBus }

var _ namespace.Observer = busObserver{}

func (o busObserver) EndpointActivated(c *namespace.Conn) {
	o.bus.Publish(Event{Type: EventEndpointActivated, SID: c.ID(), Endpoint: c.Name()})
}

func (o busObserver) EndpointDeactivated(c *namespace.Conn) {
	o.bus.Publish(Event{Type: EventEndpointDeactivated, SID: c.ID(), Endpoint: c.Name()})
}
