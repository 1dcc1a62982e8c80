package manager

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
)

// 跨进程同步事件
const (
	EventHeartbeatReceived = "heartbeat.received"
	EventHeartbeatSent     = "heartbeat.sent"
	EventDead              = "dead"
	EventActivated         = "activated"
	EventDeactivated       = "deactivated"
)

// Event 跨进程通知，JSON 编码
type Event struct {
	UUID   string            `json:"uuid"`
	SessID string            `json:"sessid"`
	Event  string            `json:"event"`
	Args   []string          `json:"args"`
	Kwargs map[string]string `json:"kwargs"`
}

// EventHandler 处理收到的事件，channel 为原始频道名
type EventHandler func(channel string, ev *Event)

// Broker 跨进程事件通道
type Broker interface {
	Publish(ctx context.Context, channel string, ev *Event) error
	// Subscribe 阻塞直到 ctx 结束或通道关闭
	Subscribe(ctx context.Context, handler EventHandler, channels ...string) error
	Close() error
}

func decodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, ErrInvalidEvent.WithError(err)
	}
	if ev.UUID == "" || ev.SessID == "" || ev.Event == "" {
		return nil, ErrInvalidEvent.WithMessage("sync event missing uuid, sessid or event")
	}
	return &ev, nil
}

// redisBroker 基于 redis pub/sub
type redisBroker struct {
	client redis.UniversalClient
	log    logger.Logger

	mu     sync.Mutex
	closed bool
	subs   []*redis.PubSub
}

// NewRedisBroker 创建 redis pub/sub 事件通道
func NewRedisBroker(client redis.UniversalClient, log logger.Logger) Broker {
	if log == nil {
		log = logger.NewNop()
	}
	return &redisBroker{client: client, log: log}
}

func (b *redisBroker) Publish(ctx context.Context, channel string, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel, data).Err()
}

func (b *redisBroker) Subscribe(ctx context.Context, handler EventHandler, channels ...string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	sub := b.client.Subscribe(ctx, channels...)
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	defer sub.Close()

	// 等待订阅确认，之后发布的消息不会丢失
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decodeEvent([]byte(msg.Payload))
			if err != nil {
				b.log.Warn("drop sync event", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			handler(msg.Channel, ev)
		}
	}
}

func (b *redisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		_ = sub.Close()
	}
	b.subs = nil
	return nil
}
