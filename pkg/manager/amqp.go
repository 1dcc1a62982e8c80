package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/tokmz/sio/pkg/logger"
)

// amqpBroker 每个频道对应一个 fanout exchange，每个订阅者一个独占的临时队列
type amqpBroker struct {
	conn *amqp.Connection
	log  logger.Logger

	mu       sync.Mutex
	pubCh    *amqp.Channel
	declared map[string]bool
	closed   bool
}

// NewAMQPBroker 连接 RabbitMQ 并创建事件通道
func NewAMQPBroker(url string, log logger.Logger) (Broker, error) {
	if log == nil {
		log = logger.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp publish channel: %w", err)
	}
	return &amqpBroker{
		conn:     conn,
		log:      log,
		pubCh:    ch,
		declared: make(map[string]bool),
	}, nil
}

func declareExchange(ch *amqp.Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeFanout, false, true, false, false, nil)
}

func (b *amqpBroker) Publish(ctx context.Context, channel string, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// amqp.Channel 的发布不是并发安全的
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if !b.declared[channel] {
		if err := declareExchange(b.pubCh, channel); err != nil {
			return fmt.Errorf("amqp exchange declare %s: %w", channel, err)
		}
		b.declared[channel] = true
	}
	return b.pubCh.PublishWithContext(ctx, channel, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        data,
		MessageId:   ev.UUID,
		Timestamp:   time.Now().UTC(),
	})
}

func (b *amqpBroker) Subscribe(ctx context.Context, handler EventHandler, channels ...string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp consumer channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp queue declare: %w", err)
	}
	for _, name := range channels {
		if err := declareExchange(ch, name); err != nil {
			return fmt.Errorf("amqp exchange declare %s: %w", name, err)
		}
		if err := ch.QueueBind(q.Name, "", name, false, nil); err != nil {
			return fmt.Errorf("amqp queue bind %s: %w", name, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			ev, err := decodeEvent(d.Body)
			if err != nil {
				b.log.Warn("drop sync event", zap.String("exchange", d.Exchange), zap.Error(err))
				continue
			}
			handler(d.Exchange, ev)
		}
	}
}

func (b *amqpBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	_ = b.pubCh.Close()
	return b.conn.Close()
}
