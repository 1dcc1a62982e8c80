package storage

import (
	"context"
	"encoding/json"
	"time"
)

// Store 会话级键值存储，处理函数通过它读写会话数据
type Store interface {
	// Get 读取并反序列化到 value，不存在返回 ErrNotFound
	Get(ctx context.Context, key string, value any) error
	Set(ctx context.Context, key string, value any) error
	Delete(ctx context.Context, keys ...string) error
	Keys(ctx context.Context) ([]string, error)
	// Clear 删除全部数据
	Clear(ctx context.Context) error
}

// Queue 会话的 FIFO 消息队列
type Queue interface {
	Put(ctx context.Context, items ...string) error
	// Get 阻塞等待一条消息
	// timeout <= 0 时只受 ctx 约束；超时返回 ErrQueueEmpty
	Get(ctx context.Context, timeout time.Duration) (string, error)
	// Drain 非阻塞取出当前全部消息
	Drain(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// ReadQueue 等待至少一条消息后取走队列中已有的全部消息
func ReadQueue(ctx context.Context, q Queue, timeout time.Duration) ([]string, error) {
	first, err := q.Get(ctx, timeout)
	if err != nil {
		return nil, err
	}
	rest, err := q.Drain(ctx)
	if err != nil {
		return []string{first}, err
	}
	return append([]string{first}, rest...), nil
}

// Serializer 会话值序列化器
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer JSON 序列化器（默认）
type JSONSerializer struct{}

func (s *JSONSerializer) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (s *JSONSerializer) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
