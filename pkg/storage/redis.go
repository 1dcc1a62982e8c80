package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// blockSlice BLPOP 单次阻塞时长，go-redis 不会在阻塞读期间响应 ctx 取消
	blockSlice = time.Second
	// pollInterval 剩余等待不足一秒时的轮询间隔
	pollInterval = 50 * time.Millisecond
)

// redisStore 以 Redis hash 保存会话数据，每个字段一个 JSON 值
type redisStore struct {
	client     redis.UniversalClient
	key        string
	serializer Serializer
}

// NewRedisStore 创建以 key 为 hash 的会话存储
func NewRedisStore(client redis.UniversalClient, key string) Store {
	return &redisStore{
		client:     client,
		key:        key,
		serializer: &JSONSerializer{},
	}
}

func (r *redisStore) Get(ctx context.Context, field string, value any) error {
	data, err := r.client.HGet(ctx, r.key, field).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	if err := r.serializer.Unmarshal(data, value); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return nil
}

func (r *redisStore) Set(ctx context.Context, field string, value any) error {
	data, err := r.serializer.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	if err := r.client.HSet(ctx, r.key, field, data).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

func (r *redisStore) Delete(ctx context.Context, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, r.key, fields...).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

func (r *redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOperation, err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *redisStore) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

// redisQueue 以 Redis list 实现的 FIFO 队列
type redisQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisQueue 创建以 key 为 list 的队列
func NewRedisQueue(client redis.UniversalClient, key string) Queue {
	return &redisQueue{client: client, key: key}
}

func (r *redisQueue) Put(ctx context.Context, items ...string) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]any, len(items))
	for i, it := range items {
		values[i] = it
	}
	if err := r.client.RPush(ctx, r.key, values...).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}

func (r *redisQueue) Get(ctx context.Context, timeout time.Duration) (string, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		wait := blockSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return "", ErrQueueEmpty
			}
			if left < wait {
				return r.pollUntil(ctx, deadline)
			}
		}
		res, err := r.client.BLPop(ctx, wait, r.key).Result()
		if err == nil && len(res) == 2 {
			return res[1], nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %w", ErrOperation, err)
		}
	}
}

// pollUntil BLPOP 最小阻塞粒度为一秒，不足一秒的等待改为轮询
func (r *redisQueue) pollUntil(ctx context.Context, deadline time.Time) (string, error) {
	for {
		item, err := r.client.LPop(ctx, r.key).Result()
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, redis.Nil) {
			return "", fmt.Errorf("%w: %w", ErrOperation, err)
		}
		left := time.Until(deadline)
		if left <= 0 {
			return "", ErrQueueEmpty
		}
		select {
		case <-time.After(min(left, pollInterval)):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (r *redisQueue) Drain(ctx context.Context) ([]string, error) {
	var lrange *redis.StringSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, r.key, 0, -1)
		pipe.Del(ctx, r.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOperation, err)
	}
	items := lrange.Val()
	if len(items) == 0 {
		return nil, nil
	}
	return items, nil
}

func (r *redisQueue) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return int(n), nil
}

func (r *redisQueue) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrOperation, err)
	}
	return nil
}
