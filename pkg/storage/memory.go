package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore 进程内会话存储
type memoryStore struct {
	mu         sync.RWMutex
	data       map[string][]byte
	serializer Serializer
}

// NewMemoryStore 创建进程内会话存储
func NewMemoryStore() Store {
	return &memoryStore{
		data:       make(map[string][]byte),
		serializer: &JSONSerializer{},
	}
}

func (m *memoryStore) Get(ctx context.Context, key string, value any) error {
	m.mu.RLock()
	data, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := m.serializer.Unmarshal(data, value); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return nil
}

func (m *memoryStore) Set(ctx context.Context, key string, value any) error {
	data, err := m.serializer.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	m.mu.Lock()
	m.data[key] = data
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

// memoryQueue 无界进程内队列
// notify 容量为 1，作为"可能有数据"的信号
type memoryQueue struct {
	mu     sync.Mutex
	items  []string
	notify chan struct{}
}

// NewMemoryQueue 创建进程内队列
func NewMemoryQueue() Queue {
	return &memoryQueue{notify: make(chan struct{}, 1)}
}

func (q *memoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *memoryQueue) Put(ctx context.Context, items ...string) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *memoryQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return item, true
}

func (q *memoryQueue) Get(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		if item, ok := q.pop(); ok {
			return item, nil
		}
		select {
		case <-q.notify:
		case <-expired:
			return "", ErrQueueEmpty
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *memoryQueue) Drain(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items, nil
}

func (q *memoryQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

func (q *memoryQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	return nil
}
