package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(&RedisConfig{Addr: mr.Addr(), Mode: RedisStandalone})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func storeDrivers(t *testing.T) map[string]Store {
	_, client := newTestRedis(t)
	return map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  NewRedisStore(client, "sio:abc:session"),
	}
}

func queueDrivers(t *testing.T) map[string]Queue {
	_, client := newTestRedis(t)
	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"redis":  NewRedisQueue(client, "sio:abc:queue:client_queue"),
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	for name, s := range storeDrivers(t) {
		t.Run(name, func(t *testing.T) {
			var v string
			assert.ErrorIs(t, s.Get(ctx, "nick", &v), ErrNotFound)

			require.NoError(t, s.Set(ctx, "nick", "alice"))
			require.NoError(t, s.Set(ctx, "rooms", []string{"a", "b"}))
			require.NoError(t, s.Get(ctx, "nick", &v))
			assert.Equal(t, "alice", v)

			var rooms []string
			require.NoError(t, s.Get(ctx, "rooms", &rooms))
			assert.Equal(t, []string{"a", "b"}, rooms)

			keys, err := s.Keys(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"nick", "rooms"}, keys)

			require.NoError(t, s.Delete(ctx, "nick"))
			assert.ErrorIs(t, s.Get(ctx, "nick", &v), ErrNotFound)

			require.NoError(t, s.Clear(ctx))
			keys, err = s.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestStoreSerializationError(t *testing.T) {
	s := NewMemoryStore()
	err := s.Set(context.Background(), "bad", make(chan int))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestQueueFIFO(t *testing.T) {
	ctx := context.Background()
	for name, q := range queueDrivers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Put(ctx, "1::", "2::"))
			require.NoError(t, q.Put(ctx, "3:::x"))

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			item, err := q.Get(ctx, time.Second)
			require.NoError(t, err)
			assert.Equal(t, "1::", item)

			rest, err := q.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"2::", "3:::x"}, rest)

			rest, err = q.Drain(ctx)
			require.NoError(t, err)
			assert.Empty(t, rest)
		})
	}
}

func TestQueueGetTimeout(t *testing.T) {
	ctx := context.Background()
	for name, q := range queueDrivers(t) {
		t.Run(name, func(t *testing.T) {
			start := time.Now()
			_, err := q.Get(ctx, 200*time.Millisecond)
			assert.ErrorIs(t, err, ErrQueueEmpty)
			assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
		})
	}
}

func TestQueueGetCancelled(t *testing.T) {
	for name, q := range queueDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()
			_, err := q.Get(ctx, 0)
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestQueueWakesBlockedReader(t *testing.T) {
	ctx := context.Background()
	for name, q := range queueDrivers(t) {
		t.Run(name, func(t *testing.T) {
			got := make(chan string, 1)
			go func() {
				item, err := q.Get(ctx, 3*time.Second)
				if err == nil {
					got <- item
				}
			}()
			time.Sleep(50 * time.Millisecond)
			require.NoError(t, q.Put(ctx, "8::"))

			select {
			case item := <-got:
				assert.Equal(t, "8::", item)
			case <-time.After(3 * time.Second):
				t.Fatal("reader was not woken")
			}
		})
	}
}

func TestMemoryQueueMultipleReaders(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := q.Get(ctx, time.Second)
			if err == nil {
				results <- item
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Put(ctx, "a", "b"))
	wg.Wait()
	close(results)

	var got []string
	for r := range results {
		got = append(got, r)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
}

func TestReadQueue(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Put(ctx, "a", "b", "c"))

	items, err := ReadQueue(ctx, q, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, items)

	_, err = ReadQueue(ctx, q, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestRedisConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultRedisConfig().Validate())
	assert.ErrorIs(t, (&RedisConfig{Mode: RedisCluster}).Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, (&RedisConfig{Mode: RedisSentinel, Addrs: []string{"a"}}).Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, (&RedisConfig{Mode: "bogus"}).Validate(), ErrInvalidConfig)

	_, err := NewRedisClient(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
