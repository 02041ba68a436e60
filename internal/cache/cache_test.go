package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCacheFromClient(client)
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "key1", []byte("value1"), time.Minute))

		val, err := cache.Get(ctx, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(val))
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)
		require.NoError(t, cache.Delete(ctx, "key2"))

		val, _ := cache.Get(ctx, "key2")
		assert.Nil(t, val)
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := cache.Get(ctx, "expiring")
		require.NotNil(t, val)

		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, "expiring")
		assert.Nil(t, val)
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = cache.Set(ctx, "ow", []byte("a"), time.Minute)
		_ = cache.Set(ctx, "ow", []byte("b"), time.Minute)

		val, _ := cache.Get(ctx, "ow")
		assert.Equal(t, "b", string(val))
	})
}

func TestLRUEviction(t *testing.T) {
	cache := NewLRUCache(3)
	ctx := context.Background()

	_ = cache.Set(ctx, "a", []byte("1"), time.Minute)
	_ = cache.Set(ctx, "b", []byte("2"), time.Minute)
	_ = cache.Set(ctx, "c", []byte("3"), time.Minute)

	// touch a so b becomes the oldest
	_, _ = cache.Get(ctx, "a")
	_ = cache.Set(ctx, "d", []byte("4"), time.Minute)

	val, _ := cache.Get(ctx, "b")
	assert.Nil(t, val, "least recently used entry should be evicted")

	val, _ = cache.Get(ctx, "a")
	assert.Equal(t, "1", string(val))

	size, capacity := cache.Stats()
	assert.Equal(t, 3, size)
	assert.Equal(t, 3, capacity)
}

func TestLRUCounter(t *testing.T) {
	cache := NewLRUCache(10)
	ctx := context.Background()

	t.Run("IncrementsWithinWindow", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			n, err := cache.IncrementCounter(ctx, "tx-1", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, i, n)
		}
	})

	t.Run("ResetsAfterWindow", func(t *testing.T) {
		n, _ := cache.IncrementCounter(ctx, "tx-2", 10*time.Millisecond)
		assert.Equal(t, int64(1), n)

		time.Sleep(20 * time.Millisecond)

		n, _ = cache.IncrementCounter(ctx, "tx-2", 10*time.Millisecond)
		assert.Equal(t, int64(1), n)
	})

	t.Run("CountersDoNotShareValueKeys", func(t *testing.T) {
		_ = cache.Set(ctx, "tx-3", []byte("v"), time.Minute)
		n, _ := cache.IncrementCounter(ctx, "tx-3", time.Minute)
		assert.Equal(t, int64(1), n)

		val, _ := cache.Get(ctx, "tx-3")
		assert.Equal(t, "v", string(val))
	})
}

func TestLRUNoExpiry(t *testing.T) {
	cache := NewLRUCache(10)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "forever", []byte("x"), 0))
	time.Sleep(5 * time.Millisecond)

	val, err := cache.Get(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, "x", string(val))
}

func TestLRUCounterSweep(t *testing.T) {
	cache := NewLRUCache(2)
	ctx := context.Background()

	_, _ = cache.IncrementCounter(ctx, "a", time.Millisecond)
	_, _ = cache.IncrementCounter(ctx, "b", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	n, err := cache.IncrementCounter(ctx, "c", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Len(t, cache.counters, 1, "expired counters are swept when full")
}

func TestLRULookupMetrics(t *testing.T) {
	cache := NewLRUCache(10)
	ctx := context.Background()

	hits := testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("memory", "hit"))
	misses := testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("memory", "miss"))

	_ = cache.Set(ctx, "k", []byte("v"), time.Minute)
	_, _ = cache.Get(ctx, "k")
	_, _ = cache.Get(ctx, "absent")

	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("memory", "hit")))
	assert.Equal(t, misses+1, testutil.ToFloat64(metrics.CacheLookupsTotal.WithLabelValues("memory", "miss")))
}

func TestRedisCache(t *testing.T) {
	mr, cache := newTestRedis(t)
	ctx := context.Background()

	t.Run("SetAndGetUsesPrefix", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "geo:1.2.3.4", []byte("IN"), time.Minute))

		val, err := cache.Get(ctx, "geo:1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, "IN", string(val))

		raw, err := mr.Get("kestrel:geo:1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, "IN", raw)
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, "short", []byte("x"), time.Second)
		mr.FastForward(2 * time.Second)

		val, _ := cache.Get(ctx, "short")
		assert.Nil(t, val)
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "gone", []byte("x"), time.Minute)
		require.NoError(t, cache.Delete(ctx, "gone"))
		assert.False(t, mr.Exists("kestrel:gone"))
	})

	t.Run("IncrementCounter", func(t *testing.T) {
		n, err := cache.IncrementCounter(ctx, "worker:tx:abc", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		n, err = cache.IncrementCounter(ctx, "worker:tx:abc", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		assert.Greater(t, mr.TTL("kestrel:counter:worker:tx:abc"), time.Duration(0))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, cache.Ping(ctx))
	})
}

func TestTwoPhaseCache(t *testing.T) {
	mr, remote := newTestRedis(t)
	local := NewLRUCache(10)
	cache := newTwoPhase(local, remote, time.Minute)
	ctx := context.Background()

	t.Run("SetWritesBothLayers", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Hour))

		l1, _ := local.Get(ctx, "k")
		assert.Equal(t, "v", string(l1))
		assert.True(t, mr.Exists("kestrel:k"))
	})

	t.Run("L2HitPopulatesL1", func(t *testing.T) {
		require.NoError(t, mr.Set("kestrel:remote-only", "r"))

		val, err := cache.Get(ctx, "remote-only")
		require.NoError(t, err)
		assert.Equal(t, "r", string(val))

		l1, _ := local.Get(ctx, "remote-only")
		assert.Equal(t, "r", string(l1))
	})

	t.Run("ConcurrentMissesAgree", func(t *testing.T) {
		require.NoError(t, mr.Set("kestrel:shared", "s"))

		var wg sync.WaitGroup
		got := make([]string, 16)
		for i := range got {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				val, err := cache.Get(ctx, "shared")
				if err == nil {
					got[i] = string(val)
				}
			}(i)
		}
		wg.Wait()

		for _, v := range got {
			assert.Equal(t, "s", v)
		}
	})

	t.Run("DeleteClearsBothLayers", func(t *testing.T) {
		_ = cache.Set(ctx, "d", []byte("v"), time.Hour)
		require.NoError(t, cache.Delete(ctx, "d"))

		val, _ := cache.Get(ctx, "d")
		assert.Nil(t, val)
	})

	t.Run("CountersUseRemote", func(t *testing.T) {
		n, err := cache.IncrementCounter(ctx, "c", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.True(t, mr.Exists("kestrel:counter:c"))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, cache.Ping(ctx))
	})
}

func TestJSONHelpers(t *testing.T) {
	type location struct {
		Country string `json:"country"`
		City    string `json:"city"`
	}

	ctx := context.Background()
	var c domain.Cache = NewLRUCache(10)

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, SetJSON(ctx, c, "geo:8.8.8.8", &location{Country: "US", City: "Mountain View"}, time.Minute))

		got, err := GetJSON[location](ctx, c, "geo:8.8.8.8")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "US", got.Country)
	})

	t.Run("MissIsNil", func(t *testing.T) {
		got, err := GetJSON[location](ctx, c, "geo:none")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("CorruptValue", func(t *testing.T) {
		_ = c.Set(ctx, "geo:bad", []byte("{"), time.Minute)
		_, err := GetJSON[location](ctx, c, "geo:bad")
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 5})
	require.NoError(t, err)
	assert.IsType(t, &LRUCache{}, c)

	_, err = New(domain.CacheConfig{Type: "memcached"})
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	c, err = New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr(), EnableTwoPhase: true})
	require.NoError(t, err)
	defer c.Close()
	assert.IsType(t, &TwoPhaseCache{}, c)

	_, err = New(domain.CacheConfig{Type: "redis", RedisAddr: "127.0.0.1:1"})
	assert.Error(t, err)
}
