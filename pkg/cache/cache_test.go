package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/matryer/is"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type product struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

func newMemoryService(t *testing.T) (*Service, *MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(MemoryConfig{Shards: 4, Clock: clock.Now})
	return New(store, TTLs{}, zaptest.NewLogger(t)), store, clock
}

func newRedisService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return New(NewRedisStore(client, "shop:"), TTLs{}, zaptest.NewLogger(t)), mr
}

func TestService_RoundTripAndExpiry(t *testing.T) {
	svc, _, clock := newMemoryService(t)
	ctx := context.Background()
	want := product{ID: "P1", Name: "Kettle", Price: 39.5}

	svc.Set(ctx, ProductKey("P1"), want, time.Minute)
	var got product
	require.True(t, svc.Get(ctx, ProductKey("P1"), &got))
	assert.Equal(t, want, got)

	clock.Advance(59 * time.Second)
	assert.True(t, svc.Get(ctx, ProductKey("P1"), &got))

	clock.Advance(time.Second)
	assert.False(t, svc.Get(ctx, ProductKey("P1"), &got))
}

func TestService_DefaultTTL(t *testing.T) {
	svc, _, clock := newMemoryService(t)
	ctx := context.Background()
	assert.Equal(t, 5*time.Minute, svc.TTLs().Default)

	svc.Set(ctx, "k", 1, 0)
	var v int
	require.True(t, svc.Get(ctx, "k", &v))
	clock.Advance(5 * time.Minute)
	assert.False(t, svc.Get(ctx, "k", &v))
}

func TestService_Redis(t *testing.T) {
	svc, mr := newRedisService(t)
	ctx := context.Background()

	svc.Set(ctx, ProductKey("P1"), product{ID: "P1"}, time.Minute)
	assert.True(t, mr.Exists("shop:product:P1"))
	assert.Equal(t, time.Minute, mr.TTL("shop:product:P1"))

	var got product
	require.True(t, svc.Get(ctx, ProductKey("P1"), &got))
	assert.Equal(t, "P1", got.ID)

	mr.FastForward(time.Minute)
	assert.False(t, svc.Get(ctx, ProductKey("P1"), &got))
}

func TestService_DegradesWhenRedisIsDown(t *testing.T) {
	svc, mr := newRedisService(t)
	ctx := context.Background()
	mr.Close()

	var got product
	assert.False(t, svc.Get(ctx, ProductKey("P1"), &got))
	svc.Set(ctx, ProductKey("P1"), product{ID: "P1"}, time.Minute)
	svc.Delete(ctx, ProductKey("P1"))

	calls := 0
	v, err := GetOrSet(ctx, svc, ProductKey("P1"), time.Minute, func(context.Context) (product, error) {
		calls++
		return product{ID: "P1", Name: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", v.Name)
	assert.Equal(t, 1, calls)
}

func TestGetOrSet(t *testing.T) {
	svc, _, _ := newMemoryService(t)
	ctx := context.Background()
	calls := 0
	compute := func(context.Context) ([]product, error) {
		calls++
		return []product{{ID: "P1"}, {ID: "P2"}}, nil
	}

	first, err := GetOrSet(ctx, svc, "products:page=1", time.Minute, compute)
	require.NoError(t, err)
	second, err := GetOrSet(ctx, svc, "products:page=1", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	boom := errors.New("query failed")
	_, err = GetOrSet(ctx, svc, "products:page=2", time.Minute, func(context.Context) ([]product, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	var miss []product
	assert.False(t, svc.Get(ctx, "products:page=2", &miss), "failed computations are not cached")
}

func TestService_UndecodableEntryIsAMiss(t *testing.T) {
	svc, store, _ := newMemoryService(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("{not json"), time.Minute))

	var v product
	assert.False(t, svc.Get(ctx, "k", &v))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_BoundedShards(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := NewMemoryStore(MemoryConfig{Shards: 1, EntriesPerShard: 3, Clock: clock.Now})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 3*time.Minute))
	require.NoError(t, store.Set(ctx, "c", []byte("3"), 2*time.Minute))
	require.NoError(t, store.Set(ctx, "d", []byte("4"), time.Hour))
	assert.Equal(t, 3, store.Len())

	_, ok, _ := store.Get(ctx, "a")
	assert.False(t, ok, "entry closest to expiry is evicted")
	_, ok, _ = store.Get(ctx, "d")
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	require.NoError(t, store.Set(ctx, "e", []byte("5"), time.Hour))
	_, ok, _ = store.Get(ctx, "c")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, "b")
	assert.True(t, ok, "expired entries are reclaimed before live ones")
}

func TestStores_DeletePattern(t *testing.T) {
	mem := NewMemoryStore(MemoryConfig{})
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	for name, store := range map[string]Store{"memory": mem, "redis": NewRedisStore(client, "shop:")} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"product:1", "product:2", "products:page=1", "pricing:1"} {
				require.NoError(t, store.Set(ctx, k, []byte(`1`), time.Minute))
			}
			n, err := store.DeletePattern(ctx, "product:*")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			_, ok, err := store.Get(ctx, "products:page=1")
			require.NoError(t, err)
			assert.True(t, ok)

			n, err = store.Delete(ctx, "pricing:1", "pricing:missing")
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			for _, k := range []string{"inventory:sku/42", "orders:tenant/1:", "orders:tenant/1:page=2"} {
				require.NoError(t, store.Set(ctx, k, []byte(`1`), time.Minute))
			}
			n, err = store.DeletePattern(ctx, "inventory:*")
			require.NoError(t, err)
			assert.Equal(t, 1, n, "* spans slashes")
			n, err = store.DeletePattern(ctx, "orders:*")
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestInvalidator_OrderMutationEvictsSlashedKeys(t *testing.T) {
	mem, _, _ := newMemoryService(t)
	red, _ := newRedisService(t)

	for name, svc := range map[string]*Service{"memory": mem, "redis": red} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inv := NewInvalidator(svc, nil, zaptest.NewLogger(t))
			svc.Set(ctx, InventoryKey("sku/42"), 7, time.Minute)
			svc.Set(ctx, OrderListKey("tenant/1", nil), []string{"o1"}, time.Minute)
			svc.Set(ctx, OrderKey("o1"), "pending", time.Minute)

			inv.InvalidateOnMutation(ctx, ResourceOrder, "o1")

			var dst interface{}
			assert.False(t, svc.Get(ctx, InventoryKey("sku/42"), &dst), "inventory still cached")
			assert.False(t, svc.Get(ctx, OrderListKey("tenant/1", nil), &dst), "order list still cached")
			assert.False(t, svc.Get(ctx, OrderKey("o1"), &dst))
		})
	}
}

func TestKey_Canonical(t *testing.T) {
	is := is.New(t)

	a := Key("products", map[string]interface{}{"category": "kitchen ", "page": 2, "sort": "price"})
	b := Key("products", map[string]interface{}{"sort": " price", "page": 2, "category": "kitchen"})
	is.Equal(a, b)
	is.Equal(a, "products:category=kitchen&page=2&sort=price")

	is.Equal(
		BundlePricingKey([]string{"P3", "P1", "P2"}, map[string]interface{}{"currency": "EUR"}),
		BundlePricingKey([]string{"P1", "P2", "P3"}, map[string]interface{}{"currency": "EUR "}),
	)
	is.True(Key("products", map[string]interface{}{"q": "Go"}) !=
		Key("products", map[string]interface{}{"q": "go"}))
	is.True(Key("orders:u1", map[string]interface{}{"cursor": "aB3x"}) !=
		Key("orders:u1", map[string]interface{}{"cursor": "ab3x"}))
	is.True(Key("x", map[string]interface{}{"ids": []string{"b", "a"}}) !=
		Key("x", map[string]interface{}{"ids": []string{"a", "b"}}))

	long := Key("products", map[string]interface{}{"q": strings.Repeat("z", 500)})
	is.True(len(long) <= MaxKeyLength)
	is.True(strings.HasPrefix(long, "products:#"))
}

func TestInvalidator_ProductMutationEvictsProductKey(t *testing.T) {
	svc, _, _ := newMemoryService(t)
	inv := NewInvalidator(svc, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	svc.Set(ctx, ProductKey("P"), product{ID: "P"}, time.Minute)
	svc.Set(ctx, ProductKey("Q"), product{ID: "Q"}, time.Minute)
	svc.Set(ctx, ProductListKey(map[string]interface{}{"page": 1}), []product{{ID: "P"}}, time.Minute)
	svc.Set(ctx, PricingKey("P"), 10, time.Minute)
	svc.Set(ctx, CartKey("U"), 1, time.Minute)

	n := inv.InvalidateOnMutation(ctx, ResourceProduct, "P")
	assert.Equal(t, 3, n)

	var p product
	assert.False(t, svc.Get(ctx, ProductKey("P"), &p))
	assert.True(t, svc.Get(ctx, ProductKey("Q"), &p))
	var cart int
	assert.True(t, svc.Get(ctx, CartKey("U"), &cart))
}

func TestInvalidator_Patterns(t *testing.T) {
	svc, _, _ := newMemoryService(t)
	inv := NewInvalidator(svc, nil, zaptest.NewLogger(t))

	assert.Equal(t, []string{"cart:U1"}, inv.Patterns(ResourceCart, "U1"))
	assert.Equal(t, []string{"cart:*"}, inv.Patterns(ResourceCart, ""))
	assert.Equal(t, []string{`cart:a\*b`}, inv.Patterns(ResourceCart, "a*b"))
	assert.Len(t, inv.Resources(), 7)
	for _, r := range inv.Resources() {
		assert.NotEmpty(t, inv.Patterns(r, "x"), r)
	}
}

type failingStore struct{ *MemoryStore }

func (failingStore) DeletePattern(context.Context, string) (int, error) {
	return 0, errors.New("redis: connection refused")
}

func TestInvalidator_FailuresDoNotSurface(t *testing.T) {
	svc := New(failingStore{NewMemoryStore(MemoryConfig{})}, TTLs{}, zaptest.NewLogger(t))
	inv := NewInvalidator(svc, nil, zaptest.NewLogger(t))
	assert.Equal(t, 0, inv.InvalidateOnMutation(context.Background(), ResourceOrder, "O1"))
	assert.Equal(t, 0, inv.InvalidateOnMutation(context.Background(), Resource("unknown"), "x"))
}
