package caching

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ServerVisibilityCacheName = "server_visibility"
	UserVisibilityCacheName   = "user_visibility"
)

// NewVisibilityCaches creates the bounded in-memory LRU caches for
// visibility decisions. The capacities bound memory use; eviction of a
// live entry only costs a recomputation.
func NewVisibilityCaches(serverCapacity, userCapacity int, enablePrometheus bool) (*Caches, error) {
	serverVisibility, err := newLRUCachePartition[ServerStateKey, bool](
		ServerVisibilityCacheName, false, serverCapacity, enablePrometheus,
	)
	if err != nil {
		return nil, err
	}
	userVisibility, err := newLRUCachePartition[UserStateKey, bool](
		UserVisibilityCacheName, false, userCapacity, enablePrometheus,
	)
	if err != nil {
		return nil, err
	}
	return &Caches{
		ServerVisibility: serverVisibility,
		UserVisibility:   userVisibility,
	}, nil
}

type lruCachePartition[K keyable, V any] struct {
	name    string
	mutable bool
	lru     *lru.Cache[K, V]
}

func newLRUCachePartition[K keyable, V any](name string, mutable bool, capacity int, enablePrometheus bool) (*lruCachePartition[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("cache %q: capacity must be positive", name)
	}
	cache, err := lru.New[K, V](capacity)
	if err != nil {
		return nil, err
	}
	partition := &lruCachePartition[K, V]{
		name:    name,
		mutable: mutable,
		lru:     cache,
	}
	if enablePrometheus {
		promauto.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "conduwuit",
			Subsystem: "caching_lru",
			Name:      name,
		}, func() float64 {
			return float64(cache.Len())
		})
	}
	return partition, nil
}

func (c *lruCachePartition[K, V]) Get(key K) (value V, ok bool) {
	return c.lru.Get(key)
}

func (c *lruCachePartition[K, V]) Set(key K, value V) {
	if !c.mutable {
		if peeked, ok := c.lru.Peek(key); ok && !sameAsAny(peeked, value) {
			panic(fmt.Sprintf("invalid use of immutable cache %q tries to change value of %v from %v to %v", c.name, key, peeked, value))
		}
	}
	c.lru.Add(key, value)
}

func (c *lruCachePartition[K, V]) Unset(key K) {
	if !c.mutable {
		panic(fmt.Sprintf("invalid use of immutable cache %q tries to unset value of %v", c.name, key))
	}
	c.lru.Remove(key)
}

func (c *lruCachePartition[K, V]) Purge() {
	c.lru.Purge()
}

func sameAsAny(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
