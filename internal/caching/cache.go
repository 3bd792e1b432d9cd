// Package caching provides the concurrent, LRU-bounded caches shared
// across the engine: the frame materialization cache, the auth-chain cache
// and the key-store cache, each a generic RistrettoCachePartition wrapper
// composed into a Caches struct of named partitions.
package caching

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/prometheus/client_golang/prometheus"
)

// DataUnit is a byte-size budget for a cache partition's max cost.
type DataUnit int64

const (
	MetricsEnabled  = true
	DisableMetrics  = false
)

// RistrettoCachePartition is a typed wrapper over a shared ristretto.Cache,
// namespaced by a key prefix so several logical caches can share one
// underlying cost budget.
type RistrettoCachePartition[K comparable, V any] struct {
	cache     *ristretto.Cache
	prefix    string
	maxAge    time.Duration
	hits      prometheus.Counter
	misses    prometheus.Counter
}

func newPartition[K comparable, V any](cache *ristretto.Cache, prefix string, maxAge time.Duration, metrics bool) *RistrettoCachePartition[K, V] {
	p := &RistrettoCachePartition[K, V]{cache: cache, prefix: prefix, maxAge: maxAge}
	if metrics {
		p.hits = prometheus.NewCounter(prometheus.CounterOpts{Name: "palpo_cache_hits_total", ConstLabels: prometheus.Labels{"cache": prefix}})
		p.misses = prometheus.NewCounter(prometheus.CounterOpts{Name: "palpo_cache_misses_total", ConstLabels: prometheus.Labels{"cache": prefix}})
	}
	return p
}

type partitionEntry[V any] struct {
	value V
}

func (p *RistrettoCachePartition[K, V]) key(k K) string {
	// Ristretto accepts any comparable key via its internal hashing, but
	// namespacing by prefix avoids cross-partition collisions when
	// several partitions share one *ristretto.Cache instance.
	return p.prefix + ":" + toCacheKeyString(k)
}

func (p *RistrettoCachePartition[K, V]) Get(k K) (V, bool) {
	var zero V
	v, ok := p.cache.Get(p.key(k))
	if !ok {
		if p.misses != nil {
			p.misses.Inc()
		}
		return zero, false
	}
	if p.hits != nil {
		p.hits.Inc()
	}
	entry, ok := v.(partitionEntry[V])
	if !ok {
		return zero, false
	}
	return entry.value, true
}

func (p *RistrettoCachePartition[K, V]) Set(k K, v V) {
	cost := int64(1)
	if p.maxAge > 0 {
		p.cache.SetWithTTL(p.key(k), partitionEntry[V]{value: v}, cost, p.maxAge)
	} else {
		p.cache.Set(p.key(k), partitionEntry[V]{value: v}, cost)
	}
}

func (p *RistrettoCachePartition[K, V]) Evict(k K) {
	p.cache.Del(p.key(k))
}

// Caches groups the partitions the room state engine shares across its
// subsystems.
type Caches struct {
	ristretto *ristretto.Cache

	// Frames caches materialized state maps by FrameID.
	Frames *RistrettoCachePartition[int64, map[string]string]
	// AuthChains caches an event's transitive auth closure by EventID.
	AuthChains *RistrettoCachePartition[string, []int64]
	// ServerKeys caches verify keys by "server/key_id". The keyring
	// package keeps its own map and does not read or write this partition.
	ServerKeys *RistrettoCachePartition[string, []byte]
}

// NewRistrettoCache constructs a Caches with a shared ristretto.Cache whose
// cost budget is maxCost (each partition entry costs 1, so this bounds the
// entry count rather than bytes), entries aged out after maxAge (0 disables
// TTL), optionally exporting prometheus hit/miss counters.
func NewRistrettoCache(maxCost DataUnit, maxAge time.Duration, metrics bool) *Caches {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxCost) / 100 * 10, // ~10 counters per expected 100-byte entry
		MaxCost:     int64(maxCost),
		BufferItems: 64,
	})
	if err != nil {
		// ristretto.NewCache only fails on invalid config constants we
		// control above; a panic here means a programming error, not a
		// runtime condition callers should handle.
		panic(err)
	}
	return &Caches{
		ristretto:  cache,
		Frames:     newPartition[int64, map[string]string](cache, "frame", maxAge, metrics),
		AuthChains: newPartition[string, []int64](cache, "authchain", maxAge, metrics),
		ServerKeys: newPartition[string, []byte](cache, "serverkey", maxAge, metrics),
	}
}

// Wait blocks until any pending async ristretto writes have settled, used
// by tests that assert on cache contents immediately after a Set.
func (c *Caches) Wait() {
	c.ristretto.Wait()
}
