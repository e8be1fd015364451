// Package cache provides an optional read-scaling layer in front of
// Registry.SystemHistory: a local TTL cache
// backed by github.com/patrickmn/go-cache, with an optional
// github.com/redis/go-redis/v9 tier for sharing hits across coordinator
// instances that sit in front of the same on-disk registry store.
//
// Grounded on the teacher's l1_cache/cache packages, which layer a local
// cache in front of a shared remote one the same way.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache is the interface Registry's optional query cache speaks. Get
// returns (value, true) on a hit; Set stores raw bytes the caller has
// already serialized.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}

// Local is an in-process TTL cache with no cross-instance sharing.
type Local struct {
	c *gocache.Cache
}

// NewLocal builds a Local cache with the given default TTL and cleanup
// interval.
func NewLocal(defaultTTL, cleanupInterval time.Duration) *Local {
	return &Local{c: gocache.New(defaultTTL, cleanupInterval)}
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	l.c.Set(key, value, ttl)
}

// Distributed layers Local reads in front of a shared Redis tier: a local
// hit avoids a Redis round-trip, and a value any coordinator instance has
// stored in Redis is a hit for every other instance sharing the same
// keyspace, sparing them the registry scan.
type Distributed struct {
	local *Local
	rdb   *redis.Client
}

// NewDistributed wraps an existing *redis.Client with a small local tier.
func NewDistributed(rdb *redis.Client, localTTL, cleanupInterval time.Duration) *Distributed {
	return &Distributed{local: NewLocal(localTTL, cleanupInterval), rdb: rdb}
}

func (d *Distributed) Get(ctx context.Context, key string) ([]byte, bool) {
	if b, ok := d.local.Get(ctx, key); ok {
		return b, true
	}
	b, err := d.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	d.local.Set(ctx, key, b, 0)
	return b, true
}

func (d *Distributed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	d.local.Set(ctx, key, value, ttl)
	d.rdb.Set(ctx, key, value, ttl)
}
