package anilist

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache stores raw GraphQL response bodies keyed by request.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
}

type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 256
	}
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.lru.Get(key)
	return v, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, val []byte) error {
	c.lru.Add(key, val)
	return nil
}

func (c *MemoryCache) Len() int { return c.lru.Len() }

type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{Client: redis.NewClient(opt), TTL: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.Client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, val []byte) error {
	return c.Client.Set(ctx, key, val, c.TTL).Err()
}

func (c *RedisCache) Close() error { return c.Client.Close() }

// Tiered reads through layers in order and backfills the faster layers on
// a hit further down. A failing layer is treated as a miss.
type Tiered struct {
	Layers []Cache
	// OnError observes layer failures; nil ignores them.
	OnError func(op string, err error)
}

func NewTiered(layers ...Cache) *Tiered {
	return &Tiered{Layers: layers}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	for i, l := range t.Layers {
		val, ok, err := l.Get(ctx, key)
		if err != nil {
			t.report("get", err)
			continue
		}
		if !ok {
			continue
		}
		for j := 0; j < i; j++ {
			if err := t.Layers[j].Set(ctx, key, val); err != nil {
				t.report("backfill", err)
			}
		}
		return val, true, nil
	}
	return nil, false, nil
}

func (t *Tiered) Set(ctx context.Context, key string, val []byte) error {
	for _, l := range t.Layers {
		if err := l.Set(ctx, key, val); err != nil {
			t.report("set", err)
		}
	}
	return nil
}

func (t *Tiered) report(op string, err error) {
	if t.OnError != nil {
		t.OnError(op, err)
	}
}
