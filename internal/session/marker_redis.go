package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisMarker struct {
	client *redis.Client
	key    string
}

func newRedisMarker(dsn, scope string) *redisMarker {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		opts = &redis.Options{Addr: dsn}
	}
	return &redisMarker{
		client: redis.NewClient(opts),
		key:    "watchlistd:forced_logout:" + scope,
	}
}

func (s *redisMarker) Set(ctx context.Context) error {
	// An existing marker already means the same thing.
	return s.client.SetNX(ctx, s.key, time.Now().UTC().Format(time.RFC3339), 0).Err()
}

func (s *redisMarker) Consume(ctx context.Context) (bool, error) {
	err := s.client.GetDel(ctx, s.key).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisMarker) Clear(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
