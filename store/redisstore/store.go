// Package redisstore keeps used payment-proof signatures in Redis so that
// several agent processes share one replay-protection set.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	x402 "github.com/kamiyo-ai/x402-go"
)

// DefaultKey is the sorted set holding used signatures.
const DefaultKey = "x402:used_signatures"

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	Key      string `yaml:"key"`
}

// Store implements x402.SignatureStore on a Redis sorted set. Members are
// signatures, scores are the first-seen time in unix milliseconds.
type Store struct {
	rdb *redis.Client
	key string
}

var _ x402.SignatureStore = (*Store)(nil)

// Connect parses cfg.URL, pings the server and returns a store.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(rdb, cfg.Key), nil
}

// New wraps an existing client. An empty key uses DefaultKey.
func New(rdb *redis.Client, key string) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{rdb: rdb, key: key}
}

// MarkUsed adds sig unless it is already present.
func (s *Store) MarkUsed(ctx context.Context, sig string, at time.Time) (bool, error) {
	added, err := s.rdb.ZAddNX(ctx, s.key, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: sig,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("zadd failed: %w", err)
	}
	return added == 1, nil
}

// Sweep removes signatures first seen before cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	// "(" makes the upper bound exclusive.
	upper := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	removed, err := s.rdb.ZRemRangeByScore(ctx, s.key, "-inf", upper).Result()
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore failed: %w", err)
	}
	return int(removed), nil
}

// Len returns the number of remembered signatures.
func (s *Store) Len(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(n), nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}
