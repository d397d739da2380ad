package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// failScript records a failure in a sorted set scored by time in
// milliseconds, trimming entries outside the window.
var failScript = redis.NewScript(`
	local key = KEYS[1]
	local counter_key = KEYS[2]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local window_ms = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local counter = redis.call('INCR', counter_key)
	redis.call('ZADD', key, now, now .. ':' .. counter)
	redis.call('PEXPIRE', key, window_ms)
	redis.call('PEXPIRE', counter_key, window_ms)
	return redis.call('ZCARD', key)
`)

// redisLockout is an AttemptLimiter shared across server replicas.
type redisLockout struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	window      time.Duration
}

// NewRedisAttemptLimiter connects to redisURL and verifies it answers PING.
func NewRedisAttemptLimiter(ctx context.Context, redisURL string, maxAttempts int, window time.Duration) (AttemptLimiter, *redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisLockout{
		client:      client,
		prefix:      "sharenest:pin:",
		maxAttempts: maxAttempts,
		window:      window,
	}, client, nil
}

func (l *redisLockout) Blocked(ctx context.Context, key string) (bool, error) {
	start := time.Now().Add(-l.window).UnixMilli()
	n, err := l.client.ZCount(ctx, l.prefix+key, "("+strconv.FormatInt(start, 10), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("count attempts: %w", err)
	}
	return int(n) >= l.maxAttempts, nil
}

func (l *redisLockout) Fail(ctx context.Context, key string) error {
	now := time.Now()
	redisKey := l.prefix + key
	err := failScript.Run(ctx, l.client, []string{redisKey, redisKey + ":counter"},
		now.UnixMilli(),
		now.Add(-l.window).UnixMilli(),
		l.window.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (l *redisLockout) Reset(ctx context.Context, key string) error {
	redisKey := l.prefix + key
	if err := l.client.Del(ctx, redisKey, redisKey+":counter").Err(); err != nil {
		return fmt.Errorf("reset attempts: %w", err)
	}
	return nil
}
