package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const minCounterWindow = time.Second

// RedisCounterStore implements CounterStore on Redis so every replica shares one count per
// (scope, subject). The window starts with the first event and is not extended by later ones.
type RedisCounterStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisCounterStore(client redis.UniversalClient, prefix string) *RedisCounterStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "payout:counter"
	}
	return &RedisCounterStore{client: client, prefix: prefix}
}

func (r *RedisCounterStore) Increment(ctx context.Context, scope, subject string, window time.Duration) (int, time.Duration, error) {
	key, err := counterKey(r.prefix, scope, subject)
	if err != nil {
		return 0, 0, err
	}
	if window < minCounterWindow {
		window = minCounterWindow
	}

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Opens the window only when the key does not exist yet.
		pipe.SetNX(ctx, key, 0, window)
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return int(incr.Val()), remainingWindow(ttl.Val(), window), nil
}

func counterKey(prefix, scope, subject string) (string, error) {
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return "", fmt.Errorf("counter scope and subject are required")
	}
	return prefix + ":" + scope + ":" + subject, nil
}

// remainingWindow maps PTTL's negative sentinels (no key, no expiry) to a full window.
func remainingWindow(ttl, window time.Duration) time.Duration {
	if ttl <= 0 {
		return window
	}
	return ttl
}
