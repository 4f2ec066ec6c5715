package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/flowgate/internal/logger"
	"go.uber.org/zap"
)

const (
	keyPrefix       = "flowgate:lock:"
	releaseTimeout  = 2 * time.Second
	defaultTTL      = 30 * time.Second
	retryInterval   = 25 * time.Millisecond
	maxRetryBackoff = 250 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX. The TTL bounds how long a crashed
// holder can block a key.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis returns a Redis-backed locker. ttl <= 0 uses 30s.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Lock polls until key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	k := keyPrefix + key

	backoff := retryInterval
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock: redis setnx %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-timer.C:
		}
		if backoff < maxRetryBackoff {
			backoff *= 2
		}
	}

	return func() { r.release(k, token) }, nil
}

// release runs on a fresh context: the caller's may already be done. A
// failed release leaves the key blocked until its TTL runs out.
func (r *Redis) release(k, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	n, err := releaseScript.Run(ctx, r.client, []string{k}, token).Int()
	if err != nil {
		logger.Warn("lock release failed", zap.String("key", k), zap.Duration("ttl", r.ttl), zap.Error(err))
		return
	}
	if n == 0 {
		logger.Warn("lock expired before release", zap.String("key", k), zap.Duration("ttl", r.ttl))
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("lock: generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
