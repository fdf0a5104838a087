// Package lock provides mutual exclusion for singleton jobs: a Redis
// RedLock implementation for multi-process deployments and an in-process one.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/pj-transfer-core/internal/port"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("lock")

// RedisLocker is a port.Locker backed by redsync.
type RedisLocker struct {
	rs     *redsync.Redsync
	logger *zap.Logger
}

// NewRedisLocker creates a locker on client.
func NewRedisLocker(client goredislib.UniversalClient, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		logger: logger,
	}
}

// TryLock makes a single acquisition attempt. A lock held elsewhere yields
// acquired=false with no error.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (port.Lease, bool, error) {
	ctx, span := tracer.Start(ctx, "RedisLocker.TryLock")
	defer span.End()

	mutex := l.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			l.logger.Debug("lock already held by another process", zap.String("lock_key", key))
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", key, err)
	}

	l.logger.Debug("lock acquired", zap.String("lock_key", key))
	return &redisLease{mutex: mutex, key: key}, true, nil
}

type redisLease struct {
	mutex *redsync.Mutex
	key   string
}

// Extend resets the expiry to the ttl the lock was taken with. It only
// succeeds while the stored token is still ours.
func (le *redisLease) Extend(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "RedisLocker.Extend")
	defer span.End()

	ok, err := le.mutex.ExtendContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", le.key, err)
	}
	if !ok {
		return fmt.Errorf("lock %s was lost before it could be extended", le.key)
	}
	return nil
}

func (le *redisLease) Unlock(ctx context.Context) error {
	ok, err := le.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", le.key, err)
	}
	if !ok {
		return fmt.Errorf("lock %s was not held or already expired", le.key)
	}
	return nil
}

// isContention separates "someone else holds it" from transport failures.
func isContention(err error) bool {
	msg := err.Error()
	return errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock")
}
