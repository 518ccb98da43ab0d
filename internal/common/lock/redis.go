// Package lock provides a Redis lease used to keep scheduled jobs to one
// instance per slot.
package lock

import (
	"context"
	"fmt"
	"time"

	apperrors "fidelya-notifications/internal/common/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "fidelya:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Locker struct {
	client redis.UniversalClient
}

func NewRedisLocker(client redis.UniversalClient) *Locker {
	return &Locker{client: client}
}

// Lease is a held lock. Release only deletes the key if it still belongs to this lease.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Acquire takes key for ttl. A key held elsewhere yields LOCK_NOT_ACQUIRED.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	fullKey := keyPrefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, apperrors.NewLockNotAcquiredError(key)
	}

	return &Lease{client: l.client, key: fullKey, token: token}, nil
}

func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// RunExclusive runs fn while holding key. ran is false when another instance
// holds the lock; that case is not an error.
func (l *Locker) RunExclusive(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	lease, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeLockNotAcquired) {
			return false, nil
		}
		return false, err
	}
	defer func() {
		// ctx may already be cancelled here
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if relErr := lease.Release(releaseCtx); relErr != nil && err == nil {
			err = relErr
		}
	}()

	return true, fn(ctx)
}
