package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const replayPrefix = "fidelya:webhook:seen:"

// ReplayFilter remembers events already applied so provider redeliveries
// skip the store. The state machine stays the correctness guard.
type ReplayFilter interface {
	// MarkSeen reports true the first time key is marked within the TTL.
	MarkSeen(ctx context.Context, key string) (bool, error)
	// Forget drops key so a failed event can be applied on redelivery.
	Forget(ctx context.Context, key string) error
}

type RedisReplayFilter struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisReplayFilter(client redis.UniversalClient, ttl time.Duration) *RedisReplayFilter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisReplayFilter{client: client, ttl: ttl}
}

func (f *RedisReplayFilter) MarkSeen(ctx context.Context, key string) (bool, error) {
	ok, err := f.client.SetNX(ctx, replayPrefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark webhook event: %w", err)
	}
	return ok, nil
}

func (f *RedisReplayFilter) Forget(ctx context.Context, key string) error {
	if err := f.client.Del(ctx, replayPrefix+key).Err(); err != nil {
		return fmt.Errorf("forget webhook event: %w", err)
	}
	return nil
}

type noopReplayFilter struct{}

func (noopReplayFilter) MarkSeen(context.Context, string) (bool, error) { return true, nil }
func (noopReplayFilter) Forget(context.Context, string) error           { return nil }

// replayKey identifies an event by what it reports, so the same status for
// the same message is applied once.
func replayKey(ev Event) string {
	sum := sha256.Sum256([]byte(ev.Provider + "|" + ev.MessageID + "|" + ev.DeliveryID + "|" + string(ev.Status) + "|" + ev.RawStatus))
	return ev.Provider + ":" + hex.EncodeToString(sum[:12])
}
