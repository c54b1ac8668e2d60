package sweeper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const leaderLockKey = "studioledger:sweep:leader"

// Only the token holder may delete the key, so a slow sweep never
// releases a lock re-acquired by another instance.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// leaderLock elects a single sweeping instance. The sweep itself is
// idempotent, so losing the election only skips a redundant run.
type leaderLock struct {
	client *redis.Client
	ttl    time.Duration
}

func newLeaderLock(client *redis.Client, ttl time.Duration) *leaderLock {
	if client == nil {
		return nil
	}
	return &leaderLock{client: client, ttl: ttl}
}

// Acquire tries to take the leader key. It returns the release token on
// success and an empty string when another instance holds the lock.
func (l *leaderLock) Acquire(ctx context.Context) (string, error) {
	if l == nil {
		return "", nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, leaderLockKey, token, l.ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

func (l *leaderLock) Release(ctx context.Context, token string) error {
	if l == nil || token == "" {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{leaderLockKey}, token).Err()
}
