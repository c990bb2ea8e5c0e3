package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned by TryLock when another holder owns the lock.
var ErrLocked = errors.New("lock is already held")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// RefreshLockKey is the lock guarding guide refreshes of one playlist across processes.
func RefreshLockKey(playlistID string) string {
	return "lock:guide-refresh:" + playlistID
}

// TryLock acquires the lock named key with SET NX EX. The returned unlock
// releases it only while this holder's token is still stored.
func TryLock(ctx context.Context, r *Redis, key string, ttl time.Duration) (unlock func(), err error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	ok, err := r.client.SetNX(ctx, Key(key), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return func() {
		// The caller's context may already be cancelled at this point.
		_ = r.client.Eval(context.Background(), unlockScript, []string{Key(key)}, token).Err()
	}, nil
}

// IsLocked reports whether the lock key currently exists.
func IsLocked(ctx context.Context, r *Redis, key string) bool {
	n, _ := r.client.Exists(ctx, Key(key)).Result()
	return n > 0
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
