package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes real execution per idempotency key: two attempts with
// the same key must not both produce an external effect.
type Locker interface {
	// Acquire takes the lock for key or fails immediately if it is held.
	// The returned release function is idempotent. A ttl of zero or less
	// leaves the implementation's default; lockers without expiry ignore
	// it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// ErrLockHeld is wrapped into Acquire failures when the key is busy.
var ErrLockHeld = fmt.Errorf("execution lock held")

// MemoryLocker serializes within one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]bool)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	_ = ctx
	_ = ttl // in-process locks live until released
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}
	l.held[key] = true

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}
	return release, nil
}

// RedisLocker serializes across processes with SET NX and a token-checked
// release, for deployments where more than one engine instance can reach
// the same ledger.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a locker on the given client. The TTL bounds how
// long a crashed holder can block others.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "warrant:exec-lock:"}
}

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	redisKey := l.prefix + key
	if ttl <= 0 {
		ttl = l.ttl
	}

	ok, err := l.client.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			_, _ = releaseScript.Run(context.Background(), l.client, []string{redisKey}, token).Result()
		})
	}
	return release, nil
}
