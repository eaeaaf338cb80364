package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// lockPollInterval — шаг ожидания занятой блокировки.
const lockPollInterval = 100 * time.Millisecond

// ExecLocker — короткая распределённая блокировка исполнения на аккаунт.
//
// Сериализует использование нативного клиента одного аккаунта между процессами.
type ExecLocker interface {
	// Acquire ждёт блокировку не дольше wait. ok == false — аккаунт занят.
	// release снимает блокировку, только если она ещё наша.
	Acquire(ctx context.Context, accountID uuid.UUID, ttl, wait time.Duration) (release func(), ok bool, err error)
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker — ExecLocker на SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
}

// NewRedisLocker создаёт новый RedisLocker.
func NewRedisLocker(client redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: client}
}

func execLockKey(id uuid.UUID) string {
	return "exec:{" + id.String() + "}:lock"
}

// Acquire берёт блокировку с ожиданием.
func (l *RedisLocker) Acquire(ctx context.Context, accountID uuid.UUID, ttl, wait time.Duration) (func(), bool, error) {
	key := execLockKey(accountID)
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("acquire exec lock: %w", err)
		}
		if ok {
			release := func() {
				// контекст вызова мог уже истечь
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = releaseLockScript.Run(rctx, l.client, []string{key}, token).Err()
			}
			return release, true, nil
		}
		if !time.Now().Add(lockPollInterval).Before(deadline) {
			return nil, false, nil
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// MemoryLocker — ExecLocker в памяти процесса.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[uuid.UUID]memLock
	now   func() time.Time
	nextN uint64
}

type memLock struct {
	n       uint64
	expires time.Time
}

// NewMemoryLocker создаёт новый MemoryLocker.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{held: make(map[uuid.UUID]memLock), now: now}
}

func (l *MemoryLocker) tryAcquire(id uuid.UUID, ttl time.Duration) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[id]; ok && cur.expires.After(now) {
		return 0, false
	}
	l.nextN++
	l.held[id] = memLock{n: l.nextN, expires: now.Add(ttl)}
	return l.nextN, true
}

// Acquire берёт блокировку с ожиданием.
func (l *MemoryLocker) Acquire(ctx context.Context, accountID uuid.UUID, ttl, wait time.Duration) (func(), bool, error) {
	deadline := time.Now().Add(wait)
	for {
		if n, ok := l.tryAcquire(accountID, ttl); ok {
			release := func() {
				l.mu.Lock()
				defer l.mu.Unlock()
				if cur, ok := l.held[accountID]; ok && cur.n == n {
					delete(l.held, accountID)
				}
			}
			return release, true, nil
		}
		if !time.Now().Add(lockPollInterval).Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// IsLockTimeout сообщает, что ожидание блокировки прервано контекстом.
func IsLockTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
