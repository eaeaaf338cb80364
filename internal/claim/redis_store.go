package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript: KEYS = lock, cooldown, dedupe, linkstate, cap;
// ARGV = token, lock ttl (ms), gate, cap limit.
var reserveScript = redis.NewScript(`
local gate = ARGV[3]
if gate == 'subscribe' then
  if redis.call('GET', KEYS[4]) == 'subscribed' then
    return 'state_already_subscribed'
  end
elseif gate == 'unsubscribe' then
  if redis.call('GET', KEYS[4]) ~= 'subscribed' then
    return 'state_not_subscribed'
  end
elseif gate == 'dedupe' then
  if redis.call('EXISTS', KEYS[3]) == 1 then
    return 'dedupe'
  end
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return 'cooldown'
end
local limit = tonumber(ARGV[4])
if limit > 0 and tonumber(redis.call('GET', KEYS[5]) or '0') >= limit then
  return 'cap_reached'
end
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 'locked'
end
return 'ok'
`)

// commitScript: KEYS = lock, cooldown, cap, dedupe, linkstate;
// ARGV = token, cooldown (s), cap limit, cap ttl (s), dedupe ttl (s),
// linkstate ttl (s), new state, dedupe flag.
var commitScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
  return 'no_lock'
end
local cd = tonumber(ARGV[2])
if cd > 0 then
  redis.call('SET', KEYS[2], '1', 'EX', cd)
end
local limit = tonumber(ARGV[3])
if limit > 0 then
  local n = redis.call('INCR', KEYS[3])
  if n == 1 then
    redis.call('EXPIRE', KEYS[3], tonumber(ARGV[4]))
  end
  if n > limit then
    redis.call('DECR', KEYS[3])
    if cd > 0 then
      redis.call('DEL', KEYS[2])
    end
    redis.call('DEL', KEYS[1])
    return 'cap_exceeded'
  end
end
if ARGV[7] ~= '' then
  redis.call('SET', KEYS[5], ARGV[7], 'EX', tonumber(ARGV[6]))
end
if ARGV[8] == '1' then
  redis.call('SET', KEYS[4], '1', 'EX', tonumber(ARGV[5]))
end
redis.call('DEL', KEYS[1])
return 'ok'
`)

// releaseScript: KEYS = lock; ARGV = token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// extendScript: KEYS = lock; ARGV = token, ttl (ms).
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore — Store поверх Redis Lua-скриптов.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore создаёт новый RedisStore.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve выполняет reserveScript.
func (s *RedisStore) Reserve(ctx context.Context, args ReserveArgs) (Outcome, error) {
	reply, err := reserveScript.Run(ctx, s.client,
		[]string{args.Keys.Lock, args.Keys.Cooldown, args.Keys.Dedupe, args.Keys.LinkState, args.Keys.Cap},
		args.Token, args.LockTTL.Milliseconds(), string(args.Gate), args.CapLimit,
	).Text()
	if err != nil {
		return "", fmt.Errorf("reserve script: %w", err)
	}
	return parseOutcome(reply)
}

// Commit выполняет commitScript.
func (s *RedisStore) Commit(ctx context.Context, args CommitArgs) (Outcome, error) {
	dedupe := "0"
	if args.Dedupe {
		dedupe = "1"
	}
	reply, err := commitScript.Run(ctx, s.client,
		[]string{args.Keys.Lock, args.Keys.Cooldown, args.Keys.Cap, args.Keys.Dedupe, args.Keys.LinkState},
		args.Token,
		seconds(args.Cooldown),
		args.CapLimit,
		seconds(args.CapTTL),
		seconds(args.DedupeTTL),
		seconds(args.LinkStateTTL),
		string(args.NewState),
		dedupe,
	).Text()
	if err != nil {
		return "", fmt.Errorf("commit script: %w", err)
	}
	return parseOutcome(reply)
}

// Release выполняет releaseScript.
func (s *RedisStore) Release(ctx context.Context, lockKey, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockKey}, token).Err(); err != nil {
		return fmt.Errorf("release script: %w", err)
	}
	return nil
}

// Extend выполняет extendScript.
func (s *RedisStore) Extend(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client, []string{lockKey}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend script: %w", err)
	}
	return n == 1, nil
}

// seconds округляет длительность вверх до целых секунд.
func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}
