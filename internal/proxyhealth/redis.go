package proxyhealth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Fanout/internal/telemetry"
)

// successScript: KEYS = stats, gap; ARGV = stats ttl (s), gap min (ms).
var successScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'ok', 1)
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
local g = tonumber(redis.call('GET', KEYS[2]) or '0')
if g > 0 then
  g = math.floor(g / 2)
  if g < tonumber(ARGV[2]) then
    redis.call('DEL', KEYS[2])
  else
    redis.call('SET', KEYS[2], g, 'EX', tonumber(ARGV[1]))
  end
end
return 1
`)

// tightenScript: KEYS = gap; ARGV = gap min (ms), gap max (ms), ttl (s).
var tightenScript = redis.NewScript(`
local g = tonumber(redis.call('GET', KEYS[1]) or '0')
local lo = tonumber(ARGV[1])
if g < lo then
  g = lo
else
  g = math.min(g * 2, tonumber(ARGV[2]))
end
redis.call('SET', KEYS[1], g, 'EX', tonumber(ARGV[3]))
return g
`)

// cooldownScript: KEYS = cooldown; ARGV = ttl (ms). Не укорачивает текущий cooldown.
var cooldownScript = redis.NewScript(`
local left = redis.call('PTTL', KEYS[1])
if left < tonumber(ARGV[1]) then
  redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
  return 1
end
return 0
`)

// allowScript: KEYS = gap, gate.
var allowScript = redis.NewScript(`
local g = tonumber(redis.call('GET', KEYS[1]) or '0')
if g <= 0 then
  return 1
end
if redis.call('SET', KEYS[2], '1', 'NX', 'PX', g) then
  return 1
end
return 0
`)

// RedisTracker — Tracker поверх Redis.
//
//	proxy:{key}:stats   hash ok / err, TTL StatsTTL
//	proxy:{key}:cd      cooldown, TTL = длительность cooldown
//	proxy:{key}:gap     минимальный интервал (ms)
//	proxy:{key}:gate    слот вызова, TTL = gap
type RedisTracker struct {
	client redis.UniversalClient
	cfg    Config
	now    func() time.Time
}

// NewRedisTracker создаёт новый RedisTracker.
func NewRedisTracker(client redis.UniversalClient, cfg Config) *RedisTracker {
	return &RedisTracker{
		client: client,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

func redisKey(key, suffix string) string {
	return "proxy:{" + key + "}:" + suffix
}

// Snapshot читает состояние пачки прокси одним pipeline.
func (t *RedisTracker) Snapshot(ctx context.Context, keys []string) (map[string]Health, error) {
	type pending struct {
		stats *redis.SliceCmd
		cd    *redis.DurationCmd
		gap   *redis.StringCmd
	}

	cmds := make(map[string]pending, len(keys))
	_, err := t.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			if _, seen := cmds[k]; seen {
				continue
			}
			cmds[k] = pending{
				stats: p.HMGet(ctx, redisKey(k, "stats"), "ok", "err"),
				cd:    p.PTTL(ctx, redisKey(k, "cd")),
				gap:   p.Get(ctx, redisKey(k, "gap")),
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("proxy snapshot: %w", err)
	}

	now := t.now()
	out := make(map[string]Health, len(cmds))
	for k, c := range cmds {
		h := Health{Key: k}

		if vals, err := c.stats.Result(); err == nil && len(vals) == 2 {
			h.OK = toInt64(vals[0])
			h.Errors = toInt64(vals[1])
		}
		if ttl, err := c.cd.Result(); err == nil && ttl > 0 {
			h.CooldownUntil = now.Add(ttl)
		}
		if ms, err := c.gap.Int64(); err == nil && ms > 0 {
			h.Gap = time.Duration(ms) * time.Millisecond
		}

		out[k] = h
	}
	return out, nil
}

func toInt64(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// RecordSuccess увеличивает ok и ослабляет интервал.
func (t *RedisTracker) RecordSuccess(ctx context.Context, key string) error {
	err := successScript.Run(ctx, t.client,
		[]string{redisKey(key, "stats"), redisKey(key, "gap")},
		int64(t.cfg.StatsTTL.Seconds()), t.cfg.GapMin.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("record proxy success: %w", err)
	}
	return nil
}

// RecordError увеличивает err.
func (t *RedisTracker) RecordError(ctx context.Context, key string) error {
	stats := redisKey(key, "stats")
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, stats, "err", 1)
		p.Expire(ctx, stats, t.cfg.StatsTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record proxy error: %w", err)
	}
	return nil
}

// SetCooldown ставит прокси на cooldown.
func (t *RedisTracker) SetCooldown(ctx context.Context, key string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	n, err := cooldownScript.Run(ctx, t.client, []string{redisKey(key, "cd")}, d.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("set proxy cooldown: %w", err)
	}
	if n == 1 {
		telemetry.ProxyCooldowns.Inc()
	}
	return nil
}

// Tighten удваивает интервал.
func (t *RedisTracker) Tighten(ctx context.Context, key string) error {
	err := tightenScript.Run(ctx, t.client, []string{redisKey(key, "gap")},
		t.cfg.GapMin.Milliseconds(), t.cfg.GapMax.Milliseconds(), int64(t.cfg.StatsTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("tighten proxy gap: %w", err)
	}
	return nil
}

// Allow занимает слот вызова.
func (t *RedisTracker) Allow(ctx context.Context, key string) (bool, error) {
	n, err := allowScript.Run(ctx, t.client, []string{redisKey(key, "gap"), redisKey(key, "gate")}).Int()
	if err != nil {
		return false, fmt.Errorf("proxy allow: %w", err)
	}
	return n == 1, nil
}
