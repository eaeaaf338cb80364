package claim

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Fanout/internal/domain"
)

// harness — Protocol поверх конкретного Store с управляемыми часами.
type harness struct {
	proto   *Protocol
	advance func(d time.Duration)
	exists  func(key string) bool
	counter func(key string) int
	// setCounter выставляет счётчик в обход протокола.
	setCounter func(key string, n int)
}

var start = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

func stores(t *testing.T, policies domain.PolicyTable) map[string]*harness {
	t.Helper()

	out := make(map[string]*harness)

	// Redis (miniredis: настоящие Lua-скрипты)
	{
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		now := start
		out["redis"] = &harness{
			proto: New(Config{
				Store:    NewRedisStore(client),
				Policies: policies,
				Location: time.UTC,
				Now:      func() time.Time { return now },
			}),
			advance: func(d time.Duration) {
				now = now.Add(d)
				mr.FastForward(d)
			},
			exists: mr.Exists,
			counter: func(key string) int {
				if !mr.Exists(key) {
					return 0
				}
				v, err := mr.Get(key)
				require.NoError(t, err)
				n, err := strconv.Atoi(v)
				require.NoError(t, err)
				return n
			},
			setCounter: func(key string, n int) {
				require.NoError(t, mr.Set(key, strconv.Itoa(n)))
			},
		}
	}

	// In-process CAS table
	{
		now := start
		clock := func() time.Time { return now }
		store := NewMemoryStore(clock)
		out["memory"] = &harness{
			proto: New(Config{
				Store:    store,
				Policies: policies,
				Location: time.UTC,
				Now:      clock,
			}),
			advance: func(d time.Duration) { now = now.Add(d) },
			exists:  store.Exists,
			counter: store.Counter,
			setCounter: func(key string, n int) {
				store.mu.Lock()
				defer store.mu.Unlock()
				store.set(key, strconv.Itoa(n), 24*time.Hour)
			},
		}
	}

	return out
}

func reservation(acc uuid.UUID, action domain.Action, link string) Reservation {
	return Reservation{
		AccountID: acc,
		Action:    action,
		LinkHash:  link,
		Token:     uuid.NewString(),
	}
}

func TestCommit_WithoutReserve(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := reservation(uuid.New(), domain.ActionView, "link-1")

			out, err := h.proto.Commit(ctx, res)
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoLock, out)

			keys := keysFor(res.AccountID, res.Action, res.LinkHash, start)
			assert.False(t, h.exists(keys.Cooldown), "cooldown must not be set without reservation")
			assert.False(t, h.exists(keys.Dedupe))
			assert.Zero(t, h.counter(keys.Cap))
		})
	}
}

func TestCommit_ExpiredReservation(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := reservation(uuid.New(), domain.ActionReact, "link-1")

			out, err := h.proto.Reserve(ctx, res)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			h.advance(DefaultLockTTL + time.Second)

			out, err = h.proto.Commit(ctx, res)
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoLock, out)
		})
	}
}

func TestDailyCap_FifthReserveRejected(t *testing.T) {
	policies := domain.DefaultPolicies().Merge(domain.PolicyTable{
		domain.ActionSubscribe: {DailyCap: 4, CooldownSeconds: 120, Stateful: true},
	})

	for name, h := range stores(t, policies) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := uuid.New()
			capKey := keysFor(acc, domain.ActionSubscribe, "", start).Cap

			for i := 0; i < 4; i++ {
				res := reservation(acc, domain.ActionSubscribe, uuid.NewString())

				out, err := h.proto.Reserve(ctx, res)
				require.NoError(t, err)
				require.Equal(t, OutcomeOK, out, "reserve #%d", i+1)
				assert.Equal(t, i, h.counter(capKey), "reserve must not consume cap")

				out, err = h.proto.Commit(ctx, res)
				require.NoError(t, err)
				require.Equal(t, OutcomeOK, out, "commit #%d", i+1)
				assert.Equal(t, i+1, h.counter(capKey))

				h.advance(121 * time.Second)
			}

			fifth := reservation(acc, domain.ActionSubscribe, "fifth")
			out, err := h.proto.Reserve(ctx, fifth)
			require.NoError(t, err)
			assert.Equal(t, OutcomeCapReached, out)
			assert.True(t, out.AccountSpecific())

			keys := keysFor(acc, domain.ActionSubscribe, "fifth", start)
			assert.False(t, h.exists(keys.Lock), "rejected reserve must not take the lock")
			assert.Equal(t, 4, h.counter(capKey))

			// другой аккаунт не затронут
			other := reservation(uuid.New(), domain.ActionSubscribe, "fifth")
			out, err = h.proto.Reserve(ctx, other)
			require.NoError(t, err)
			assert.Equal(t, OutcomeOK, out)
		})
	}
}

func TestDailyCap_CommitRolledBackOnRace(t *testing.T) {
	policies := domain.DefaultPolicies().Merge(domain.PolicyTable{
		domain.ActionSubscribe: {DailyCap: 4, CooldownSeconds: 120, Stateful: true},
	})

	for name, h := range stores(t, policies) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := uuid.New()
			res := reservation(acc, domain.ActionSubscribe, "late")
			keys := keysFor(acc, domain.ActionSubscribe, "late", start)

			h.setCounter(keys.Cap, 3)
			out, err := h.proto.Reserve(ctx, res)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			// лимит добран между Reserve и Commit
			h.setCounter(keys.Cap, 4)

			out, err = h.proto.Commit(ctx, res)
			require.NoError(t, err)
			assert.Equal(t, OutcomeCapExceeded, out)

			assert.Equal(t, 4, h.counter(keys.Cap))
			assert.False(t, h.exists(keys.Lock), "lock must be released")
			assert.False(t, h.exists(keys.Cooldown), "cooldown must be rolled back")
			assert.False(t, h.exists(keys.LinkState), "link state must not transition")
		})
	}
}

func TestDailyCap_UncappedIgnoresCounter(t *testing.T) {
	policies := domain.DefaultPolicies().Merge(domain.PolicyTable{
		domain.ActionView: {CooldownSeconds: 5, DedupePerLink: true},
	})

	for name, h := range stores(t, policies) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := uuid.New()
			res := reservation(acc, domain.ActionView, "v")

			h.setCounter(keysFor(acc, domain.ActionView, "v", start).Cap, 1000)
			out, err := h.proto.Reserve(ctx, res)
			require.NoError(t, err)
			assert.Equal(t, OutcomeOK, out)
		})
	}
}

func TestReserve_DoesNotConsumeCap(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := uuid.New()

			for i := 0; i < 10; i++ {
				res := reservation(acc, domain.ActionComment, "link")
				out, err := h.proto.Reserve(ctx, res)
				require.NoError(t, err)
				require.Equal(t, OutcomeOK, out)
				require.NoError(t, h.proto.RollbackReserve(ctx, res))
			}

			keys := keysFor(acc, domain.ActionComment, "link", start)
			assert.Zero(t, h.counter(keys.Cap))
			assert.False(t, h.exists(keys.Cooldown))
			assert.False(t, h.exists(keys.Dedupe))
		})
	}
}

func TestLinkState_Transitions(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := uuid.New()
			link := "channel-hash"

			// отписка до подписки
			out, err := h.proto.Reserve(ctx, reservation(acc, domain.ActionUnsubscribe, link))
			require.NoError(t, err)
			assert.Equal(t, OutcomeStateNotSubscribed, out)

			sub := reservation(acc, domain.ActionSubscribe, link)
			out, err = h.proto.Reserve(ctx, sub)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)
			out, err = h.proto.Commit(ctx, sub)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			h.advance(5 * time.Minute)

			// повторная подписка до отписки
			out, err = h.proto.Reserve(ctx, reservation(acc, domain.ActionSubscribe, link))
			require.NoError(t, err)
			assert.Equal(t, OutcomeStateAlreadySubscribed, out)

			unsub := reservation(acc, domain.ActionUnsubscribe, link)
			out, err = h.proto.Reserve(ctx, unsub)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)
			out, err = h.proto.Commit(ctx, unsub)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			h.advance(5 * time.Minute)

			out, err = h.proto.Reserve(ctx, reservation(acc, domain.ActionUnsubscribe, link))
			require.NoError(t, err)
			assert.Equal(t, OutcomeStateNotSubscribed, out)

			out, err = h.proto.Reserve(ctx, reservation(acc, domain.ActionSubscribe, link))
			require.NoError(t, err)
			assert.Equal(t, OutcomeOK, out)
		})
	}
}

func TestDedupe_View(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := uuid.New()

			res := reservation(acc, domain.ActionView, "post-1")
			out, err := h.proto.Reserve(ctx, res)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)
			out, err = h.proto.Commit(ctx, res)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			h.advance(time.Minute)

			out, err = h.proto.Reserve(ctx, reservation(acc, domain.ActionView, "post-1"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeDedupe, out)

			// другая ссылка — без ограничений
			out, err = h.proto.Reserve(ctx, reservation(acc, domain.ActionView, "post-2"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeOK, out)

			// другой аккаунт — без ограничений
			out, err = h.proto.Reserve(ctx, reservation(uuid.New(), domain.ActionView, "post-1"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeOK, out)
		})
	}
}

func TestReserve_CooldownAndLock(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := uuid.New()

			first := reservation(acc, domain.ActionComment, "a")
			out, err := h.proto.Reserve(ctx, first)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			// та же пара (аккаунт, действие) занята
			out, err = h.proto.Reserve(ctx, reservation(acc, domain.ActionComment, "b"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeLocked, out)

			out, err = h.proto.Commit(ctx, first)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			out, err = h.proto.Reserve(ctx, reservation(acc, domain.ActionComment, "b"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeCooldown, out)

			h.advance(301 * time.Second)

			out, err = h.proto.Reserve(ctx, reservation(acc, domain.ActionComment, "b"))
			require.NoError(t, err)
			assert.Equal(t, OutcomeOK, out)
		})
	}
}

func TestRollbackReserve_FencedAndIdempotent(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			acc := uuid.New()

			owner := reservation(acc, domain.ActionFollow, "user")
			out, err := h.proto.Reserve(ctx, owner)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			stranger := owner
			stranger.Token = uuid.NewString()
			require.NoError(t, h.proto.RollbackReserve(ctx, stranger))

			lockKey := keysFor(acc, domain.ActionFollow, "user", start).Lock
			assert.True(t, h.exists(lockKey), "foreign token must not release the lock")

			require.NoError(t, h.proto.RollbackReserve(ctx, owner))
			assert.False(t, h.exists(lockKey))
			require.NoError(t, h.proto.RollbackReserve(ctx, owner))

			out, err = h.proto.Commit(ctx, owner)
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoLock, out)
		})
	}
}

func TestCommit_ForeignToken(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner := reservation(uuid.New(), domain.ActionJoin, "group")
			out, err := h.proto.Reserve(ctx, owner)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			stranger := owner
			stranger.Token = uuid.NewString()
			out, err = h.proto.Commit(ctx, stranger)
			require.NoError(t, err)
			assert.Equal(t, OutcomeNoLock, out)

			out, err = h.proto.Commit(ctx, owner)
			require.NoError(t, err)
			assert.Equal(t, OutcomeOK, out)
		})
	}
}

func TestExtend(t *testing.T) {
	for name, h := range stores(t, domain.DefaultPolicies()) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := reservation(uuid.New(), domain.ActionBotStart, "bot")
			out, err := h.proto.Reserve(ctx, res)
			require.NoError(t, err)
			require.Equal(t, OutcomeOK, out)

			h.advance(100 * time.Second)
			ok, err := h.proto.Extend(ctx, res, 0)
			require.NoError(t, err)
			assert.True(t, ok)

			h.advance(100 * time.Second)
			out, err = h.proto.Commit(ctx, res)
			require.NoError(t, err)
			assert.Equal(t, OutcomeOK, out, "extended lock must survive past the original TTL")

			ok, err = h.proto.Extend(ctx, res, 0)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestReserve_EmptyToken(t *testing.T) {
	p := New(Config{Store: NewMemoryStore(nil)})
	_, err := p.Reserve(context.Background(), Reservation{AccountID: uuid.New(), Action: domain.ActionView})
	assert.ErrorIs(t, err, ErrEmptyToken)
}

func TestReservationFor_UsesTaskSnapshot(t *testing.T) {
	task := &domain.Task{
		ID:        uuid.New(),
		AccountID: uuid.New(),
		Action:    domain.ActionReact,
		LinkHash:  "h",
		Payload: domain.TaskPayload{
			Policy: domain.RateLimitPolicy{DailyCap: 1, CooldownSeconds: 1, DedupePerLink: true},
		},
	}

	res := ReservationFor(task)
	assert.Equal(t, task.ID.String(), res.Token)
	require.NotNil(t, res.Policy)
	assert.Equal(t, 1, res.Policy.DailyCap)
}

func TestUntilMidnight(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Hour, untilMidnight(now))

	almost := time.Date(2026, 3, 10, 23, 59, 59, 900, time.UTC)
	assert.Equal(t, time.Second, untilMidnight(almost))
}
