package proxyhealth

import (
	"context"
	"sync"
	"time"

	"github.com/shaiso/Fanout/internal/telemetry"
)

// MemoryTracker — Tracker в памяти процесса.
type MemoryTracker struct {
	mu    sync.Mutex
	cfg   Config
	now   func() time.Time
	state map[string]*memState
}

type memState struct {
	ok, errs      int64
	cooldownUntil time.Time
	gap           time.Duration
	nextSlot      time.Time
}

// NewMemoryTracker создаёт новый MemoryTracker. now == nil означает time.Now.
func NewMemoryTracker(cfg Config, now func() time.Time) *MemoryTracker {
	if now == nil {
		now = time.Now
	}
	return &MemoryTracker{
		cfg:   cfg.withDefaults(),
		now:   now,
		state: make(map[string]*memState),
	}
}

func (t *MemoryTracker) get(key string) *memState {
	s, ok := t.state[key]
	if !ok {
		s = &memState{}
		t.state[key] = s
	}
	return s
}

// Snapshot возвращает состояние набора прокси.
func (t *MemoryTracker) Snapshot(_ context.Context, keys []string) (map[string]Health, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make(map[string]Health, len(keys))
	for _, k := range keys {
		h := Health{Key: k}
		if s, ok := t.state[k]; ok {
			h.OK, h.Errors, h.Gap = s.ok, s.errs, s.gap
			if s.cooldownUntil.After(now) {
				h.CooldownUntil = s.cooldownUntil
			}
		}
		out[k] = h
	}
	return out, nil
}

// RecordSuccess увеличивает ok и ослабляет интервал.
func (t *MemoryTracker) RecordSuccess(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(key)
	s.ok++
	s.gap = relax(s.gap, t.cfg)
	return nil
}

// RecordError увеличивает err.
func (t *MemoryTracker) RecordError(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.get(key).errs++
	return nil
}

// SetCooldown ставит прокси на cooldown, не укорачивая текущий.
func (t *MemoryTracker) SetCooldown(_ context.Context, key string, d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	until := t.now().Add(d)
	s := t.get(key)
	if until.After(s.cooldownUntil) {
		s.cooldownUntil = until
		telemetry.ProxyCooldowns.Inc()
	}
	return nil
}

// Tighten удваивает интервал.
func (t *MemoryTracker) Tighten(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(key)
	s.gap = tighten(s.gap, t.cfg)
	return nil
}

// Allow занимает слот вызова.
func (t *MemoryTracker) Allow(_ context.Context, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.get(key)
	if s.gap <= 0 {
		return true, nil
	}
	now := t.now()
	if now.Before(s.nextSlot) {
		return false, nil
	}
	s.nextSlot = now.Add(s.gap)
	return true, nil
}
