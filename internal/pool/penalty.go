package pool

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Границы штрафа по умолчанию.
const (
	DefaultPenaltyMin = 10 * time.Second
	DefaultPenaltyMax = 30 * time.Second
)

// PenaltyCache — локальный для процесса кэш коротких штрафов.
//
// Штраф понижает аккаунт, который только что оказался занят, в ранжировании.
// Кэш не авторитетен: его потеря ухудшает только равномерность выбора.
type PenaltyCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]time.Time
	min     time.Duration
	max     time.Duration
	now     func() time.Time
}

// NewPenaltyCache создаёт кэш со штрафом случайной длины из [min, max].
func NewPenaltyCache(min, max time.Duration, now func() time.Time) *PenaltyCache {
	if min <= 0 {
		min = DefaultPenaltyMin
	}
	if max < min {
		max = min
	}
	if now == nil {
		now = time.Now
	}
	return &PenaltyCache{
		entries: make(map[uuid.UUID]time.Time),
		min:     min,
		max:     max,
		now:     now,
	}
}

// Penalize штрафует аккаунт.
func (c *PenaltyCache) Penalize(id uuid.UUID) {
	d := c.min
	if span := c.max - c.min; span > 0 {
		d += rand.N(span)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = c.now().Add(d)
}

// Penalty возвращает 1 для оштрафованного аккаунта и 0 иначе.
func (c *PenaltyCache) Penalty(id uuid.UUID) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.entries[id]
	if !ok {
		return 0
	}
	if !until.After(c.now()) {
		delete(c.entries, id)
		return 0
	}
	return 1
}
