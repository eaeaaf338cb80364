package proxyhealth

import (
	"context"
	"time"
)

// Значения по умолчанию.
const (
	DefaultGapMin   = 500 * time.Millisecond
	DefaultGapMax   = 30 * time.Second
	DefaultStatsTTL = 24 * time.Hour
)

// Config — параметры трекера.
type Config struct {
	// GapMin — первый шаг интервала после flood-wait.
	GapMin time.Duration

	// GapMax — верхняя граница интервала.
	GapMax time.Duration

	// StatsTTL — сколько хранить счётчики без новых событий.
	StatsTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.GapMin <= 0 {
		c.GapMin = DefaultGapMin
	}
	if c.GapMax < c.GapMin {
		c.GapMax = DefaultGapMax
		if c.GapMax < c.GapMin {
			c.GapMax = c.GapMin
		}
	}
	if c.StatsTTL <= 0 {
		c.StatsTTL = DefaultStatsTTL
	}
	return c
}

// Health — снимок состояния одного прокси.
type Health struct {
	Key           string
	OK            int64
	Errors        int64
	CooldownUntil time.Time
	Gap           time.Duration
}

// InCooldown возвращает true, если прокси на cooldown в момент now.
func (h Health) InCooldown(now time.Time) bool {
	return !h.CooldownUntil.IsZero() && h.CooldownUntil.After(now)
}

// Score — оценка Лапласа доли успехов, в диапазоне (0, 1).
// Прокси без истории получает 0.5.
func Score(h Health) float64 {
	return float64(h.OK+1) / float64(h.OK+h.Errors+2)
}

// Tracker — хранилище здоровья прокси.
type Tracker interface {
	// Snapshot возвращает состояние для набора ключей. Отсутствующие ключи
	// получают нулевой Health с заполненным Key.
	Snapshot(ctx context.Context, keys []string) (map[string]Health, error)

	// RecordSuccess учитывает успешный вызов и ослабляет интервал.
	RecordSuccess(ctx context.Context, key string) error

	// RecordError учитывает инфраструктурную ошибку.
	RecordError(ctx context.Context, key string) error

	// SetCooldown выводит прокси из ротации на d.
	SetCooldown(ctx context.Context, key string, d time.Duration) error

	// Tighten удваивает минимальный интервал (от GapMin до GapMax).
	Tighten(ctx context.Context, key string) error

	// Allow занимает слот вызова через прокси. false — интервал ещё не прошёл.
	Allow(ctx context.Context, key string) (bool, error)
}

func tighten(gap time.Duration, cfg Config) time.Duration {
	if gap < cfg.GapMin {
		return cfg.GapMin
	}
	gap *= 2
	if gap > cfg.GapMax {
		gap = cfg.GapMax
	}
	return gap
}

func relax(gap time.Duration, cfg Config) time.Duration {
	gap /= 2
	if gap < cfg.GapMin {
		return 0
	}
	return gap
}
