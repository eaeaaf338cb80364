package domain

import (
	"fmt"
	"time"
)

// Время жизни служебных отметок claim-протокола.
const (
	DedupeTTL    = 30 * 24 * time.Hour
	LinkStateTTL = 90 * 24 * time.Hour
)

// RateLimitPolicy — статическая конфигурация ограничений для одного действия.
type RateLimitPolicy struct {
	// DailyCap — максимум подтверждённых действий на аккаунт в сутки (0 — без лимита).
	DailyCap int `yaml:"daily_cap" json:"daily_cap"`

	// CooldownSeconds — пауза после подтверждённого действия для пары (аккаунт, действие).
	CooldownSeconds int `yaml:"cooldown_seconds" json:"cooldown_seconds"`

	// DedupePerLink — одноразовое действие: не больше одного раза на (ссылка, аккаунт).
	DedupePerLink bool `yaml:"dedupe_per_link" json:"dedupe_per_link"`

	// Stateful — действие меняет состояние связи (subscribe/unsubscribe).
	Stateful bool `yaml:"stateful" json:"stateful"`
}

// Cooldown возвращает cooldown как time.Duration.
func (p RateLimitPolicy) Cooldown() time.Duration {
	return time.Duration(p.CooldownSeconds) * time.Second
}

// Capped возвращает true, если действие ограничено дневной квотой.
func (p RateLimitPolicy) Capped() bool {
	return p.DailyCap > 0
}

// PolicyTable — типизированная таблица политик по действиям.
type PolicyTable map[Action]RateLimitPolicy

// DefaultPolicies возвращает таблицу политик по умолчанию.
func DefaultPolicies() PolicyTable {
	return PolicyTable{
		ActionSubscribe:   {DailyCap: 20, CooldownSeconds: 120, Stateful: true},
		ActionUnsubscribe: {DailyCap: 40, CooldownSeconds: 60, Stateful: true},
		ActionView:        {DailyCap: 500, CooldownSeconds: 5, DedupePerLink: true},
		ActionReact:       {DailyCap: 200, CooldownSeconds: 15, DedupePerLink: true},
		ActionComment:     {DailyCap: 30, CooldownSeconds: 300, DedupePerLink: true},
		ActionFollow:      {DailyCap: 50, CooldownSeconds: 60, DedupePerLink: true},
		ActionJoin:        {DailyCap: 20, CooldownSeconds: 120, DedupePerLink: true},
		ActionBotStart:    {DailyCap: 50, CooldownSeconds: 30, DedupePerLink: true},
		ActionStoryReact:  {DailyCap: 200, CooldownSeconds: 15, DedupePerLink: true},
	}
}

// Merge возвращает копию таблицы, в которой записи overrides заменяют исходные.
func (t PolicyTable) Merge(overrides PolicyTable) PolicyTable {
	out := make(PolicyTable, len(t)+len(overrides))
	for a, p := range t {
		out[a] = p
	}
	for a, p := range overrides {
		out[a] = p
	}
	return out
}

// Validate проверяет таблицу при старте:
//   - политика задана для каждого известного действия
//   - нет неизвестных действий
//   - Stateful только у subscribe/unsubscribe, и наоборот
//   - Stateful и DedupePerLink взаимоисключающие
//   - числовые поля неотрицательные
func (t PolicyTable) Validate() error {
	for a := range t {
		if !a.IsValid() {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidPolicy, a)
		}
	}
	for _, a := range AllActions {
		p, ok := t[a]
		if !ok {
			return fmt.Errorf("%w: missing policy for %s", ErrInvalidPolicy, a)
		}
		if p.DailyCap < 0 || p.CooldownSeconds < 0 {
			return fmt.Errorf("%w: %s: negative limits", ErrInvalidPolicy, a)
		}
		if p.Stateful != a.IsStateful() {
			return fmt.Errorf("%w: %s: stateful=%v does not match action", ErrInvalidPolicy, a, p.Stateful)
		}
		if p.Stateful && p.DedupePerLink {
			return fmt.Errorf("%w: %s: stateful and dedupe are exclusive", ErrInvalidPolicy, a)
		}
	}
	return nil
}

// Policy возвращает политику действия.
func (t PolicyTable) Policy(a Action) (RateLimitPolicy, error) {
	p, ok := t[a]
	if !ok {
		return RateLimitPolicy{}, fmt.Errorf("%w: %s", ErrUnknownAction, a)
	}
	return p, nil
}

// PolicyProvider — источник актуальной политики действия.
//
// Реализуется статической PolicyTable и перезагружаемым config.PolicyRegistry.
type PolicyProvider interface {
	Policy(a Action) (RateLimitPolicy, error)
}
