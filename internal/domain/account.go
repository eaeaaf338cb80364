package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// CooldownReason — причина, по которой аккаунт временно выведен из ротации.
type CooldownReason string

const (
	CooldownReasonFloodWait CooldownReason = "flood_wait"
	CooldownReasonTransient CooldownReason = "transient"
	CooldownReasonManual    CooldownReason = "manual"
)

// Account — автоматизационный аккаунт.
//
// Аккаунты никогда не удаляются в штатной работе. Отключение (DisabledAt)
// — терминальное мягкое состояние: такой аккаунт больше не выбирается.
type Account struct {
	// ID — уникальный идентификатор аккаунта.
	ID uuid.UUID `json:"id"`

	// Phone — идентичность аккаунта на целевой платформе.
	Phone string `json:"phone"`

	// CanInspect — аккаунт допускается к лёгким inspect-вызовам.
	CanInspect bool `json:"can_inspect"`

	// CanHeavy — аккаунт допускается к тяжёлым вызовам (действиям).
	CanHeavy bool `json:"can_heavy"`

	// IsActive — флаг активности.
	IsActive bool `json:"is_active"`

	// DisabledAt — отметка перманентного бана.
	DisabledAt *time.Time `json:"disabled_at,omitempty"`

	// DisabledReason — текст ошибки, из-за которой аккаунт отключён.
	DisabledReason string `json:"disabled_reason,omitempty"`

	// CooldownUntil — аккаунт не выбирается до этого времени.
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`

	// CooldownReason — причина последнего cooldown.
	CooldownReason CooldownReason `json:"cooldown_reason,omitempty"`

	// FailCount — число подряд идущих инфраструктурных ошибок.
	FailCount int `json:"fail_count"`

	// LastUsedAt — время последнего выбора (best-effort, для LRU).
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	// Proxy — сетевой выход аккаунта.
	Proxy ProxyConfig `json:"proxy"`

	// HeavyUsed — сколько тяжёлых вызовов сделано в текущие сутки.
	HeavyUsed int `json:"heavy_used"`

	// HeavyDailyLimit — дневной лимит тяжёлых вызовов (0 — без лимита).
	HeavyDailyLimit int `json:"heavy_daily_limit"`

	// HeavyResetAt — когда счётчик HeavyUsed обнуляется.
	HeavyResetAt *time.Time `json:"heavy_reset_at,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`
}

// IsDisabled возвращает true, если аккаунт перманентно отключён.
func (a *Account) IsDisabled() bool {
	return a.DisabledAt != nil
}

// InCooldown проверяет, находится ли аккаунт в cooldown на момент now.
func (a *Account) InCooldown(now time.Time) bool {
	return a.CooldownUntil != nil && a.CooldownUntil.After(now)
}

// HasHeavyHeadroom проверяет, остался ли дневной запас тяжёлых вызовов.
func (a *Account) HasHeavyHeadroom(now time.Time) bool {
	if a.HeavyDailyLimit <= 0 {
		return true
	}
	if a.HeavyResetAt == nil || !a.HeavyResetAt.After(now) {
		return true
	}
	return a.HeavyUsed < a.HeavyDailyLimit
}

// Eligible проверяет, может ли аккаунт быть выбран для режима mode.
func (a *Account) Eligible(mode AccountMode, now time.Time) bool {
	if !a.IsActive || a.IsDisabled() || a.InCooldown(now) {
		return false
	}
	switch mode {
	case ModeInspect:
		return a.CanInspect
	case ModeHeavy:
		return a.CanHeavy && a.HasHeavyHeadroom(now)
	default:
		return false
	}
}

// ProxyKey возвращает ключ сетевой идентичности аккаунта.
func (a *Account) ProxyKey() string {
	return a.Proxy.Key()
}

// ProxyConfig — конфигурация прокси аккаунта.
type ProxyConfig struct {
	Type     string `json:"type,omitempty"` // socks5, http, mtproto
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// DirectProxyKey — ключ для аккаунтов без прокси.
const DirectProxyKey = "direct"

// Key возвращает канонический ключ egress-идентичности.
//
// Формат: "type://host:port#digest", где digest — короткий blake3-хэш учётных
// данных: два аккаунта с одним host:port, но разными логинами у резидентных
// провайдеров получают разные выходы.
func (p ProxyConfig) Key() string {
	if p.Host == "" {
		return DirectProxyKey
	}
	typ := strings.ToLower(strings.TrimSpace(p.Type))
	if typ == "" {
		typ = "socks5"
	}
	key := fmt.Sprintf("%s://%s:%d", typ, strings.ToLower(strings.TrimSpace(p.Host)), p.Port)
	if p.Username == "" && p.Password == "" {
		return key
	}
	sum := blake3.Sum256([]byte(p.Username + "\x00" + p.Password))
	return key + "#" + hex.EncodeToString(sum[:4])
}
