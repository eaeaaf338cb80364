package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Fanout/internal/domain"
)

// Gate — какую проверку делает Reserve перед блокировкой.
type Gate string

const (
	GateNone        Gate = "none"
	GateDedupe      Gate = "dedupe"
	GateSubscribe   Gate = "subscribe"
	GateUnsubscribe Gate = "unsubscribe"
)

// Store — атомарные примитивы общего хранилища координации.
//
// Каждый метод — одна неделимая операция: другой процесс не может увидеть
// частично применённое изменение.
type Store interface {
	Reserve(ctx context.Context, args ReserveArgs) (Outcome, error)
	Commit(ctx context.Context, args CommitArgs) (Outcome, error)
	// Release снимает блокировку, только если она принадлежит token.
	Release(ctx context.Context, lockKey, token string) error
	// Extend продлевает блокировку, только если она принадлежит token.
	Extend(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
}

// ReserveArgs — аргументы атомарного Reserve.
type ReserveArgs struct {
	Keys    Keys
	Token   string
	LockTTL time.Duration
	Gate    Gate
	// CapLimit — дневной лимит; 0 — без проверки.
	CapLimit int
}

// CommitArgs — аргументы атомарного Commit.
type CommitArgs struct {
	Keys         Keys
	Token        string
	Cooldown     time.Duration
	CapLimit     int
	CapTTL       time.Duration
	DedupeTTL    time.Duration
	LinkStateTTL time.Duration
	// NewState — состояние связи после действия; пусто для не-stateful.
	NewState domain.LinkState
	// Dedupe — писать ли dedupe-флаг.
	Dedupe bool
}

// Keys — ключи одной резервации.
type Keys struct {
	Lock      string
	Cooldown  string
	Cap       string
	Dedupe    string
	LinkState string
}

// keysFor строит ключи для (аккаунт, действие, ссылка, локальная дата).
func keysFor(accountID uuid.UUID, action domain.Action, linkHash string, day time.Time) Keys {
	tag := "claim:{" + accountID.String() + "}"
	return Keys{
		Lock:      fmt.Sprintf("%s:lock:%s", tag, action),
		Cooldown:  fmt.Sprintf("%s:cd:%s", tag, action),
		Cap:       fmt.Sprintf("%s:cap:%s:%s", tag, action, day.Format("20060102")),
		Dedupe:    fmt.Sprintf("%s:dd:%s:%s", tag, action, linkHash),
		LinkState: fmt.Sprintf("%s:ls:%s", tag, linkHash),
	}
}

// untilMidnight возвращает время до следующей локальной полуночи (не меньше секунды).
func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	ttl := next.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
