package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/telemetry"
)

// DefaultLockTTL — время жизни блокировки резервации по умолчанию.
const DefaultLockTTL = 120 * time.Second

// Config — конфигурация Protocol.
type Config struct {
	// Store — атомарное хранилище координации.
	Store Store

	// Policies — источник политик действий.
	Policies domain.PolicyProvider

	// LockTTL — время жизни блокировки резервации.
	LockTTL time.Duration

	// Location — часовой пояс для границы суток дневного лимита.
	Location *time.Location

	// Now — источник времени (для тестов).
	Now func() time.Time

	// Logger — логгер.
	Logger *slog.Logger
}

// Protocol — двухфазный протокол захвата аккаунта.
type Protocol struct {
	store    Store
	policies domain.PolicyProvider
	lockTTL  time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// New создаёт новый Protocol.
func New(cfg Config) *Protocol {
	if cfg.Policies == nil {
		cfg.Policies = domain.DefaultPolicies()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Protocol{
		store:    cfg.Store,
		policies: cfg.Policies,
		lockTTL:  cfg.LockTTL,
		loc:      cfg.Location,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
}

// Reservation — захват (аккаунт, действие, ссылка) под один task.
type Reservation struct {
	AccountID uuid.UUID
	Action    domain.Action
	LinkHash  string

	// Token — fencing-токен, обычно ID task'а.
	Token string

	// Policy — снимок политики; nil означает текущую политику из Policies.
	Policy *domain.RateLimitPolicy
}

// LockTTL возвращает время жизни блокировки резервации.
func (p *Protocol) LockTTL() time.Duration {
	return p.lockTTL
}

func (p *Protocol) policyFor(res Reservation) (domain.RateLimitPolicy, error) {
	if res.Policy != nil {
		return *res.Policy, nil
	}
	return p.policies.Policy(res.Action)
}

func (p *Protocol) keys(res Reservation) Keys {
	return keysFor(res.AccountID, res.Action, res.LinkHash, p.now().In(p.loc))
}

func gateFor(action domain.Action, policy domain.RateLimitPolicy) Gate {
	switch {
	case action == domain.ActionSubscribe:
		return GateSubscribe
	case action == domain.ActionUnsubscribe:
		return GateUnsubscribe
	case policy.DedupePerLink:
		return GateDedupe
	default:
		return GateNone
	}
}

// Reserve фиксирует намерение выполнить действие.
//
// Отказ (locked, cooldown, dedupe, cap_reached, конфликт состояния связи)
// возвращается как Outcome без ошибки. Меняется только блокировка.
func (p *Protocol) Reserve(ctx context.Context, res Reservation) (Outcome, error) {
	if res.Token == "" {
		return "", ErrEmptyToken
	}
	policy, err := p.policyFor(res)
	if err != nil {
		return "", err
	}

	args := ReserveArgs{
		Keys:    p.keys(res),
		Token:   res.Token,
		LockTTL: p.lockTTL,
		Gate:    gateFor(res.Action, policy),
	}
	if policy.Capped() {
		args.CapLimit = policy.DailyCap
	}
	out, err := p.store.Reserve(ctx, args)
	if err != nil {
		return "", fmt.Errorf("reserve %s for account %s: %w", res.Action, res.AccountID, err)
	}

	telemetry.ClaimOutcomes.WithLabelValues("reserve", string(res.Action), string(out)).Inc()
	p.logger.Debug("claim reserve",
		"account_id", res.AccountID,
		"action", res.Action,
		"link_hash", res.LinkHash,
		"outcome", out,
	)
	return out, nil
}

// Commit подтверждает успешно выполненное действие и потребляет ресурсы:
// cooldown, дневной лимит, состояние связи или dedupe-флаг.
//
// no_lock означает, что резервация истекла или принадлежит другому токену.
// cap_exceeded означает, что лимит исчерпан параллельно: cooldown и
// инкремент откатываются, блокировка снимается.
func (p *Protocol) Commit(ctx context.Context, res Reservation) (Outcome, error) {
	if res.Token == "" {
		return "", ErrEmptyToken
	}
	policy, err := p.policyFor(res)
	if err != nil {
		return "", err
	}

	now := p.now().In(p.loc)
	args := CommitArgs{
		Keys:     keysFor(res.AccountID, res.Action, res.LinkHash, now),
		Token:    res.Token,
		Cooldown: policy.Cooldown(),
	}
	if policy.Capped() {
		args.CapLimit = policy.DailyCap
		args.CapTTL = untilMidnight(now)
	}
	if res.Action.IsStateful() {
		args.NewState = res.Action.TargetLinkState()
		args.LinkStateTTL = domain.LinkStateTTL
	} else if policy.DedupePerLink {
		args.Dedupe = true
		args.DedupeTTL = domain.DedupeTTL
	}

	out, err := p.store.Commit(ctx, args)
	if err != nil {
		return "", fmt.Errorf("commit %s for account %s: %w", res.Action, res.AccountID, err)
	}

	telemetry.ClaimOutcomes.WithLabelValues("commit", string(res.Action), string(out)).Inc()
	if !out.OK() {
		p.logger.Warn("claim commit rejected",
			"account_id", res.AccountID,
			"action", res.Action,
			"link_hash", res.LinkHash,
			"outcome", out,
		)
	}
	return out, nil
}

// RollbackReserve снимает блокировку резервации. Идемпотентна:
// повторный вызов или вызов с чужим токеном ничего не меняет.
func (p *Protocol) RollbackReserve(ctx context.Context, res Reservation) error {
	if res.Token == "" {
		return ErrEmptyToken
	}
	if err := p.store.Release(ctx, p.keys(res).Lock, res.Token); err != nil {
		return fmt.Errorf("rollback %s for account %s: %w", res.Action, res.AccountID, err)
	}
	telemetry.ClaimOutcomes.WithLabelValues("rollback", string(res.Action), string(OutcomeOK)).Inc()
	return nil
}

// Extend продлевает блокировку на ttl (LockTTL при ttl <= 0).
// Возвращает false, если блокировки нет или она принадлежит другому токену.
func (p *Protocol) Extend(ctx context.Context, res Reservation, ttl time.Duration) (bool, error) {
	if res.Token == "" {
		return false, ErrEmptyToken
	}
	if ttl <= 0 {
		ttl = p.lockTTL
	}
	ok, err := p.store.Extend(ctx, p.keys(res).Lock, res.Token, ttl)
	if err != nil {
		return false, fmt.Errorf("extend %s for account %s: %w", res.Action, res.AccountID, err)
	}
	out := OutcomeOK
	if !ok {
		out = OutcomeNoLock
	}
	telemetry.ClaimOutcomes.WithLabelValues("extend", string(res.Action), string(out)).Inc()
	return ok, nil
}

// ReservationFor строит Reservation для task'а: токен — ID task'а,
// политика — снимок из payload.
func ReservationFor(t *domain.Task) Reservation {
	policy := t.Payload.Policy
	return Reservation{
		AccountID: t.AccountID,
		Action:    t.Action,
		LinkHash:  t.LinkHash,
		Token:     t.ID.String(),
		Policy:    &policy,
	}
}
