package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/proxyhealth"
	"github.com/shaiso/Fanout/internal/telemetry"
)

// CallFunc — вызов, выполняемый от имени выбранного аккаунта.
type CallFunc func(ctx context.Context, acc *domain.Account) error

// Run выполняет fn на аккаунтах пула, пока вызов не удастся.
//
// Возвращает аккаунт, на котором вызов прошёл. Ошибки:
//   - ErrDeadlineExceeded — истёк общий дедлайн
//   - ErrNoCandidates, ErrAllProxiesCooling — кандидаты кончились
//   - ErrAttemptsExhausted — исчерпан MaxTries
//   - *FloodWaitError, ErrRejected — вызов прерван без перебора аккаунтов
func (p *Pool) Run(ctx context.Context, mode domain.AccountMode, fn CallFunc) (*domain.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	q := Query{
		Mode:            mode,
		ExcludeAccounts: make(map[uuid.UUID]struct{}),
		ExcludeProxies:  make(map[string]struct{}),
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxTries; attempt++ {
		if ctx.Err() != nil {
			return nil, p.deadlineErr(mode, lastErr)
		}

		acc, err := p.SelectCandidate(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, p.deadlineErr(mode, lastErr)
			}
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return nil, err
		}
		q.ExcludeAccounts[acc.ID] = struct{}{}

		logger := telemetry.WithAccountID(p.logger, acc.ID).With("attempt", attempt, "mode", mode)
		proxyKey := acc.ProxyKey()

		release, ok, err := p.locker.Acquire(ctx, acc.ID, p.execLockTTL, p.execLockWait)
		if err != nil {
			if IsLockTimeout(err) {
				return nil, p.deadlineErr(mode, lastErr)
			}
			lastErr = err
			logger.Warn("exec lock failed", "error", err)
			continue
		}
		if !ok {
			p.penalties.Penalize(acc.ID)
			logger.Debug("account busy, penalized")
			continue
		}

		allowed, err := p.health.Allow(ctx, proxyKey)
		if err != nil {
			logger.Warn("proxy throttle check failed", "proxy_key", proxyKey, "error", err)
			allowed = true
		}
		if !allowed {
			release()
			q.ExcludeProxies[proxyKey] = struct{}{}
			logger.Debug("proxy throttled, excluded", "proxy_key", proxyKey)
			continue
		}

		if err := p.source.TouchLastUsed(ctx, acc.ID, p.now()); err != nil {
			logger.Debug("touch last_used_at failed", "error", err)
		}

		callErr := fn(ctx, acc)
		release()

		if errors.Is(callErr, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, p.deadlineErr(mode, callErr)
		}

		// дедлайн цикла мог истечь, учёт пишется с отдельным контекстом
		bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		class := p.Report(bctx, acc, callErr)
		bcancel()

		switch class {
		case ClassOK:
			return acc, nil
		case ClassFlood, ClassRejected:
			return nil, callErr
		case ClassProxy:
			q.ExcludeProxies[proxyKey] = struct{}{}
		}
		lastErr = callErr
	}

	telemetry.PoolSelections.WithLabelValues(string(mode), "exhausted").Inc()
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttemptsExhausted, lastErr)
	}
	return nil, ErrAttemptsExhausted
}

func (p *Pool) deadlineErr(mode domain.AccountMode, lastErr error) error {
	telemetry.PoolSelections.WithLabelValues(string(mode), "deadline").Inc()
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, lastErr)
	}
	return ErrDeadlineExceeded
}

// Report классифицирует исход вызова и применяет его к аккаунту и прокси:
//   - ok: успех прокси, сброс fail_count
//   - flood: cooldown аккаунта wait + jitter, ужесточение интервала прокси
//   - auth: аккаунт отключается
//   - proxy: ошибка и cooldown прокси
//   - transient: ошибка прокси, ступенчатый cooldown аккаунта
//   - rejected: ничего не меняется
//
// Ошибки учёта логируются и не прерывают вызывающего.
func (p *Pool) Report(ctx context.Context, acc *domain.Account, callErr error) Class {
	class := Classify(callErr)
	logger := telemetry.WithAccountID(p.logger, acc.ID)
	proxyKey := acc.ProxyKey()

	switch class {
	case ClassOK:
		if err := p.health.RecordSuccess(ctx, proxyKey); err != nil {
			logger.Warn("record proxy success failed", "proxy_key", proxyKey, "error", err)
		}
		if acc.FailCount > 0 {
			if err := p.source.ResetFailCount(ctx, acc.ID); err != nil {
				logger.Warn("reset fail count failed", "error", err)
			}
		}

	case ClassFlood:
		wait, _ := FloodWait(callErr)
		if p.floodJitter > 0 {
			wait += rand.N(p.floodJitter)
		}
		until := p.now().Add(wait)
		if err := p.source.SetCooldown(ctx, acc.ID, until, domain.CooldownReasonFloodWait, acc.FailCount); err != nil {
			logger.Error("set flood cooldown failed", "error", err)
		}
		if err := p.health.Tighten(ctx, proxyKey); err != nil {
			logger.Warn("tighten proxy gap failed", "proxy_key", proxyKey, "error", err)
		}
		telemetry.AccountEvents.WithLabelValues("cooldown", string(domain.CooldownReasonFloodWait)).Inc()
		logger.Warn("account flood wait", "until", until, "proxy_key", proxyKey)

	case ClassAuth:
		if err := p.source.Disable(ctx, acc.ID, callErr.Error()); err != nil {
			logger.Error("disable account failed", "error", err)
		}
		telemetry.AccountEvents.WithLabelValues("disabled", "auth").Inc()
		logger.Warn("account disabled", "error", callErr)

	case ClassProxy:
		if err := p.health.RecordError(ctx, proxyKey); err != nil {
			logger.Warn("record proxy error failed", "proxy_key", proxyKey, "error", err)
		}
		if err := p.health.SetCooldown(ctx, proxyKey, p.proxyCooldown); err != nil {
			logger.Warn("set proxy cooldown failed", "proxy_key", proxyKey, "error", err)
		}
		logger.Warn("proxy unavailable", "proxy_key", proxyKey, "error", callErr)

	case ClassTransient:
		failCount := acc.FailCount + 1
		until := p.now().Add(TransientCooldown(failCount))
		if err := p.health.RecordError(ctx, proxyKey); err != nil {
			logger.Warn("record proxy error failed", "proxy_key", proxyKey, "error", err)
		}
		if err := p.source.SetCooldown(ctx, acc.ID, until, domain.CooldownReasonTransient, failCount); err != nil {
			logger.Error("set transient cooldown failed", "error", err)
		}
		telemetry.AccountEvents.WithLabelValues("cooldown", string(domain.CooldownReasonTransient)).Inc()
		logger.Warn("account transient failure", "fail_count", failCount, "until", until, "error", callErr)
	}

	return class
}

// Locker возвращает блокировку исполнения пула.
func (p *Pool) Locker() ExecLocker {
	return p.locker
}

// ExecLock берёт блокировку исполнения аккаунта с параметрами пула.
func (p *Pool) ExecLock(ctx context.Context, accountID uuid.UUID) (func(), bool, error) {
	return p.locker.Acquire(ctx, accountID, p.execLockTTL, p.execLockWait)
}

// Health возвращает трекер здоровья прокси.
func (p *Pool) Health() proxyhealth.Tracker {
	return p.health
}
