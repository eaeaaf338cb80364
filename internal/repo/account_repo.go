package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/pool"
)

// AccountRepo — репозиторий для работы с accounts.
type AccountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo создаёт новый AccountRepo.
func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

var _ pool.AccountSource = (*AccountRepo)(nil)

const accountColumns = `
	id, phone, can_inspect, can_heavy, is_active, disabled_at, disabled_reason,
	cooldown_until, cooldown_reason, fail_count, last_used_at,
	proxy_type, proxy_host, proxy_port, proxy_username, proxy_password,
	heavy_used, heavy_daily_limit, heavy_reset_at, created_at`

// GetByID возвращает аккаунт по ID.
func (r *AccountRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	acc, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return acc, err
}

// ListEligible возвращает окно подходящих аккаунтов.
//
// Без курсора окно упорядочено по LRU (NULL первыми), затем по id.
// С курсором берутся id > After в порядке id.
func (r *AccountRepo) ListEligible(ctx context.Context, f pool.EligibleFilter) ([]*domain.Account, error) {
	var after *uuid.UUID
	if f.After != uuid.Nil {
		after = &f.After
	}

	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE is_active
		  AND disabled_at IS NULL
		  AND (cooldown_until IS NULL OR cooldown_until <= $1)
		  AND (
		        ($2::text = 'inspect' AND can_inspect)
		     OR ($2::text = 'heavy' AND can_heavy AND (
		            heavy_daily_limit <= 0
		         OR heavy_reset_at IS NULL
		         OR heavy_reset_at <= $1
		         OR heavy_used < heavy_daily_limit))
		  )
		  AND NOT (id = ANY($3::uuid[]))
		  AND ($4::uuid IS NULL OR id > $4::uuid)
		ORDER BY CASE WHEN $4::uuid IS NULL THEN last_used_at END ASC NULLS FIRST, id
		LIMIT $5
	`
	rows, err := r.pool.Query(ctx, query,
		f.Now,
		string(f.Mode),
		uuidStrings(f.Exclude),
		after,
		f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list eligible accounts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

// TouchLastUsed обновляет last_used_at без блокировок.
func (r *AccountRepo) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.pool.Exec(ctx, `UPDATE accounts SET last_used_at = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	return nil
}

// SetCooldown выводит аккаунт из ротации до until. Более поздний
// существующий cooldown не сокращается.
func (r *AccountRepo) SetCooldown(ctx context.Context, id uuid.UUID, until time.Time, reason domain.CooldownReason, failCount int) error {
	query := `
		UPDATE accounts
		SET cooldown_until = GREATEST(COALESCE(cooldown_until, $2), $2),
		    cooldown_reason = $3,
		    fail_count = $4
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, until, string(reason), failCount)
	if err != nil {
		return fmt.Errorf("set account cooldown: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetFailCount обнуляет счётчик подряд идущих ошибок.
func (r *AccountRepo) ResetFailCount(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `UPDATE accounts SET fail_count = 0 WHERE id = $1 AND fail_count <> 0`, id); err != nil {
		return fmt.Errorf("reset fail count: %w", err)
	}
	return nil
}

// Disable отключает аккаунт навсегда. Повторное отключение сохраняет
// исходную отметку и причину.
func (r *AccountRepo) Disable(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE accounts
		SET disabled_at = COALESCE(disabled_at, now()),
		    disabled_reason = COALESCE(disabled_reason, $2)
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, id, nullString(reason))
	if err != nil {
		return fmt.Errorf("disable account: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementHeavyUsage засчитывает тяжёлый вызов. Если сутки счётчика
// закончились, он начинается заново и сбрасывается в resetAt.
func (r *AccountRepo) IncrementHeavyUsage(ctx context.Context, id uuid.UUID, now, resetAt time.Time) error {
	query := `
		UPDATE accounts
		SET heavy_used = CASE
		        WHEN heavy_reset_at IS NULL OR heavy_reset_at <= $2 THEN 1
		        ELSE heavy_used + 1
		    END,
		    heavy_reset_at = CASE
		        WHEN heavy_reset_at IS NULL OR heavy_reset_at <= $2 THEN $3
		        ELSE heavy_reset_at
		    END
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, query, id, now, resetAt); err != nil {
		return fmt.Errorf("increment heavy usage: %w", err)
	}
	return nil
}

// scanAccount сканирует строку в Account.
func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		acc                            domain.Account
		disabledReason, cooldownReason *string
		proxyType, proxyHost           *string
		proxyUsername, proxyPassword   *string
	)
	err := row.Scan(
		&acc.ID,
		&acc.Phone,
		&acc.CanInspect,
		&acc.CanHeavy,
		&acc.IsActive,
		&acc.DisabledAt,
		&disabledReason,
		&acc.CooldownUntil,
		&cooldownReason,
		&acc.FailCount,
		&acc.LastUsedAt,
		&proxyType,
		&proxyHost,
		&acc.Proxy.Port,
		&proxyUsername,
		&proxyPassword,
		&acc.HeavyUsed,
		&acc.HeavyDailyLimit,
		&acc.HeavyResetAt,
		&acc.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	acc.DisabledReason = deref(disabledReason)
	acc.CooldownReason = domain.CooldownReason(deref(cooldownReason))
	acc.Proxy.Type = deref(proxyType)
	acc.Proxy.Host = deref(proxyHost)
	acc.Proxy.Username = deref(proxyUsername)
	acc.Proxy.Password = deref(proxyPassword)
	return &acc, nil
}
