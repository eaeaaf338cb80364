package pool

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
)

// EligibleFilter — параметры выборки окна кандидатов.
type EligibleFilter struct {
	Mode  domain.AccountMode
	Now   time.Time
	Limit int

	// Exclude — аккаунты, которые уже пробовали.
	Exclude []uuid.UUID

	// After — курсор round-robin: только id > After в порядке id.
	// uuid.Nil — окно в порядке LRU.
	After uuid.UUID
}

// AccountSource — хранилище аккаунтов, которым пользуется пул.
//
// Реализуется repo.AccountRepo.
type AccountSource interface {
	// ListEligible возвращает окно подходящих аккаунтов.
	ListEligible(ctx context.Context, f EligibleFilter) ([]*domain.Account, error)

	// TouchLastUsed обновляет last_used_at вне каких-либо блокировок.
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error

	// SetCooldown выводит аккаунт из ротации до until.
	SetCooldown(ctx context.Context, id uuid.UUID, until time.Time, reason domain.CooldownReason, failCount int) error

	// ResetFailCount обнуляет счётчик подряд идущих ошибок.
	ResetFailCount(ctx context.Context, id uuid.UUID) error

	// Disable отключает аккаунт навсегда.
	Disable(ctx context.Context, id uuid.UUID, reason string) error
}
