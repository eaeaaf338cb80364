package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/repo"
)

// SubjectStore — хранилище заказов и квот. Реализуется repo.SubjectRepo.
type SubjectStore interface {
	ListDueOrders(ctx context.Context, now time.Time, limit int) ([]repo.DueSubject, error)
	ListDueQuotas(ctx context.Context, now time.Time, limit int) ([]repo.DueSubject, error)

	// UpdateSchedule сохраняет субъект при неизменном next_run_at.
	UpdateSchedule(ctx context.Context, subj domain.Subject, prevNextRun *time.Time) (bool, error)

	// DeferNextRun переносит только next_run_at при неизменном prevNextRun.
	DeferNextRun(ctx context.Context, kind domain.SubjectKind, id uuid.UUID, prevNextRun *time.Time, next time.Time) (bool, error)

	ListExpiredQuotaWindows(ctx context.Context, now time.Time, limit int) ([]*domain.Quota, error)
	RenewQuotaWindow(ctx context.Context, q *domain.Quota, prevEndsAt time.Time) (bool, error)
}

// UnsubscribeStore — хранилище отложенных отписок. Реализуется repo.UnsubscribeRepo.
type UnsubscribeStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.UnsubscribeTask, error)
	Update(ctx context.Context, u *domain.UnsubscribeTask) error

	// Defer переносит due_at pending-отписки при неизменном prevDueAt.
	Defer(ctx context.Context, id uuid.UUID, prevDueAt, dueAt, now time.Time) (bool, error)
}

// TaskStore — хранилище задач. Реализуется repo.TaskRepo.
type TaskStore interface {
	// CreateForSubject создаёт task и сохраняет субъект атомарно;
	// repo.ErrStale, если next_run_at субъекта уже изменился.
	CreateForSubject(ctx context.Context, t *domain.Task, subj domain.Subject, prevNextRun *time.Time) error

	// CreateForUnsubscribe создаёт task и переводит отписку в processing;
	// repo.ErrStale, если отписка уже не pending.
	CreateForUnsubscribe(ctx context.Context, t *domain.Task, u *domain.UnsubscribeTask) error

	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	Lease(ctx context.Context, now time.Time, ttl time.Duration, limit int) ([]*domain.Task, error)
	MarkPending(ctx context.Context, id uuid.UUID, until time.Time, result *domain.ExecResult) (bool, error)
	Finalize(ctx context.Context, id uuid.UUID, apply repo.FinalizeFunc) (bool, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Task, error)
}

// CursorStore хранит курсоры round-robin. Реализуется repo.CursorRepo.
type CursorStore interface {
	Get(ctx context.Context, name string) (uuid.UUID, error)
	Set(ctx context.Context, name string, id uuid.UUID) error
}

// Notifier сообщает воркерам о новой задаче. Реализуется mq.Publisher.
type Notifier interface {
	PublishTaskReady(ctx context.Context, taskID uuid.UUID) error
}

// PostLister отдаёт id последних постов канала. Реализуется inspect.Service.
type PostLister interface {
	RecentPosts(ctx context.Context, channel domain.LinkDescriptor, limit int) ([]int64, error)
}
