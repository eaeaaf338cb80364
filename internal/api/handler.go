package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/inspect"
	"github.com/shaiso/Fanout/internal/repo"
	"github.com/shaiso/Fanout/internal/scheduler"
)

// TaskReader — чтение задач. Реализуется repo.TaskRepo.
type TaskReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	List(ctx context.Context, f repo.TaskFilter) ([]*domain.Task, error)
}

// UnsubscribeReader — чтение отложенных отписок. Реализуется repo.UnsubscribeRepo.
type UnsubscribeReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.UnsubscribeTask, error)
	List(ctx context.Context, f repo.UnsubscribeFilter) ([]*domain.UnsubscribeTask, error)
}

// SubjectReader — чтение заказов и квот. Реализуется repo.SubjectRepo.
type SubjectReader interface {
	GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetQuota(ctx context.Context, id uuid.UUID) (*domain.Quota, error)
}

// Reporter применяет результат задачи. Реализуется scheduler.Scheduler.
type Reporter interface {
	ReportTaskResult(ctx context.Context, taskID uuid.UUID, result *domain.ExecResult) (scheduler.ReportStatus, error)
}

// LinkInspector разбирает ссылки. Реализуется inspect.Service.
type LinkInspector interface {
	Inspect(ctx context.Context, link string) (*inspect.Result, error)
}

// HealthCheck — проверка зависимости для /healthz.
type HealthCheck func(ctx context.Context) error

// Handler — обработчик API с зависимостями.
type Handler struct {
	tasks        TaskReader
	unsubscribes UnsubscribeReader
	subjects     SubjectReader
	reporter     Reporter
	links        LinkInspector
	checks       map[string]HealthCheck
	logger       *slog.Logger
}

// Config — конфигурация Handler.
type Config struct {
	Tasks        TaskReader
	Unsubscribes UnsubscribeReader
	Subjects     SubjectReader
	Reporter     Reporter

	// Links — разбор ссылок; nil, если inspector не настроен.
	Links LinkInspector

	// Checks — проверки для /healthz по имени зависимости.
	Checks map[string]HealthCheck

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		tasks:        cfg.Tasks,
		unsubscribes: cfg.Unsubscribes,
		subjects:     cfg.Subjects,
		reporter:     cfg.Reporter,
		links:        cfg.Links,
		checks:       cfg.Checks,
		logger:       cfg.Logger,
	}
}
