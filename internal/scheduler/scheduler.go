package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/shaiso/Fanout/internal/claim"
	"github.com/shaiso/Fanout/internal/completion"
	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/pool"
)

// Значения по умолчанию.
const (
	DefaultLeaseTTL               = 60 * time.Second
	DefaultPendingTTL             = 30 * time.Minute
	DefaultMaxAttempts            = 5
	DefaultStaleGrace             = time.Minute
	DefaultSubjectBatch           = 100
	DefaultMaxTasksPerTick        = 200
	DefaultMaxAccountTries        = 5
	DefaultSnapshotMaxAge         = 10 * time.Minute
	DefaultUnsubscribeMaxAttempts = 5
)

// Config — конфигурация Scheduler.
type Config struct {
	Subjects     SubjectStore
	Unsubscribes UnsubscribeStore
	Tasks        TaskStore
	Cursors      CursorStore

	Claim      *claim.Protocol
	Pool       *pool.Pool
	Completion *completion.Service
	Policies   domain.PolicyProvider

	// Posts — источник постов для ротации квот (опционально).
	Posts PostLister

	// Notifier — публикация task.ready (опционально).
	Notifier Notifier

	// Location — часовой пояс cron-выражений.
	Location *time.Location

	LeaseTTL    time.Duration // аренда task'а воркером (default: 60s)
	PendingTTL  time.Duration // ожидание асинхронного результата (default: 30m)
	MaxAttempts int           // максимум выдач task'а (default: 5)
	StaleGrace  time.Duration // запас перед признанием pending просроченным (default: 1m)

	SubjectBatch    int           // субъектов за одну выборку (default: 100)
	MaxTasksPerTick int           // задач за один тик (default: 200)
	MaxAccountTries int           // Reserve на субъект за тик (default: 5)
	SnapshotMaxAge  time.Duration // возраст снимка постов квоты (default: 10m)

	// UnsubscribeMaxAttempts — после стольких неудач отписка становится failed.
	UnsubscribeMaxAttempts int

	Now    func() time.Time
	Logger *slog.Logger
}

// Scheduler генерирует задачи, выдаёт их воркерам и применяет результаты.
type Scheduler struct {
	subjects     SubjectStore
	unsubscribes UnsubscribeStore
	tasks        TaskStore
	cursors      CursorStore

	claim      *claim.Protocol
	pool       *pool.Pool
	completion *completion.Service
	policies   domain.PolicyProvider
	posts      PostLister
	notifier   Notifier
	loc        *time.Location

	leaseTTL        time.Duration
	pendingTTL      time.Duration
	maxAttempts     int
	staleGrace      time.Duration
	subjectBatch    int
	maxTasksPerTick int
	maxAccountTries int
	snapshotMaxAge  time.Duration
	unsubMaxTries   int

	now    func() time.Time
	logger *slog.Logger
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Completion == nil {
		cfg.Completion = completion.New(completion.Config{})
	}
	if cfg.Policies == nil {
		cfg.Policies = domain.DefaultPolicies()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.StaleGrace < 0 {
		cfg.StaleGrace = 0
	} else if cfg.StaleGrace == 0 {
		cfg.StaleGrace = DefaultStaleGrace
	}
	if cfg.SubjectBatch <= 0 {
		cfg.SubjectBatch = DefaultSubjectBatch
	}
	if cfg.MaxTasksPerTick <= 0 {
		cfg.MaxTasksPerTick = DefaultMaxTasksPerTick
	}
	if cfg.MaxAccountTries <= 0 {
		cfg.MaxAccountTries = DefaultMaxAccountTries
	}
	if cfg.SnapshotMaxAge <= 0 {
		cfg.SnapshotMaxAge = DefaultSnapshotMaxAge
	}
	if cfg.UnsubscribeMaxAttempts <= 0 {
		cfg.UnsubscribeMaxAttempts = DefaultUnsubscribeMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		subjects:        cfg.Subjects,
		unsubscribes:    cfg.Unsubscribes,
		tasks:           cfg.Tasks,
		cursors:         cfg.Cursors,
		claim:           cfg.Claim,
		pool:            cfg.Pool,
		completion:      cfg.Completion,
		policies:        cfg.Policies,
		posts:           cfg.Posts,
		notifier:        cfg.Notifier,
		loc:             cfg.Location,
		leaseTTL:        cfg.LeaseTTL,
		pendingTTL:      cfg.PendingTTL,
		maxAttempts:     cfg.MaxAttempts,
		staleGrace:      cfg.StaleGrace,
		subjectBatch:    cfg.SubjectBatch,
		maxTasksPerTick: cfg.MaxTasksPerTick,
		maxAccountTries: cfg.MaxAccountTries,
		snapshotMaxAge:  cfg.SnapshotMaxAge,
		unsubMaxTries:   cfg.UnsubscribeMaxAttempts,
		now:             cfg.Now,
		logger:          cfg.Logger,
	}
}

// Tick выполняет один тик генерации.
//
// Вызывается во всех процессах планировщика: повторная генерация для
// одного слота субъекта отсекается условной записью.
func (s *Scheduler) Tick(ctx context.Context) error {
	stats, err := s.GenerateTasks(ctx, s.maxTasksPerTick)
	if err != nil {
		return err
	}
	if stats.Total() > 0 {
		s.logger.Info("scheduler tick completed",
			"orders", stats.Orders,
			"unsubscribes", stats.Unsubscribes,
			"quotas", stats.Quotas,
		)
	}
	return nil
}

// Maintain выполняет обслуживание: просроченные pending-задачи и окна квот.
//
// Вызывается только лидером (pg_try_advisory_lock в main.go).
// Ошибка одной части не блокирует другую.
func (s *Scheduler) Maintain(ctx context.Context) error {
	reaped, reapErr := s.ReapStalePending(ctx)
	renewed, renewErr := s.RenewQuotaWindows(ctx)

	if reaped > 0 || renewed > 0 {
		s.logger.Info("maintenance completed", "reaped", reaped, "windows_renewed", renewed)
	}
	if reapErr != nil {
		return reapErr
	}
	return renewErr
}
