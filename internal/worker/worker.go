package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/mq"
	"github.com/shaiso/Fanout/internal/pool"
	"github.com/shaiso/Fanout/internal/scheduler"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultConcurrency  = 4
	defaultThrottleWait = 5 * time.Second
	reportTimeout       = 10 * time.Second
)

// TaskSource — сторона планировщика. Реализуется *scheduler.Scheduler.
type TaskSource interface {
	LeaseTasksForWorker(ctx context.Context, limit int) ([]*domain.Task, error)
	ReportTaskResult(ctx context.Context, taskID uuid.UUID, result *domain.ExecResult) (scheduler.ReportStatus, error)
}

// AccountStore — чтение аккаунта задачи и учёт тяжёлых вызовов.
// Реализуется repo.AccountRepo.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementHeavyUsage(ctx context.Context, id uuid.UUID, now, resetAt time.Time) error
}

// Worker берёт задачи в аренду и исполняет их от имени зарезервированного аккаунта.
//
// Задачи выдаёт планировщик (LeaseTasksForWorker), поэтому воркеров может
// быть сколько угодно. Событие tasks.ready только будит цикл аренды,
// без него задачи подбираются по таймеру.
type Worker struct {
	tasks    TaskSource
	accounts AccountStore
	pool     *pool.Pool
	registry *Registry
	conn     *mq.Connection

	concurrency  int
	pollInterval time.Duration
	throttleWait time.Duration
	loc          *time.Location

	now    func() time.Time
	logger *slog.Logger

	wake   chan struct{}
	active atomic.Int32

	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped atomic.Bool
}

// Config — конфигурация Worker.
type Config struct {
	Tasks    TaskSource
	Accounts AccountStore
	Pool     *pool.Pool
	Registry *Registry

	// Conn — RabbitMQ для пробуждения по tasks.ready (опционально).
	Conn *mq.Connection

	Concurrency  int           // одновременно исполняемых задач (default: 4)
	PollInterval time.Duration // период аренды без событий (default: 5s)
	ThrottleWait time.Duration // сколько ждать интервала прокси (default: 5s)

	// Location — граница суток для счётчика тяжёлых вызовов.
	Location *time.Location

	Now    func() time.Time
	Logger *slog.Logger
}

// New создаёт новый Worker.
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ThrottleWait <= 0 {
		cfg.ThrottleWait = defaultThrottleWait
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry("")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		tasks:        cfg.Tasks,
		accounts:     cfg.Accounts,
		pool:         cfg.Pool,
		registry:     cfg.Registry,
		conn:         cfg.Conn,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		throttleWait: cfg.ThrottleWait,
		loc:          cfg.Location,
		now:          cfg.Now,
		logger:       cfg.Logger,
		wake:         make(chan struct{}, 1),
	}
}

// Start запускает цикл аренды и consumer tasks.ready. Не блокирует.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	w.group = g

	w.logger.Info("starting worker",
		"concurrency", w.concurrency,
		"poll_interval", w.pollInterval,
		"executors", w.registry.Kinds(),
	)

	if w.conn != nil {
		consumer := mq.NewConsumer(w.conn, w.logger, mq.ConsumerConfig{
			Queue:    mq.QueueTasksReady,
			Handler:  w.handleTaskReady,
			Prefetch: w.concurrency,
		})
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		w.leaseLoop(gctx)
		return nil
	})

	return nil
}

// Stop останавливает аренду и дожидается задач, которые уже исполняются.
func (w *Worker) Stop() {
	if !w.stopped.CompareAndSwap(false, true) {
		return
	}
	w.logger.Info("stopping worker...")

	if w.cancel != nil {
		w.cancel()
	}
	if w.group != nil {
		if err := w.group.Wait(); err != nil {
			w.logger.Error("worker stopped with error", "error", err)
		}
	}
	w.logger.Info("worker stopped")
}

// IsStopped проверяет, остановлен ли Worker.
func (w *Worker) IsStopped() bool {
	return w.stopped.Load()
}

// Notify будит цикл аренды.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) leaseLoop(ctx context.Context) {
	var running errgroup.Group
	running.SetLimit(w.concurrency)
	defer running.Wait()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.fill(ctx, &running)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// fill арендует задачи на свободные слоты и запускает их исполнение.
func (w *Worker) fill(ctx context.Context, running *errgroup.Group) {
	for ctx.Err() == nil {
		free := w.concurrency - int(w.active.Load())
		if free <= 0 {
			return
		}

		tasks, err := w.tasks.LeaseTasksForWorker(ctx, free)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("lease tasks failed", "error", err)
			}
			return
		}

		// Исполнение не отменяется вместе с ctx: начатые задачи
		// дорабатываются при остановке, их ограничивает таймаут исполнителя.
		execCtx := context.WithoutCancel(ctx)
		for _, t := range tasks {
			w.active.Add(1)
			running.Go(func() error {
				defer func() {
					w.active.Add(-1)
					w.Notify()
				}()
				w.processTask(execCtx, t)
				return nil
			})
		}

		if len(tasks) < free {
			return
		}
	}
}
