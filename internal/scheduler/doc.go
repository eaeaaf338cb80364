// Package scheduler реализует генерацию, выдачу и финализацию задач.
//
// Scheduler сканирует субъекты (заказы, квоты) и отложенные отписки,
// подбирает аккаунт через pool, резервирует его через claim и сохраняет
// Task. Воркеры получают задачи через LeaseTasksForWorker и сообщают
// результат через ReportTaskResult.
//
// Структура:
//   - scheduler.go   — Config, New, Tick, Maintain
//   - generate.go    — GenerateTasks (заказы → отписки → квоты)
//   - lease.go       — LeaseTasksForWorker
//   - report.go      — ReportTaskResult (идемпотентная финализация)
//   - maintenance.go — ReapStalePending, RenewQuotaWindows
//   - cron.go        — NextRun, NextWindowEnd
//   - store.go       — интерфейсы хранилищ
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Subjects:     subjectRepo,
//	    Unsubscribes: unsubscribeRepo,
//	    Tasks:        taskRepo,
//	    Cursors:      cursorRepo,
//	    Claim:        claimProtocol,
//	    Pool:         accountPool,
//	    Notifier:     publisher, // опционально
//	    Logger:       logger,
//	})
//
//	// каждый тик, во всех процессах
//	if err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader Election:
//
// Maintain (reaper и окна квот) вызывается только лидером; лидер
// выбирается в main.go через pg_try_advisory_lock.
package scheduler
