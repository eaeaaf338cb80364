package scheduler

import (
	"context"
	"fmt"

	"github.com/shaiso/Fanout/internal/domain"
)

// PendingTimeoutError — текст ошибки задачи, не дождавшейся результата.
const PendingTimeoutError = "pending timeout"

// ReapStalePending финализирует ошибкой pending-задачи, чья аренда
// истекла больше StaleGrace назад. Возвращает число финализированных.
func (s *Scheduler) ReapStalePending(ctx context.Context) (int, error) {
	tasks, err := s.tasks.ListStalePending(ctx, s.now().Add(-s.staleGrace), s.subjectBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}

	var reaped int
	for _, t := range tasks {
		status, err := s.ReportTaskResult(ctx, t.ID, &domain.ExecResult{
			OK:    false,
			State: domain.ExecStateDone,
			Error: PendingTimeoutError,
		})
		if err != nil {
			s.logger.Error("failed to reap pending task", "task_id", t.ID, "error", err)
			continue
		}
		if status == ReportFailed {
			reaped++
		}
	}
	return reaped, nil
}

// RenewQuotaWindows открывает новое окно для квот, чьё окно закончилось.
// Возвращает число обновлённых квот.
func (s *Scheduler) RenewQuotaWindows(ctx context.Context) (int, error) {
	now := s.now()
	quotas, err := s.subjects.ListExpiredQuotaWindows(ctx, now, s.subjectBatch)
	if err != nil {
		return 0, fmt.Errorf("list expired quota windows: %w", err)
	}

	var renewed int
	for _, q := range quotas {
		if q.WindowEndsAt == nil {
			continue
		}
		prev := *q.WindowEndsAt

		end, err := NextWindowEnd(q.WindowCron, now, s.loc)
		if err != nil {
			s.logger.Error("invalid quota window cron", "quota_id", q.ID, "cron", q.WindowCron, "error", err)
			continue
		}
		q.RenewWindow(end, now)

		ok, err := s.subjects.RenewQuotaWindow(ctx, q, prev)
		if err != nil {
			s.logger.Error("failed to renew quota window", "quota_id", q.ID, "error", err)
			continue
		}
		if ok {
			renewed++
			s.logger.Info("quota window renewed", "quota_id", q.ID, "ends_at", end)
		}
	}
	return renewed, nil
}
