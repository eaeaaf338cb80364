package scheduler

import (
	"context"
	"fmt"

	"github.com/shaiso/Fanout/internal/claim"
	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/telemetry"
)

// LeaseTasksForWorker выдаёт воркеру до limit задач на LeaseTTL.
//
// Для каждой выданной задачи продлевается claim-блокировка. Если
// блокировка истекла, Reserve повторяется с тем же токеном; отказ
// финализирует задачу ошибкой. Задача, выданная больше MaxAttempts раз,
// тоже финализируется ошибкой и не возвращается.
func (s *Scheduler) LeaseTasksForWorker(ctx context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	leased, err := s.tasks.Lease(ctx, s.now(), s.leaseTTL, limit)
	if err != nil {
		return nil, fmt.Errorf("lease tasks: %w", err)
	}

	out := make([]*domain.Task, 0, len(leased))
	for _, t := range leased {
		logger := telemetry.WithTaskID(s.logger, t.ID)

		if t.Attempt > s.maxAttempts {
			s.failLeased(ctx, t, fmt.Sprintf("max attempts exceeded (%d)", s.maxAttempts))
			continue
		}

		res := claim.ReservationFor(t)
		ok, err := s.claim.Extend(ctx, res, 0)
		if err != nil {
			// без координатора задача всё равно исполняется: Commit покажет no_lock
			logger.Warn("extend reservation failed", "error", err)
		} else if !ok {
			outcome, err := s.claim.Reserve(ctx, res)
			if err != nil {
				logger.Warn("re-reserve failed", "error", err)
			} else if !outcome.OK() {
				s.failLeased(ctx, t, "reservation lost: "+string(outcome))
				continue
			}
		}

		telemetry.TasksLeased.Inc()
		out = append(out, t)
	}

	if len(out) > 0 {
		s.logger.Debug("tasks leased", "count", len(out))
	}
	return out, nil
}

// failLeased финализирует выданную задачу ошибкой через обычный путь отчёта.
func (s *Scheduler) failLeased(ctx context.Context, t *domain.Task, reason string) {
	result := &domain.ExecResult{OK: false, State: domain.ExecStateDone, Error: reason}
	if _, err := s.ReportTaskResult(ctx, t.ID, result); err != nil {
		s.logger.Error("failed to fail leased task", "task_id", t.ID, "reason", reason, "error", err)
		return
	}
	s.logger.Warn("leased task failed", "task_id", t.ID, "attempt", t.Attempt, "reason", reason)
}
