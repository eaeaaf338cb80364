package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/claim"
	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/repo"
	"github.com/shaiso/Fanout/internal/telemetry"
)

// ReportStatus — чем закончилась обработка отчёта.
type ReportStatus string

const (
	ReportDone      ReportStatus = "done"
	ReportFailed    ReportStatus = "failed"
	ReportPending   ReportStatus = "pending"
	ReportDuplicate ReportStatus = "duplicate"
)

// ReportTaskResult применяет результат исполнения задачи.
//
// Идемпотентна: отчёт по уже финализированной задаче ничего не меняет и
// возвращает ReportDuplicate. Источник отчёта (локальный воркер, webhook,
// очередь) не важен.
func (s *Scheduler) ReportTaskResult(ctx context.Context, taskID uuid.UUID, result *domain.ExecResult) (ReportStatus, error) {
	if result == nil {
		return "", ErrInvalidResult
	}
	switch result.State {
	case "", domain.ExecStateDone, domain.ExecStatePending:
	default:
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidResult, result.State)
	}

	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", ErrTaskNotFound
		}
		return "", fmt.Errorf("get task: %w", err)
	}

	status, err := s.report(ctx, t, result)
	if err != nil {
		return "", err
	}
	telemetry.TaskReports.WithLabelValues(string(t.Action), string(status)).Inc()
	return status, nil
}

func (s *Scheduler) report(ctx context.Context, t *domain.Task, result *domain.ExecResult) (ReportStatus, error) {
	if t.IsFinished() {
		return ReportDuplicate, nil
	}

	logger := telemetry.WithTaskID(s.logger, t.ID)
	res := claim.ReservationFor(t)
	now := s.now()

	switch {
	case result.IsPending():
		ok, err := s.tasks.MarkPending(ctx, t.ID, now.Add(s.pendingTTL), result)
		if err != nil {
			return "", err
		}
		if !ok {
			return ReportDuplicate, nil
		}
		if _, err := s.claim.Extend(ctx, res, s.pendingTTL); err != nil {
			logger.Warn("extend reservation for pending task failed", "error", err)
		}
		logger.Debug("task pending", "provider_task_id", result.ProviderTaskID)
		return ReportPending, nil

	case result.Succeeded():
		// Commit до финализации: повторный отчёт после сбоя финализации
		// получит no_lock и всё равно применит эффекты.
		committed, err := s.claim.Commit(ctx, res)
		if err != nil {
			return "", fmt.Errorf("commit claim: %w", err)
		}
		// действие уже выполнено: прогресс засчитывается, перерасход виден
		// в метрике и в диагностике субъекта
		overrun := committed == claim.OutcomeCapExceeded
		if overrun {
			telemetry.CapOverruns.WithLabelValues(string(t.Action)).Inc()
			logger.Warn("action performed past daily cap", "action", t.Action, "account_id", t.AccountID)
		}
		applied, err := s.tasks.Finalize(ctx, t.ID, func(ctx context.Context, tx repo.FinalizeTx, t *domain.Task) error {
			return s.applySuccess(ctx, tx, t, result, overrun, now)
		})
		if err != nil {
			return "", fmt.Errorf("finalize task: %w", err)
		}
		if !applied {
			return ReportDuplicate, nil
		}
		logger.Info("task done", "action", t.Action, "account_id", t.AccountID)
		return ReportDone, nil

	default:
		if err := s.claim.RollbackReserve(ctx, res); err != nil {
			// блокировка истечёт по TTL
			logger.Warn("rollback reservation failed", "error", err)
		}
		applied, err := s.tasks.Finalize(ctx, t.ID, func(ctx context.Context, tx repo.FinalizeTx, t *domain.Task) error {
			return s.applyFailure(ctx, tx, t, result, now)
		})
		if err != nil {
			return "", fmt.Errorf("finalize task: %w", err)
		}
		if !applied {
			return ReportDuplicate, nil
		}
		logger.Warn("task failed", "action", t.Action, "account_id", t.AccountID, "error", result.Error)
		return ReportFailed, nil
	}
}

// applySuccess — эффекты успеха внутри транзакции финализации.
// overrun — Commit вернул cap_exceeded.
func (s *Scheduler) applySuccess(ctx context.Context, tx repo.FinalizeTx, t *domain.Task, result *domain.ExecResult, overrun bool, now time.Time) error {
	t.MarkDone(now, result)

	if t.UnsubscribeID != nil {
		u, err := tx.GetUnsubscribe(ctx, *t.UnsubscribeID)
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("unsubscribe record missing", "task_id", t.ID, "unsubscribe_id", *t.UnsubscribeID)
			return nil
		}
		if err != nil {
			return err
		}
		u.Status = domain.UnsubscribeStatusDone
		u.LastError = ""
		u.UpdatedAt = now
		return tx.SaveUnsubscribe(ctx, u)
	}

	if t.SubjectID == nil {
		return nil
	}
	subj, err := tx.LoadSubject(ctx, t.SubjectKind, *t.SubjectID)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("subject missing for task", "task_id", t.ID, "subject_id", *t.SubjectID)
		return nil
	}
	if err != nil {
		return err
	}

	out := s.completion.ApplySuccess(subj, t.Units(), now)
	if overrun {
		p := subj.Progress()
		p.LastError = fmt.Sprintf("daily %s cap exceeded on account %s", t.Action, t.AccountID)
		p.LastErrorAt = &now
	}
	if err := tx.SaveSubject(ctx, subj); err != nil {
		return err
	}
	if out.Completed {
		s.logger.Info("subject completed", "subject_kind", subj.Kind(), "subject_id", subj.SubjectID())
	}

	if t.Action == domain.ActionSubscribe && t.Payload.ServiceDurationSeconds > 0 {
		u := &domain.UnsubscribeTask{
			ID:           uuid.New(),
			AccountID:    t.AccountID,
			LinkHash:     t.LinkHash,
			Link:         t.Payload.Link,
			Descriptor:   t.Payload.Descriptor,
			SourceTaskID: t.ID,
			DueAt:        t.CreatedAt.Add(time.Duration(t.Payload.ServiceDurationSeconds) * time.Second),
			Status:       domain.UnsubscribeStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		created, err := tx.UpsertUnsubscribe(ctx, u)
		if err != nil {
			return fmt.Errorf("schedule unsubscribe: %w", err)
		}
		if created {
			s.logger.Debug("unsubscribe scheduled", "task_id", t.ID, "due_at", u.DueAt)
		}
	}
	return nil
}

// applyFailure — эффекты неудачи внутри транзакции финализации.
func (s *Scheduler) applyFailure(ctx context.Context, tx repo.FinalizeTx, t *domain.Task, result *domain.ExecResult, now time.Time) error {
	msg := result.Error
	if msg == "" {
		msg = "execution failed"
	}
	t.MarkFailed(now, result, msg)

	if t.UnsubscribeID != nil {
		u, err := tx.GetUnsubscribe(ctx, *t.UnsubscribeID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		u.Attempts++
		u.LastError = msg
		u.UpdatedAt = now
		if u.Attempts >= s.unsubMaxTries {
			u.Status = domain.UnsubscribeStatusFailed
		} else {
			u.Status = domain.UnsubscribeStatusPending
			u.DueAt = now.Add(domain.UnsubscribeRetryBackoff)
		}
		return tx.SaveUnsubscribe(ctx, u)
	}

	if t.SubjectID == nil {
		return nil
	}
	subj, err := tx.LoadSubject(ctx, t.SubjectKind, *t.SubjectID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.completion.ApplyFailure(subj, msg, result.RetryAfterDuration(), now)
	return tx.SaveSubject(ctx, subj)
}
