package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/mq"
	"github.com/shaiso/Fanout/internal/pool"
	"github.com/shaiso/Fanout/internal/repo"
	"github.com/shaiso/Fanout/internal/telemetry"
)

const throttlePollStep = 250 * time.Millisecond

// handleTaskReady будит цикл аренды. Саму задачу выдаст LeaseTasksForWorker,
// возможно другому воркеру.
func (w *Worker) handleTaskReady(_ context.Context, msg *mq.Message) error {
	payload, err := mq.ParsePayload[mq.TaskReadyPayload](msg)
	if err != nil {
		return err
	}
	w.logger.Debug("task.ready received", "task_id", payload.TaskID)
	w.Notify()
	return nil
}

// processTask исполняет арендованную задачу и сообщает результат планировщику.
//
// Если аккаунт занят или интервал прокси не прошёл, задача остаётся в
// аренде: после истечения lease планировщик выдаст её снова.
func (w *Worker) processTask(ctx context.Context, t *domain.Task) {
	logger := telemetry.WithTaskID(w.logger, t.ID).With(
		"action", t.Action,
		"account_id", t.AccountID,
		"attempt", t.Attempt,
	)

	acc, err := w.accounts.GetByID(ctx, t.AccountID)
	if errors.Is(err, repo.ErrNotFound) {
		w.report(ctx, t, failure(fmt.Errorf("%w: not found", ErrAccountUnusable)), logger)
		return
	}
	if err != nil {
		logger.Error("load account failed, task stays leased", "error", err)
		return
	}
	if acc.IsDisabled() {
		w.report(ctx, t, failure(fmt.Errorf("%w: disabled: %s", ErrAccountUnusable, acc.DisabledReason)), logger)
		return
	}

	executor, err := w.registry.Get(t.Payload.Executor)
	if err != nil {
		w.report(ctx, t, failure(err), logger)
		return
	}

	release, ok, err := w.pool.ExecLock(ctx, acc.ID)
	if err != nil || !ok {
		logger.Info("account busy, task stays leased", "error", err)
		return
	}

	if !w.awaitProxySlot(ctx, acc.ProxyKey(), logger) {
		release()
		logger.Info("proxy throttled, task stays leased", "proxy_key", acc.ProxyKey())
		return
	}

	if err := w.accounts.TouchLastUsed(ctx, acc.ID, w.now()); err != nil {
		logger.Debug("touch last_used_at failed", "error", err)
	}

	started := w.now()
	res, callErr := executor.Execute(ctx, t, acc)
	release()
	telemetry.ExecDuration.WithLabelValues(string(t.Action), executorLabel(t)).Observe(w.now().Sub(started).Seconds())

	w.report(ctx, t, w.outcome(ctx, t, acc, res, callErr, logger), logger)
}

// outcome применяет исход вызова к аккаунту и строит результат задачи.
func (w *Worker) outcome(ctx context.Context, t *domain.Task, acc *domain.Account, res *domain.ExecResult, callErr error, logger *slog.Logger) *domain.ExecResult {
	// вызов не дошёл до платформы: аккаунт и прокси ни при чём
	if errors.Is(callErr, ErrExecutorUnavailable) || errors.Is(callErr, ErrBadResponse) {
		logger.Warn("executor call failed", "error", callErr)
		return failure(callErr)
	}

	class := w.pool.Report(ctx, acc, callErr)
	if class == pool.ClassOK || class == pool.ClassRejected {
		resetAt := nextMidnight(w.now(), w.loc)
		if err := w.accounts.IncrementHeavyUsage(ctx, acc.ID, w.now(), resetAt); err != nil {
			logger.Warn("increment heavy usage failed", "error", err)
		}
	}

	if callErr != nil {
		out := failure(callErr)
		if wait, ok := pool.FloodWait(callErr); ok {
			out.RetryAfter = int(math.Ceil(wait.Seconds()))
		}
		return out
	}
	if res == nil {
		return failure(fmt.Errorf("%w: empty result", ErrBadResponse))
	}
	return res
}

// report передаёт результат планировщику. Ошибка не фатальна: задача
// останется в аренде и будет выдана снова.
func (w *Worker) report(ctx context.Context, t *domain.Task, result *domain.ExecResult, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, reportTimeout)
	defer cancel()

	status, err := w.tasks.ReportTaskResult(ctx, t.ID, result)
	if err != nil {
		logger.Error("report task result failed", "error", err)
		return
	}
	logger.Info("task reported", "status", status, "ok", result.OK, "state", result.State)
}

// awaitProxySlot ждёт свободного слота прокси не дольше throttleWait.
// Ошибка трекера пропускает вызов.
func (w *Worker) awaitProxySlot(ctx context.Context, proxyKey string, logger *slog.Logger) bool {
	timeout := time.NewTimer(w.throttleWait)
	defer timeout.Stop()
	tick := time.NewTicker(throttlePollStep)
	defer tick.Stop()

	for {
		allowed, err := w.pool.Health().Allow(ctx, proxyKey)
		if err != nil {
			logger.Warn("proxy throttle check failed", "proxy_key", proxyKey, "error", err)
			return true
		}
		if allowed {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-timeout.C:
			return false
		case <-tick.C:
		}
	}
}

func failure(err error) *domain.ExecResult {
	return &domain.ExecResult{OK: false, State: domain.ExecStateDone, Error: err.Error()}
}

func executorLabel(t *domain.Task) string {
	if t.Payload.Executor == "" {
		return "default"
	}
	return t.Payload.Executor
}

// nextMidnight — начало следующих суток в loc.
func nextMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}
