package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/claim"
	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/inspect"
	"github.com/shaiso/Fanout/internal/pool"
	"github.com/shaiso/Fanout/internal/repo"
	"github.com/shaiso/Fanout/internal/telemetry"
)

// Фазы генерации.
const (
	PhaseOrders       = "orders"
	PhaseUnsubscribes = "unsubscribes"
	PhaseQuotas       = "quotas"
)

// GenerateStats — сколько задач создано в каждой фазе.
type GenerateStats struct {
	Orders       int
	Unsubscribes int
	Quotas       int
}

// Total возвращает общее число созданных задач.
func (g GenerateStats) Total() int {
	return g.Orders + g.Unsubscribes + g.Quotas
}

// cursorName — имя курсора round-robin для режима.
func cursorName(mode domain.AccountMode) string {
	return "accounts:" + string(mode)
}

type listDueFunc func(ctx context.Context, now time.Time, limit int) ([]repo.DueSubject, error)

// GenerateTasks создаёт до maxTasks задач в три фазы: заказы, отписки,
// квоты. Следующая фаза не начинается, если лимит исчерпан.
//
// Ошибка одного субъекта логируется и не блокирует остальные.
func (s *Scheduler) GenerateTasks(ctx context.Context, maxTasks int) (GenerateStats, error) {
	var stats GenerateStats
	now := s.now()

	n, err := s.generateSubjects(ctx, PhaseOrders, s.subjects.ListDueOrders, now, maxTasks)
	stats.Orders = n
	if err != nil {
		return stats, err
	}

	if budget := maxTasks - stats.Total(); budget > 0 {
		n, err = s.generateUnsubscribes(ctx, now, budget)
		stats.Unsubscribes = n
		if err != nil {
			return stats, err
		}
	}

	if budget := maxTasks - stats.Total(); budget > 0 {
		n, err = s.generateSubjects(ctx, PhaseQuotas, s.subjects.ListDueQuotas, now, budget)
		stats.Quotas = n
		if err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func (s *Scheduler) generateSubjects(ctx context.Context, phase string, list listDueFunc, now time.Time, budget int) (int, error) {
	due, err := list(ctx, now, min(budget, s.subjectBatch))
	if err != nil {
		return 0, fmt.Errorf("list due %s: %w", phase, err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	s.logger.Debug("found due subjects", "phase", phase, "count", len(due))

	var created int
	for _, d := range due {
		if created >= budget || ctx.Err() != nil {
			break
		}
		ok, err := s.generateForSubject(ctx, phase, d, now)
		if err != nil {
			s.logger.Error("failed to generate task",
				"phase", phase,
				"subject_kind", d.Subject.Kind(),
				"subject_id", d.Subject.SubjectID(),
				"error", err,
			)
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// generateForSubject создаёт одну задачу для субъекта.
// Возвращает true, если задача создана.
func (s *Scheduler) generateForSubject(ctx context.Context, phase string, due repo.DueSubject, now time.Time) (bool, error) {
	subj := due.Subject
	meta := subj.Meta()
	p := subj.Progress()
	logger := telemetry.WithSubject(s.logger, subj)

	units := meta.Units()
	if !p.Status.IsActive() || p.Remains-due.Inflight*units <= 0 {
		return false, nil
	}
	if d := subj.Drip(); d != nil && d.Enabled && d.RunRemains()-due.Inflight*units <= 0 {
		// прогон покрыт: сдвигаем, чтобы субъект не занимал окно выборки
		next := now.Add(domain.DripfeedWaitBackoff)
		if _, err := s.subjects.DeferNextRun(ctx, subj.Kind(), subj.SubjectID(), meta.NextRunAt, next); err != nil {
			logger.Error("defer subject failed", "error", err)
		}
		return false, nil
	}

	prev := copyTime(meta.NextRunAt)

	policy, err := s.policies.Policy(meta.Action)
	if err != nil {
		s.completion.ApplyFailure(subj, err.Error(), 0, now)
		s.saveSchedule(ctx, subj, prev, logger)
		return false, nil
	}

	link, desc := subj.Link()
	if q, ok := subj.(*domain.Quota); ok && q.Rotates() {
		desc, err = s.rotateTarget(ctx, q, now, logger)
		if err != nil {
			s.completion.MarkNoCapacity(subj, fmt.Sprintf("post snapshot: %v", err), now)
			s.saveSchedule(ctx, subj, prev, logger)
			return false, nil
		}
	}

	task := newSubjectTask(subj, link, desc, policy, now)

	acc, err := s.reserve(ctx, task, policy)
	if err != nil {
		var resErr *ReservationError
		if pool.IsNoCandidate(err) || errors.As(err, &resErr) {
			logger.Info("no account for subject", "action", meta.Action, "reason", err)
			s.completion.MarkNoCapacity(subj, err.Error(), now)
			s.saveSchedule(ctx, subj, prev, logger)
			return false, nil
		}
		return false, err
	}
	task.AccountID = acc.ID

	next, err := NextRun(meta, now, s.loc)
	if err != nil {
		s.rollback(ctx, task)
		s.completion.ApplyFailure(subj, err.Error(), 0, now)
		s.saveSchedule(ctx, subj, prev, logger)
		return false, nil
	}
	meta.NextRunAt = &next

	if err := s.tasks.CreateForSubject(ctx, task, subj, prev); err != nil {
		s.rollback(ctx, task)
		if errors.Is(err, repo.ErrStale) {
			logger.Debug("subject slot taken by another scheduler")
			return false, nil
		}
		return false, fmt.Errorf("create task: %w", err)
	}

	telemetry.TasksGenerated.WithLabelValues(phase, string(task.Action)).Inc()
	logger.Info("task created",
		"task_id", task.ID,
		"action", task.Action,
		"account_id", task.AccountID,
		"link_hash", task.LinkHash,
	)
	s.notify(ctx, task.ID)
	return true, nil
}

// newSubjectTask строит задачу субъекта без аккаунта.
func newSubjectTask(subj domain.Subject, link string, desc domain.LinkDescriptor, policy domain.RateLimitPolicy, now time.Time) *domain.Task {
	meta := subj.Meta()
	id := subj.SubjectID()
	return &domain.Task{
		ID:          uuid.New(),
		SubjectKind: subj.Kind(),
		SubjectID:   &id,
		Action:      meta.Action,
		LinkHash:    inspect.HashFor(meta.Action, desc),
		Status:      domain.TaskStatusQueued,
		Payload: domain.TaskPayload{
			Link:                   link,
			Descriptor:             desc,
			PerCall:                meta.Units(),
			Executor:               meta.Executor,
			Template:               meta.Template,
			Policy:                 policy,
			ServiceDurationSeconds: meta.ServiceDurationSeconds,
		},
		CreatedAt: now,
	}
}

// reserve подбирает аккаунт для задачи и делает Reserve.
//
// Окна кандидатов берутся по общему курсору round-robin; курсор
// сохраняется, когда окно использовано. Отказ, который касается только
// аккаунта (locked, cooldown, dedupe, cap_reached), ведёт к следующему кандидату.
func (s *Scheduler) reserve(ctx context.Context, task *domain.Task, policy domain.RateLimitPolicy) (*domain.Account, error) {
	name := cursorName(domain.ModeHeavy)
	after, err := s.cursors.Get(ctx, name)
	if err != nil {
		s.logger.Warn("load round-robin cursor failed", "cursor", name, "error", err)
		after = uuid.Nil
	}

	tried := make(map[uuid.UUID]struct{})
	var last claim.Outcome

	for window := 0; window < s.maxAccountTries && len(tried) < s.maxAccountTries; window++ {
		w, err := s.pool.Rank(ctx, pool.Query{
			Mode:            domain.ModeHeavy,
			ExcludeAccounts: tried,
			After:           after,
		})
		if errors.Is(err, pool.ErrAllProxiesCooling) && w != nil {
			after = w.Cursor
			s.saveCursor(ctx, name, after)
			continue
		}
		if err != nil {
			if pool.IsNoCandidate(err) && len(tried) > 0 {
				break
			}
			return nil, err
		}

		progressed := false
		for _, acc := range w.Candidates {
			if len(tried) >= s.maxAccountTries {
				break
			}
			if _, seen := tried[acc.ID]; seen {
				continue
			}
			tried[acc.ID] = struct{}{}
			progressed = true

			task.AccountID = acc.ID
			out, err := s.claim.Reserve(ctx, claim.Reservation{
				AccountID: acc.ID,
				Action:    task.Action,
				LinkHash:  task.LinkHash,
				Token:     task.ID.String(),
				Policy:    &policy,
			})
			if err != nil {
				return nil, err
			}
			if out.OK() {
				s.saveCursor(ctx, name, w.Cursor)
				return acc, nil
			}
			last = out
			if !out.AccountSpecific() {
				return nil, &ReservationError{Tried: len(tried), Last: last}
			}
		}

		after = w.Cursor
		s.saveCursor(ctx, name, after)
		if !progressed {
			break
		}
	}

	return nil, &ReservationError{Tried: len(tried), Last: last}
}

// rotateTarget выбирает пост квоты по round-robin, обновляя устаревший снимок.
func (s *Scheduler) rotateTarget(ctx context.Context, q *domain.Quota, now time.Time, logger *slog.Logger) (domain.LinkDescriptor, error) {
	if q.Posts.Stale(now, s.snapshotMaxAge) && s.posts != nil {
		ids, err := s.posts.RecentPosts(ctx, q.Descriptor, q.RotateLastN)
		switch {
		case err != nil && len(q.Posts.PostIDs) == 0:
			return domain.LinkDescriptor{}, err
		case err != nil:
			logger.Warn("post snapshot refresh failed, using cached", "error", err)
		case len(ids) > 0:
			refreshed := now
			q.Posts = domain.PostSnapshot{PostIDs: ids, RefreshedAt: &refreshed}
			if q.RotateCursor >= len(ids) {
				q.RotateCursor = 0
			}
		}
	}

	postID, ok := q.NextPost()
	if !ok {
		return domain.LinkDescriptor{}, errors.New("channel has no recent posts")
	}
	return q.Descriptor.WithPost(postID), nil
}

// generateUnsubscribes — фаза отписок: задача ставится тому же аккаунту,
// который подписывался.
func (s *Scheduler) generateUnsubscribes(ctx context.Context, now time.Time, budget int) (int, error) {
	due, err := s.unsubscribes.ListDue(ctx, now, min(budget, s.subjectBatch))
	if err != nil {
		return 0, fmt.Errorf("list due unsubscribes: %w", err)
	}

	var created int
	for _, u := range due {
		if created >= budget || ctx.Err() != nil {
			break
		}
		ok, err := s.generateUnsubscribe(ctx, u, now)
		if err != nil {
			s.logger.Error("failed to generate unsubscribe task",
				"unsubscribe_id", u.ID,
				"account_id", u.AccountID,
				"error", err,
			)
			continue
		}
		if ok {
			created++
		}
	}
	return created, nil
}

func (s *Scheduler) generateUnsubscribe(ctx context.Context, u *domain.UnsubscribeTask, now time.Time) (bool, error) {
	policy, err := s.policies.Policy(domain.ActionUnsubscribe)
	if err != nil {
		return false, err
	}

	id := u.ID
	task := &domain.Task{
		ID:            uuid.New(),
		UnsubscribeID: &id,
		Action:        domain.ActionUnsubscribe,
		LinkHash:      u.LinkHash,
		AccountID:     u.AccountID,
		Status:        domain.TaskStatusQueued,
		Payload: domain.TaskPayload{
			Link:       u.Link,
			Descriptor: u.Descriptor,
			PerCall:    1,
			Policy:     policy,
		},
		CreatedAt: now,
	}

	out, err := s.claim.Reserve(ctx, claim.ReservationFor(task))
	if err != nil {
		return false, err
	}
	switch {
	case out == claim.OutcomeStateNotSubscribed:
		// связи уже нет: отписываться не от чего
		u.Status = domain.UnsubscribeStatusFailed
		u.LastError = string(out)
		u.UpdatedAt = now
		if err := s.unsubscribes.Update(ctx, u); err != nil {
			return false, fmt.Errorf("close unsubscribe: %w", err)
		}
		s.logger.Info("unsubscribe skipped, account not subscribed",
			"unsubscribe_id", u.ID,
			"account_id", u.AccountID,
		)
		return false, nil
	case !out.OK():
		// аккаунт занят: отписка уходит в конец очереди и не заслоняет чужие
		due := now.Add(domain.UnsubscribeBusyBackoff)
		if _, err := s.unsubscribes.Defer(ctx, u.ID, u.DueAt, due, now); err != nil {
			return false, fmt.Errorf("defer unsubscribe: %w", err)
		}
		s.logger.Debug("unsubscribe reserve rejected, deferred",
			"unsubscribe_id", u.ID,
			"account_id", u.AccountID,
			"outcome", out,
			"due_at", due,
		)
		return false, nil
	}

	if err := s.tasks.CreateForUnsubscribe(ctx, task, u); err != nil {
		s.rollback(ctx, task)
		if errors.Is(err, repo.ErrStale) {
			return false, nil
		}
		return false, fmt.Errorf("create unsubscribe task: %w", err)
	}

	telemetry.TasksGenerated.WithLabelValues(PhaseUnsubscribes, string(task.Action)).Inc()
	s.logger.Info("unsubscribe task created",
		"task_id", task.ID,
		"unsubscribe_id", u.ID,
		"account_id", u.AccountID,
	)
	s.notify(ctx, task.ID)
	return true, nil
}

// saveSchedule сохраняет диагностику и next_run_at субъекта без задачи.
func (s *Scheduler) saveSchedule(ctx context.Context, subj domain.Subject, prev *time.Time, logger *slog.Logger) {
	ok, err := s.subjects.UpdateSchedule(ctx, subj, prev)
	if err != nil {
		logger.Error("update subject schedule failed", "error", err)
		return
	}
	if !ok {
		logger.Debug("subject schedule changed concurrently")
	}
}

func (s *Scheduler) saveCursor(ctx context.Context, name string, id uuid.UUID) {
	if id == uuid.Nil {
		return
	}
	if err := s.cursors.Set(ctx, name, id); err != nil {
		s.logger.Warn("save round-robin cursor failed", "cursor", name, "error", err)
	}
}

// rollback снимает резервацию задачи, которая не была сохранена.
func (s *Scheduler) rollback(ctx context.Context, task *domain.Task) {
	if err := s.claim.RollbackReserve(ctx, claim.ReservationFor(task)); err != nil {
		s.logger.Warn("rollback reservation failed", "task_id", task.ID, "error", err)
	}
}

func (s *Scheduler) notify(ctx context.Context, taskID uuid.UUID) {
	if s.notifier == nil {
		return
	}
	// задача уже в БД, воркеры заберут её опросом
	if err := s.notifier.PublishTaskReady(ctx, taskID); err != nil {
		s.logger.Warn("failed to publish task.ready", "task_id", taskID, "error", err)
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
