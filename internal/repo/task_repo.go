package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Fanout/internal/domain"
)

// TaskRepo — репозиторий для работы с tasks.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `
	id, subject_kind, subject_id, unsubscribe_id, action, link_hash, account_id,
	status, attempt, lease_expires_at, payload, result, error, created_at, finished_at`

const returningTaskColumns = `
	t.id, t.subject_kind, t.subject_id, t.unsubscribe_id, t.action, t.link_hash, t.account_id,
	t.status, t.attempt, t.lease_expires_at, t.payload, t.result, t.error, t.created_at, t.finished_at`

// TaskFilter — параметры фильтрации tasks.
type TaskFilter struct {
	Status    domain.TaskStatus
	SubjectID *uuid.UUID
	AccountID *uuid.UUID
	Limit     int
	Offset    int
}

// CreateForSubject создаёт task и сохраняет субъект (новый next_run_at,
// курсор постов квоты) в одной транзакции. Если next_run_at субъекта уже
// не равен prevNextRun, ничего не пишется и возвращается ErrStale.
func (r *TaskRepo) CreateForSubject(ctx context.Context, t *domain.Task, subj domain.Subject, prevNextRun *time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ok, err := saveSubject(ctx, tx, subj, true, prevNextRun)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStale
	}
	if err := insertTask(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CreateForUnsubscribe создаёт task отписки и переводит отписку в
// processing, если она всё ещё pending. Иначе — ErrStale.
func (r *TaskRepo) CreateForUnsubscribe(ctx context.Context, t *domain.Task, u *domain.UnsubscribeTask) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE unsubscribe_tasks
		SET status = 'processing', task_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'
	`
	result, err := tx.Exec(ctx, query, u.ID, t.ID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("claim unsubscribe task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrStale
	}
	if err := insertTask(ctx, tx, t); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	u.Status = domain.UnsubscribeStatusProcessing
	u.TaskID = &t.ID
	return nil
}

func insertTask(ctx context.Context, q querier, t *domain.Task) error {
	payloadJSON, err := marshalJSON("payload", t.Payload)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO tasks (id, subject_kind, subject_id, unsubscribe_id, action, link_hash,
		                   account_id, status, attempt, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = q.Exec(ctx, query,
		t.ID,
		nullString(string(t.SubjectKind)),
		nullUUID(t.SubjectID),
		nullUUID(t.UnsubscribeID),
		t.Action,
		t.LinkHash,
		t.AccountID,
		t.Status,
		t.Attempt,
		payloadJSON,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// List возвращает tasks с фильтрацией, новые первыми.
func (r *TaskRepo) List(ctx context.Context, f TaskFilter) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::uuid IS NULL OR subject_id = $2)
		  AND ($3::uuid IS NULL OR account_id = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`
	return r.list(ctx, query,
		nullString(string(f.Status)),
		nullUUID(f.SubjectID),
		nullUUID(f.AccountID),
		f.Limit,
		f.Offset,
	)
}

// Lease выдаёт до limit задач: queued или leased с истёкшей арендой.
//
// Строки выбираются FOR UPDATE SKIP LOCKED, поэтому параллельные вызовы
// никогда не получают одну и ту же задачу.
func (r *TaskRepo) Lease(ctx context.Context, now time.Time, ttl time.Duration, limit int) ([]*domain.Task, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		WITH picked AS (
			SELECT id
			FROM tasks
			WHERE status = 'queued'
			   OR (status = 'leased' AND lease_expires_at <= $1)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'leased', lease_expires_at = $2, attempt = t.attempt + 1
		FROM picked
		WHERE t.id = picked.id
		RETURNING ` + returningTaskColumns

	tasks, err := collectTasks(tx.Query(ctx, query, now, now.Add(ttl), limit))
	if err != nil {
		return nil, fmt.Errorf("lease tasks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return tasks, nil
}

// MarkPending переводит task в pending до until. false — task уже
// финализирован или не существует.
func (r *TaskRepo) MarkPending(ctx context.Context, id uuid.UUID, until time.Time, result *domain.ExecResult) (bool, error) {
	resultJSON, err := marshalJSON("result", result)
	if err != nil {
		return false, err
	}
	query := `
		UPDATE tasks
		SET status = 'pending', lease_expires_at = $2, result = $3
		WHERE id = $1 AND status IN ('queued', 'leased', 'pending')
	`
	res, err := r.pool.Exec(ctx, query, id, until, resultJSON)
	if err != nil {
		return false, fmt.Errorf("mark task pending: %w", err)
	}
	return res.RowsAffected() == 1, nil
}

// Finalize блокирует task и вызывает apply в одной транзакции.
//
// Если task уже в терминальном статусе, apply не вызывается и
// возвращается false: повторный отчёт ничего не меняет.
func (r *TaskRepo) Finalize(ctx context.Context, id uuid.UUID, apply FinalizeFunc) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if t.IsFinished() {
		return false, nil
	}

	if err := apply(ctx, &pgFinalizeTx{tx: tx}, t); err != nil {
		return false, err
	}
	if !t.IsFinished() {
		return false, fmt.Errorf("%w: task %s left in %s", ErrInvalidState, t.ID, t.Status)
	}

	resultJSON, err := marshalJSON("result", t.Result)
	if err != nil {
		return false, err
	}
	query := `
		UPDATE tasks
		SET status = $2, lease_expires_at = $3, result = $4, error = $5, finished_at = $6
		WHERE id = $1
	`
	if _, err := tx.Exec(ctx, query,
		t.ID, t.Status, t.LeaseExpiresAt, resultJSON, nullString(t.Error), t.FinishedAt,
	); err != nil {
		return false, fmt.Errorf("update task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListStalePending возвращает pending-задачи, аренда которых истекла до before.
func (r *TaskRepo) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = 'pending' AND lease_expires_at <= $1
		ORDER BY lease_expires_at
		LIMIT $2
	`
	return r.list(ctx, query, before, limit)
}

func (r *TaskRepo) list(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	tasks, err := collectTasks(r.pool.Query(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

func collectTasks(rows pgx.Rows, err error) ([]*domain.Task, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// scanTask сканирует строку в Task.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		t                       domain.Task
		subjectKind, taskErr    *string
		payloadJSON, resultJSON []byte
	)
	err := row.Scan(
		&t.ID,
		&subjectKind,
		&t.SubjectID,
		&t.UnsubscribeID,
		&t.Action,
		&t.LinkHash,
		&t.AccountID,
		&t.Status,
		&t.Attempt,
		&t.LeaseExpiresAt,
		&payloadJSON,
		&resultJSON,
		&taskErr,
		&t.CreatedAt,
		&t.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	t.SubjectKind = domain.SubjectKind(deref(subjectKind))
	t.Error = deref(taskErr)
	if err := unmarshalJSON("payload", payloadJSON, &t.Payload); err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		t.Result = &domain.ExecResult{}
		if err := unmarshalJSON("result", resultJSON, t.Result); err != nil {
			return nil, err
		}
	}
	return &t, nil
}
