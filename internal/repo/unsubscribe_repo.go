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

// UnsubscribeRepo — репозиторий отложенных отписок.
type UnsubscribeRepo struct {
	pool *pgxpool.Pool
}

// NewUnsubscribeRepo создаёт новый UnsubscribeRepo.
func NewUnsubscribeRepo(pool *pgxpool.Pool) *UnsubscribeRepo {
	return &UnsubscribeRepo{pool: pool}
}

const unsubscribeColumns = `
	id, account_id, link_hash, link, descriptor, source_task_id, task_id,
	due_at, status, attempts, last_error, created_at, updated_at`

// UnsubscribeFilter — параметры фильтрации отписок.
type UnsubscribeFilter struct {
	Status    domain.UnsubscribeStatus
	AccountID *uuid.UUID
	Limit     int
	Offset    int
}

// GetByID возвращает отписку по ID.
func (r *UnsubscribeRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.UnsubscribeTask, error) {
	return getUnsubscribe(ctx, r.pool, id, false)
}

// ListDue возвращает pending-отписки с наступившим due_at.
func (r *UnsubscribeRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.UnsubscribeTask, error) {
	query := `
		SELECT ` + unsubscribeColumns + `
		FROM unsubscribe_tasks
		WHERE status = 'pending' AND due_at <= $1
		ORDER BY due_at, id
		LIMIT $2
	`
	return r.list(ctx, query, now, limit)
}

// Defer переносит due_at pending-отписки, только если он всё ещё равен
// prevDueAt. Возвращает false, если отписку уже забрал другой процесс.
func (r *UnsubscribeRepo) Defer(ctx context.Context, id uuid.UUID, prevDueAt, dueAt, now time.Time) (bool, error) {
	query := `
		UPDATE unsubscribe_tasks
		SET due_at = $3, updated_at = $4
		WHERE id = $1 AND status = 'pending' AND due_at = $2
	`
	result, err := r.pool.Exec(ctx, query, id, prevDueAt, dueAt, now)
	if err != nil {
		return false, fmt.Errorf("defer unsubscribe task: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// List возвращает отписки с фильтрацией.
func (r *UnsubscribeRepo) List(ctx context.Context, f UnsubscribeFilter) ([]*domain.UnsubscribeTask, error) {
	query := `
		SELECT ` + unsubscribeColumns + `
		FROM unsubscribe_tasks
		WHERE ($1::text IS NULL OR status = $1)
		  AND ($2::uuid IS NULL OR account_id = $2)
		ORDER BY due_at DESC
		LIMIT $3 OFFSET $4
	`
	return r.list(ctx, query, nullString(string(f.Status)), nullUUID(f.AccountID), f.Limit, f.Offset)
}

func (r *UnsubscribeRepo) list(ctx context.Context, query string, args ...any) ([]*domain.UnsubscribeTask, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list unsubscribe tasks: %w", err)
	}
	defer rows.Close()

	var out []*domain.UnsubscribeTask
	for rows.Next() {
		u, err := scanUnsubscribe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Update сохраняет изменяемые поля отписки.
func (r *UnsubscribeRepo) Update(ctx context.Context, u *domain.UnsubscribeTask) error {
	return updateUnsubscribe(ctx, r.pool, u)
}

func getUnsubscribe(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*domain.UnsubscribeTask, error) {
	query := `SELECT ` + unsubscribeColumns + ` FROM unsubscribe_tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	u, err := scanUnsubscribe(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

// insertUnsubscribe создаёт отписку; повтор с тем же source_task_id
// ничего не меняет и возвращает false.
func insertUnsubscribe(ctx context.Context, q querier, u *domain.UnsubscribeTask) (bool, error) {
	descJSON, err := marshalJSON("descriptor", u.Descriptor)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO unsubscribe_tasks (id, account_id, link_hash, link, descriptor, source_task_id,
		                               task_id, due_at, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (source_task_id) DO NOTHING
	`
	result, err := q.Exec(ctx, query,
		u.ID, u.AccountID, u.LinkHash, u.Link, descJSON, u.SourceTaskID,
		nullUUID(u.TaskID), u.DueAt, u.Status, u.Attempts, nullString(u.LastError),
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert unsubscribe task: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// updateUnsubscribe сохраняет изменяемые поля отписки.
func updateUnsubscribe(ctx context.Context, q querier, u *domain.UnsubscribeTask) error {
	query := `
		UPDATE unsubscribe_tasks
		SET task_id = $2, due_at = $3, status = $4, attempts = $5, last_error = $6, updated_at = $7
		WHERE id = $1
	`
	result, err := q.Exec(ctx, query,
		u.ID, nullUUID(u.TaskID), u.DueAt, u.Status, u.Attempts, nullString(u.LastError), u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update unsubscribe task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanUnsubscribe сканирует строку в UnsubscribeTask.
func scanUnsubscribe(row pgx.Row) (*domain.UnsubscribeTask, error) {
	var (
		u        domain.UnsubscribeTask
		descJSON []byte
		lastErr  *string
	)
	err := row.Scan(
		&u.ID, &u.AccountID, &u.LinkHash, &u.Link, &descJSON, &u.SourceTaskID, &u.TaskID,
		&u.DueAt, &u.Status, &u.Attempts, &lastErr, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan unsubscribe task: %w", err)
	}
	u.LastError = deref(lastErr)
	if err := unmarshalJSON("descriptor", descJSON, &u.Descriptor); err != nil {
		return nil, err
	}
	return &u, nil
}
