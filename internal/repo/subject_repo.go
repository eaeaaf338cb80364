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

// DueSubject — субъект, по которому пора генерировать задачу,
// вместе с числом его незавершённых задач.
type DueSubject struct {
	Subject  domain.Subject
	Inflight int
}

// SubjectRepo — репозиторий заказов и квот.
type SubjectRepo struct {
	pool *pgxpool.Pool
}

// NewSubjectRepo создаёт новый SubjectRepo.
func NewSubjectRepo(pool *pgxpool.Pool) *SubjectRepo {
	return &SubjectRepo{pool: pool}
}

const orderColumns = `
	o.id, o.external_id, o.link, o.descriptor, o.quantity, o.delivered, o.remains,
	o.status, o.last_error, o.last_error_at, o.exec_meta, o.next_run_at, o.dripfeed,
	o.created_at, o.updated_at`

const quotaColumns = `
	q.id, q.link, q.descriptor, q.quantity, q.delivered, q.remains,
	q.status, q.last_error, q.last_error_at, q.exec_meta, q.next_run_at,
	q.rotate_last_n, q.rotate_cursor, q.posts, q.window_cron, q.window_ends_at,
	q.created_at, q.updated_at`

// inflightJoin считает незавершённые задачи субъекта; $3 — тип субъекта.
const inflightJoin = `
	LEFT JOIN LATERAL (
		SELECT count(*)::int AS n
		FROM tasks t
		WHERE t.subject_kind = $3 AND t.subject_id = %s.id
		  AND t.status IN ('queued', 'leased', 'pending')
	) inflight ON true`

// ListDueOrders возвращает активные заказы с наступившим next_run_at,
// у которых остаток не покрыт незавершёнными задачами.
func (r *SubjectRepo) ListDueOrders(ctx context.Context, now time.Time, limit int) ([]DueSubject, error) {
	query := `
		SELECT ` + orderColumns + `, inflight.n
		FROM orders o` + fmt.Sprintf(inflightJoin, "o") + `
		WHERE o.status IN ('pending', 'in_progress')
		  AND o.remains > 0
		  AND (o.next_run_at IS NULL OR o.next_run_at <= $1)
		  AND o.remains - inflight.n * GREATEST(COALESCE((o.exec_meta->>'per_call')::int, 1), 1) > 0
		ORDER BY o.next_run_at NULLS FIRST, o.id
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit, string(domain.SubjectOrder))
	if err != nil {
		return nil, fmt.Errorf("list due orders: %w", err)
	}
	defer rows.Close()

	var out []DueSubject
	for rows.Next() {
		var inflight int
		o, err := scanOrder(rows, &inflight)
		if err != nil {
			return nil, err
		}
		out = append(out, DueSubject{Subject: o, Inflight: inflight})
	}
	return out, rows.Err()
}

// ListDueQuotas возвращает активные квоты с наступившим next_run_at.
func (r *SubjectRepo) ListDueQuotas(ctx context.Context, now time.Time, limit int) ([]DueSubject, error) {
	query := `
		SELECT ` + quotaColumns + `, inflight.n
		FROM quotas q` + fmt.Sprintf(inflightJoin, "q") + `
		WHERE q.status IN ('pending', 'in_progress')
		  AND q.remains > 0
		  AND (q.window_ends_at IS NULL OR q.window_ends_at > $1)
		  AND (q.next_run_at IS NULL OR q.next_run_at <= $1)
		  AND q.remains - inflight.n * GREATEST(COALESCE((q.exec_meta->>'per_call')::int, 1), 1) > 0
		ORDER BY q.next_run_at NULLS FIRST, q.id
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit, string(domain.SubjectQuota))
	if err != nil {
		return nil, fmt.Errorf("list due quotas: %w", err)
	}
	defer rows.Close()

	var out []DueSubject
	for rows.Next() {
		var inflight int
		q, err := scanQuota(rows, &inflight)
		if err != nil {
			return nil, err
		}
		out = append(out, DueSubject{Subject: q, Inflight: inflight})
	}
	return out, rows.Err()
}

// UpdateSchedule сохраняет субъект, только если его next_run_at всё ещё
// равен prevNextRun. Возвращает false, если строку уже изменили.
func (r *SubjectRepo) UpdateSchedule(ctx context.Context, subj domain.Subject, prevNextRun *time.Time) (bool, error) {
	return saveSubject(ctx, r.pool, subj, true, prevNextRun)
}

// DeferNextRun переносит next_run_at субъекта, только если он всё ещё
// равен prevNextRun. Остальные поля не трогает.
func (r *SubjectRepo) DeferNextRun(ctx context.Context, kind domain.SubjectKind, id uuid.UUID, prevNextRun *time.Time, next time.Time) (bool, error) {
	var table string
	switch kind {
	case domain.SubjectOrder:
		table = "orders"
	case domain.SubjectQuota:
		table = "quotas"
	default:
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownSubject, kind)
	}
	query := `
		UPDATE ` + table + `
		SET next_run_at = $3, updated_at = now()
		WHERE id = $1 AND next_run_at IS NOT DISTINCT FROM $2
	`
	result, err := r.pool.Exec(ctx, query, id, prevNextRun, next)
	if err != nil {
		return false, fmt.Errorf("defer %s %s: %w", kind, id, err)
	}
	return result.RowsAffected() == 1, nil
}

// ListExpiredQuotaWindows возвращает квоты с окном, закончившимся к now.
func (r *SubjectRepo) ListExpiredQuotaWindows(ctx context.Context, now time.Time, limit int) ([]*domain.Quota, error) {
	query := `
		SELECT ` + quotaColumns + `
		FROM quotas q
		WHERE q.window_cron IS NOT NULL
		  AND q.window_ends_at IS NOT NULL
		  AND q.window_ends_at <= $1
		  AND q.status NOT IN ('paused', 'canceled')
		ORDER BY q.window_ends_at
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired quota windows: %w", err)
	}
	defer rows.Close()

	var out []*domain.Quota
	for rows.Next() {
		q, err := scanQuota(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// RenewQuotaWindow сохраняет обновлённое окно, только если window_ends_at
// всё ещё равен prevEndsAt.
func (r *SubjectRepo) RenewQuotaWindow(ctx context.Context, q *domain.Quota, prevEndsAt time.Time) (bool, error) {
	query := `
		UPDATE quotas
		SET delivered = $3, remains = $4, status = $5, last_error = $6, last_error_at = $7,
		    next_run_at = $8, window_ends_at = $9, updated_at = $10
		WHERE id = $1 AND window_ends_at = $2
	`
	result, err := r.pool.Exec(ctx, query,
		q.ID, prevEndsAt,
		q.State.Delivered, q.State.Remains, q.State.Status,
		nullString(q.State.LastError), q.State.LastErrorAt,
		q.Exec.NextRunAt, q.WindowEndsAt, q.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("renew quota window: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// GetOrder возвращает заказ по ID.
func (r *SubjectRepo) GetOrder(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	return getOrder(ctx, r.pool, id, false)
}

// GetQuota возвращает квоту по ID.
func (r *SubjectRepo) GetQuota(ctx context.Context, id uuid.UUID) (*domain.Quota, error) {
	return getQuota(ctx, r.pool, id, false)
}

func getOrder(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders o WHERE o.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(q.QueryRow(ctx, query, id), nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func getQuota(ctx context.Context, qr querier, id uuid.UUID, forUpdate bool) (*domain.Quota, error) {
	query := `SELECT ` + quotaColumns + ` FROM quotas q WHERE q.id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	q, err := scanQuota(qr.QueryRow(ctx, query, id), nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

// loadSubject загружает субъект по типу и ID.
func loadSubject(ctx context.Context, q querier, kind domain.SubjectKind, id uuid.UUID, forUpdate bool) (domain.Subject, error) {
	switch kind {
	case domain.SubjectOrder:
		return getOrder(ctx, q, id, forUpdate)
	case domain.SubjectQuota:
		return getQuota(ctx, q, id, forUpdate)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSubject, kind)
	}
}

// saveSubject записывает изменяемые поля субъекта. При guarded запись
// применяется только при совпадении next_run_at с prevNextRun.
func saveSubject(ctx context.Context, q querier, subj domain.Subject, guarded bool, prevNextRun *time.Time) (bool, error) {
	var (
		query string
		args  []any
	)
	p, meta := subj.Progress(), subj.Meta()
	execJSON, err := marshalJSON("exec_meta", meta)
	if err != nil {
		return false, err
	}

	switch s := subj.(type) {
	case *domain.Order:
		dripJSON, err := marshalJSON("dripfeed", s.Dripfeed)
		if err != nil {
			return false, err
		}
		query = `
			UPDATE orders
			SET delivered = $3, remains = $4, status = $5, last_error = $6, last_error_at = $7,
			    exec_meta = $8, next_run_at = $9, dripfeed = $10, updated_at = now()
			WHERE id = $1 AND ($2 OR next_run_at IS NOT DISTINCT FROM $11)
		`
		args = []any{s.ID, !guarded,
			p.Delivered, p.Remains, p.Status, nullString(p.LastError), p.LastErrorAt,
			execJSON, meta.NextRunAt, dripJSON, prevNextRun}

	case *domain.Quota:
		postsJSON, err := marshalJSON("posts", s.Posts)
		if err != nil {
			return false, err
		}
		query = `
			UPDATE quotas
			SET delivered = $3, remains = $4, status = $5, last_error = $6, last_error_at = $7,
			    exec_meta = $8, next_run_at = $9, rotate_cursor = $10, posts = $11, updated_at = now()
			WHERE id = $1 AND ($2 OR next_run_at IS NOT DISTINCT FROM $12)
		`
		args = []any{s.ID, !guarded,
			p.Delivered, p.Remains, p.Status, nullString(p.LastError), p.LastErrorAt,
			execJSON, meta.NextRunAt, s.RotateCursor, postsJSON, prevNextRun}

	default:
		return false, fmt.Errorf("%w: %T", domain.ErrUnknownSubject, subj)
	}

	result, err := q.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("save %s %s: %w", subj.Kind(), subj.SubjectID(), err)
	}
	return result.RowsAffected() == 1, nil
}

// scanOrder сканирует строку в Order. Если inflight не nil, последняя
// колонка — число незавершённых задач.
func scanOrder(row pgx.Row, inflight *int) (*domain.Order, error) {
	var (
		o                   domain.Order
		externalID, lastErr *string
		descJSON, execJSON  []byte
		dripJSON            []byte
		nextRun             *time.Time
	)
	dest := []any{
		&o.ID, &externalID, &o.LinkURL, &descJSON,
		&o.State.Quantity, &o.State.Delivered, &o.State.Remains,
		&o.State.Status, &lastErr, &o.State.LastErrorAt,
		&execJSON, &nextRun, &dripJSON,
		&o.CreatedAt, &o.UpdatedAt,
	}
	if inflight != nil {
		dest = append(dest, inflight)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.ExternalID = deref(externalID)
	o.State.LastError = deref(lastErr)
	if err := unmarshalJSON("descriptor", descJSON, &o.Descriptor); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("exec_meta", execJSON, &o.Exec); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("dripfeed", dripJSON, &o.Dripfeed); err != nil {
		return nil, err
	}
	// Колонка next_run_at — источник истины, копия в exec_meta вторична.
	o.Exec.NextRunAt = nextRun
	return &o, nil
}

// scanQuota сканирует строку в Quota.
func scanQuota(row pgx.Row, inflight *int) (*domain.Quota, error) {
	var (
		q                             domain.Quota
		lastErr, windowCron           *string
		descJSON, execJSON, postsJSON []byte
		nextRun                       *time.Time
	)
	dest := []any{
		&q.ID, &q.LinkURL, &descJSON,
		&q.State.Quantity, &q.State.Delivered, &q.State.Remains,
		&q.State.Status, &lastErr, &q.State.LastErrorAt,
		&execJSON, &nextRun,
		&q.RotateLastN, &q.RotateCursor, &postsJSON, &windowCron, &q.WindowEndsAt,
		&q.CreatedAt, &q.UpdatedAt,
	}
	if inflight != nil {
		dest = append(dest, inflight)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan quota: %w", err)
	}

	q.State.LastError = deref(lastErr)
	q.WindowCron = deref(windowCron)
	if err := unmarshalJSON("descriptor", descJSON, &q.Descriptor); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("exec_meta", execJSON, &q.Exec); err != nil {
		return nil, err
	}
	if err := unmarshalJSON("posts", postsJSON, &q.Posts); err != nil {
		return nil, err
	}
	q.Exec.NextRunAt = nextRun
	return &q, nil
}
