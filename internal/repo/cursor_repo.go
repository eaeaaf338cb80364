package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CursorRepo хранит курсоры round-robin планировщика.
type CursorRepo struct {
	pool *pgxpool.Pool
}

// NewCursorRepo создаёт новый CursorRepo.
func NewCursorRepo(pool *pgxpool.Pool) *CursorRepo {
	return &CursorRepo{pool: pool}
}

// Get возвращает курсор name; uuid.Nil, если его ещё нет.
func (r *CursorRepo) Get(ctx context.Context, name string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT account_id FROM scheduler_cursors WHERE name = $1`, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("get cursor %s: %w", name, err)
	}
	return id, nil
}

// Set сохраняет курсор name.
func (r *CursorRepo) Set(ctx context.Context, name string, id uuid.UUID) error {
	query := `
		INSERT INTO scheduler_cursors (name, account_id, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET account_id = EXCLUDED.account_id, updated_at = now()
	`
	if _, err := r.pool.Exec(ctx, query, name, id); err != nil {
		return fmt.Errorf("set cursor %s: %w", name, err)
	}
	return nil
}
