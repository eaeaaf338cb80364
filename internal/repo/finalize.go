package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/shaiso/Fanout/internal/domain"
)

// FinalizeTx — операции, доступные внутри транзакции финализации task'а.
//
// Строки субъекта и отписки блокируются до конца транзакции, поэтому
// параллельный отчёт по другому task'у того же субъекта ждёт.
type FinalizeTx interface {
	// LoadSubject загружает субъект с блокировкой строки.
	LoadSubject(ctx context.Context, kind domain.SubjectKind, id uuid.UUID) (domain.Subject, error)

	// SaveSubject сохраняет изменения субъекта.
	SaveSubject(ctx context.Context, subj domain.Subject) error

	// UpsertUnsubscribe создаёт отписку; false — отписка для этого
	// source_task_id уже есть.
	UpsertUnsubscribe(ctx context.Context, u *domain.UnsubscribeTask) (bool, error)

	// GetUnsubscribe загружает отписку с блокировкой строки.
	GetUnsubscribe(ctx context.Context, id uuid.UUID) (*domain.UnsubscribeTask, error)

	// SaveUnsubscribe сохраняет изменения отписки.
	SaveUnsubscribe(ctx context.Context, u *domain.UnsubscribeTask) error
}

// FinalizeFunc применяет эффекты результата и переводит task в
// терминальный статус. Ошибка откатывает всю транзакцию.
type FinalizeFunc func(ctx context.Context, tx FinalizeTx, t *domain.Task) error

// pgFinalizeTx — FinalizeTx поверх pgx.Tx.
type pgFinalizeTx struct {
	tx pgx.Tx
}

func (f *pgFinalizeTx) LoadSubject(ctx context.Context, kind domain.SubjectKind, id uuid.UUID) (domain.Subject, error) {
	return loadSubject(ctx, f.tx, kind, id, true)
}

func (f *pgFinalizeTx) SaveSubject(ctx context.Context, subj domain.Subject) error {
	ok, err := saveSubject(ctx, f.tx, subj, false, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (f *pgFinalizeTx) UpsertUnsubscribe(ctx context.Context, u *domain.UnsubscribeTask) (bool, error) {
	return insertUnsubscribe(ctx, f.tx, u)
}

func (f *pgFinalizeTx) GetUnsubscribe(ctx context.Context, id uuid.UUID) (*domain.UnsubscribeTask, error) {
	return getUnsubscribe(ctx, f.tx, id, true)
}

func (f *pgFinalizeTx) SaveUnsubscribe(ctx context.Context, u *domain.UnsubscribeTask) error {
	return updateUnsubscribe(ctx, f.tx, u)
}
