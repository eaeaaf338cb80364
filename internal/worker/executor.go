package worker

import (
	"context"
	"fmt"

	"github.com/shaiso/Fanout/internal/domain"
)

// Executor выполняет действие задачи от имени аккаунта.
//
// Ошибка означает, что вызов не дошёл до результата, и классифицируется
// пулом (pool.FloodWaitError, pool.ErrAuthRevoked, pool.ErrProxyUnavailable,
// pool.ErrRejected, остальное — временная ошибка). Бизнес-отказ платформы
// возвращается как ExecResult с OK=false и nil-ошибкой.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task, acc *domain.Account) (*domain.ExecResult, error)
}

// Registry — исполнители по виду (payload.executor).
type Registry struct {
	executors   map[string]Executor
	defaultKind string
}

// NewRegistry создаёт пустой реестр. defaultKind используется для задач
// без явного вида исполнителя.
func NewRegistry(defaultKind string) *Registry {
	return &Registry{executors: make(map[string]Executor), defaultKind: defaultKind}
}

// Register добавляет исполнитель.
func (r *Registry) Register(kind string, executor Executor) {
	r.executors[kind] = executor
}

// Get возвращает исполнитель для вида kind (пустой — по умолчанию).
func (r *Registry) Get(kind string) (Executor, error) {
	if kind == "" {
		kind = r.defaultKind
	}
	executor, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, kind)
	}
	return executor, nil
}

// Kinds возвращает зарегистрированные виды.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.executors))
	for k := range r.executors {
		kinds = append(kinds, k)
	}
	return kinds
}
