package domain

import "time"

// ExecState — состояние, о котором сообщает исполнитель.
type ExecState string

const (
	ExecStateDone    ExecState = "done"
	ExecStatePending ExecState = "pending"
)

// ExecResult — контракт результата исполнения.
//
// Один и тот же контракт приходит от локального исполнителя, из webhook
// и из очереди tasks.reported: планировщик не различает источник.
type ExecResult struct {
	// OK — действие выполнено.
	OK bool `json:"ok"`

	// State — done или pending.
	State ExecState `json:"state"`

	// Error — текст ошибки (для ok=false).
	Error string `json:"error,omitempty"`

	// RetryAfter — подсказка исполнителя о паузе перед повтором, в секундах.
	RetryAfter int `json:"retry_after,omitempty"`

	// ProviderTaskID — идентификатор задачи у внешнего провайдера.
	ProviderTaskID string `json:"provider_task_id,omitempty"`

	// Data — произвольные данные исполнителя.
	Data map[string]any `json:"data,omitempty"`
}

// IsPending возвращает true, если результат ещё не окончательный.
func (r *ExecResult) IsPending() bool {
	return r != nil && r.State == ExecStatePending
}

// Succeeded возвращает true для окончательного успеха.
func (r *ExecResult) Succeeded() bool {
	return r != nil && r.OK && r.State != ExecStatePending
}

// RetryAfterDuration возвращает RetryAfter как time.Duration.
func (r *ExecResult) RetryAfterDuration() time.Duration {
	if r == nil || r.RetryAfter <= 0 {
		return 0
	}
	return time.Duration(r.RetryAfter) * time.Second
}
