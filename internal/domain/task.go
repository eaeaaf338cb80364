package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task — одна операция над одним аккаунтом.
//
// Task создаётся TaskScheduler'ом после успешного Reserve и выполняется Worker'ом.
// Терминальные статусы — done и failed.
type Task struct {
	// ID — уникальный идентификатор task. Он же fencing-токен claim-блокировки.
	ID uuid.UUID `json:"id"`

	// SubjectKind — тип субъекта (order, quota). Пусто для задач отписки.
	SubjectKind SubjectKind `json:"subject_kind,omitempty"`

	// SubjectID — ссылка на субъект.
	SubjectID *uuid.UUID `json:"subject_id,omitempty"`

	// UnsubscribeID — ссылка на отложенную отписку, которую исполняет task.
	UnsubscribeID *uuid.UUID `json:"unsubscribe_id,omitempty"`

	// Action — действие.
	Action Action `json:"action"`

	// LinkHash — хэш целевой ссылки.
	LinkHash string `json:"link_hash"`

	// AccountID — аккаунт, для которого сделан Reserve.
	AccountID uuid.UUID `json:"account_id"`

	// Status — текущий статус.
	Status TaskStatus `json:"status"`

	// Attempt — номер выдачи воркеру (начиная с 1 после первого lease).
	Attempt int `json:"attempt"`

	// LeaseExpiresAt — до какого момента task принадлежит воркеру.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	// Payload — непрозрачные данные для исполнителя.
	Payload TaskPayload `json:"payload"`

	// Result — последний результат исполнения.
	Result *ExecResult `json:"result,omitempty"`

	// Error — текст ошибки при неудаче.
	Error string `json:"error,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// FinishedAt — время финализации.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskPayload — то, что получает исполнитель.
type TaskPayload struct {
	// Link — исходная ссылка.
	Link string `json:"link"`

	// Descriptor — разобранная ссылка.
	Descriptor LinkDescriptor `json:"descriptor"`

	// PerCall — сколько единиц прогресса даёт один успешный вызов.
	PerCall int `json:"per_call"`

	// Executor — вид исполнителя ("native", "provider").
	Executor string `json:"executor"`

	// Template — текст/реакция для comment и react.
	Template string `json:"template,omitempty"`

	// Policy — снимок политики на момент генерации.
	Policy RateLimitPolicy `json:"policy"`

	// ServiceDurationSeconds — сколько держать подписку до автоотписки (0 — не отписывать).
	ServiceDurationSeconds int `json:"service_duration_seconds,omitempty"`
}

// IsFinished возвращает true, если task завершён.
func (t *Task) IsFinished() bool {
	return t.Status.IsTerminal()
}

// LeaseExpired проверяет, истекла ли аренда на момент now.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.After(now)
}

// MarkLeased выдаёт task воркеру.
func (t *Task) MarkLeased(until time.Time) {
	t.Status = TaskStatusLeased
	t.LeaseExpiresAt = &until
	t.Attempt++
}

// MarkPending переводит task в ожидание асинхронного результата.
func (t *Task) MarkPending(until time.Time, result *ExecResult) {
	t.Status = TaskStatusPending
	t.LeaseExpiresAt = &until
	t.Result = result
}

// MarkDone финализирует task успехом.
func (t *Task) MarkDone(now time.Time, result *ExecResult) {
	t.Status = TaskStatusDone
	t.FinishedAt = &now
	t.LeaseExpiresAt = nil
	t.Result = result
	t.Error = ""
}

// MarkFailed финализирует task ошибкой.
func (t *Task) MarkFailed(now time.Time, result *ExecResult, errMsg string) {
	t.Status = TaskStatusFailed
	t.FinishedAt = &now
	t.LeaseExpiresAt = nil
	t.Result = result
	t.Error = errMsg
}

// Units возвращает число единиц прогресса, которое даёт успешный task.
func (t *Task) Units() int {
	if t.Payload.PerCall <= 0 {
		return 1
	}
	return t.Payload.PerCall
}
