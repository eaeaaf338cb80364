package domain

import (
	"time"

	"github.com/google/uuid"
)

// Паузы отписки.
const (
	// UnsubscribeRetryBackoff — пауза перед повтором неудачной отписки.
	UnsubscribeRetryBackoff = time.Hour

	// UnsubscribeBusyBackoff — перенос due_at, когда аккаунт занят
	// (блокировка, cooldown, дневной лимит).
	UnsubscribeBusyBackoff = time.Minute
)

// UnsubscribeTask — отложенная отписка аккаунта от ссылки.
//
// Создаётся, когда subscribe успешно подтверждён (Commit), и исполняется
// тем же аккаунтом, что подписывался, когда наступает DueAt.
type UnsubscribeTask struct {
	// ID — уникальный идентификатор.
	ID uuid.UUID `json:"id"`

	// AccountID — аккаунт, выполнивший подписку.
	AccountID uuid.UUID `json:"account_id"`

	// LinkHash — хэш ссылки.
	LinkHash string `json:"link_hash"`

	// Link — исходная ссылка (для исполнителя).
	Link string `json:"link"`

	// Descriptor — разобранная ссылка.
	Descriptor LinkDescriptor `json:"descriptor"`

	// SourceTaskID — subscribe-задача, породившая отписку (ключ идемпотентности).
	SourceTaskID uuid.UUID `json:"source_task_id"`

	// TaskID — задача, которая исполняет отписку.
	TaskID *uuid.UUID `json:"task_id,omitempty"`

	// DueAt — когда выполнять.
	DueAt time.Time `json:"due_at"`

	// Status — статус.
	Status UnsubscribeStatus `json:"status"`

	// Attempts — число неудачных попыток.
	Attempts int `json:"attempts"`

	// LastError — последняя ошибка.
	LastError string `json:"last_error,omitempty"`

	// CreatedAt — время создания.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsDue проверяет, пора ли выполнять отписку.
func (u *UnsubscribeTask) IsDue(now time.Time) bool {
	return u.Status == UnsubscribeStatusPending && !u.DueAt.After(now)
}
