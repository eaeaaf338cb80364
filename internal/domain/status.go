package domain

// TaskStatus — статус задачи.
//
// Жизненный цикл:
//
//	queued → leased → done
//	                ↘ failed
//	                ↘ pending → done / failed (асинхронное завершение)
//	leased (lease истёк) → leased (повторная выдача)
type TaskStatus string

const (
	// TaskStatusQueued — задача создана и ждёт воркера.
	TaskStatusQueued TaskStatus = "queued"

	// TaskStatusLeased — задача выдана воркеру до LeaseExpiresAt.
	TaskStatusLeased TaskStatus = "leased"

	// TaskStatusPending — исполнитель принял задачу, результат придёт позже.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusDone — задача успешно завершена.
	TaskStatusDone TaskStatus = "done"

	// TaskStatusFailed — задача завершилась ошибкой.
	TaskStatusFailed TaskStatus = "failed"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed:
		return true
	default:
		return false
	}
}

// IsValid возвращает true для известного статуса.
func (s TaskStatus) IsValid() bool {
	return s.IsTerminal() || s.IsInflight()
}

// IsInflight возвращает true, если задача ещё занимает слот субъекта.
func (s TaskStatus) IsInflight() bool {
	switch s {
	case TaskStatusQueued, TaskStatusLeased, TaskStatusPending:
		return true
	default:
		return false
	}
}

// UnsubscribeStatus — статус отложенной отписки.
//
//	pending → processing → done
//	             ↘ pending (ошибка, backoff 1 час)
//	             ↘ failed
type UnsubscribeStatus string

const (
	UnsubscribeStatusPending    UnsubscribeStatus = "pending"
	UnsubscribeStatusProcessing UnsubscribeStatus = "processing"
	UnsubscribeStatusDone       UnsubscribeStatus = "done"
	UnsubscribeStatusFailed     UnsubscribeStatus = "failed"
)

func (s UnsubscribeStatus) IsValid() bool {
	switch s {
	case UnsubscribeStatusPending, UnsubscribeStatusProcessing, UnsubscribeStatusDone, UnsubscribeStatusFailed:
		return true
	default:
		return false
	}
}

// SubjectStatus — статус заказа или квоты.
type SubjectStatus string

const (
	SubjectStatusPending    SubjectStatus = "pending"
	SubjectStatusInProgress SubjectStatus = "in_progress"
	SubjectStatusCompleted  SubjectStatus = "completed"
	SubjectStatusPaused     SubjectStatus = "paused"
	SubjectStatusCanceled   SubjectStatus = "canceled"
)

// IsActive возвращает true, если по субъекту можно генерировать задачи.
func (s SubjectStatus) IsActive() bool {
	return s == SubjectStatusPending || s == SubjectStatusInProgress
}
