package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownExecutor — нет исполнителя для payload.executor.
	ErrUnknownExecutor = errors.New("unknown executor")

	// ErrExecutorUnavailable — клиент автоматизации не ответил или вернул 5xx.
	// Аккаунт в этом не виноват: пул об этой ошибке не узнаёт.
	ErrExecutorUnavailable = errors.New("executor unavailable")

	// ErrBadResponse — ответ исполнителя не соответствует контракту.
	ErrBadResponse = errors.New("bad executor response")

	// ErrAccountUnusable — аккаунт задачи удалён или отключён.
	ErrAccountUnusable = errors.New("account unusable")
)
