package domain

import "errors"

// Ошибки доменной модели.
var (
	// ErrUnknownAction — действие не поддерживается.
	ErrUnknownAction = errors.New("unknown action")

	// ErrInvalidPolicy — таблица политик не прошла валидацию.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrUnknownSubject — неизвестный тип субъекта задачи.
	ErrUnknownSubject = errors.New("unknown subject kind")
)
