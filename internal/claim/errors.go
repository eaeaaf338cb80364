package claim

import "errors"

// Ошибки claim-протокола.
var (
	// ErrUnexpectedReply — хранилище вернуло неизвестный ответ.
	ErrUnexpectedReply = errors.New("unexpected claim store reply")

	// ErrEmptyToken — резервация без fencing-токена.
	ErrEmptyToken = errors.New("reservation token is empty")
)
