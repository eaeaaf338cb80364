package pool

import (
	"errors"
	"fmt"
	"time"
)

// Причины, по которым аккаунт не найден.
var (
	// ErrNoCandidates — нет ни одного подходящего аккаунта.
	ErrNoCandidates = errors.New("no eligible accounts")

	// ErrAllProxiesCooling — подходящие аккаунты есть, но все их прокси на cooldown или исключены.
	ErrAllProxiesCooling = errors.New("all candidate proxies are cooling down")

	// ErrAttemptsExhausted — исчерпан лимит попыток цикла.
	ErrAttemptsExhausted = errors.New("account attempts exhausted")

	// ErrDeadlineExceeded — истёк общий дедлайн цикла.
	ErrDeadlineExceeded = errors.New("pool deadline exceeded")
)

// Ошибки, которые возвращает вызов, чтобы пул мог их классифицировать.
var (
	// ErrAuthRevoked — учётные данные аккаунта отозваны или аккаунт забанен.
	ErrAuthRevoked = errors.New("account credentials revoked")

	// ErrProxyUnavailable — не удалось установить соединение через прокси.
	ErrProxyUnavailable = errors.New("proxy unavailable")

	// ErrRejected — целевая система отклонила запрос по бизнес-причине
	// (некорректная ссылка, приватный канал). Другой аккаунт не поможет.
	ErrRejected = errors.New("request rejected")
)

// FloodWaitError — целевая система требует подождать Wait перед следующим вызовом.
type FloodWaitError struct {
	Wait time.Duration
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s", e.Wait)
}

// IsNoCandidate возвращает true для любой из причин «аккаунт не найден».
func IsNoCandidate(err error) bool {
	return errors.Is(err, ErrNoCandidates) ||
		errors.Is(err, ErrAllProxiesCooling) ||
		errors.Is(err, ErrAttemptsExhausted)
}
