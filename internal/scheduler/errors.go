package scheduler

import (
	"errors"
	"fmt"

	"github.com/shaiso/Fanout/internal/claim"
)

// Ошибки планировщика.
var (
	// ErrTaskNotFound — отчёт о несуществующем task'е.
	ErrTaskNotFound = errors.New("task not found")

	// ErrInvalidResult — отчёт без обязательных полей.
	ErrInvalidResult = errors.New("invalid execution result")
)

// ReservationError — ни один аккаунт не прошёл Reserve.
type ReservationError struct {
	// Tried — сколько аккаунтов попробовали.
	Tried int

	// Last — исход последнего Reserve.
	Last claim.Outcome
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("no account reserved after %d tries (last: %s)", e.Tried, e.Last)
}
