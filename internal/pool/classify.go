package pool

import (
	"errors"
	"time"
)

// Class — класс исхода вызова.
type Class string

const (
	ClassOK        Class = "ok"
	ClassFlood     Class = "flood"
	ClassAuth      Class = "auth"
	ClassProxy     Class = "proxy"
	ClassRejected  Class = "rejected"
	ClassTransient Class = "transient"
)

// Classify определяет класс исхода по ошибке вызова.
// Всё, что не распознано, считается временной ошибкой инфраструктуры.
func Classify(err error) Class {
	if err == nil {
		return ClassOK
	}
	var flood *FloodWaitError
	switch {
	case errors.As(err, &flood):
		return ClassFlood
	case errors.Is(err, ErrAuthRevoked):
		return ClassAuth
	case errors.Is(err, ErrProxyUnavailable):
		return ClassProxy
	case errors.Is(err, ErrRejected):
		return ClassRejected
	default:
		return ClassTransient
	}
}

// FloodWait извлекает время ожидания из ошибки flood-wait.
func FloodWait(err error) (time.Duration, bool) {
	var flood *FloodWaitError
	if errors.As(err, &flood) {
		return flood.Wait, true
	}
	return 0, false
}

// transientTiers — ступени cooldown после подряд идущих временных ошибок.
var transientTiers = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// TransientCooldown возвращает cooldown для failCount-й подряд ошибки (с 1).
func TransientCooldown(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	if failCount > len(transientTiers) {
		return transientTiers[len(transientTiers)-1]
	}
	return transientTiers[failCount-1]
}
