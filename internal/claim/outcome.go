package claim

// Outcome — результат операции claim-протокола.
//
// Отказы Reserve/Commit — ожидаемые бизнес-исходы, поэтому это значения, а не ошибки.
type Outcome string

const (
	OutcomeOK Outcome = "ok"

	// Reserve
	OutcomeLocked                 Outcome = "locked"
	OutcomeCooldown               Outcome = "cooldown"
	OutcomeDedupe                 Outcome = "dedupe"
	OutcomeStateAlreadySubscribed Outcome = "state_already_subscribed"
	OutcomeStateNotSubscribed     Outcome = "state_not_subscribed"
	OutcomeCapReached             Outcome = "cap_reached"

	// Commit
	OutcomeNoLock      Outcome = "no_lock"
	OutcomeCapExceeded Outcome = "cap_exceeded"
)

// OK возвращает true для успешного исхода.
func (o Outcome) OK() bool {
	return o == OutcomeOK
}

// IsStateConflict возвращает true, если Reserve отклонён из-за состояния связи.
func (o Outcome) IsStateConflict() bool {
	return o == OutcomeStateAlreadySubscribed || o == OutcomeStateNotSubscribed
}

// AccountSpecific возвращает true, если отказ касается только этого аккаунта,
// и имеет смысл попробовать другой.
func (o Outcome) AccountSpecific() bool {
	switch o {
	case OutcomeLocked, OutcomeCooldown, OutcomeDedupe, OutcomeStateAlreadySubscribed, OutcomeCapReached:
		return true
	default:
		return false
	}
}

func parseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeOK, OutcomeLocked, OutcomeCooldown, OutcomeDedupe,
		OutcomeStateAlreadySubscribed, OutcomeStateNotSubscribed, OutcomeCapReached,
		OutcomeNoLock, OutcomeCapExceeded:
		return o, nil
	default:
		return "", ErrUnexpectedReply
	}
}
