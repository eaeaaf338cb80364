package domain

import "fmt"

// Action — тип действия, выполняемого от имени аккаунта.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
	ActionView        Action = "view"
	ActionReact       Action = "react"
	ActionComment     Action = "comment"
	ActionFollow      Action = "follow"
	ActionJoin        Action = "join"
	ActionBotStart    Action = "bot_start"
	ActionStoryReact  Action = "story_react"
)

// AllActions — все поддерживаемые действия в стабильном порядке.
var AllActions = []Action{
	ActionSubscribe,
	ActionUnsubscribe,
	ActionView,
	ActionReact,
	ActionComment,
	ActionFollow,
	ActionJoin,
	ActionBotStart,
	ActionStoryReact,
}

// String возвращает строковое представление Action.
func (a Action) String() string {
	return string(a)
}

// IsValid проверяет, что действие известно системе.
func (a Action) IsValid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

// IsStateful возвращает true для действий, меняющих состояние связи
// аккаунт↔ссылка (подписка и отписка).
func (a Action) IsStateful() bool {
	return a == ActionSubscribe || a == ActionUnsubscribe
}

// ParseAction парсит строку в Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// LinkState — состояние связи аккаунт↔ссылка для stateful действий.
type LinkState string

const (
	LinkStateAbsent       LinkState = ""
	LinkStateSubscribed   LinkState = "subscribed"
	LinkStateUnsubscribed LinkState = "unsubscribed"
)

// TargetLinkState возвращает состояние, в которое действие переводит связь.
// Для не-stateful действий возвращает LinkStateAbsent.
func (a Action) TargetLinkState() LinkState {
	switch a {
	case ActionSubscribe:
		return LinkStateSubscribed
	case ActionUnsubscribe:
		return LinkStateUnsubscribed
	default:
		return LinkStateAbsent
	}
}

// AccountMode — класс вызовов, для которых выбирается аккаунт.
type AccountMode string

const (
	// ModeInspect — лёгкие вызовы (разбор ссылок, чтение метаданных).
	ModeInspect AccountMode = "inspect"

	// ModeHeavy — тяжёлые вызовы (действия), ограничены дневной квотой аккаунта.
	ModeHeavy AccountMode = "heavy"
)
