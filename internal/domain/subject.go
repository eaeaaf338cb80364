package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubjectKind — тип субъекта, ради которого создаются задачи.
type SubjectKind string

const (
	SubjectOrder SubjectKind = "order"
	SubjectQuota SubjectKind = "quota"
)

// Subject — общий контракт заказа и квоты.
//
// CompletionService и TaskScheduler работают только через него;
// конкретные варианты (Order, Quota) реализуют его независимо.
type Subject interface {
	Kind() SubjectKind
	SubjectID() uuid.UUID
	Progress() *Progress
	Meta() *ExecMeta
	Link() (string, LinkDescriptor)
	// Drip возвращает параметры dripfeed или nil, если он не поддерживается.
	Drip() *Dripfeed
}

// Progress — счётчики выполнения субъекта.
type Progress struct {
	// Quantity — целевое количество.
	Quantity int `json:"quantity"`

	// Delivered — сколько уже выполнено.
	Delivered int `json:"delivered"`

	// Remains — сколько осталось.
	Remains int `json:"remains"`

	// Status — статус субъекта.
	Status SubjectStatus `json:"status"`

	// LastError — последняя видимая пользователю ошибка.
	LastError string `json:"last_error,omitempty"`

	// LastErrorAt — время последней ошибки.
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// ExecMeta — встроенные метаданные исполнения субъекта.
type ExecMeta struct {
	// Action — действие.
	Action Action `json:"action"`

	// IntervalSeconds — пауза между генерациями задач.
	IntervalSeconds int `json:"interval_seconds"`

	// Cron — необязательное cron-выражение вместо интервала.
	Cron string `json:"cron,omitempty"`

	// PerCall — единиц прогресса за вызов.
	PerCall int `json:"per_call"`

	// Executor — вид исполнителя.
	Executor string `json:"executor,omitempty"`

	// Template — текст комментария или реакция.
	Template string `json:"template,omitempty"`

	// ServiceDurationSeconds — срок удержания подписки до автоотписки.
	ServiceDurationSeconds int `json:"service_duration_seconds,omitempty"`

	// NextRunAt — когда субъект снова станет due.
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// Interval возвращает IntervalSeconds как time.Duration.
func (m *ExecMeta) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// Units возвращает PerCall, не меньше 1.
func (m *ExecMeta) Units() int {
	if m.PerCall <= 0 {
		return 1
	}
	return m.PerCall
}

// IsDue проверяет, пора ли генерировать задачу.
func (m *ExecMeta) IsDue(now time.Time) bool {
	return m.NextRunAt == nil || !m.NextRunAt.After(now)
}

// Dripfeed — постепенная доставка заказа несколькими прогонами.
type Dripfeed struct {
	// Enabled — гейтинг по прогонам активен.
	Enabled bool `json:"enabled"`

	// Runs — общее число прогонов.
	Runs int `json:"runs"`

	// RunQuantity — сколько доставить за прогон.
	RunQuantity int `json:"run_quantity"`

	// CurrentRun — текущий прогон, начиная с 1.
	CurrentRun int `json:"current_run"`

	// RunDelivered — сколько доставлено в текущем прогоне.
	RunDelivered int `json:"run_delivered"`

	// IntervalSeconds — пауза между прогонами.
	IntervalSeconds int `json:"interval_seconds"`
}

// DripfeedWaitBackoff — перенос next_run_at, пока текущий прогон покрыт
// незавершёнными задачами.
const DripfeedWaitBackoff = 30 * time.Second

// RunRemains возвращает остаток текущего прогона.
func (d *Dripfeed) RunRemains() int {
	if d == nil || !d.Enabled {
		return 0
	}
	r := d.RunQuantity - d.RunDelivered
	if r < 0 {
		return 0
	}
	return r
}
