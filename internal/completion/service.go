package completion

import (
	"time"

	"github.com/shaiso/Fanout/internal/domain"
)

// Значения по умолчанию.
const (
	DefaultMinRetryDelay     = 5 * time.Second
	DefaultMaxRetryDelay     = time.Hour
	DefaultNoCapacityBackoff = time.Minute
)

// Config — конфигурация Service.
type Config struct {
	MinRetryDelay     time.Duration
	MaxRetryDelay     time.Duration
	NoCapacityBackoff time.Duration
}

// Service применяет результаты задач к субъектам.
type Service struct {
	minDelay          time.Duration
	maxDelay          time.Duration
	noCapacityBackoff time.Duration
}

// New создаёт новый Service.
func New(cfg Config) *Service {
	if cfg.MinRetryDelay <= 0 {
		cfg.MinRetryDelay = DefaultMinRetryDelay
	}
	if cfg.MaxRetryDelay < cfg.MinRetryDelay {
		cfg.MaxRetryDelay = max(DefaultMaxRetryDelay, cfg.MinRetryDelay)
	}
	if cfg.NoCapacityBackoff <= 0 {
		cfg.NoCapacityBackoff = DefaultNoCapacityBackoff
	}
	return &Service{
		minDelay:          cfg.MinRetryDelay,
		maxDelay:          cfg.MaxRetryDelay,
		noCapacityBackoff: cfg.NoCapacityBackoff,
	}
}

// Outcome — что изменилось в субъекте.
type Outcome struct {
	// Applied — сколько единиц реально засчитано после ограничения.
	Applied int

	// Completed — субъект перешёл в completed.
	Completed bool

	// RunAdvanced — dripfeed перешёл к следующему прогону.
	RunAdvanced bool

	// DripFinished — все прогоны dripfeed исчерпаны.
	DripFinished bool
}

// ApplySuccess засчитывает units единиц прогресса.
func (s *Service) ApplySuccess(subj domain.Subject, units int, now time.Time) Outcome {
	var out Outcome
	if units <= 0 {
		return out
	}

	p := subj.Progress()
	applied := min(units, p.Remains, p.Quantity-p.Delivered)
	if applied < 0 {
		applied = 0
	}
	p.Delivered += applied
	p.Remains -= applied
	out.Applied = applied

	if p.Remains <= 0 {
		p.Remains = 0
		if p.Status != domain.SubjectStatusCompleted {
			p.Status = domain.SubjectStatusCompleted
			out.Completed = true
		}
	} else if p.Status == domain.SubjectStatusPending {
		p.Status = domain.SubjectStatusInProgress
	}

	if d := subj.Drip(); d != nil && d.Enabled && applied > 0 {
		d.RunDelivered += applied
		if d.RunDelivered >= d.RunQuantity {
			if d.CurrentRun >= d.Runs {
				d.Enabled = false
				out.DripFinished = true
			} else {
				d.CurrentRun++
				d.RunDelivered = 0
				next := now.Add(time.Duration(d.IntervalSeconds) * time.Second)
				subj.Meta().NextRunAt = &next
				out.RunAdvanced = true
			}
		}
	}

	return out
}

// ApplyFailure записывает ошибку и откладывает следующую попытку.
// retryAfter — подсказка исполнителя (0 — нет).
func (s *Service) ApplyFailure(subj domain.Subject, errMsg string, retryAfter time.Duration, now time.Time) {
	p := subj.Progress()
	p.LastError = errMsg
	p.LastErrorAt = &now

	next := now.Add(s.RetryDelay(subj.Meta(), retryAfter))
	subj.Meta().NextRunAt = &next
}

// MarkNoCapacity возвращает субъект в pending с диагностикой,
// когда для него не нашлось аккаунта.
func (s *Service) MarkNoCapacity(subj domain.Subject, reason string, now time.Time) {
	p := subj.Progress()
	if p.Status.IsActive() {
		p.Status = domain.SubjectStatusPending
	}
	p.LastError = reason
	p.LastErrorAt = &now

	next := now.Add(s.noCapacityBackoff)
	subj.Meta().NextRunAt = &next
}

// RetryDelay возвращает задержку перед повтором.
func (s *Service) RetryDelay(meta *domain.ExecMeta, retryAfter time.Duration) time.Duration {
	d := retryAfter
	if d <= 0 {
		d = meta.Interval()
	}
	return min(max(d, s.minDelay), s.maxDelay)
}
