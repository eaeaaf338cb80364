package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/shaiso/Fanout/internal/domain"
)

// cronParser — парсер cron-выражений.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun вычисляет, когда субъект снова станет due.
//
// Cron-выражение считается в часовом поясе loc; иначе к from добавляется
// интервал. Без cron и интервала субъект due сразу.
func NextRun(meta *domain.ExecMeta, from time.Time, loc *time.Location) (time.Time, error) {
	if meta.Cron != "" {
		return nextCron(meta.Cron, from, loc)
	}
	return from.Add(meta.Interval()).UTC(), nil
}

// NextWindowEnd вычисляет конец следующего окна квоты.
func NextWindowEnd(cronExpr string, from time.Time, loc *time.Location) (time.Time, error) {
	if cronExpr == "" {
		return time.Time{}, fmt.Errorf("quota has no window cron")
	}
	return nextCron(cronExpr, from, loc)
}

// nextCron вычисляет следующее время по cron-выражению.
func nextCron(cronExpr string, from time.Time, loc *time.Location) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return schedule.Next(from.In(loc)).UTC(), nil // в UTC для хранения в БД
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}
