package scheduler

import (
	"context"
	"errors"

	"github.com/shaiso/Fanout/internal/mq"
)

// HandleTaskReported — обработчик очереди tasks.reported.
//
// Отчёт о неизвестной задаче или с невалидным результатом уходит в DLQ,
// остальные ошибки повторяются.
func (s *Scheduler) HandleTaskReported(ctx context.Context, msg *mq.Message) error {
	p, err := mq.ParsePayload[mq.TaskReportedPayload](msg)
	if err != nil {
		return err
	}

	status, err := s.ReportTaskResult(ctx, p.TaskID, &p.Result)
	if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrInvalidResult) {
		return mq.Permanent(err)
	}
	if err != nil {
		return err
	}

	s.logger.Debug("report consumed", "task_id", p.TaskID, "status", status, "message_id", msg.ID)
	return nil
}
