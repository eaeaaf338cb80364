package scheduler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/mq"
)

func reportedMessage(t *testing.T, taskID uuid.UUID, result domain.ExecResult) *mq.Message {
	t.Helper()
	msg, err := mq.NewMessage(mq.MessageTypeTaskReported, mq.TaskReportedPayload{TaskID: taskID, Result: result}, start)
	require.NoError(t, err)
	return msg
}

func TestHandleTaskReported(t *testing.T) {
	h := newHarness(t, heavyAccounts(1))
	o := newOrder(domain.ActionView, 5)
	h.store.putOrder(o)

	task := h.generateOne(t)
	h.leaseAll(t)

	msg := reportedMessage(t, task.ID, *okResult)
	require.NoError(t, h.sched.HandleTaskReported(context.Background(), msg))
	assert.Equal(t, domain.TaskStatusDone, h.store.task(task.ID).Status)

	// повторная доставка — duplicate, не ошибка
	require.NoError(t, h.sched.HandleTaskReported(context.Background(), msg))
	assert.Equal(t, 4, h.store.order(o.ID).State.Remains)
}

func TestHandleTaskReported_Permanent(t *testing.T) {
	h := newHarness(t, nil)

	err := h.sched.HandleTaskReported(context.Background(), reportedMessage(t, uuid.New(), *okResult))
	assert.True(t, mq.IsPermanent(err))

	bad := &mq.Message{Type: mq.MessageTypeTaskReported, Payload: json.RawMessage(`[]`)}
	err = h.sched.HandleTaskReported(context.Background(), bad)
	assert.True(t, mq.IsPermanent(err))
}
