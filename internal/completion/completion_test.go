package completion

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Fanout/internal/domain"
)

var now = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func order(remains int) *domain.Order {
	return &domain.Order{
		ID: uuid.New(),
		State: domain.Progress{
			Quantity: remains,
			Remains:  remains,
			Status:   domain.SubjectStatusInProgress,
		},
		Exec: domain.ExecMeta{Action: domain.ActionSubscribe, IntervalSeconds: 60, PerCall: 1},
	}
}

func TestApplySuccess_Remains100(t *testing.T) {
	svc := New(Config{})
	o := order(100)

	out := svc.ApplySuccess(o, 1, now)
	assert.Equal(t, 1, out.Applied)
	assert.False(t, out.Completed)
	assert.Equal(t, 99, o.State.Remains)
	assert.Equal(t, 1, o.State.Delivered)
	assert.Equal(t, domain.SubjectStatusInProgress, o.State.Status)

	for i := 0; i < 99; i++ {
		svc.ApplySuccess(o, 1, now)
	}
	assert.Zero(t, o.State.Remains)
	assert.Equal(t, 100, o.State.Delivered)
	assert.Equal(t, domain.SubjectStatusCompleted, o.State.Status)
}

func TestApplySuccess_Clamped(t *testing.T) {
	svc := New(Config{})
	o := order(10)
	o.State.Remains = 3
	o.State.Delivered = 7

	out := svc.ApplySuccess(o, 5, now)
	assert.Equal(t, 3, out.Applied)
	assert.True(t, out.Completed)
	assert.Zero(t, o.State.Remains)
	assert.Equal(t, 10, o.State.Delivered)

	// повторное применение к завершённому субъекту ничего не меняет
	out = svc.ApplySuccess(o, 5, now)
	assert.Zero(t, out.Applied)
	assert.False(t, out.Completed)
	assert.Equal(t, 10, o.State.Delivered)
}

func TestApplySuccess_PendingBecomesInProgress(t *testing.T) {
	svc := New(Config{})
	o := order(5)
	o.State.Status = domain.SubjectStatusPending

	svc.ApplySuccess(o, 1, now)
	assert.Equal(t, domain.SubjectStatusInProgress, o.State.Status)
}

func TestApplySuccess_Dripfeed(t *testing.T) {
	svc := New(Config{})
	o := order(6)
	o.Dripfeed = domain.Dripfeed{Enabled: true, Runs: 3, RunQuantity: 2, CurrentRun: 1, IntervalSeconds: 3600}

	out := svc.ApplySuccess(o, 1, now)
	assert.False(t, out.RunAdvanced)
	assert.Equal(t, 1, o.Dripfeed.RunDelivered)

	out = svc.ApplySuccess(o, 1, now)
	assert.True(t, out.RunAdvanced)
	assert.Equal(t, 2, o.Dripfeed.CurrentRun)
	assert.Zero(t, o.Dripfeed.RunDelivered)
	require.NotNil(t, o.Exec.NextRunAt)
	assert.Equal(t, now.Add(time.Hour), *o.Exec.NextRunAt)

	svc.ApplySuccess(o, 2, now)
	assert.Equal(t, 3, o.Dripfeed.CurrentRun)

	out = svc.ApplySuccess(o, 2, now)
	assert.True(t, out.DripFinished)
	assert.True(t, out.Completed)
	assert.False(t, o.Dripfeed.Enabled)
}

func TestApplySuccess_QuotaHasNoDripfeed(t *testing.T) {
	svc := New(Config{})
	q := &domain.Quota{State: domain.Progress{Quantity: 2, Remains: 2, Status: domain.SubjectStatusPending}}

	out := svc.ApplySuccess(q, 2, now)
	assert.True(t, out.Completed)
	assert.False(t, out.RunAdvanced)
}

func TestApplyFailure(t *testing.T) {
	svc := New(Config{MinRetryDelay: 10 * time.Second, MaxRetryDelay: 10 * time.Minute})

	o := order(5)
	svc.ApplyFailure(o, "flood wait", 0, now)
	assert.Equal(t, 5, o.State.Remains)
	assert.Equal(t, "flood wait", o.State.LastError)
	require.NotNil(t, o.State.LastErrorAt)
	assert.Equal(t, now.Add(time.Minute), *o.Exec.NextRunAt, "policy interval")

	svc.ApplyFailure(o, "x", 30*time.Second, now)
	assert.Equal(t, now.Add(30*time.Second), *o.Exec.NextRunAt, "provider hint")

	svc.ApplyFailure(o, "x", 24*time.Hour, now)
	assert.Equal(t, now.Add(10*time.Minute), *o.Exec.NextRunAt, "bounded above")

	o.Exec.IntervalSeconds = 0
	svc.ApplyFailure(o, "x", 0, now)
	assert.Equal(t, now.Add(10*time.Second), *o.Exec.NextRunAt, "bounded below")
}

func TestMarkNoCapacity(t *testing.T) {
	svc := New(Config{NoCapacityBackoff: 2 * time.Minute})
	o := order(5)

	svc.MarkNoCapacity(o, "no eligible accounts", now)
	assert.Equal(t, domain.SubjectStatusPending, o.State.Status)
	assert.Equal(t, "no eligible accounts", o.State.LastError)
	assert.Equal(t, now.Add(2*time.Minute), *o.Exec.NextRunAt)
}
