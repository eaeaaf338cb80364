package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Fanout/internal/claim"
	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/inspect"
	"github.com/shaiso/Fanout/internal/pool"
)

var start = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type harness struct {
	clock    *clock
	store    *memStore
	cursors  *memCursors
	claims   *claim.MemoryStore
	gate     *capBlindStore
	protocol *claim.Protocol
	accounts *memAccounts
	notifier *memNotifier
	sched    *Scheduler
}

func newHarness(t *testing.T, accs []*domain.Account, opts ...func(*Config)) *harness {
	t.Helper()

	c := &clock{now: start}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		clock:    c,
		store:    newMemStore(),
		cursors:  &memCursors{},
		claims:   claim.NewMemoryStore(c.Now),
		accounts: &memAccounts{accounts: make(map[uuid.UUID]*domain.Account)},
		notifier: &memNotifier{},
	}
	for _, a := range accs {
		h.accounts.accounts[a.ID] = a
	}

	h.gate = &capBlindStore{Store: h.claims}
	h.protocol = claim.New(claim.Config{Store: h.gate, Location: time.UTC, Now: c.Now, Logger: logger})
	p := pool.New(pool.Config{Source: h.accounts, Now: c.Now, Logger: logger})

	cfg := Config{
		Subjects:     h.store,
		Unsubscribes: h.store,
		Tasks:        h.store,
		Cursors:      h.cursors,
		Claim:        h.protocol,
		Pool:         p,
		Notifier:     h.notifier,
		Location:     time.UTC,
		Now:          c.Now,
		Logger:       logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.sched = New(cfg)
	return h
}

// heavyAccounts создаёт аккаунты с возрастающими id на одном выходе.
func heavyAccounts(n int) []*domain.Account {
	out := make([]*domain.Account, 0, n)
	for i := range n {
		var id uuid.UUID
		id[15] = byte(i + 1)
		out = append(out, &domain.Account{
			ID:         id,
			Phone:      fmt.Sprintf("+1555000%04d", i),
			CanHeavy:   true,
			CanInspect: true,
			IsActive:   true,
		})
	}
	return out
}

func newOrder(action domain.Action, quantity int) *domain.Order {
	return &domain.Order{
		ID:         uuid.New(),
		LinkURL:    "https://t.me/fanout_news",
		Descriptor: domain.LinkDescriptor{Kind: domain.LinkKindChannel, Username: "fanout_news"},
		State: domain.Progress{
			Quantity: quantity,
			Remains:  quantity,
			Status:   domain.SubjectStatusPending,
		},
		Exec: domain.ExecMeta{
			Action:          action,
			IntervalSeconds: 60,
			PerCall:         1,
		},
		CreatedAt: start,
	}
}

func (h *harness) generateOne(t *testing.T) domain.Task {
	t.Helper()
	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total())
	tasks := h.store.allTasks()
	return tasks[len(tasks)-1]
}

func (h *harness) leaseAll(t *testing.T) []*domain.Task {
	t.Helper()
	leased, err := h.sched.LeaseTasksForWorker(context.Background(), 100)
	require.NoError(t, err)
	return leased
}

var okResult = &domain.ExecResult{OK: true, State: domain.ExecStateDone}

func TestGenerateTasks_OrderCreatesTask(t *testing.T) {
	accs := heavyAccounts(3)
	h := newHarness(t, accs)
	o := newOrder(domain.ActionSubscribe, 10)
	h.store.putOrder(o)

	task := h.generateOne(t)

	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, domain.SubjectOrder, task.SubjectKind)
	assert.Equal(t, o.ID, *task.SubjectID)
	assert.Equal(t, accs[0].ID, task.AccountID)
	assert.Equal(t, inspect.ChannelHash(o.Descriptor), task.LinkHash)
	assert.Equal(t, domain.DefaultPolicies()[domain.ActionSubscribe], task.Payload.Policy)

	stored := h.store.order(o.ID)
	require.NotNil(t, stored.Exec.NextRunAt)
	assert.Equal(t, start.Add(time.Minute), *stored.Exec.NextRunAt)

	// блокировка (аккаунт, действие) занята токеном задачи
	out, err := h.protocol.Reserve(context.Background(), claim.Reservation{
		AccountID: task.AccountID,
		Action:    task.Action,
		LinkHash:  task.LinkHash,
		Token:     "someone-else",
	})
	require.NoError(t, err)
	assert.Equal(t, claim.OutcomeLocked, out)

	assert.Equal(t, []uuid.UUID{task.ID}, h.notifier.ids)
	cursor, _ := h.cursors.Get(context.Background(), cursorName(domain.ModeHeavy))
	assert.Equal(t, accs[2].ID, cursor)
}

func TestGenerateTasks_NotDueUntilInterval(t *testing.T) {
	h := newHarness(t, heavyAccounts(3))
	h.store.putOrder(newOrder(domain.ActionView, 10))

	h.generateOne(t)

	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())

	h.clock.Advance(61 * time.Second)
	stats, err = h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Orders)
}

func TestGenerateTasks_InflightCoversRemains(t *testing.T) {
	h := newHarness(t, heavyAccounts(3))
	h.store.putOrder(newOrder(domain.ActionView, 1))

	h.generateOne(t)
	h.clock.Advance(2 * time.Minute)

	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}

func TestGenerateTasks_DripfeedRunBound(t *testing.T) {
	h := newHarness(t, heavyAccounts(3))
	o := newOrder(domain.ActionView, 10)
	o.Dripfeed = domain.Dripfeed{Enabled: true, Runs: 5, RunQuantity: 1, CurrentRun: 1, IntervalSeconds: 3600}
	h.store.putOrder(o)

	h.generateOne(t)
	h.clock.Advance(2 * time.Minute)

	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())

	stored := h.store.order(o.ID)
	require.NotNil(t, stored.Exec.NextRunAt)
	assert.Equal(t, h.clock.Now().Add(domain.DripfeedWaitBackoff), *stored.Exec.NextRunAt)
	assert.Equal(t, 1, stored.Dripfeed.CurrentRun)
}

func TestGenerateTasks_DripfeedCoveredDoesNotBlock(t *testing.T) {
	h := newHarness(t, heavyAccounts(3), func(c *Config) { c.SubjectBatch = 1 })

	drip := newOrder(domain.ActionView, 10)
	drip.Descriptor.Username = "drip"
	drip.Dripfeed = domain.Dripfeed{Enabled: true, Runs: 5, RunQuantity: 1, CurrentRun: 1, IntervalSeconds: 3600}
	h.store.putOrder(drip)
	h.generateOne(t)

	plain := newOrder(domain.ActionView, 10)
	plain.Descriptor.Username = "plain"
	later := start.Add(90 * time.Second)
	plain.Exec.NextRunAt = &later
	h.store.putOrder(plain)

	h.clock.Advance(2 * time.Minute)

	// окно из одного субъекта занято покрытым dripfeed-заказом
	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())

	stats, err = h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Orders)
	assert.Equal(t, 1, h.store.inflight(plain.ID))
}

func TestGenerateTasks_StaleSlotRollsBack(t *testing.T) {
	accs := heavyAccounts(1)
	h := newHarness(t, accs)
	o := newOrder(domain.ActionView, 10)
	h.store.putOrder(o)

	due, err := h.store.ListDueOrders(context.Background(), start, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	// другой процесс успел сдвинуть next_run_at
	moved := h.store.order(o.ID)
	next := start.Add(30 * time.Second)
	moved.Exec.NextRunAt = &next
	h.store.putOrder(&moved)

	ok, err := h.sched.generateForSubject(context.Background(), PhaseOrders, due[0], start)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, h.store.allTasks())

	// резервация снята
	out, err := h.protocol.Reserve(context.Background(), claim.Reservation{
		AccountID: accs[0].ID,
		Action:    domain.ActionView,
		LinkHash:  inspect.LinkHash(o.Descriptor),
		Token:     "next",
	})
	require.NoError(t, err)
	assert.Equal(t, claim.OutcomeOK, out)
}

func TestGenerateTasks_NoAccounts(t *testing.T) {
	h := newHarness(t, nil)
	o := newOrder(domain.ActionView, 10)
	h.store.putOrder(o)

	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())

	stored := h.store.order(o.ID)
	assert.Equal(t, domain.SubjectStatusPending, stored.State.Status)
	assert.Contains(t, stored.State.LastError, pool.ErrNoCandidates.Error())
	require.NotNil(t, stored.Exec.NextRunAt)
	assert.Equal(t, start.Add(time.Minute), *stored.Exec.NextRunAt)
}

func TestGenerateTasks_LockedAccountSkipped(t *testing.T) {
	accs := heavyAccounts(2)
	h := newHarness(t, accs)
	h.store.putOrder(newOrder(domain.ActionSubscribe, 10))

	out, err := h.protocol.Reserve(context.Background(), claim.Reservation{
		AccountID: accs[0].ID,
		Action:    domain.ActionSubscribe,
		LinkHash:  "other-link",
		Token:     "other-task",
	})
	require.NoError(t, err)
	require.True(t, out.OK())

	task := h.generateOne(t)
	assert.Equal(t, accs[1].ID, task.AccountID)
}

func TestGenerateTasks_Budget(t *testing.T) {
	h := newHarness(t, heavyAccounts(5))
	for range 3 {
		h.store.putOrder(newOrder(domain.ActionView, 10))
	}

	stats, err := h.sched.GenerateTasks(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, GenerateStats{Orders: 2}, stats)
}

// cappedView — view с лимитом одно действие в сутки и без cooldown.
func cappedView(c *Config) {
	c.Policies = domain.DefaultPolicies().Merge(domain.PolicyTable{
		domain.ActionView: {DailyCap: 1, DedupePerLink: true},
	})
}

func viewOrder(username string) *domain.Order {
	o := newOrder(domain.ActionView, 10)
	o.Descriptor.Username = username
	o.LinkURL = "https://t.me/" + username
	return o
}

func TestGenerateTasks_DailyCapStopsAccount(t *testing.T) {
	accs := heavyAccounts(1)
	h := newHarness(t, accs, cappedView)
	first, second := viewOrder("first"), viewOrder("second")
	h.store.putOrder(first)

	task := h.generateOne(t)
	require.Len(t, h.leaseAll(t), 1)
	status, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.NoError(t, err)
	require.Equal(t, ReportDone, status)

	h.store.putOrder(second)
	h.clock.Advance(2 * time.Minute)

	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
	assert.Len(t, h.store.allTasks(), 1)

	stored := h.store.order(second.ID)
	assert.Contains(t, stored.State.LastError, string(claim.OutcomeCapReached))
	assert.Zero(t, stored.State.Delivered)
}

func TestGenerateTasks_DailyCapMovesToNextAccount(t *testing.T) {
	accs := heavyAccounts(2)
	h := newHarness(t, accs, cappedView)
	first, second := viewOrder("first"), viewOrder("second")
	h.store.putOrder(first)

	task := h.generateOne(t)
	require.Equal(t, accs[0].ID, task.AccountID)
	h.leaseAll(t)
	_, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.NoError(t, err)

	h.store.putOrder(second)
	h.cursors.cursors = nil
	h.clock.Advance(time.Second)

	next := h.generateOne(t)
	assert.Equal(t, second.ID, *next.SubjectID)
	assert.Equal(t, accs[1].ID, next.AccountID)
}

func TestReportTaskResult_CapOverrunRecorded(t *testing.T) {
	accs := heavyAccounts(1)
	h := newHarness(t, accs, cappedView)
	first, second := viewOrder("first"), viewOrder("second")
	h.store.putOrder(first)

	task := h.generateOne(t)
	h.leaseAll(t)
	_, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.NoError(t, err)

	// Reserve не увидел добранный лимит
	h.gate.blind = true
	h.store.putOrder(second)
	h.clock.Advance(time.Second)
	over := h.generateOne(t)
	h.leaseAll(t)

	status, err := h.sched.ReportTaskResult(context.Background(), over.ID, okResult)
	require.NoError(t, err)
	assert.Equal(t, ReportDone, status)

	stored := h.store.order(second.ID)
	assert.Equal(t, 1, stored.State.Delivered, "performed action is still counted")
	assert.Contains(t, stored.State.LastError, "daily view cap exceeded")
	require.NotNil(t, stored.State.LastErrorAt)

	day := start.Format("20060102")
	assert.Equal(t, 1, h.claims.Counter("claim:{"+accs[0].ID.String()+"}:cap:view:"+day))
}

func TestReportTaskResult_SuccessAppliedOnce(t *testing.T) {
	h := newHarness(t, heavyAccounts(2))
	o := newOrder(domain.ActionView, 100)
	h.store.putOrder(o)

	task := h.generateOne(t)
	require.Len(t, h.leaseAll(t), 1)

	status, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.NoError(t, err)
	assert.Equal(t, ReportDone, status)

	status, err = h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.NoError(t, err)
	assert.Equal(t, ReportDuplicate, status)

	stored := h.store.order(o.ID)
	assert.Equal(t, 99, stored.State.Remains)
	assert.Equal(t, 1, stored.State.Delivered)
	assert.Equal(t, domain.SubjectStatusInProgress, stored.State.Status)
	assert.Equal(t, domain.TaskStatusDone, h.store.task(task.ID).Status)

	// Commit записал dedupe для (аккаунт, ссылка)
	out, err := h.protocol.Reserve(context.Background(), claim.ReservationFor(&task))
	require.NoError(t, err)
	assert.Equal(t, claim.OutcomeDedupe, out)
}

func TestReportTaskResult_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, heavyAccounts(2))
	o := newOrder(domain.ActionView, 100)
	h.store.putOrder(o)

	task := h.generateOne(t)
	h.leaseAll(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[ReportStatus]int{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
			assert.NoError(t, err)
			mu.Lock()
			statuses[st]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[ReportDone])
	assert.Equal(t, 7, statuses[ReportDuplicate])
	assert.Equal(t, 99, h.store.order(o.ID).State.Remains)
}

func TestReportTaskResult_RetryAfterFinalizeFailure(t *testing.T) {
	h := newHarness(t, heavyAccounts(2))
	o := newOrder(domain.ActionView, 100)
	h.store.putOrder(o)

	task := h.generateOne(t)
	h.leaseAll(t)

	h.store.finalizeErr = errors.New("connection reset")
	_, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.Error(t, err)
	assert.Equal(t, 100, h.store.order(o.ID).State.Remains)

	// Commit уже прошёл: повтор получит no_lock, но эффекты применит
	h.store.finalizeErr = nil
	status, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.NoError(t, err)
	assert.Equal(t, ReportDone, status)
	assert.Equal(t, 99, h.store.order(o.ID).State.Remains)
}

func TestReportTaskResult_CompletesOrder(t *testing.T) {
	h := newHarness(t, heavyAccounts(2))
	o := newOrder(domain.ActionView, 1)
	h.store.putOrder(o)

	task := h.generateOne(t)
	_, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.NoError(t, err)

	stored := h.store.order(o.ID)
	assert.Zero(t, stored.State.Remains)
	assert.Equal(t, domain.SubjectStatusCompleted, stored.State.Status)
}

func TestReportTaskResult_FailureRequeues(t *testing.T) {
	accs := heavyAccounts(1)
	h := newHarness(t, accs)
	o := newOrder(domain.ActionView, 10)
	h.store.putOrder(o)

	task := h.generateOne(t)
	h.leaseAll(t)

	status, err := h.sched.ReportTaskResult(context.Background(), task.ID, &domain.ExecResult{
		OK:         false,
		State:      domain.ExecStateDone,
		Error:      "channel is private",
		RetryAfter: 120,
	})
	require.NoError(t, err)
	assert.Equal(t, ReportFailed, status)

	stored := h.store.order(o.ID)
	assert.Equal(t, 10, stored.State.Remains)
	assert.Equal(t, "channel is private", stored.State.LastError)
	require.NotNil(t, stored.Exec.NextRunAt)
	assert.Equal(t, start.Add(2*time.Minute), *stored.Exec.NextRunAt)

	finished := h.store.task(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, finished.Status)
	assert.Equal(t, "channel is private", finished.Error)

	// блокировка снята, cooldown и dedupe не тронуты
	out, err := h.protocol.Reserve(context.Background(), claim.Reservation{
		AccountID: accs[0].ID,
		Action:    domain.ActionView,
		LinkHash:  task.LinkHash,
		Token:     "retry",
	})
	require.NoError(t, err)
	assert.Equal(t, claim.OutcomeOK, out)
}

func TestReportTaskResult_PendingThenDone(t *testing.T) {
	h := newHarness(t, heavyAccounts(1))
	o := newOrder(domain.ActionView, 10)
	h.store.putOrder(o)

	task := h.generateOne(t)
	h.leaseAll(t)

	status, err := h.sched.ReportTaskResult(context.Background(), task.ID, &domain.ExecResult{
		OK:             true,
		State:          domain.ExecStatePending,
		ProviderTaskID: "prov-42",
	})
	require.NoError(t, err)
	assert.Equal(t, ReportPending, status)

	pending := h.store.task(task.ID)
	assert.Equal(t, domain.TaskStatusPending, pending.Status)
	require.NotNil(t, pending.LeaseExpiresAt)
	assert.Equal(t, start.Add(DefaultPendingTTL), *pending.LeaseExpiresAt)

	// блокировка живёт дольше своего TTL, пока ждём результат
	h.clock.Advance(10 * time.Minute)
	status, err = h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
	require.NoError(t, err)
	assert.Equal(t, ReportDone, status)
	assert.Equal(t, 9, h.store.order(o.ID).State.Remains)

	out, err := h.protocol.Reserve(context.Background(), claim.ReservationFor(&task))
	require.NoError(t, err)
	assert.Equal(t, claim.OutcomeDedupe, out)
}

func TestReportTaskResult_Errors(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.sched.ReportTaskResult(context.Background(), uuid.New(), okResult)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = h.sched.ReportTaskResult(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrInvalidResult)

	_, err = h.sched.ReportTaskResult(context.Background(), uuid.New(), &domain.ExecResult{OK: true, State: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidResult)
}

func TestSubscribeSchedulesUnsubscribe(t *testing.T) {
	accs := heavyAccounts(2)
	h := newHarness(t, accs)
	o := newOrder(domain.ActionSubscribe, 10)
	o.Exec.ServiceDurationSeconds = 3600
	h.store.putOrder(o)

	task := h.generateOne(t)
	h.leaseAll(t)
	for range 2 {
		_, err := h.sched.ReportTaskResult(context.Background(), task.ID, okResult)
		require.NoError(t, err)
	}

	unsubs := h.store.allUnsubs()
	require.Len(t, unsubs, 1)
	u := unsubs[0]
	assert.Equal(t, task.AccountID, u.AccountID)
	assert.Equal(t, task.ID, u.SourceTaskID)
	assert.Equal(t, task.LinkHash, u.LinkHash)
	assert.Equal(t, task.CreatedAt.Add(time.Hour), u.DueAt)
	assert.Equal(t, domain.UnsubscribeStatusPending, u.Status)

	// до due_at отписка не генерируется
	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Unsubscribes)

	h.clock.Advance(time.Hour)
	h.store.orders[o.ID] = completedOrder(h.store.order(o.ID))

	stats, err = h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Unsubscribes)

	var unsubTask domain.Task
	for _, tk := range h.store.allTasks() {
		if tk.Action == domain.ActionUnsubscribe {
			unsubTask = tk
		}
	}
	assert.Equal(t, task.AccountID, unsubTask.AccountID)
	assert.Equal(t, u.ID, *unsubTask.UnsubscribeID)
	assert.Equal(t, domain.UnsubscribeStatusProcessing, h.store.unsub(u.ID).Status)

	h.leaseAll(t)
	status, err := h.sched.ReportTaskResult(context.Background(), unsubTask.ID, okResult)
	require.NoError(t, err)
	assert.Equal(t, ReportDone, status)
	assert.Equal(t, domain.UnsubscribeStatusDone, h.store.unsub(u.ID).Status)

	// связь снова в состоянии unsubscribed
	out, err := h.protocol.Reserve(context.Background(), claim.Reservation{
		AccountID: task.AccountID,
		Action:    domain.ActionUnsubscribe,
		LinkHash:  task.LinkHash,
		Token:     "again",
	})
	require.NoError(t, err)
	assert.Equal(t, claim.OutcomeStateNotSubscribed, out)
}

func completedOrder(o domain.Order) domain.Order {
	o.State.Status = domain.SubjectStatusCompleted
	return o
}

func TestUnsubscribeFailureBacksOff(t *testing.T) {
	accs := heavyAccounts(1)
	h := newHarness(t, accs, func(c *Config) { c.UnsubscribeMaxAttempts = 2 })

	// связь подписана через обычный Commit
	sub := claim.Reservation{AccountID: accs[0].ID, Action: domain.ActionSubscribe, LinkHash: "chan", Token: "sub"}
	_, err := h.protocol.Reserve(context.Background(), sub)
	require.NoError(t, err)
	_, err = h.protocol.Commit(context.Background(), sub)
	require.NoError(t, err)

	u := &domain.UnsubscribeTask{
		ID:           uuid.New(),
		AccountID:    accs[0].ID,
		LinkHash:     "chan",
		Link:         "https://t.me/chan",
		SourceTaskID: uuid.New(),
		DueAt:        start,
		Status:       domain.UnsubscribeStatusPending,
	}
	h.store.putUnsub(u)

	fail := &domain.ExecResult{OK: false, State: domain.ExecStateDone, Error: "timeout"}

	task := h.generateOne(t)
	_, err = h.sched.ReportTaskResult(context.Background(), task.ID, fail)
	require.NoError(t, err)

	after := h.store.unsub(u.ID)
	assert.Equal(t, domain.UnsubscribeStatusPending, after.Status)
	assert.Equal(t, 1, after.Attempts)
	assert.Equal(t, "timeout", after.LastError)
	assert.Equal(t, start.Add(domain.UnsubscribeRetryBackoff), after.DueAt)

	h.clock.Advance(domain.UnsubscribeRetryBackoff)
	task = h.generateOne(t)
	_, err = h.sched.ReportTaskResult(context.Background(), task.ID, fail)
	require.NoError(t, err)
	assert.Equal(t, domain.UnsubscribeStatusFailed, h.store.unsub(u.ID).Status)
}

func TestUnsubscribeSkippedWhenNotSubscribed(t *testing.T) {
	accs := heavyAccounts(1)
	h := newHarness(t, accs)
	u := &domain.UnsubscribeTask{
		ID:           uuid.New(),
		AccountID:    accs[0].ID,
		LinkHash:     "never-subscribed",
		SourceTaskID: uuid.New(),
		DueAt:        start,
		Status:       domain.UnsubscribeStatusPending,
	}
	h.store.putUnsub(u)

	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())

	after := h.store.unsub(u.ID)
	assert.Equal(t, domain.UnsubscribeStatusFailed, after.Status)
	assert.Equal(t, string(claim.OutcomeStateNotSubscribed), after.LastError)
	assert.Empty(t, h.store.allTasks())
}

// subscribeLink переводит связь (аккаунт, ссылка) в subscribed.
func subscribeLink(t *testing.T, h *harness, acc uuid.UUID, link string) {
	t.Helper()
	res := claim.Reservation{
		AccountID: acc,
		Action:    domain.ActionSubscribe,
		LinkHash:  link,
		Token:     uuid.NewString(),
		Policy:    &domain.RateLimitPolicy{Stateful: true},
	}
	out, err := h.protocol.Reserve(context.Background(), res)
	require.NoError(t, err)
	require.True(t, out.OK())
	out, err = h.protocol.Commit(context.Background(), res)
	require.NoError(t, err)
	require.True(t, out.OK())
}

func TestUnsubscribeBusyAccountDoesNotBlockQueue(t *testing.T) {
	accs := heavyAccounts(2)
	h := newHarness(t, accs, func(c *Config) { c.SubjectBatch = 2 })

	busy := make([]uuid.UUID, 0, 3)
	for i := range 3 {
		link := fmt.Sprintf("a-%d", i)
		subscribeLink(t, h, accs[0].ID, link)
		u := &domain.UnsubscribeTask{
			ID:           uuid.New(),
			AccountID:    accs[0].ID,
			LinkHash:     link,
			SourceTaskID: uuid.New(),
			DueAt:        start,
			Status:       domain.UnsubscribeStatusPending,
		}
		h.store.putUnsub(u)
		busy = append(busy, u.ID)
	}
	subscribeLink(t, h, accs[1].ID, "b")
	other := &domain.UnsubscribeTask{
		ID:           uuid.New(),
		AccountID:    accs[1].ID,
		LinkHash:     "b",
		SourceTaskID: uuid.New(),
		DueAt:        start.Add(time.Second),
		Status:       domain.UnsubscribeStatusPending,
	}
	h.store.putUnsub(other)
	h.clock.Advance(time.Second)

	stats, err := h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Unsubscribes)

	stats, err = h.sched.GenerateTasks(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Unsubscribes)
	assert.Equal(t, domain.UnsubscribeStatusProcessing, h.store.unsub(other.ID).Status)

	var processing, deferred int
	for _, id := range busy {
		u := h.store.unsub(id)
		switch {
		case u.Status == domain.UnsubscribeStatusProcessing:
			processing++
		case u.DueAt.Equal(h.clock.Now().Add(domain.UnsubscribeBusyBackoff)):
			deferred++
		}
		assert.Zero(t, u.Attempts)
	}
	assert.Equal(t, 1, processing)
	assert.Equal(t, 2, deferred)
}

// queuedTasks кладёт n задач на разные аккаунты, без резерваций.
func queuedTasks(h *harness, n int, attempt int) []uuid.UUID {
	policy := domain.DefaultPolicies()[domain.ActionView]
	ids := make([]uuid.UUID, 0, n)
	for i := range n {
		tk := domain.Task{
			ID:        uuid.New(),
			Action:    domain.ActionView,
			LinkHash:  fmt.Sprintf("link-%d", i),
			AccountID: uuid.New(),
			Status:    domain.TaskStatusQueued,
			Attempt:   attempt,
			Payload:   domain.TaskPayload{Policy: policy, PerCall: 1},
			CreatedAt: start.Add(time.Duration(i) * time.Millisecond),
		}
		h.store.tasks[tk.ID] = tk
		ids = append(ids, tk.ID)
	}
	return ids
}

func TestLeaseTasksForWorker_Exclusive(t *testing.T) {
	h := newHarness(t, nil)
	queuedTasks(h, 40, 0)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				leased, err := h.sched.LeaseTasksForWorker(context.Background(), 3)
				assert.NoError(t, err)
				if len(leased) == 0 {
					return
				}
				mu.Lock()
				for _, tk := range leased {
					seen[tk.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 40)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s leased %d times", id, n)
	}
}

func TestLeaseTasksForWorker_ExpiredLeaseReissued(t *testing.T) {
	h := newHarness(t, nil)
	ids := queuedTasks(h, 1, 0)

	require.Len(t, h.leaseAll(t), 1)
	assert.Empty(t, h.leaseAll(t))

	h.clock.Advance(DefaultLeaseTTL + time.Second)
	again := h.leaseAll(t)
	require.Len(t, again, 1)
	assert.Equal(t, ids[0], again[0].ID)
	assert.Equal(t, 2, again[0].Attempt)
}

func TestLeaseTasksForWorker_AttemptBound(t *testing.T) {
	h := newHarness(t, nil)
	ids := queuedTasks(h, 1, DefaultMaxAttempts)

	assert.Empty(t, h.leaseAll(t))

	tk := h.store.task(ids[0])
	assert.Equal(t, domain.TaskStatusFailed, tk.Status)
	assert.Equal(t, fmt.Sprintf("max attempts exceeded (%d)", DefaultMaxAttempts), tk.Error)
}

func TestLeaseTasksForWorker_ReservationLost(t *testing.T) {
	h := newHarness(t, nil)
	ids := queuedTasks(h, 1, 0)
	tk := h.store.task(ids[0])

	// блокировка (аккаунт, действие) уже у другого токена
	_, err := h.protocol.Reserve(context.Background(), claim.Reservation{
		AccountID: tk.AccountID,
		Action:    tk.Action,
		LinkHash:  "elsewhere",
		Token:     "foreign",
	})
	require.NoError(t, err)

	assert.Empty(t, h.leaseAll(t))
	failed := h.store.task(ids[0])
	assert.Equal(t, domain.TaskStatusFailed, failed.Status)
	assert.Equal(t, "reservation lost: locked", failed.Error)
}

func TestReapStalePending(t *testing.T) {
	h := newHarness(t, heavyAccounts(1))
	o := newOrder(domain.ActionView, 10)
	h.store.putOrder(o)

	task := h.generateOne(t)
	h.leaseAll(t)
	_, err := h.sched.ReportTaskResult(context.Background(), task.ID, &domain.ExecResult{OK: true, State: domain.ExecStatePending})
	require.NoError(t, err)

	n, err := h.sched.ReapStalePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(DefaultPendingTTL + DefaultStaleGrace + time.Second)
	require.NoError(t, h.sched.Maintain(context.Background()))

	tk := h.store.task(task.ID)
	assert.Equal(t, domain.TaskStatusFailed, tk.Status)
	assert.Equal(t, PendingTimeoutError, tk.Error)
	assert.Equal(t, PendingTimeoutError, h.store.order(o.ID).State.LastError)
}

func newQuota(action domain.Action, quantity int) *domain.Quota {
	return &domain.Quota{
		ID:         uuid.New(),
		LinkURL:    "https://t.me/fanout_news",
		Descriptor: domain.LinkDescriptor{Kind: domain.LinkKindChannel, Username: "fanout_news"},
		State: domain.Progress{
			Quantity: quantity,
			Remains:  quantity,
			Status:   domain.SubjectStatusPending,
		},
		Exec: domain.ExecMeta{
			Action:          action,
			IntervalSeconds: 60,
			PerCall:         1,
		},
		CreatedAt: start,
	}
}

func TestGenerateTasks_QuotaRotatesPosts(t *testing.T) {
	posts := &staticPosts{ids: []int64{30, 20, 10, 5}}
	h := newHarness(t, heavyAccounts(3), func(c *Config) { c.Posts = posts })
	q := newQuota(domain.ActionView, 100)
	q.RotateLastN = 3
	h.store.putQuota(q)

	var got []int64
	for range 4 {
		task := h.generateOne(t)
		got = append(got, task.Payload.Descriptor.PostID)
		assert.Equal(t, domain.LinkKindPost, task.Payload.Descriptor.Kind)
		assert.Equal(t, inspect.LinkHash(task.Payload.Descriptor), task.LinkHash)
		h.clock.Advance(61 * time.Second)
	}

	assert.Equal(t, []int64{30, 20, 10, 30}, got)
	assert.Equal(t, 1, posts.calls)
	assert.Equal(t, []int64{30, 20, 10}, h.store.quota(q.ID).Posts.PostIDs)
}

func TestRenewQuotaWindows(t *testing.T) {
	h := newHarness(t, nil)
	q := newQuota(domain.ActionView, 50)
	q.State.Delivered = 50
	q.State.Remains = 0
	q.State.Status = domain.SubjectStatusCompleted
	q.WindowCron = "0 0 * * *"
	ended := start.Add(-time.Hour)
	q.WindowEndsAt = &ended
	h.store.putQuota(q)

	n, err := h.sched.RenewQuotaWindows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	renewed := h.store.quota(q.ID)
	assert.Equal(t, 50, renewed.State.Remains)
	assert.Zero(t, renewed.State.Delivered)
	assert.Equal(t, domain.SubjectStatusPending, renewed.State.Status)
	require.NotNil(t, renewed.WindowEndsAt)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), *renewed.WindowEndsAt)

	n, err = h.sched.RenewQuotaWindows(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 3, 10, 10, 7, 0, 0, time.UTC)

	next, err := NextRun(&domain.ExecMeta{IntervalSeconds: 90}, from, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, from.Add(90*time.Second), next)

	next, err = NextRun(&domain.ExecMeta{IntervalSeconds: 90, Cron: "*/15 * * * *"}, from, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC), next)

	moscow := time.FixedZone("MSK", 3*3600)
	next, err = NextWindowEnd("0 0 * * *", from, moscow)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC), next)

	_, err = NextRun(&domain.ExecMeta{Cron: "not a cron"}, from, time.UTC)
	assert.Error(t, err)
	assert.Error(t, ValidateCronExpr("61 * * * *"))
	assert.NoError(t, ValidateCronExpr("0 */2 * * *"))
}
