package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/claim"
	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/pool"
	"github.com/shaiso/Fanout/internal/repo"
)

// clock — управляемое время.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// capBlindStore — claim.Store, который при blind не проверяет дневной
// лимит в Reserve: так выглядит гонка, когда лимит добран между Reserve
// и Commit.
type capBlindStore struct {
	claim.Store
	blind bool
}

func (s *capBlindStore) Reserve(ctx context.Context, args claim.ReserveArgs) (claim.Outcome, error) {
	if s.blind {
		args.CapLimit = 0
	}
	return s.Store.Reserve(ctx, args)
}

// memStore — SubjectStore, UnsubscribeStore и TaskStore в памяти.
//
// Один мьютекс на всё хранилище: Finalize держит его на время apply,
// как FOR UPDATE держит строку.
type memStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]domain.Order
	quotas map[uuid.UUID]domain.Quota
	tasks  map[uuid.UUID]domain.Task
	unsubs map[uuid.UUID]domain.UnsubscribeTask

	// finalizeErr, если задан, возвращается из apply до записи.
	finalizeErr error
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[uuid.UUID]domain.Order),
		quotas: make(map[uuid.UUID]domain.Quota),
		tasks:  make(map[uuid.UUID]domain.Task),
		unsubs: make(map[uuid.UUID]domain.UnsubscribeTask),
	}
}

func (s *memStore) putOrder(o *domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = *o
}

func (s *memStore) putQuota(q *domain.Quota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[q.ID] = *q
}

func (s *memStore) putUnsub(u *domain.UnsubscribeTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs[u.ID] = *u
}

func (s *memStore) order(id uuid.UUID) domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id]
}

func (s *memStore) quota(id uuid.UUID) domain.Quota {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quotas[id]
}

func (s *memStore) task(id uuid.UUID) domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *memStore) allTasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

func (s *memStore) allUnsubs() []domain.UnsubscribeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UnsubscribeTask, 0, len(s.unsubs))
	for _, u := range s.unsubs {
		out = append(out, u)
	}
	return out
}

func (s *memStore) unsub(id uuid.UUID) domain.UnsubscribeTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubs[id]
}

// inflight вызывается под mu.
func (s *memStore) inflight(id uuid.UUID) int {
	var n int
	for _, t := range s.tasks {
		if t.SubjectID != nil && *t.SubjectID == id && t.Status.IsInflight() {
			n++
		}
	}
	return n
}

func dueSubject(subj domain.Subject, inflight int, now time.Time) bool {
	p, meta := subj.Progress(), subj.Meta()
	return p.Status.IsActive() && p.Remains > 0 && meta.IsDue(now) && p.Remains-inflight*meta.Units() > 0
}

func (s *memStore) ListDueOrders(_ context.Context, now time.Time, limit int) ([]repo.DueSubject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []repo.DueSubject
	for _, o := range s.orders {
		n := s.inflight(o.ID)
		if dueSubject(&o, n, now) {
			out = append(out, repo.DueSubject{Subject: &o, Inflight: n})
		}
	}
	sortDue(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ListDueQuotas(_ context.Context, now time.Time, limit int) ([]repo.DueSubject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []repo.DueSubject
	for _, q := range s.quotas {
		n := s.inflight(q.ID)
		if !q.WindowExpired(now) && dueSubject(&q, n, now) {
			out = append(out, repo.DueSubject{Subject: &q, Inflight: n})
		}
	}
	sortDue(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortDue повторяет ORDER BY next_run_at NULLS FIRST, id.
func sortDue(out []repo.DueSubject) {
	slices.SortFunc(out, func(a, b repo.DueSubject) int {
		na, nb := a.Subject.Meta().NextRunAt, b.Subject.Meta().NextRunAt
		switch {
		case na == nil && nb != nil:
			return -1
		case na != nil && nb == nil:
			return 1
		case na != nil && nb != nil:
			if c := na.Compare(*nb); c != 0 {
				return c
			}
		}
		ida, idb := a.Subject.SubjectID(), b.Subject.SubjectID()
		return bytes.Compare(ida[:], idb[:])
	})
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// saveSubject вызывается под mu.
func (s *memStore) saveSubject(subj domain.Subject, guarded bool, prev *time.Time) (bool, error) {
	switch v := subj.(type) {
	case *domain.Order:
		cur, ok := s.orders[v.ID]
		if !ok || (guarded && !sameTime(cur.Exec.NextRunAt, prev)) {
			return false, nil
		}
		s.orders[v.ID] = *v
	case *domain.Quota:
		cur, ok := s.quotas[v.ID]
		if !ok || (guarded && !sameTime(cur.Exec.NextRunAt, prev)) {
			return false, nil
		}
		s.quotas[v.ID] = *v
	default:
		return false, fmt.Errorf("%w: %T", domain.ErrUnknownSubject, subj)
	}
	return true, nil
}

func (s *memStore) UpdateSchedule(_ context.Context, subj domain.Subject, prev *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveSubject(subj, true, prev)
}

func (s *memStore) DeferNextRun(_ context.Context, kind domain.SubjectKind, id uuid.UUID, prev *time.Time, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case domain.SubjectOrder:
		o, ok := s.orders[id]
		if !ok || !sameTime(o.Exec.NextRunAt, prev) {
			return false, nil
		}
		o.Exec.NextRunAt = &next
		s.orders[id] = o
	case domain.SubjectQuota:
		q, ok := s.quotas[id]
		if !ok || !sameTime(q.Exec.NextRunAt, prev) {
			return false, nil
		}
		q.Exec.NextRunAt = &next
		s.quotas[id] = q
	default:
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownSubject, kind)
	}
	return true, nil
}

func (s *memStore) ListExpiredQuotaWindows(_ context.Context, now time.Time, limit int) ([]*domain.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Quota
	for _, q := range s.quotas {
		if q.WindowCron != "" && q.WindowExpired(now) {
			out = append(out, &q)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) RenewQuotaWindow(_ context.Context, q *domain.Quota, prevEndsAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.quotas[q.ID]
	if !ok || cur.WindowEndsAt == nil || !cur.WindowEndsAt.Equal(prevEndsAt) {
		return false, nil
	}
	s.quotas[q.ID] = *q
	return true, nil
}

func (s *memStore) ListDue(_ context.Context, now time.Time, limit int) ([]*domain.UnsubscribeTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.UnsubscribeTask
	for _, u := range s.unsubs {
		if u.IsDue(now) {
			out = append(out, &u)
		}
	}
	// ORDER BY due_at, id
	slices.SortFunc(out, func(a, b *domain.UnsubscribeTask) int {
		if c := a.DueAt.Compare(b.DueAt); c != 0 {
			return c
		}
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Update(_ context.Context, u *domain.UnsubscribeTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unsubs[u.ID]; !ok {
		return repo.ErrNotFound
	}
	s.unsubs[u.ID] = *u
	return nil
}

func (s *memStore) Defer(_ context.Context, id uuid.UUID, prevDueAt, dueAt, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.unsubs[id]
	if !ok || u.Status != domain.UnsubscribeStatusPending || !u.DueAt.Equal(prevDueAt) {
		return false, nil
	}
	u.DueAt = dueAt
	u.UpdatedAt = now
	s.unsubs[id] = u
	return true, nil
}

func (s *memStore) CreateForSubject(_ context.Context, t *domain.Task, subj domain.Subject, prev *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.saveSubject(subj, true, prev)
	if err != nil {
		return err
	}
	if !ok {
		return repo.ErrStale
	}
	s.tasks[t.ID] = *t
	return nil
}

func (s *memStore) CreateForUnsubscribe(_ context.Context, t *domain.Task, u *domain.UnsubscribeTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.unsubs[u.ID]
	if !ok || cur.Status != domain.UnsubscribeStatusPending {
		return repo.ErrStale
	}
	cur.Status = domain.UnsubscribeStatusProcessing
	cur.TaskID = &t.ID
	s.unsubs[u.ID] = cur
	s.tasks[t.ID] = *t

	u.Status = cur.Status
	u.TaskID = cur.TaskID
	return nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &t, nil
}

func (s *memStore) Lease(_ context.Context, now time.Time, ttl time.Duration, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusQueued || (t.Status == domain.TaskStatusLeased && t.LeaseExpired(now)) {
			picked = append(picked, t)
		}
	}
	slices.SortFunc(picked, func(a, b domain.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if len(picked) > limit {
		picked = picked[:limit]
	}

	out := make([]*domain.Task, 0, len(picked))
	for _, t := range picked {
		t.MarkLeased(now.Add(ttl))
		s.tasks[t.ID] = t
		cp := t
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) MarkPending(_ context.Context, id uuid.UUID, until time.Time, result *domain.ExecResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || !t.Status.IsInflight() {
		return false, nil
	}
	t.MarkPending(until, result)
	s.tasks[id] = t
	return true, nil
}

func (s *memStore) Finalize(ctx context.Context, id uuid.UUID, apply repo.FinalizeFunc) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if t.IsFinished() {
		return false, nil
	}

	tx := &memTx{store: s, orders: map[uuid.UUID]domain.Order{}, quotas: map[uuid.UUID]domain.Quota{}, unsubs: map[uuid.UUID]domain.UnsubscribeTask{}}
	if err := apply(ctx, tx, &t); err != nil {
		return false, err
	}
	if s.finalizeErr != nil {
		return false, s.finalizeErr
	}

	for k, v := range tx.orders {
		s.orders[k] = v
	}
	for k, v := range tx.quotas {
		s.quotas[k] = v
	}
	for k, v := range tx.unsubs {
		s.unsubs[k] = v
	}
	s.tasks[id] = t
	return true, nil
}

func (s *memStore) ListStalePending(_ context.Context, before time.Time, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskStatusPending && t.LeaseExpired(before) {
			out = append(out, &t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx копит изменения до конца Finalize; вызывается под mu хранилища.
type memTx struct {
	store  *memStore
	orders map[uuid.UUID]domain.Order
	quotas map[uuid.UUID]domain.Quota
	unsubs map[uuid.UUID]domain.UnsubscribeTask
}

func (tx *memTx) LoadSubject(_ context.Context, kind domain.SubjectKind, id uuid.UUID) (domain.Subject, error) {
	switch kind {
	case domain.SubjectOrder:
		o, ok := tx.orders[id]
		if !ok {
			if o, ok = tx.store.orders[id]; !ok {
				return nil, repo.ErrNotFound
			}
		}
		return &o, nil
	case domain.SubjectQuota:
		q, ok := tx.quotas[id]
		if !ok {
			if q, ok = tx.store.quotas[id]; !ok {
				return nil, repo.ErrNotFound
			}
		}
		return &q, nil
	default:
		return nil, domain.ErrUnknownSubject
	}
}

func (tx *memTx) SaveSubject(_ context.Context, subj domain.Subject) error {
	switch v := subj.(type) {
	case *domain.Order:
		tx.orders[v.ID] = *v
	case *domain.Quota:
		tx.quotas[v.ID] = *v
	default:
		return domain.ErrUnknownSubject
	}
	return nil
}

func (tx *memTx) UpsertUnsubscribe(_ context.Context, u *domain.UnsubscribeTask) (bool, error) {
	for _, m := range []map[uuid.UUID]domain.UnsubscribeTask{tx.store.unsubs, tx.unsubs} {
		for _, cur := range m {
			if cur.SourceTaskID == u.SourceTaskID {
				return false, nil
			}
		}
	}
	tx.unsubs[u.ID] = *u
	return true, nil
}

func (tx *memTx) GetUnsubscribe(_ context.Context, id uuid.UUID) (*domain.UnsubscribeTask, error) {
	u, ok := tx.unsubs[id]
	if !ok {
		if u, ok = tx.store.unsubs[id]; !ok {
			return nil, repo.ErrNotFound
		}
	}
	return &u, nil
}

func (tx *memTx) SaveUnsubscribe(_ context.Context, u *domain.UnsubscribeTask) error {
	tx.unsubs[u.ID] = *u
	return nil
}

// memCursors — CursorStore в памяти.
type memCursors struct {
	mu      sync.Mutex
	cursors map[string]uuid.UUID
}

func (c *memCursors) Get(_ context.Context, name string) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[name], nil
}

func (c *memCursors) Set(_ context.Context, name string, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cursors == nil {
		c.cursors = make(map[string]uuid.UUID)
	}
	c.cursors[name] = id
	return nil
}

// memAccounts — pool.AccountSource в памяти.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*domain.Account
}

func (s *memAccounts) ListEligible(_ context.Context, f pool.EligibleFilter) ([]*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Account
	for _, a := range s.accounts {
		if !a.Eligible(f.Mode, f.Now) || slices.Contains(f.Exclude, a.ID) {
			continue
		}
		if f.After != uuid.Nil && bytes.Compare(a.ID[:], f.After[:]) <= 0 {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *domain.Account) int { return bytes.Compare(a.ID[:], b.ID[:]) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memAccounts) TouchLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id].LastUsedAt = &at
	return nil
}

func (s *memAccounts) SetCooldown(_ context.Context, id uuid.UUID, until time.Time, reason domain.CooldownReason, failCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.accounts[id]
	a.CooldownUntil, a.CooldownReason, a.FailCount = &until, reason, failCount
	return nil
}

func (s *memAccounts) ResetFailCount(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[id].FailCount = 0
	return nil
}

func (s *memAccounts) Disable(_ context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.accounts[id].DisabledAt = &now
	s.accounts[id].DisabledReason = reason
	return nil
}

// memNotifier запоминает опубликованные task.ready.
type memNotifier struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (n *memNotifier) PublishTaskReady(_ context.Context, id uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	return nil
}

// staticPosts — PostLister с фиксированным списком.
type staticPosts struct {
	ids   []int64
	calls int
}

func (p *staticPosts) RecentPosts(_ context.Context, _ domain.LinkDescriptor, limit int) ([]int64, error) {
	p.calls++
	if len(p.ids) > limit {
		return p.ids[:limit], nil
	}
	return p.ids, nil
}
