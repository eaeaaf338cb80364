package claim

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shaiso/Fanout/internal/domain"
)

// MemoryStore — Store поверх таблицы в памяти процесса.
//
// Атомарность обеспечивается одним мьютексом: годится, когда координатор —
// единственный процесс (локальный запуск, тесты планировщика).
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value   string
	expires time.Time // zero — без TTL
}

// NewMemoryStore создаёт новый MemoryStore. now == nil означает time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     now,
	}
}

// get возвращает живое значение ключа. Вызывается под mu.
func (s *MemoryStore) get(key string) (string, bool) {
	e, ok := s.entries[key]
	if !ok {
		return "", false
	}
	if !e.expires.IsZero() && !e.expires.After(s.now()) {
		delete(s.entries, key)
		return "", false
	}
	return e.value, true
}

// set записывает значение с TTL. Вызывается под mu.
func (s *MemoryStore) set(key, value string, ttl time.Duration) {
	e := memEntry{value: value}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.entries[key] = e
}

// Reserve — см. reserveScript.
func (s *MemoryStore) Reserve(_ context.Context, args ReserveArgs) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch args.Gate {
	case GateSubscribe:
		if v, _ := s.get(args.Keys.LinkState); v == string(domain.LinkStateSubscribed) {
			return OutcomeStateAlreadySubscribed, nil
		}
	case GateUnsubscribe:
		if v, _ := s.get(args.Keys.LinkState); v != string(domain.LinkStateSubscribed) {
			return OutcomeStateNotSubscribed, nil
		}
	case GateDedupe:
		if _, ok := s.get(args.Keys.Dedupe); ok {
			return OutcomeDedupe, nil
		}
	}

	if _, ok := s.get(args.Keys.Cooldown); ok {
		return OutcomeCooldown, nil
	}
	if args.CapLimit > 0 {
		cur, _ := s.get(args.Keys.Cap)
		if n, _ := strconv.Atoi(cur); n >= args.CapLimit {
			return OutcomeCapReached, nil
		}
	}
	if _, ok := s.get(args.Keys.Lock); ok {
		return OutcomeLocked, nil
	}

	s.set(args.Keys.Lock, args.Token, args.LockTTL)
	return OutcomeOK, nil
}

// Commit — см. commitScript.
func (s *MemoryStore) Commit(_ context.Context, args CommitArgs) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.get(args.Keys.Lock); !ok || v != args.Token {
		return OutcomeNoLock, nil
	}

	if args.Cooldown > 0 {
		s.set(args.Keys.Cooldown, "1", args.Cooldown)
	}

	if args.CapLimit > 0 {
		cur, exists := s.get(args.Keys.Cap)
		n, _ := strconv.Atoi(cur)
		if n+1 > args.CapLimit {
			if args.Cooldown > 0 {
				delete(s.entries, args.Keys.Cooldown)
			}
			delete(s.entries, args.Keys.Lock)
			return OutcomeCapExceeded, nil
		}
		if exists {
			e := s.entries[args.Keys.Cap]
			e.value = strconv.Itoa(n + 1)
			s.entries[args.Keys.Cap] = e
		} else {
			s.set(args.Keys.Cap, "1", args.CapTTL)
		}
	}

	if args.NewState != domain.LinkStateAbsent {
		s.set(args.Keys.LinkState, string(args.NewState), args.LinkStateTTL)
	}
	if args.Dedupe {
		s.set(args.Keys.Dedupe, "1", args.DedupeTTL)
	}

	delete(s.entries, args.Keys.Lock)
	return OutcomeOK, nil
}

// Release — см. releaseScript.
func (s *MemoryStore) Release(_ context.Context, lockKey, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.get(lockKey); ok && v == token {
		delete(s.entries, lockKey)
	}
	return nil
}

// Extend — см. extendScript.
func (s *MemoryStore) Extend(_ context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.get(lockKey)
	if !ok || v != token {
		return false, nil
	}
	s.set(lockKey, v, ttl)
	return true, nil
}

// Counter возвращает текущее значение счётчика (для тестов и диагностики).
func (s *MemoryStore) Counter(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, _ := s.get(key)
	n, _ := strconv.Atoi(v)
	return n
}

// Exists проверяет наличие живого ключа.
func (s *MemoryStore) Exists(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.get(key)
	return ok
}
