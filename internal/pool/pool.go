package pool

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/proxyhealth"
	"github.com/shaiso/Fanout/internal/telemetry"
)

// Значения по умолчанию.
const (
	DefaultBatchSize     = 20
	DefaultTopK          = 7
	DefaultMaxTries      = 5
	DefaultDeadline      = 45 * time.Second
	DefaultExecLockTTL   = 60 * time.Second
	DefaultExecLockWait  = 2 * time.Second
	DefaultProxyCooldown = 2 * time.Minute
	DefaultFloodJitter   = 15 * time.Second
)

// Config — конфигурация Pool.
type Config struct {
	Source    AccountSource
	Health    proxyhealth.Tracker
	Locker    ExecLocker
	Penalties *PenaltyCache

	// BatchSize — размер окна кандидатов.
	BatchSize int

	// TopK — сколько лучших кандидатов перемешивать.
	TopK int

	// MaxTries — максимум аккаунтов за один Run.
	MaxTries int

	// Deadline — общий дедлайн Run.
	Deadline time.Duration

	// ExecLockTTL и ExecLockWait — параметры блокировки исполнения.
	ExecLockTTL  time.Duration
	ExecLockWait time.Duration

	// ProxyCooldown — cooldown прокси, через который не удалось соединиться.
	ProxyCooldown time.Duration

	// FloodJitter — верхняя граница случайной добавки к flood-wait.
	FloodJitter time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Pool — пул аккаунтов.
type Pool struct {
	source    AccountSource
	health    proxyhealth.Tracker
	locker    ExecLocker
	penalties *PenaltyCache

	batchSize     int
	topK          int
	maxTries      int
	deadline      time.Duration
	execLockTTL   time.Duration
	execLockWait  time.Duration
	proxyCooldown time.Duration
	floodJitter   time.Duration

	now    func() time.Time
	logger *slog.Logger
}

// New создаёт новый Pool.
func New(cfg Config) *Pool {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Health == nil {
		cfg.Health = proxyhealth.NewMemoryTracker(proxyhealth.Config{}, cfg.Now)
	}
	if cfg.Locker == nil {
		cfg.Locker = NewMemoryLocker(cfg.Now)
	}
	if cfg.Penalties == nil {
		cfg.Penalties = NewPenaltyCache(DefaultPenaltyMin, DefaultPenaltyMax, cfg.Now)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.MaxTries <= 0 {
		cfg.MaxTries = DefaultMaxTries
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.ExecLockTTL <= 0 {
		cfg.ExecLockTTL = DefaultExecLockTTL
	}
	if cfg.ExecLockWait <= 0 {
		cfg.ExecLockWait = DefaultExecLockWait
	}
	if cfg.ProxyCooldown <= 0 {
		cfg.ProxyCooldown = DefaultProxyCooldown
	}
	if cfg.FloodJitter < 0 {
		cfg.FloodJitter = 0
	} else if cfg.FloodJitter == 0 {
		cfg.FloodJitter = DefaultFloodJitter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pool{
		source:        cfg.Source,
		health:        cfg.Health,
		locker:        cfg.Locker,
		penalties:     cfg.Penalties,
		batchSize:     cfg.BatchSize,
		topK:          cfg.TopK,
		maxTries:      cfg.MaxTries,
		deadline:      cfg.Deadline,
		execLockTTL:   cfg.ExecLockTTL,
		execLockWait:  cfg.ExecLockWait,
		proxyCooldown: cfg.ProxyCooldown,
		floodJitter:   cfg.FloodJitter,
		now:           cfg.Now,
		logger:        cfg.Logger,
	}
}

// Query — параметры выбора кандидата.
type Query struct {
	Mode domain.AccountMode

	// ExcludeAccounts — аккаунты, которые уже пробовали.
	ExcludeAccounts map[uuid.UUID]struct{}

	// ExcludeProxies — ключи прокси, которые нужно обойти.
	ExcludeProxies map[string]struct{}

	// After — курсор round-robin (uuid.Nil — окно LRU).
	After uuid.UUID
}

// Window — ранжированное окно кандидатов.
type Window struct {
	// Candidates — кандидаты в порядке предпочтения.
	Candidates []*domain.Account

	// Cursor — id последнего аккаунта окна по порядку id,
	// следующий курсор round-robin.
	Cursor uuid.UUID

	// Monoculture — все кандидаты окна на одном прокси.
	Monoculture bool
}

// SelectCandidate возвращает лучший аккаунт для режима q.Mode.
//
// Ошибки: ErrNoCandidates, ErrAllProxiesCooling.
func (p *Pool) SelectCandidate(ctx context.Context, q Query) (*domain.Account, error) {
	w, err := p.Rank(ctx, q)
	if err != nil {
		return nil, err
	}
	return w.Candidates[0], nil
}

// Rank выбирает окно кандидатов и ранжирует его.
//
// При курсоре, дошедшем до конца таблицы, окно берётся с начала.
// Пустой результат — ошибка ErrNoCandidates или ErrAllProxiesCooling;
// во втором случае окно с курсором возвращается вместе с ошибкой,
// чтобы round-robin мог перейти к следующему окну.
func (p *Pool) Rank(ctx context.Context, q Query) (*Window, error) {
	now := p.now()

	accounts, err := p.window(ctx, q, now)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 && q.After != uuid.Nil {
		q.After = uuid.Nil
		if accounts, err = p.window(ctx, q, now); err != nil {
			return nil, err
		}
	}
	if len(accounts) == 0 {
		telemetry.PoolSelections.WithLabelValues(string(q.Mode), "no_candidates").Inc()
		return nil, ErrNoCandidates
	}

	w := &Window{}
	for _, a := range accounts {
		if bytesLess(w.Cursor, a.ID) {
			w.Cursor = a.ID
		}
	}

	keys := make([]string, 0, len(accounts))
	distinct := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		k := a.ProxyKey()
		if _, ok := distinct[k]; !ok {
			distinct[k] = struct{}{}
			keys = append(keys, k)
		}
	}

	if len(distinct) == 1 {
		w.Monoculture = true
		w.Candidates = p.rankMonoculture(accounts)
		telemetry.PoolSelections.WithLabelValues(string(q.Mode), "monoculture").Inc()
		return w, nil
	}

	health, err := p.health.Snapshot(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("proxy health snapshot: %w", err)
	}

	w.Candidates = p.rankScored(accounts, health, q.ExcludeProxies, now)
	if len(w.Candidates) == 0 {
		telemetry.PoolSelections.WithLabelValues(string(q.Mode), "proxies_cooling").Inc()
		return w, ErrAllProxiesCooling
	}
	telemetry.PoolSelections.WithLabelValues(string(q.Mode), "selected").Inc()
	return w, nil
}

func (p *Pool) window(ctx context.Context, q Query, now time.Time) ([]*domain.Account, error) {
	exclude := make([]uuid.UUID, 0, len(q.ExcludeAccounts))
	for id := range q.ExcludeAccounts {
		exclude = append(exclude, id)
	}

	accounts, err := p.source.ListEligible(ctx, EligibleFilter{
		Mode:    q.Mode,
		Now:     now,
		Limit:   p.batchSize,
		Exclude: exclude,
		After:   q.After,
	})
	if err != nil {
		return nil, fmt.Errorf("list eligible accounts: %w", err)
	}

	// источник может отдать устаревшее окно, перепроверяем
	out := make([]*domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if _, skip := q.ExcludeAccounts[a.ID]; skip {
			continue
		}
		if !a.Eligible(q.Mode, now) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// rankMonoculture: штраф, LRU, id.
func (p *Pool) rankMonoculture(accounts []*domain.Account) []*domain.Account {
	out := slices.Clone(accounts)
	penalty := make(map[uuid.UUID]float64, len(out))
	for _, a := range out {
		penalty[a.ID] = p.penalties.Penalty(a.ID)
	}

	slices.SortStableFunc(out, func(a, b *domain.Account) int {
		if c := cmp.Compare(penalty[a.ID], penalty[b.ID]); c != 0 {
			return c
		}
		if c := compareLRU(a, b); c != 0 {
			return c
		}
		return compareID(a, b)
	})
	return out
}

// rankScored: фильтр прокси, score - штраф по убыванию, LRU, id; top-K перемешиваются.
func (p *Pool) rankScored(accounts []*domain.Account, health map[string]proxyhealth.Health, exclude map[string]struct{}, now time.Time) []*domain.Account {
	score := make(map[uuid.UUID]float64, len(accounts))
	out := make([]*domain.Account, 0, len(accounts))

	for _, a := range accounts {
		k := a.ProxyKey()
		if _, skip := exclude[k]; skip {
			continue
		}
		h := health[k]
		if h.InCooldown(now) {
			continue
		}
		score[a.ID] = proxyhealth.Score(h) - p.penalties.Penalty(a.ID)
		out = append(out, a)
	}

	slices.SortStableFunc(out, func(a, b *domain.Account) int {
		if c := cmp.Compare(score[b.ID], score[a.ID]); c != 0 {
			return c
		}
		if c := compareLRU(a, b); c != 0 {
			return c
		}
		return compareID(a, b)
	})

	k := min(p.topK, len(out))
	rand.Shuffle(k, func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// compareLRU: аккаунт без last_used_at — самый давний.
func compareLRU(a, b *domain.Account) int {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return 0
	case a.LastUsedAt == nil:
		return -1
	case b.LastUsedAt == nil:
		return 1
	default:
		return a.LastUsedAt.Compare(*b.LastUsedAt)
	}
}

func compareID(a, b *domain.Account) int {
	return slices.Compare(a.ID[:], b.ID[:])
}

func bytesLess(a, b uuid.UUID) bool {
	return slices.Compare(a[:], b[:]) < 0
}
