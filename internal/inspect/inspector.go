package inspect

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/shaiso/Fanout/internal/domain"
	"github.com/shaiso/Fanout/internal/pool"
)

// Inspector — внешний разборщик ссылок.
type Inspector interface {
	// Inspect разбирает ссылку от имени аккаунта acc.
	Inspect(ctx context.Context, acc *domain.Account, link string) (domain.LinkDescriptor, domain.ChatMeta, error)

	// RecentPosts возвращает id последних limit постов канала, новые первыми.
	RecentPosts(ctx context.Context, acc *domain.Account, channel domain.LinkDescriptor, limit int) ([]int64, error)
}

// Result — результат разбора ссылки.
type Result struct {
	Descriptor domain.LinkDescriptor
	Chat       domain.ChatMeta
	LinkHash   string

	// AccountID — аккаунт, через который выполнен разбор.
	AccountID string
}

// Service выполняет вызовы Inspector через пул inspect-аккаунтов.
type Service struct {
	pool      *pool.Pool
	inspector Inspector
	logger    *slog.Logger
	group     singleflight.Group
}

// NewService создаёт новый Service.
func NewService(p *pool.Pool, inspector Inspector, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{pool: p, inspector: inspector, logger: logger}
}

// Inspect разбирает ссылку.
func (s *Service) Inspect(ctx context.Context, link string) (*Result, error) {
	var res Result
	acc, err := s.pool.Run(ctx, domain.ModeInspect, func(ctx context.Context, acc *domain.Account) error {
		desc, chat, err := s.inspector.Inspect(ctx, acc, link)
		if err != nil {
			return err
		}
		res.Descriptor, res.Chat = desc, chat
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", link, err)
	}

	res.LinkHash = LinkHash(res.Descriptor)
	res.AccountID = acc.ID.String()
	s.logger.Debug("link inspected", "link", link, "link_hash", res.LinkHash, "account_id", res.AccountID)
	return &res, nil
}

// RecentPosts возвращает последние посты канала. Одновременные запросы
// одного канала схлопываются в один вызов.
func (s *Service) RecentPosts(ctx context.Context, channel domain.LinkDescriptor, limit int) ([]int64, error) {
	key := ChannelHash(channel) + "/" + strconv.Itoa(limit)

	v, err, shared := s.group.Do(key, func() (any, error) {
		var posts []int64
		_, err := s.pool.Run(ctx, domain.ModeInspect, func(ctx context.Context, acc *domain.Account) error {
			p, err := s.inspector.RecentPosts(ctx, acc, channel, limit)
			if err != nil {
				return err
			}
			posts = p
			return nil
		})
		return posts, err
	})
	if err != nil {
		return nil, fmt.Errorf("recent posts %s: %w", Canonical(channel), err)
	}
	if shared {
		s.logger.Debug("recent posts shared", "channel", Canonical(channel))
	}
	return v.([]int64), nil
}
