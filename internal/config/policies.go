package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/shaiso/Fanout/internal/domain"
)

// PolicyRegistry — текущая таблица политик с атомарной заменой.
//
// Реализует domain.PolicyProvider: claim.Protocol и scheduler читают
// политику на каждый вызов и видят перезагруженную таблицу без рестарта.
type PolicyRegistry struct {
	table atomic.Pointer[domain.PolicyTable]
}

var _ domain.PolicyProvider = (*PolicyRegistry)(nil)

// NewPolicyRegistry создаёт реестр из валидной таблицы.
func NewPolicyRegistry(t domain.PolicyTable) (*PolicyRegistry, error) {
	r := &PolicyRegistry{}
	if err := r.Replace(t); err != nil {
		return nil, err
	}
	return r, nil
}

// Policy возвращает политику действия из текущей таблицы.
func (r *PolicyRegistry) Policy(a domain.Action) (domain.RateLimitPolicy, error) {
	return r.Table().Policy(a)
}

// Table возвращает текущую таблицу. Таблицу нельзя изменять.
func (r *PolicyRegistry) Table() domain.PolicyTable {
	return *r.table.Load()
}

// Replace валидирует и атомарно подменяет таблицу.
// Невалидная таблица не применяется.
func (r *PolicyRegistry) Replace(t domain.PolicyTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	r.table.Store(&t)
	return nil
}

// LoadPolicyFile читает файл переопределений политик и накладывает его на base.
//
// Формат — карта действие → политика:
//
//	view:
//	  daily_cap: 300
//	  cooldown_seconds: 10
//	  dedupe_per_link: true
func LoadPolicyFile(path string, base domain.PolicyTable) (domain.PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var overrides domain.PolicyTable
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	t := base.Merge(overrides)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// WatchPolicies следит за файлом политик и перезагружает реестр при изменении.
//
// Следит за каталогом, а не за файлом: редакторы и ConfigMap заменяют файл
// через rename. Ошибка чтения или валидации логируется, реестр сохраняет
// прежнюю таблицу. Блокирует до отмены ctx.
func WatchPolicies(ctx context.Context, path string, base domain.PolicyTable, reg *PolicyRegistry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	defer watcher.Close()

	path = filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	logger.Info("watching policy file", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			reload(path, base, reg, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("policy watcher error", "error", err)
		}
	}
}

func reload(path string, base domain.PolicyTable, reg *PolicyRegistry, logger *slog.Logger) {
	t, err := LoadPolicyFile(path, base)
	if err == nil {
		err = reg.Replace(t)
	}
	if err != nil {
		logger.Warn("policy reload rejected, keeping previous table", "path", path, "error", err)
		return
	}
	logger.Info("policies reloaded", "path", path, "actions", len(t))
}
