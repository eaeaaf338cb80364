package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Leader удерживает pg_try_advisory_lock на выделенном соединении.
//
// Advisory lock принадлежит сессии, поэтому соединение берётся из пула и
// держится всё время лидерства. Потеря соединения означает потерю лидерства.
type Leader struct {
	db     *pgxpool.Pool
	key    int64
	logger *slog.Logger

	conn *pgxpool.Conn
}

// NewLeader создаёт Leader для ключа key.
func NewLeader(db *pgxpool.Pool, key int64, logger *slog.Logger) *Leader {
	return &Leader{db: db, key: key, logger: logger}
}

// Acquire пытается стать лидером или подтверждает лидерство.
func (l *Leader) Acquire(ctx context.Context) bool {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true
		}
		l.logger.Warn("leader connection lost")
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.db.Acquire(ctx)
	if err != nil {
		l.logger.Warn("leader acquire connection", "error", err)
		return false
	}

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil || !ok {
		if err != nil {
			l.logger.Warn("leader lock", "error", err)
		}
		conn.Release()
		return false
	}

	l.conn = conn
	l.logger.Info("became maintenance leader", "lock_key", l.key)
	return true
}

// Release снимает блокировку.
func (l *Leader) Release() {
	if l.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key); err != nil {
		l.logger.Warn("leader unlock", "error", err)
	}
	l.conn.Release()
	l.conn = nil
}
