package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RelayLease elects one relay per session with a session-level advisory lock
// held on a dedicated connection. The lock is released when the holder calls
// Release or its connection drops, and another process takes over on its next
// Lead call.
type RelayLease struct {
	pool *pgxpool.Pool
	key  string

	mu   sync.Mutex
	conn *pgxpool.Conn
}

func NewRelayLease(pool *pgxpool.Pool, session string) *RelayLease {
	return &RelayLease{pool: pool, key: "relay:" + session}
}

func (l *RelayLease) Lead(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		// The lock went with the broken connection.
		_ = l.conn.Conn().Close(ctx)
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: relay lease: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, l.key).Scan(&locked); err != nil {
		conn.Release()
		return false, fmt.Errorf("postgres: relay lease: %w", err)
	}
	if !locked {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release gives up leadership if held.
func (l *RelayLease) Release(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return
	}
	if _, err := l.conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.key); err != nil {
		_ = l.conn.Conn().Close(ctx)
	}
	l.conn.Release()
	l.conn = nil
}
