package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MessageLocker serializes work on one Message-Id across processes with a
// session advisory lock.
type MessageLocker struct {
	pool *pgxpool.Pool
}

// NewMessageLocker creates a locker on the given pool.
func NewMessageLocker(pool *pgxpool.Pool) *MessageLocker {
	return &MessageLocker{pool: pool}
}

// Lock blocks until no other holder has the lock for messageID. The
// returned function releases it and must be called exactly once.
func (l *MessageLocker) Lock(ctx context.Context, messageID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, messageID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to lock message id: %w", err)
	}
	return func() {
		ctx := context.WithoutCancel(ctx)
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, messageID); err != nil {
			// The session may still hold the lock, so it must not go back to the pool.
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}
