package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener receives event ids published with pg_notify by any process
// writing to the same database.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
}

// NewListener creates a listener on channel using a connection from pool.
func NewListener(pool *pgxpool.Pool, channel string) *Listener {
	return &Listener{pool: pool, channel: channel}
}

// Listen holds one pooled connection for the lifetime of ctx and streams
// notification payloads. The returned channel is closed when ctx ends or
// the connection fails.
func (l *Listener) Listen(ctx context.Context) (<-chan string, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		release(conn, false)
		return nil, fmt.Errorf("failed to listen on %s: %w", l.channel, err)
	}

	ids := make(chan string, 64)
	go func() {
		defer close(ids)

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				// connection state is unknown after a real failure
				release(conn, !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded))
				return
			}
			select {
			case ids <- n.Payload:
			case <-ctx.Done():
				release(conn, false)
				return
			}
		}
	}()
	return ids, nil
}

// release returns conn to the pool with no channel registered. A connection
// that is broken, or that cannot be unlistened, is closed so the pool drops it.
func release(conn *pgxpool.Conn, broken bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !broken {
		if _, err := conn.Exec(ctx, "UNLISTEN *"); err != nil {
			broken = true
		}
	}
	if broken {
		conn.Conn().Close(ctx)
	}
	conn.Release()
}
