package leaderelection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const unlockTimeout = 2 * time.Second

// OpenDB opens a Postgres pool for lock sessions. It does not connect.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Only the elector's dedicated session uses this pool.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	return db, nil
}

// Postgres opens lock sessions on a dedicated connection from db.
type Postgres struct {
	DB *sql.DB
}

func (p Postgres) Open(ctx context.Context) (Session, error) {
	conn, err := p.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return pgSession{conn: conn}, nil
}

type pgSession struct {
	conn *sql.Conn
}

// TryLock is non-blocking.
func (s pgSession) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	if err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		return false, err
	}
	return acquired, nil
}

func (s pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close releases any lock held by the session before returning the
// connection to the pool. A dead connection is discarded by the pool.
func (s pgSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()
	_, _ = s.conn.ExecContext(ctx, "SELECT pg_advisory_unlock_all()")
	return s.conn.Close()
}
