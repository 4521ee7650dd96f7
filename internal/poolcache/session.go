package poolcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrSessionReleased = errors.New("session already released")

// Conn is the part of a pooled connection a Session exposes. *pgxpool.Conn satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Release()
}

// Session is a connection checked out from a tenant pool and scoped to its schema.
// It is valid for one request and must be released exactly once; further calls to
// Release are no-ops and queries after release fail with ErrSessionReleased.
type Session struct {
	schema   string
	conn     Conn
	released atomic.Bool
	once     sync.Once
}

// NewSession wraps a connection that has already been scoped to schema.
func NewSession(schema string, conn Conn) *Session {
	return &Session{schema: schema, conn: conn}
}

// Schema returns the schema this session is bound to.
func (s *Session) Schema() string {
	return s.schema
}

func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if s.released.Load() {
		return pgconn.CommandTag{}, ErrSessionReleased
	}
	return s.conn.Exec(ctx, sql, args...)
}

func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if s.released.Load() {
		return nil, ErrSessionReleased
	}
	return s.conn.Query(ctx, sql, args...)
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if s.released.Load() {
		return errRow{err: ErrSessionReleased}
	}
	return s.conn.QueryRow(ctx, sql, args...)
}

func (s *Session) Begin(ctx context.Context) (pgx.Tx, error) {
	if s.released.Load() {
		return nil, ErrSessionReleased
	}
	return s.conn.Begin(ctx)
}

// Release returns the connection to its pool.
func (s *Session) Release() {
	s.once.Do(func() {
		s.released.Store(true)
		s.conn.Release()
	})
}

type errRow struct {
	err error
}

func (r errRow) Scan(dest ...any) error {
	return r.err
}
