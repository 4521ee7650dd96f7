package poolcache

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// fakeConn records the statements it is given and reports current as the
// schema resolved by the server.
type fakeConn struct {
	current  *string
	execErr  error
	execs    []string
	args     [][]any
	releases int
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.execs = append(c.execs, sql)
	c.args = append(c.args, args)
	if c.execErr != nil {
		return pgconn.CommandTag{}, c.execErr
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return schemaRow{current: c.current}
}

func (c *fakeConn) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not implemented")
}

func (c *fakeConn) Release() {
	c.releases++
}

type schemaRow struct {
	current *string
}

func (r schemaRow) Scan(dest ...any) error {
	*(dest[0].(**string)) = r.current
	return nil
}

func strPtr(s string) *string { return &s }

func TestScopeConn(t *testing.T) {
	ctx := context.Background()

	t.Run("sets search path and verifies", func(t *testing.T) {
		conn := &fakeConn{current: strPtr("tenant_acme")}

		require.NoError(t, scopeConn(ctx, conn, "tenant_acme"))
		require.Len(t, conn.execs, 1)
		require.Contains(t, conn.execs[0], "set_config('search_path'")
		require.Equal(t, []any{`"tenant_acme"`}, conn.args[0])
	})

	t.Run("scopes on every call", func(t *testing.T) {
		conn := &fakeConn{current: strPtr("tenant_acme")}

		for range 3 {
			require.NoError(t, scopeConn(ctx, conn, "tenant_acme"))
		}
		require.Len(t, conn.execs, 3)
	})

	t.Run("mismatch", func(t *testing.T) {
		conn := &fakeConn{current: strPtr("public")}

		err := scopeConn(ctx, conn, "tenant_acme")
		require.ErrorIs(t, err, ErrSchemaMismatch)
	})

	t.Run("no current schema", func(t *testing.T) {
		conn := &fakeConn{}

		err := scopeConn(ctx, conn, "tenant_acme")
		require.ErrorIs(t, err, ErrSchemaMismatch)
	})

	t.Run("exec failure", func(t *testing.T) {
		conn := &fakeConn{execErr: errors.New("conn reset")}

		err := scopeConn(ctx, conn, "tenant_acme")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrSchemaMismatch)
	})
}

func TestSession_Release(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{current: strPtr("tenant_acme")}
	sess := NewSession("tenant_acme", conn)

	_, err := sess.Exec(ctx, "SELECT 1")
	require.NoError(t, err)

	sess.Release()
	sess.Release()
	require.Equal(t, 1, conn.releases)

	_, err = sess.Exec(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrSessionReleased)

	_, err = sess.Query(ctx, "SELECT 1")
	require.ErrorIs(t, err, ErrSessionReleased)

	var n int
	require.ErrorIs(t, sess.QueryRow(ctx, "SELECT 1").Scan(&n), ErrSessionReleased)

	_, err = sess.Begin(ctx)
	require.ErrorIs(t, err, ErrSessionReleased)
}
