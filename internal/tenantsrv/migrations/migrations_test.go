package migrations

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testChain = []Migration{
	{Version: 1, Description: "create departments", SQL: "CREATE TABLE departments (id UUID PRIMARY KEY)"},
	{Version: 2, Description: "create employees", SQL: "CREATE TABLE employees (id UUID PRIMARY KEY)"},
	{Version: 3, Description: "add flag", SQL: "ALTER TABLE departments ADD COLUMN is_active BOOLEAN"},
}

func TestParseFileName(t *testing.T) {
	v, desc, err := ParseFileName("0002_create_employees.up.sql")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, "create employees", desc)

	for _, bad := range []string{"2_x.up.sql", "0002_create.down.sql", "0000_zero.up.sql", "abcd_x.up.sql", "0001_Upper.up.sql"} {
		_, _, err := ParseFileName(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadChain(t *testing.T) {
	t.Run("sorted by version", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/0010_later.up.sql":  {Data: []byte("SELECT 10")},
			"m/0002_second.up.sql": {Data: []byte("SELECT 2")},
			"m/0001_first.up.sql":  {Data: []byte("SELECT 1")},
			"m/README.md":          {Data: []byte("ignored")},
		}
		chain, err := LoadChain(fsys, "m")
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 10}, Versions(chain))
		assert.Equal(t, "SELECT 2", chain[1].SQL)
	})

	t.Run("duplicate version", func(t *testing.T) {
		fsys := fstest.MapFS{
			"m/0001_a.up.sql":  {Data: []byte("SELECT 1")},
			"m/00001_b.up.sql": {Data: []byte("SELECT 1")},
		}
		_, err := LoadChain(fsys, "m")
		assert.ErrorContains(t, err, "duplicate migration version")
	})

	t.Run("empty file", func(t *testing.T) {
		fsys := fstest.MapFS{"m/0001_a.up.sql": {Data: []byte("  \n")}}
		_, err := LoadChain(fsys, "m")
		assert.Error(t, err)
	})
}

func TestEmbeddedChain(t *testing.T) {
	chain := Chain()
	require.NotEmpty(t, chain)
	for i := 1; i < len(chain); i++ {
		assert.Less(t, chain[i-1].Version, chain[i].Version)
	}
	assert.Equal(t, "create departments", chain[0].Description)

	// callers get their own copy
	chain[0].Description = "changed"
	assert.Equal(t, "create departments", Chain()[0].Description)
}

func TestPendingFor(t *testing.T) {
	pending, err := PendingFor("tenant_acme", testChain, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, Versions(pending))

	pending, err = PendingFor("tenant_acme", testChain, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{3}, Versions(pending))

	pending, err = PendingFor("tenant_acme", testChain, []int{1, 2, 3})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = PendingFor("tenant_acme", testChain, []int{1, 3})
	assert.ErrorIs(t, err, ErrHistoryDiverged)

	_, err = PendingFor("tenant_acme", testChain, []int{1, 2, 3, 4})
	assert.ErrorIs(t, err, ErrHistoryDiverged)
}

const historySelect = `SELECT version FROM "tenant_acme"."schema_migrations" ORDER BY version`

func newMockRunner(t *testing.T) (Runner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	r, aerr := NewSQLRunner(db, "tenant_acme", testChain)
	require.Nil(t, aerr)
	return r, mock
}

func expectLockAndHistory(mock sqlmock.Sqlmock, applied ...int) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs("tenant_acme").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "tenant_acme"."schema_migrations"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"version"})
	for _, v := range applied {
		rows.AddRow(v)
	}
	mock.ExpectQuery(regexp.QuoteMeta(historySelect)).WillReturnRows(rows)
}

func TestSQLRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects unsafe schema names", func(t *testing.T) {
		db, _, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		_, aerr := NewSQLRunner(db, `x"; DROP SCHEMA public; --`, testChain)
		assert.NotNil(t, aerr)
	})

	t.Run("fresh schema has no history", func(t *testing.T) {
		r, mock := newMockRunner(t)
		mock.ExpectQuery(regexp.QuoteMeta(historySelect)).
			WillReturnError(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
		applied, err := r.Applied(ctx)
		require.NoError(t, err)
		assert.Empty(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("applies the next pending migration", func(t *testing.T) {
		r, mock := newMockRunner(t)
		expectLockAndHistory(mock, 1)
		mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL search_path TO "tenant_acme"`)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(testChain[1].SQL)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "tenant_acme"."schema_migrations" (version, description) VALUES ($1, $2)`)).
			WithArgs(2, "create employees").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		m, err := r.ApplyNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, 2, m.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing pending", func(t *testing.T) {
		r, mock := newMockRunner(t)
		expectLockAndHistory(mock, 1, 2, 3)
		mock.ExpectCommit()

		m, err := r.ApplyNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, m)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed migration rolls back and records nothing", func(t *testing.T) {
		r, mock := newMockRunner(t)
		expectLockAndHistory(mock)
		mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL search_path TO "tenant_acme"`)).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta(testChain[0].SQL)).WillReturnError(&pgconn.PgError{Code: "42601", Message: "syntax error"})
		mock.ExpectRollback()

		m, err := r.ApplyNext(ctx)
		assert.Nil(t, m)
		assert.ErrorIs(t, err, ErrApplyFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("diverged history is not touched", func(t *testing.T) {
		r, mock := newMockRunner(t)
		expectLockAndHistory(mock, 1, 3)
		mock.ExpectRollback()

		_, err := r.ApplyNext(ctx)
		assert.ErrorIs(t, err, ErrHistoryDiverged)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// fakeRunner applies testChain in memory.
type fakeRunner struct {
	applied []int
	failAt  int
	calls   int
}

func (f *fakeRunner) Schema() string { return "tenant_fake" }

func (f *fakeRunner) Applied(ctx context.Context) ([]int, error) {
	return append([]int(nil), f.applied...), nil
}

func (f *fakeRunner) Pending(ctx context.Context) ([]Migration, error) {
	return PendingFor(f.Schema(), testChain, f.applied)
}

func (f *fakeRunner) ApplyNext(ctx context.Context) (*Migration, error) {
	f.calls++
	pending, err := f.Pending(ctx)
	if err != nil || len(pending) == 0 {
		return nil, err
	}
	m := pending[0]
	if m.Version == f.failAt {
		return nil, ErrApplyFailed.Msg("boom")
	}
	f.applied = append(f.applied, m.Version)
	return &m, nil
}

func TestApplyAll(t *testing.T) {
	ctx := context.Background()

	f := &fakeRunner{}
	applied, err := ApplyAll(ctx, f)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, applied)

	applied, err = ApplyAll(ctx, f)
	require.NoError(t, err)
	assert.Empty(t, applied, "second run is a no-op")

	f = &fakeRunner{failAt: 2}
	applied, err = ApplyAll(ctx, f)
	assert.ErrorIs(t, err, ErrApplyFailed)
	assert.Equal(t, []int{1}, applied)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	f = &fakeRunner{}
	_, err = ApplyAll(cctx, f)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.calls)
}

func TestInspect(t *testing.T) {
	st, err := Inspect(context.Background(), &fakeRunner{applied: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, st.Applied)
	assert.Equal(t, []int{2, 3}, Versions(st.Pending))
	assert.False(t, st.UpToDate)

	st, err = Inspect(context.Background(), &fakeRunner{applied: []int{1, 2, 3}})
	require.NoError(t, err)
	assert.True(t, st.UpToDate)
}
