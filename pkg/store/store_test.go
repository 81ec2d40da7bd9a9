package store_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ketankshukla/covid19-etl/pkg/store"
	"github.com/ketankshukla/covid19-etl/pkg/table"
	etltesting "github.com/ketankshukla/covid19-etl/pkg/testing"
)

func testTables() map[string]store.TableSpec {
	return map[string]store.TableSpec{
		"cases": {
			Table:   "covid_cases",
			Columns: []string{"date", "region", "confirmed_cases", "deaths"},
		},
	}
}

func casesTable(t *testing.T) *table.Table {
	t.Helper()
	tbl := table.New("date", "region", "confirmed_cases", "deaths", "note")
	require.NoError(t, tbl.Append(table.Row{
		"date":            table.Date(time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)),
		"region":          "California",
		"confirmed_cases": int64(100),
		"deaths":          int64(2),
		"note":            "passthrough",
	}))
	require.NoError(t, tbl.Append(table.Row{
		"date":            table.Date(time.Date(2021, 3, 16, 0, 0, 0, 0, time.UTC)),
		"region":          "New York",
		"confirmed_cases": int64(250),
		"deaths":          nil,
		"note":            "passthrough",
	}))
	return tbl
}

func TestETL_Store_SQLite_PersistRoundTrip(t *testing.T) {
	t.Parallel()

	log := etltesting.NewLogger()
	path := filepath.Join(t.TempDir(), "covid19.db")
	clock := clockwork.NewFakeClockAt(time.Date(2021, 3, 15, 12, 0, 0, 0, time.UTC))

	opener, err := store.NewSQLiteOpener(store.SQLiteConfig{
		Logger: log,
		Path:   path,
		Tables: testTables(),
		Clock:  clock,
	})
	require.NoError(t, err)

	st, err := opener.Open(t.Context())
	require.NoError(t, err)
	defer st.Close()

	ctx := store.ContextWithRunID(t.Context(), "run-123")
	n, err := st.Persist(ctx, "cases", casesTable(t))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer conn.Close()

	rows, err := conn.QueryContext(t.Context(),
		"SELECT date, region, confirmed_cases, deaths, run_id, ingested_at FROM covid_cases ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()

	type persisted struct {
		date, region, runID, ingestedAt string
		confirmed                       int64
		deaths                          sql.NullInt64
	}
	var got []persisted
	for rows.Next() {
		var p persisted
		require.NoError(t, rows.Scan(&p.date, &p.region, &p.confirmed, &p.deaths, &p.runID, &p.ingestedAt))
		got = append(got, p)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	require.Equal(t, "2021-03-15", got[0].date)
	require.Equal(t, "California", got[0].region)
	require.Equal(t, int64(100), got[0].confirmed)
	require.True(t, got[0].deaths.Valid)
	require.Equal(t, int64(2), got[0].deaths.Int64)
	require.Equal(t, "run-123", got[0].runID)
	require.Equal(t, "2021-03-15T12:00:00Z", got[0].ingestedAt)

	require.Equal(t, "New York", got[1].region)
	require.False(t, got[1].deaths.Valid)
}

func TestETL_Store_SQLite_UnknownDomain(t *testing.T) {
	t.Parallel()

	opener, err := store.NewSQLiteOpener(store.SQLiteConfig{
		Logger: etltesting.NewLogger(),
		Path:   filepath.Join(t.TempDir(), "covid19.db"),
		Tables: testTables(),
	})
	require.NoError(t, err)

	st, err := opener.Open(t.Context())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Persist(t.Context(), "weather", casesTable(t))
	require.ErrorIs(t, err, store.ErrUnknownDomain)
}

func TestETL_Store_SQLite_EmptyTable(t *testing.T) {
	t.Parallel()

	opener, err := store.NewSQLiteOpener(store.SQLiteConfig{
		Logger: etltesting.NewLogger(),
		Path:   filepath.Join(t.TempDir(), "covid19.db"),
		Tables: testTables(),
	})
	require.NoError(t, err)

	st, err := opener.Open(t.Context())
	require.NoError(t, err)
	defer st.Close()

	n, err := st.Persist(t.Context(), "cases", table.New("date", "region"))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestETL_Store_SQLite_ReopenIsIdempotent(t *testing.T) {
	t.Parallel()

	opener, err := store.NewSQLiteOpener(store.SQLiteConfig{
		Logger: etltesting.NewLogger(),
		Path:   filepath.Join(t.TempDir(), "covid19.db"),
		Tables: testTables(),
	})
	require.NoError(t, err)

	st, err := opener.Open(t.Context())
	require.NoError(t, err)
	_, err = st.Persist(t.Context(), "cases", casesTable(t))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Second open must reuse the migrated schema and keep prior rows.
	st, err = opener.Open(t.Context())
	require.NoError(t, err)
	defer st.Close()

	n, err := st.Persist(t.Context(), "cases", casesTable(t))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestETL_Store_SQLite_MissingSpecColumnIsNull(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "covid19.db")
	opener, err := store.NewSQLiteOpener(store.SQLiteConfig{
		Logger: etltesting.NewLogger(),
		Path:   path,
		Tables: testTables(),
	})
	require.NoError(t, err)

	st, err := opener.Open(t.Context())
	require.NoError(t, err)
	defer st.Close()

	tbl := table.New("region")
	require.NoError(t, tbl.Append(table.Row{"region": "Texas"}))

	n, err := st.Persist(t.Context(), "cases", tbl)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	conn, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer conn.Close()

	var date sql.NullString
	var region string
	require.NoError(t, conn.QueryRowContext(t.Context(),
		"SELECT date, region FROM covid_cases").Scan(&date, &region))
	require.False(t, date.Valid)
	require.Equal(t, "Texas", region)
}

type mockStore struct {
	PersistFunc func(ctx context.Context, domain string, tbl *table.Table) (int64, error)
	CloseFunc   func() error
}

func (m *mockStore) Persist(ctx context.Context, domain string, tbl *table.Table) (int64, error) {
	return m.PersistFunc(ctx, domain, tbl)
}

func (m *mockStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

type mockOpener struct {
	OpenFunc func(ctx context.Context) (store.Store, error)
}

func (m *mockOpener) Open(ctx context.Context) (store.Store, error) {
	return m.OpenFunc(ctx)
}

func TestETL_Store_Mirror_WritesSnapshotAfterPrimary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primary := &mockStore{
		PersistFunc: func(context.Context, string, *table.Table) (int64, error) {
			return 2, nil
		},
	}
	opener, err := store.NewMirrorOpener(store.MirrorConfig{
		Logger: etltesting.NewLogger(),
		Dir:    dir,
		Primary: &mockOpener{OpenFunc: func(context.Context) (store.Store, error) {
			return primary, nil
		}},
		Tables: testTables(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2021, 3, 15, 12, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	st, err := opener.Open(t.Context())
	require.NoError(t, err)
	defer st.Close()

	n, err := st.Persist(t.Context(), "cases", casesTable(t))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	data, err := os.ReadFile(filepath.Join(dir, "covid_cases_20210315_120000.csv"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "date,region,confirmed_cases,deaths,note", lines[0])
	require.Equal(t, "2021-03-15,California,100,2,passthrough", lines[1])
	require.Equal(t, "2021-03-16,New York,250,,passthrough", lines[2])
}

func TestETL_Store_Mirror_SkipsSnapshotOnPrimaryFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	primaryErr := errors.New("disk full")
	opener, err := store.NewMirrorOpener(store.MirrorConfig{
		Logger: etltesting.NewLogger(),
		Dir:    dir,
		Primary: &mockOpener{OpenFunc: func(context.Context) (store.Store, error) {
			return &mockStore{
				PersistFunc: func(context.Context, string, *table.Table) (int64, error) {
					return 0, primaryErr
				},
			}, nil
		}},
		Tables: testTables(),
	})
	require.NoError(t, err)

	st, err := opener.Open(t.Context())
	require.NoError(t, err)
	defer st.Close()

	_, err = st.Persist(t.Context(), "cases", casesTable(t))
	require.ErrorIs(t, err, primaryErr)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestETL_Store_Mirror_SkipsEmptyTables(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	opener, err := store.NewMirrorOpener(store.MirrorConfig{
		Logger: etltesting.NewLogger(),
		Dir:    dir,
		Primary: &mockOpener{OpenFunc: func(context.Context) (store.Store, error) {
			return &mockStore{
				PersistFunc: func(context.Context, string, *table.Table) (int64, error) {
					return 0, nil
				},
			}, nil
		}},
		Tables: testTables(),
	})
	require.NoError(t, err)

	st, err := opener.Open(t.Context())
	require.NoError(t, err)
	defer st.Close()

	n, err := st.Persist(t.Context(), "cases", table.New("date"))
	require.NoError(t, err)
	require.Zero(t, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
