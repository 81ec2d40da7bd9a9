package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite" // register the pure-Go sqlite driver

	"github.com/ketankshukla/covid19-etl/db"
	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// SQLiteConfig configures the default file-backed store.
type SQLiteConfig struct {
	Logger *slog.Logger
	Path   string
	Tables map[string]TableSpec
	Clock  clockwork.Clock
}

func (cfg *SQLiteConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Path == "" {
		return fmt.Errorf("path is required")
	}
	if len(cfg.Tables) == 0 {
		return fmt.Errorf("at least one table spec is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SQLiteOpener opens the sqlite store at run start, creating the file
// and applying migrations on first use.
type SQLiteOpener struct {
	cfg SQLiteConfig
}

func NewSQLiteOpener(cfg SQLiteConfig) (*SQLiteOpener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sqlite config: %w", err)
	}
	return &SQLiteOpener{cfg: cfg}, nil
}

func (o *SQLiteOpener) Open(ctx context.Context) (Store, error) {
	cfg := o.cfg
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite supports a single writer; one connection avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}
	if err := migrateUp(ctx, cfg.Logger, conn, db.MigrationsFS, "sqlite3", "migrations/sqlite"); err != nil {
		conn.Close()
		return nil, err
	}

	cfg.Logger.Debug("opened sqlite store", "path", cfg.Path)
	return &sqliteStore{cfg: cfg, db: conn}, nil
}

type sqliteStore struct {
	cfg SQLiteConfig
	db  *sql.DB
}

func (s *sqliteStore) Persist(ctx context.Context, domain string, tbl *table.Table) (int64, error) {
	spec, ok := s.cfg.Tables[domain]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	if tbl.Len() == 0 {
		return 0, nil
	}
	if skipped := skippedColumns(spec, tbl); len(skipped) > 0 {
		s.cfg.Logger.Debug("skipping columns outside table spec", "domain", domain, "columns", skipped)
	}

	cols := append(append([]string{}, spec.Columns...), "run_id", "ingested_at")
	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		spec.Table, strings.Join(cols, ", "), placeholders)

	runID := RunIDFromContext(ctx)
	ingestedAt := s.cfg.Clock.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < tbl.Len(); i++ {
		args := make([]any, 0, len(cols))
		for _, v := range rowValues(spec, tbl, i) {
			args = append(args, sqliteValue(v))
		}
		args = append(args, runID, ingestedAt)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to insert row %d into %s: %w", i, spec.Table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insert into %s: %w", spec.Table, err)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+spec.Table).Scan(&total); err == nil {
		s.cfg.Logger.Debug("persisted rows", "table", spec.Table, "rows", tbl.Len(), "total", total)
	}
	return int64(tbl.Len()), nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

// sqliteValue maps a cell to its sqlite binding; dates are stored as
// canonical text.
func sqliteValue(v table.Value) any {
	if d, ok := table.AsDate(v); ok {
		return d.Format(table.DateLayout)
	}
	return v
}
