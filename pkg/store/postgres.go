package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/jonboulle/clockwork"

	"github.com/ketankshukla/covid19-etl/db"
	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// PostgresConfig configures the Postgres store.
type PostgresConfig struct {
	Logger *slog.Logger
	DSN    string
	Tables map[string]TableSpec
	Clock  clockwork.Clock

	// MaxConns bounds the pool; the default is 4.
	MaxConns int32
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.DSN == "" {
		return fmt.Errorf("dsn is required")
	}
	if len(cfg.Tables) == 0 {
		return fmt.Errorf("at least one table spec is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 4
	}
	return nil
}

// PostgresOpener connects a pgx pool at run start and applies migrations.
type PostgresOpener struct {
	cfg PostgresConfig
}

func NewPostgresOpener(cfg PostgresConfig) (*PostgresOpener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}
	return &PostgresOpener{cfg: cfg}, nil
}

func (o *PostgresOpener) Open(ctx context.Context) (Store, error) {
	cfg := o.cfg

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if err := o.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	cfg.Logger.Debug("opened postgres store")
	return &postgresStore{cfg: cfg, pool: pool}, nil
}

func (o *PostgresOpener) migrate(ctx context.Context) error {
	conn, err := sql.Open("pgx", o.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer conn.Close()
	return migrateUp(ctx, o.cfg.Logger, conn, db.MigrationsFS, "postgres", "migrations/postgres")
}

type postgresStore struct {
	cfg  PostgresConfig
	pool *pgxpool.Pool
}

func (s *postgresStore) Persist(ctx context.Context, domain string, tbl *table.Table) (int64, error) {
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

	runID := RunIDFromContext(ctx)
	ingestedAt := s.cfg.Clock.Now().UTC()

	cols := append(append([]string{}, spec.Columns...), "run_id", "ingested_at")
	rows := make([][]any, 0, tbl.Len())
	for i := 0; i < tbl.Len(); i++ {
		args := make([]any, 0, len(cols))
		for _, v := range rowValues(spec, tbl, i) {
			args = append(args, v)
		}
		args = append(args, runID, ingestedAt)
		rows = append(rows, args)
	}

	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{spec.Table}, cols, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("failed to copy rows into %s: %w", spec.Table, err)
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+spec.Table).Scan(&total); err == nil {
		s.cfg.Logger.Debug("persisted rows", "table", spec.Table, "rows", n, "total", total)
	}
	return n, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
