package store

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jonboulle/clockwork"

	"github.com/ketankshukla/covid19-etl/db"
	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// ClickHouseConn is the slice of the native driver the store uses,
// small enough to fake in tests.
type ClickHouseConn interface {
	Ping(ctx context.Context) error
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	QueryRow(ctx context.Context, query string, args ...any) driver.Row
	Close() error
}

// ClickHouseConfig configures the ClickHouse store.
type ClickHouseConfig struct {
	Logger   *slog.Logger
	Addr     string
	Database string
	Username string
	Password string
	Secure   bool
	Tables   map[string]TableSpec
	Clock    clockwork.Clock

	// Conn overrides dialing, for tests.
	Conn ClickHouseConn
}

func (cfg *ClickHouseConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Addr == "" && cfg.Conn == nil {
		return fmt.Errorf("addr is required")
	}
	if len(cfg.Tables) == 0 {
		return fmt.Errorf("at least one table spec is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ClickHouseOpener dials ClickHouse at run start and applies migrations.
type ClickHouseOpener struct {
	cfg ClickHouseConfig
}

func NewClickHouseOpener(cfg ClickHouseConfig) (*ClickHouseOpener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid clickhouse config: %w", err)
	}
	return &ClickHouseOpener{cfg: cfg}, nil
}

func (o *ClickHouseOpener) options() *clickhouse.Options {
	options := &clickhouse.Options{
		Addr: []string{o.cfg.Addr},
		Auth: clickhouse.Auth{
			Database: o.cfg.Database,
			Username: o.cfg.Username,
			Password: o.cfg.Password,
		},
	}
	if o.cfg.Secure {
		options.TLS = &tls.Config{}
	}
	return options
}

func (o *ClickHouseOpener) Open(ctx context.Context) (Store, error) {
	cfg := o.cfg

	conn := cfg.Conn
	if conn == nil {
		var err error
		conn, err = clickhouse.Open(o.options())
		if err != nil {
			return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
		}
		if err := conn.Ping(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
		}
		if err := o.migrate(ctx); err != nil {
			conn.Close()
			return nil, err
		}
	}

	cfg.Logger.Debug("opened clickhouse store", "addr", cfg.Addr, "database", cfg.Database)
	return &clickhouseStore{cfg: cfg, conn: conn}, nil
}

func (o *ClickHouseOpener) migrate(ctx context.Context) error {
	conn := clickhouse.OpenDB(o.options())
	defer conn.Close()
	return migrateUp(ctx, o.cfg.Logger, conn, db.MigrationsFS, "clickhouse", "migrations/clickhouse")
}

type clickhouseStore struct {
	cfg  ClickHouseConfig
	conn ClickHouseConn
}

func (s *clickhouseStore) Persist(ctx context.Context, domain string, tbl *table.Table) (int64, error) {
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
	query := fmt.Sprintf("INSERT INTO %s (%s)", spec.Table, strings.Join(cols, ", "))

	batch, err := s.conn.PrepareBatch(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare batch for %s: %w", spec.Table, err)
	}
	for i := 0; i < tbl.Len(); i++ {
		args := make([]any, 0, len(cols))
		for _, v := range rowValues(spec, tbl, i) {
			args = append(args, v)
		}
		args = append(args, runID, ingestedAt)
		if err := batch.Append(args...); err != nil {
			return 0, fmt.Errorf("failed to append row %d to batch: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return 0, fmt.Errorf("failed to send batch to %s: %w", spec.Table, err)
	}

	var total uint64
	if err := s.conn.QueryRow(ctx, "SELECT count() FROM "+spec.Table).Scan(&total); err == nil {
		s.cfg.Logger.Debug("persisted rows", "table", spec.Table, "rows", tbl.Len(), "total", total)
	}
	return int64(tbl.Len()), nil
}

func (s *clickhouseStore) Close() error {
	return s.conn.Close()
}
