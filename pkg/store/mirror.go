package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// MirrorConfig configures the flat-file mirror wrapped around a primary
// store.
type MirrorConfig struct {
	Logger  *slog.Logger
	Dir     string
	Primary Opener
	Tables  map[string]TableSpec
	Clock   clockwork.Clock
}

func (cfg *MirrorConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if cfg.Primary == nil {
		return fmt.Errorf("primary opener is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// MirrorOpener decorates a primary store with timestamped CSV snapshots.
// A mirror write failure is logged and never fails the domain; the
// primary write has already committed.
type MirrorOpener struct {
	cfg MirrorConfig
}

func NewMirrorOpener(cfg MirrorConfig) (*MirrorOpener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mirror config: %w", err)
	}
	return &MirrorOpener{cfg: cfg}, nil
}

func (o *MirrorOpener) Open(ctx context.Context) (Store, error) {
	primary, err := o.cfg.Primary.Open(ctx)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(o.cfg.Dir, 0o755); err != nil {
		primary.Close()
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}
	return &mirrorStore{cfg: o.cfg, primary: primary}, nil
}

type mirrorStore struct {
	cfg     MirrorConfig
	primary Store
}

func (s *mirrorStore) Persist(ctx context.Context, domain string, tbl *table.Table) (int64, error) {
	n, err := s.primary.Persist(ctx, domain, tbl)
	if err != nil {
		return n, err
	}
	if tbl.Len() == 0 {
		return n, nil
	}

	path := s.snapshotPath(domain)
	if err := writeCSVSnapshot(path, tbl); err != nil {
		s.cfg.Logger.Warn("failed to write csv mirror", "domain", domain, "path", path, "error", err)
		return n, nil
	}
	s.cfg.Logger.Debug("wrote csv mirror", "domain", domain, "path", path, "rows", tbl.Len())
	return n, nil
}

func (s *mirrorStore) Close() error {
	return s.primary.Close()
}

func (s *mirrorStore) snapshotPath(domain string) string {
	name := domain
	if spec, ok := s.cfg.Tables[domain]; ok {
		name = spec.Table
	}
	stamp := s.cfg.Clock.Now().UTC().Format("20060102_150405")
	return filepath.Join(s.cfg.Dir, fmt.Sprintf("%s_%s.csv", name, stamp))
}

func writeCSVSnapshot(path string, tbl *table.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(tbl.Columns()); err != nil {
		return err
	}
	record := make([]string, len(tbl.Columns()))
	for i := 0; i < tbl.Len(); i++ {
		for j, col := range tbl.Columns() {
			record[j] = table.Format(tbl.Value(i, col))
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
