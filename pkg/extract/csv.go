package extract

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// CSVExtractor reads a delimited file with a header row. Cell values are
// type-inferred; empty cells become null. Short records are padded with
// nulls, long records are an error.
type CSVExtractor struct {
	log  *slog.Logger
	path string
}

func NewCSVExtractor(log *slog.Logger, path string) *CSVExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &CSVExtractor{log: log, path: path}
}

func (x *CSVExtractor) Name() string {
	return fmt.Sprintf("csv(%s)", x.path)
}

func (x *CSVExtractor) Extract(ctx context.Context) (*table.Table, error) {
	f, err := os.Open(x.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: %w", x.path, ErrNoHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
	}

	tbl := table.New(header...)
	line := 1
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv record: %w", err)
		}
		line++
		if len(record) > len(header) {
			return nil, fmt.Errorf("csv line %d has %d fields, header has %d", line, len(record), len(header))
		}
		row := make(table.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = inferValue(record[i])
			}
		}
		if err := tbl.Append(row); err != nil {
			return nil, err
		}
	}

	x.log.Debug("extracted csv source", "path", x.path, "rows", tbl.Len(), "columns", len(header))
	return tbl, nil
}
