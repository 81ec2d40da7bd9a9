// Package extract adapts heterogeneous sources (CSV files, JSON files,
// HTTP APIs, scraped HTML tables) into record tables. Adapters return raw
// source column names; canonical naming is the transformation chain's job.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// Extractor pulls one source into a table. Implementations never return
// a nil table together with a nil error.
type Extractor interface {
	Name() string
	Extract(ctx context.Context) (*table.Table, error)
}

var (
	// ErrNoHeader means a delimited source had no header row.
	ErrNoHeader = errors.New("source has no header row")
	// ErrNoTables means a scraped page contained no usable table.
	ErrNoTables = errors.New("no tables found in page")
)

// StatusError is a non-200 HTTP response. It exposes the status code so
// the retry layer can tell throttling and server errors from client errors.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s returned status %d", e.URL, e.Code)
}

func (e *StatusError) StatusCode() int { return e.Code }

// inferValue types a raw text cell: int64 when integral, float64 when
// numeric, nil when empty, string otherwise.
func inferValue(raw string) table.Value {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// convertJSONValue maps a decoded JSON scalar into a cell value.
// Integral numbers become int64, matching delimited-source inference.
func convertJSONValue(v any) table.Value {
	switch n := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(n) == "" {
			return nil
		}
		return n
	case float64:
		if n == float64(int64(n)) {
			return int64(n)
		}
		return n
	case bool:
		return strconv.FormatBool(n)
	default:
		return fmt.Sprintf("%v", n)
	}
}
