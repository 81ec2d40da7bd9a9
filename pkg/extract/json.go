package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/ketankshukla/covid19-etl/pkg/table"
)

// JSONExtractor reads a JSON file shaped as a top-level array of objects,
// an object with a "data" array, or a single object (one row). Nested
// objects are flattened with underscore-joined keys.
type JSONExtractor struct {
	log  *slog.Logger
	path string
}

func NewJSONExtractor(log *slog.Logger, path string) *JSONExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &JSONExtractor{log: log, path: path}
}

func (x *JSONExtractor) Name() string {
	return fmt.Sprintf("json(%s)", x.path)
}

func (x *JSONExtractor) Extract(ctx context.Context) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(x.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read json file: %w", err)
	}
	tbl, err := tableFromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", x.path, err)
	}
	x.log.Debug("extracted json source", "path", x.path, "rows", tbl.Len())
	return tbl, nil
}

// tableFromJSON decodes the accepted document shapes into a table with
// alphabetically ordered columns.
func tableFromJSON(raw []byte) (*table.Table, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w", err)
	}

	var objects []map[string]any
	switch v := doc.(type) {
	case []any:
		for i, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("json array element %d is not an object", i)
			}
			objects = append(objects, obj)
		}
	case map[string]any:
		if data, ok := v["data"].([]any); ok {
			for i, item := range data {
				obj, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("json data element %d is not an object", i)
				}
				objects = append(objects, obj)
			}
		} else {
			objects = append(objects, v)
		}
	default:
		return nil, fmt.Errorf("unsupported json document shape %T", doc)
	}

	rows := make([]table.Row, 0, len(objects))
	colSet := map[string]struct{}{}
	for _, obj := range objects {
		row := table.Row{}
		flattenObject("", obj, row)
		for k := range row {
			colSet[k] = struct{}{}
		}
		rows = append(rows, row)
	}

	columns := make([]string, 0, len(colSet))
	for c := range colSet {
		columns = append(columns, c)
	}
	sort.Strings(columns)

	tbl := table.New(columns...)
	for _, row := range rows {
		if err := tbl.Append(row); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

// flattenObject writes obj's scalar leaves into row, joining nested keys
// with underscores. Arrays are dropped.
func flattenObject(prefix string, obj map[string]any, row table.Row) {
	for k, v := range obj {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		switch nested := v.(type) {
		case map[string]any:
			flattenObject(key, nested, row)
		case []any:
			continue
		default:
			row[key] = convertJSONValue(v)
		}
	}
}
