package extract

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ketankshukla/covid19-etl/pkg/retry"
	"github.com/ketankshukla/covid19-etl/pkg/table"
)

var (
	tableRe = regexp.MustCompile(`(?is)<table[^>]*>(.*?)</table>`)
	rowRe   = regexp.MustCompile(`(?is)<tr[^>]*>(.*?)</tr>`)
	cellRe  = regexp.MustCompile(`(?is)<t[hd][^>]*>(.*?)</t[hd]>`)
	tagRe   = regexp.MustCompile(`(?s)<[^>]*>`)
	wsRe    = regexp.MustCompile(`\s+`)
)

// WebConfig configures an HTML table source.
type WebConfig struct {
	Logger *slog.Logger
	URL    string
	// TableIndex selects which table on the page to read.
	TableIndex int

	Client  *http.Client
	Limiter *rate.Limiter
	Retry   retry.Config

	// Fallback makes fetch or parse failures return a small fixed
	// placeholder table marked Synthetic instead of an error.
	Fallback bool
}

func (cfg *WebConfig) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.URL == "" {
		return fmt.Errorf("url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if cfg.TableIndex < 0 {
		return fmt.Errorf("table index must be non-negative")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// WebExtractor scrapes one HTML table from a page. Header cells are
// normalized to snake_case; data cells are type-inferred like CSV cells.
type WebExtractor struct {
	cfg WebConfig
}

func NewWebExtractor(cfg WebConfig) (*WebExtractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid web extractor config: %w", err)
	}
	return &WebExtractor{cfg: cfg}, nil
}

func (x *WebExtractor) Name() string {
	return fmt.Sprintf("web(%s)", x.cfg.URL)
}

func (x *WebExtractor) Extract(ctx context.Context) (*table.Table, error) {
	tbl, err := x.scrape(ctx)
	if err != nil {
		if !x.cfg.Fallback {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		x.cfg.Logger.Warn("web source unavailable, using fallback data", "url", x.cfg.URL, "error", err)
		return x.fallbackTable(), nil
	}
	x.cfg.Logger.Debug("extracted web source", "url", x.cfg.URL, "rows", tbl.Len())
	return tbl, nil
}

func (x *WebExtractor) scrape(ctx context.Context) (*table.Table, error) {
	var body string
	err := retry.Do(ctx, x.cfg.Retry, func() error {
		b, err := x.fetch(ctx)
		if err != nil {
			x.cfg.Logger.Warn("web fetch attempt failed", "url", x.cfg.URL, "error", err)
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", x.cfg.URL, err)
	}
	tbl, err := parseHTMLTable(body, x.cfg.TableIndex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", x.cfg.URL, err)
	}
	return tbl, nil
}

func (x *WebExtractor) fetch(ctx context.Context) (string, error) {
	if x.cfg.Limiter != nil {
		if err := x.cfg.Limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, x.cfg.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := x.cfg.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", &StatusError{URL: x.cfg.URL, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	return string(body), nil
}

// parseHTMLTable extracts the index-th table from the page. The first row
// supplies headers (th or td); remaining rows become data, padded or
// truncated to the header width.
func parseHTMLTable(page string, index int) (*table.Table, error) {
	tables := tableRe.FindAllStringSubmatch(page, -1)
	if len(tables) == 0 {
		return nil, ErrNoTables
	}
	if index >= len(tables) {
		return nil, fmt.Errorf("table index %d out of range, page has %d tables", index, len(tables))
	}

	rows := rowRe.FindAllStringSubmatch(tables[index][1], -1)
	if len(rows) < 2 {
		return nil, fmt.Errorf("table has no data rows: %w", ErrNoTables)
	}

	headers := cellTexts(rows[0][1])
	if len(headers) == 0 {
		return nil, fmt.Errorf("table has no header cells: %w", ErrNoTables)
	}
	for i, h := range headers {
		h = strings.ToLower(strings.TrimSpace(h))
		h = wsRe.ReplaceAllString(h, "_")
		if h == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		headers[i] = h
	}

	tbl := table.New(headers...)
	for _, raw := range rows[1:] {
		cells := cellTexts(raw[1])
		row := make(table.Row, len(headers))
		for i, col := range headers {
			if i < len(cells) {
				row[col] = inferValue(cells[i])
			}
		}
		if err := tbl.Append(row); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}

func cellTexts(rowHTML string) []string {
	matches := cellRe.FindAllStringSubmatch(rowHTML, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		text := tagRe.ReplaceAllString(m[1], " ")
		text = html.UnescapeString(text)
		out = append(out, strings.TrimSpace(wsRe.ReplaceAllString(text, " ")))
	}
	return out
}

// fallbackTable is a fixed placeholder so a scheduled run can proceed
// when the page is down. Rows are marked synthetic and receive no
// validation leniency downstream.
func (x *WebExtractor) fallbackTable() *table.Table {
	day := time.Now().UTC().Format(table.DateLayout)
	tbl := table.New("date", "region", "confirmed_cases", "deaths", "recovered")
	for _, row := range []table.Row{
		{"date": day, "region": "California", "confirmed_cases": int64(0), "deaths": int64(0), "recovered": int64(0)},
		{"date": day, "region": "New York", "confirmed_cases": int64(0), "deaths": int64(0), "recovered": int64(0)},
		{"date": day, "region": "Texas", "confirmed_cases": int64(0), "deaths": int64(0), "recovered": int64(0)},
	} {
		// Append cannot fail here, the rows match the column set.
		_ = tbl.Append(row)
	}
	tbl.Synthetic = true
	return tbl
}
