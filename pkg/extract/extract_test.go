package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ketankshukla/covid19-etl/pkg/retry"
	etltesting "github.com/ketankshukla/covid19-etl/pkg/testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestETL_Extract_CSV(t *testing.T) {
	t.Parallel()

	log := etltesting.NewLogger()

	t.Run("infers cell types", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "cases.csv", "date,region,confirmed_cases,positivity_rate\n2021-03-15,NYC,120,4.5\n2021-03-16,CA,,\n")
		tbl, err := NewCSVExtractor(log, path).Extract(context.Background())
		require.NoError(t, err)

		require.Equal(t, []string{"date", "region", "confirmed_cases", "positivity_rate"}, tbl.Columns())
		require.Equal(t, 2, tbl.Len())
		require.Equal(t, "2021-03-15", tbl.Value(0, "date"))
		require.Equal(t, int64(120), tbl.Value(0, "confirmed_cases"))
		require.Equal(t, 4.5, tbl.Value(0, "positivity_rate"))
		require.Nil(t, tbl.Value(1, "confirmed_cases"))
	})

	t.Run("short records pad with null", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "short.csv", "a,b,c\n1,2\n")
		tbl, err := NewCSVExtractor(log, path).Extract(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(2), tbl.Value(0, "b"))
		require.Nil(t, tbl.Value(0, "c"))
	})

	t.Run("long records fail with line number", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "long.csv", "a,b\n1,2,3\n")
		_, err := NewCSVExtractor(log, path).Extract(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "line 2")
	})

	t.Run("empty file has no header", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "empty.csv", "")
		_, err := NewCSVExtractor(log, path).Extract(context.Background())
		require.ErrorIs(t, err, ErrNoHeader)
	})

	t.Run("header-only file yields an empty table", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "headeronly.csv", "a,b\n")
		tbl, err := NewCSVExtractor(log, path).Extract(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, tbl.Len())
		require.Equal(t, []string{"a", "b"}, tbl.Columns())
	})

	t.Run("missing file fails", func(t *testing.T) {
		t.Parallel()

		_, err := NewCSVExtractor(log, filepath.Join(t.TempDir(), "nope.csv")).Extract(context.Background())
		require.Error(t, err)
	})
}

func TestETL_Extract_JSON(t *testing.T) {
	t.Parallel()

	log := etltesting.NewLogger()

	t.Run("top level array", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "h.json", `[{"hospital_name":"General","total_beds":500},{"hospital_name":"Mercy","total_beds":220}]`)
		tbl, err := NewJSONExtractor(log, path).Extract(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, tbl.Len())
		require.Equal(t, []string{"hospital_name", "total_beds"}, tbl.Columns())
		require.Equal(t, int64(500), tbl.Value(0, "total_beds"))
	})

	t.Run("data envelope", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "env.json", `{"data":[{"region":"CA","rate":12.5}]}`)
		tbl, err := NewJSONExtractor(log, path).Extract(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, tbl.Len())
		require.Equal(t, 12.5, tbl.Value(0, "rate"))
	})

	t.Run("single object is one row", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "one.json", `{"region":"TX","total":3}`)
		tbl, err := NewJSONExtractor(log, path).Extract(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, tbl.Len())
	})

	t.Run("nested objects flatten with underscores", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "nested.json", `[{"name":"General","address":{"city":"NYC","zip":"10001"},"tags":["a","b"]}]`)
		tbl, err := NewJSONExtractor(log, path).Extract(context.Background())
		require.NoError(t, err)
		require.Equal(t, []string{"address_city", "address_zip", "name"}, tbl.Columns())
		require.Equal(t, "NYC", tbl.Value(0, "address_city"))
	})

	t.Run("scalar document fails", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "bad.json", `42`)
		_, err := NewJSONExtractor(log, path).Extract(context.Background())
		require.Error(t, err)
	})
}

func TestETL_Extract_API(t *testing.T) {
	t.Parallel()

	log := etltesting.NewLogger()

	t.Run("fetches and decodes with params", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "vaccinations", r.URL.Query().Get("dataset"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"data":[{"date":"2023-01-15","region":"California","total_vaccinations":100000}]}`))
		}))
		defer srv.Close()

		x, err := NewAPIExtractor(APIConfig{
			Logger: log,
			URL:    srv.URL,
			Params: map[string]string{"dataset": "vaccinations"},
			Retry:  fastRetry(),
		})
		require.NoError(t, err)

		tbl, err := x.Extract(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, tbl.Len())
		require.Equal(t, int64(100000), tbl.Value(0, "total_vaccinations"))
	})

	t.Run("retries server errors until success", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`[{"region":"TX"}]`))
		}))
		defer srv.Close()

		x, err := NewAPIExtractor(APIConfig{Logger: log, URL: srv.URL, Retry: fastRetry()})
		require.NoError(t, err)

		tbl, err := x.Extract(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, tbl.Len())
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("client errors are terminal", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		x, err := NewAPIExtractor(APIConfig{Logger: log, URL: srv.URL, Retry: fastRetry()})
		require.NoError(t, err)

		_, err = x.Extract(context.Background())
		require.Error(t, err)
		var status *StatusError
		require.True(t, errors.As(err, &status))
		require.Equal(t, http.StatusNotFound, status.Code)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("config requires a url", func(t *testing.T) {
		t.Parallel()

		_, err := NewAPIExtractor(APIConfig{Logger: log})
		require.Error(t, err)
	})
}

const statsPage = `<html><body>
<p>Daily statistics</p>
<table>
  <tr><th>Date</th><th>Region</th><th>Confirmed Cases</th><th>Deaths &amp; Recovered</th></tr>
  <tr><td>2021-03-15</td><td>NYC</td><td>120</td><td>5</td></tr>
  <tr><td>2021-03-16</td><td><b>CA</b></td><td>87</td><td></td></tr>
</table>
</body></html>`

func TestETL_Extract_Web(t *testing.T) {
	t.Parallel()

	log := etltesting.NewLogger()

	t.Run("parses the first table with snake_case headers", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(statsPage))
		}))
		defer srv.Close()

		x, err := NewWebExtractor(WebConfig{Logger: log, URL: srv.URL, Retry: fastRetry()})
		require.NoError(t, err)

		tbl, err := x.Extract(context.Background())
		require.NoError(t, err)
		require.False(t, tbl.Synthetic)
		require.Equal(t, []string{"date", "region", "confirmed_cases", "deaths_&_recovered"}, tbl.Columns())
		require.Equal(t, 2, tbl.Len())
		require.Equal(t, int64(120), tbl.Value(0, "confirmed_cases"))
		require.Equal(t, "CA", tbl.Value(1, "region"))
		require.Nil(t, tbl.Value(1, "deaths_&_recovered"))
	})

	t.Run("page without tables fails", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html><body><p>nothing here</p></body></html>"))
		}))
		defer srv.Close()

		x, err := NewWebExtractor(WebConfig{Logger: log, URL: srv.URL, Retry: fastRetry()})
		require.NoError(t, err)

		_, err = x.Extract(context.Background())
		require.ErrorIs(t, err, ErrNoTables)
	})

	t.Run("fallback synthesizes marked rows when the source is down", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		x, err := NewWebExtractor(WebConfig{Logger: log, URL: srv.URL, Retry: fastRetry(), Fallback: true})
		require.NoError(t, err)

		tbl, err := x.Extract(context.Background())
		require.NoError(t, err)
		require.True(t, tbl.Synthetic)
		require.Equal(t, 3, tbl.Len())
		require.True(t, tbl.HasColumn("confirmed_cases"))
	})

	t.Run("cancelled context wins over fallback", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(statsPage))
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		x, err := NewWebExtractor(WebConfig{Logger: log, URL: srv.URL, Retry: fastRetry(), Fallback: true})
		require.NoError(t, err)

		_, err = x.Extract(ctx)
		require.Error(t, err)
	})

	t.Run("table index out of range fails", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(statsPage))
		}))
		defer srv.Close()

		x, err := NewWebExtractor(WebConfig{Logger: log, URL: srv.URL, TableIndex: 3, Retry: fastRetry()})
		require.NoError(t, err)

		_, err = x.Extract(context.Background())
		require.Error(t, err)
		require.Contains(t, err.Error(), "out of range")
	})
}
