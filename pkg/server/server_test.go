package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ketankshukla/covid19-etl/pkg/orchestrator"
	"github.com/ketankshukla/covid19-etl/pkg/pipeline"
	etltesting "github.com/ketankshukla/covid19-etl/pkg/testing"
)

type mockReports struct {
	LastReportFunc func() *orchestrator.Report
}

func (m *mockReports) LastReport() *orchestrator.Report {
	return m.LastReportFunc()
}

func noReports() *mockReports {
	return &mockReports{LastReportFunc: func() *orchestrator.Report { return nil }}
}

func newTestServer(t *testing.T, reports ReportSource) *Server {
	t.Helper()

	srv, err := New(Config{
		Logger:     etltesting.NewLogger(),
		ListenAddr: "127.0.0.1:0",
		Reports:    reports,
		VersionInfo: VersionInfo{
			Version: "1.2.3",
			Commit:  "abc1234",
			Date:    "2021-03-15",
		},
	})
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestETL_Server_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ListenAddr: ":0", Reports: noReports()})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: etltesting.NewLogger(), Reports: noReports()})
	require.ErrorContains(t, err, "listen addr is required")

	_, err = New(Config{Logger: etltesting.NewLogger(), ListenAddr: ":0"})
	require.ErrorContains(t, err, "report source is required")

	cfg := Config{Logger: etltesting.NewLogger(), ListenAddr: ":0", Reports: noReports()}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10*time.Second, cfg.ReadHeaderTimeout)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestETL_Server_Healthz(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, noReports()), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestETL_Server_ReadyzBeforeFirstRun(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, noReports()), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "no completed runs\n", rec.Body.String())
}

func TestETL_Server_ReadyzAfterFirstRun(t *testing.T) {
	t.Parallel()

	reports := &mockReports{LastReportFunc: func() *orchestrator.Report {
		return &orchestrator.Report{ID: "run-1", Status: orchestrator.StatusSucceeded}
	}}

	rec := get(t, newTestServer(t, reports), "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok\n", rec.Body.String())
}

func TestETL_Server_Version(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, noReports()), "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got VersionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, VersionInfo{Version: "1.2.3", Commit: "abc1234", Date: "2021-03-15"}, got)
}

func TestETL_Server_ReportNotFoundBeforeFirstRun(t *testing.T) {
	t.Parallel()

	rec := get(t, newTestServer(t, noReports()), "/api/report")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "no completed runs", got["error"])
}

func TestETL_Server_ReportReturnsLastRun(t *testing.T) {
	t.Parallel()

	report := &orchestrator.Report{
		ID:        "run-42",
		StartedAt: time.Date(2021, 3, 15, 12, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Status:    orchestrator.StatusCompletedWithErrors,
		Results: []pipeline.Result{
			{Domain: "cases", RowsExtracted: 120, RowsPersisted: 120},
			{Domain: "hospitals", Stage: pipeline.StageExtract, Error: "connection refused"},
		},
	}
	reports := &mockReports{LastReportFunc: func() *orchestrator.Report { return report }}

	rec := get(t, newTestServer(t, reports), "/api/report")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got orchestrator.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "run-42", got.ID)
	require.Equal(t, orchestrator.StatusCompletedWithErrors, got.Status)
	require.Len(t, got.Results, 2)
	require.Equal(t, "cases", got.Results[0].Domain)
	require.Equal(t, int64(120), got.Results[0].RowsPersisted)
	require.Equal(t, pipeline.StageExtract, got.Results[1].Stage)
	require.Equal(t, "connection refused", got.Results[1].Error)
}

func TestETL_Server_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, noReports())

	// Hit another route first so the request counter has a sample.
	get(t, srv, "/healthz")

	rec := get(t, srv, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "covid_etl_run_duration_seconds")
	require.Contains(t, rec.Body.String(), "covid_etl_http_requests_total")
}

func TestETL_Server_RunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, noReports())

	ctx, cancel := context.WithCancel(t.Context())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to stop")
	}
}
