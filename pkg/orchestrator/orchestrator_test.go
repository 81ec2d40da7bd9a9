package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ketankshukla/covid19-etl/pkg/normalize"
	"github.com/ketankshukla/covid19-etl/pkg/orchestrator"
	"github.com/ketankshukla/covid19-etl/pkg/pipeline"
	"github.com/ketankshukla/covid19-etl/pkg/store"
	"github.com/ketankshukla/covid19-etl/pkg/table"
	etltesting "github.com/ketankshukla/covid19-etl/pkg/testing"
	"github.com/ketankshukla/covid19-etl/pkg/validate"
)

type mockStore struct {
	PersistFunc func(ctx context.Context, domain string, tbl *table.Table) (int64, error)
	CloseFunc   func() error
}

func (m *mockStore) Persist(ctx context.Context, domain string, tbl *table.Table) (int64, error) {
	if m.PersistFunc != nil {
		return m.PersistFunc(ctx, domain, tbl)
	}
	return int64(tbl.Len()), nil
}

func (m *mockStore) Close() error {
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

type mockOpener struct {
	OpenFunc func(ctx context.Context) (store.Store, error)
}

func (m *mockOpener) Open(ctx context.Context) (store.Store, error) {
	return m.OpenFunc(ctx)
}

type mockExtractor struct {
	ExtractFunc func(ctx context.Context) (*table.Table, error)
}

func (m *mockExtractor) Name() string { return "mock" }

func (m *mockExtractor) Extract(ctx context.Context) (*table.Table, error) {
	return m.ExtractFunc(ctx)
}

type mockNotifier struct {
	NotifyFunc func(ctx context.Context, report *orchestrator.Report) error
}

func (m *mockNotifier) Notify(ctx context.Context, report *orchestrator.Report) error {
	return m.NotifyFunc(ctx, report)
}

func oneRowTable(t *testing.T) *table.Table {
	t.Helper()
	tbl := table.New("date", "region", "confirmed_cases")
	require.NoError(t, tbl.Append(table.Row{
		"date":            table.Date(time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)),
		"region":          "California",
		"confirmed_cases": int64(100),
	}))
	return tbl
}

func newDomainPipeline(t *testing.T, domain string, extract func(ctx context.Context) (*table.Table, error)) *pipeline.Pipeline {
	t.Helper()
	log := etltesting.NewLogger()
	p, err := pipeline.New(pipeline.Config{
		Logger:    log,
		Domain:    domain,
		Extractor: &mockExtractor{ExtractFunc: extract},
		Chain:     normalize.NewChain(log),
		Validator: validate.NewValidator(log, nil),
	})
	require.NoError(t, err)
	return p
}

func staticOpener(st store.Store) *mockOpener {
	return &mockOpener{OpenFunc: func(context.Context) (store.Store, error) {
		return st, nil
	}}
}

func TestETL_Orchestrator_AllDomainsSucceed(t *testing.T) {
	t.Parallel()

	closes := 0
	st := &mockStore{CloseFunc: func() error {
		closes++
		return nil
	}}

	o, err := orchestrator.New(orchestrator.Config{
		Logger: etltesting.NewLogger(),
		Opener: staticOpener(st),
		Pipelines: []*pipeline.Pipeline{
			newDomainPipeline(t, "cases", func(context.Context) (*table.Table, error) {
				return oneRowTable(t), nil
			}),
			newDomainPipeline(t, "hospitals", func(context.Context) (*table.Table, error) {
				return oneRowTable(t), nil
			}),
		},
	})
	require.NoError(t, err)
	require.Nil(t, o.LastReport())

	report := o.RunOnce(t.Context())
	require.NotNil(t, report)
	require.NotEmpty(t, report.ID)
	require.Equal(t, orchestrator.StatusSucceeded, report.Status)
	require.False(t, report.Failed())
	require.Len(t, report.Results, 2)
	require.Equal(t, "cases", report.Results[0].Domain)
	require.Equal(t, "hospitals", report.Results[1].Domain)
	require.Equal(t, 1, closes)
	require.Same(t, report, o.LastReport())
}

func TestETL_Orchestrator_FailureIsolation(t *testing.T) {
	t.Parallel()

	closes := 0
	st := &mockStore{CloseFunc: func() error {
		closes++
		return nil
	}}
	errFetch := errors.New("connection refused")

	o, err := orchestrator.New(orchestrator.Config{
		Logger: etltesting.NewLogger(),
		Opener: staticOpener(st),
		Pipelines: []*pipeline.Pipeline{
			newDomainPipeline(t, "cases", func(context.Context) (*table.Table, error) {
				return nil, errFetch
			}),
			newDomainPipeline(t, "hospitals", func(context.Context) (*table.Table, error) {
				return oneRowTable(t), nil
			}),
		},
	})
	require.NoError(t, err)

	report := o.RunOnce(t.Context())
	require.Equal(t, orchestrator.StatusCompletedWithErrors, report.Status)
	require.True(t, report.Failed())

	require.ErrorIs(t, report.Results[0].Err, errFetch)
	require.NoError(t, report.Results[1].Err)
	require.Equal(t, int64(1), report.Results[1].RowsPersisted)
	require.Equal(t, 1, closes)
}

func TestETL_Orchestrator_OpenFailureFailsAllDomains(t *testing.T) {
	t.Parallel()

	extracts := 0
	errOpen := errors.New("dial tcp: connection refused")

	o, err := orchestrator.New(orchestrator.Config{
		Logger: etltesting.NewLogger(),
		Opener: &mockOpener{OpenFunc: func(context.Context) (store.Store, error) {
			return nil, errOpen
		}},
		Pipelines: []*pipeline.Pipeline{
			newDomainPipeline(t, "cases", func(context.Context) (*table.Table, error) {
				extracts++
				return oneRowTable(t), nil
			}),
			newDomainPipeline(t, "hospitals", func(context.Context) (*table.Table, error) {
				extracts++
				return oneRowTable(t), nil
			}),
		},
	})
	require.NoError(t, err)

	report := o.RunOnce(t.Context())
	require.Equal(t, orchestrator.StatusCompletedWithErrors, report.Status)
	require.Len(t, report.Results, 2)
	for _, res := range report.Results {
		require.ErrorIs(t, res.Err, errOpen)
		require.Equal(t, pipeline.StagePersist, res.Stage)
		require.Zero(t, res.RowsExtracted)
	}
	require.Zero(t, extracts)
}

func TestETL_Orchestrator_SyntheticDataIsAWarning(t *testing.T) {
	t.Parallel()

	o, err := orchestrator.New(orchestrator.Config{
		Logger: etltesting.NewLogger(),
		Opener: staticOpener(&mockStore{}),
		Pipelines: []*pipeline.Pipeline{
			newDomainPipeline(t, "cases", func(context.Context) (*table.Table, error) {
				tbl := oneRowTable(t)
				tbl.Synthetic = true
				return tbl, nil
			}),
		},
	})
	require.NoError(t, err)

	report := o.RunOnce(t.Context())
	require.Equal(t, orchestrator.StatusSucceededWithWarnings, report.Status)
	require.False(t, report.Failed())
}

func TestETL_Orchestrator_AdvisoryFindingsAreAWarning(t *testing.T) {
	t.Parallel()

	log := etltesting.NewLogger()
	p, err := pipeline.New(pipeline.Config{
		Logger: log,
		Domain: "cases",
		Extractor: &mockExtractor{ExtractFunc: func(context.Context) (*table.Table, error) {
			return oneRowTable(t), nil
		}},
		Chain: normalize.NewChain(log),
		Validator: validate.NewValidator(log, []validate.Rule{
			validate.NewMinRows(validate.Advisory, 10),
		}),
	})
	require.NoError(t, err)

	o, err := orchestrator.New(orchestrator.Config{
		Logger:    log,
		Opener:    staticOpener(&mockStore{}),
		Pipelines: []*pipeline.Pipeline{p},
	})
	require.NoError(t, err)

	report := o.RunOnce(t.Context())
	require.Equal(t, orchestrator.StatusSucceededWithWarnings, report.Status)
	require.Equal(t, int64(1), report.Results[0].RowsPersisted)
}

func TestETL_Orchestrator_NotifierFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	var notified *orchestrator.Report
	o, err := orchestrator.New(orchestrator.Config{
		Logger: etltesting.NewLogger(),
		Opener: staticOpener(&mockStore{}),
		Pipelines: []*pipeline.Pipeline{
			newDomainPipeline(t, "cases", func(context.Context) (*table.Table, error) {
				return oneRowTable(t), nil
			}),
		},
		Notifier: &mockNotifier{NotifyFunc: func(_ context.Context, report *orchestrator.Report) error {
			notified = report
			return errors.New("slack unreachable")
		}},
	})
	require.NoError(t, err)

	report := o.RunOnce(t.Context())
	require.Equal(t, orchestrator.StatusSucceeded, report.Status)
	require.Same(t, report, notified)
}

func TestETL_Orchestrator_RunIDFlowsToStore(t *testing.T) {
	t.Parallel()

	var gotRunID string
	st := &mockStore{
		PersistFunc: func(ctx context.Context, _ string, tbl *table.Table) (int64, error) {
			gotRunID = store.RunIDFromContext(ctx)
			return int64(tbl.Len()), nil
		},
	}

	o, err := orchestrator.New(orchestrator.Config{
		Logger: etltesting.NewLogger(),
		Opener: staticOpener(st),
		Pipelines: []*pipeline.Pipeline{
			newDomainPipeline(t, "cases", func(context.Context) (*table.Table, error) {
				return oneRowTable(t), nil
			}),
		},
	})
	require.NoError(t, err)

	report := o.RunOnce(t.Context())
	require.NotEmpty(t, gotRunID)
	require.Equal(t, report.ID, gotRunID)
}

func TestETL_Orchestrator_ConfigValidation(t *testing.T) {
	t.Parallel()

	log := etltesting.NewLogger()
	opener := staticOpener(&mockStore{})
	p := newDomainPipeline(t, "cases", func(context.Context) (*table.Table, error) {
		return oneRowTable(t), nil
	})

	_, err := orchestrator.New(orchestrator.Config{Logger: log, Opener: opener})
	require.ErrorContains(t, err, "at least one pipeline")

	_, err = orchestrator.New(orchestrator.Config{Logger: log, Pipelines: []*pipeline.Pipeline{p}})
	require.ErrorContains(t, err, "store opener")

	_, err = orchestrator.New(orchestrator.Config{
		Logger:    log,
		Opener:    opener,
		Pipelines: []*pipeline.Pipeline{p, p},
	})
	require.ErrorContains(t, err, "duplicate pipeline domain")
}
