package config

import (
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/ketankshukla/covid19-etl/pkg/extract"
	"github.com/ketankshukla/covid19-etl/pkg/normalize"
	"github.com/ketankshukla/covid19-etl/pkg/pipeline"
	"github.com/ketankshukla/covid19-etl/pkg/store"
	"github.com/ketankshukla/covid19-etl/pkg/validate"
)

// TableSpecs maps each domain to its target table and persisted columns.
func (c *Config) TableSpecs() map[string]store.TableSpec {
	specs := make(map[string]store.TableSpec, len(c.Domains))
	for _, d := range c.Domains {
		specs[d.Name] = store.TableSpec{Table: d.Table, Columns: d.Columns}
	}
	return specs
}

// Opener builds the configured store opener, wrapped with CSV snapshot
// mirroring when a mirror dir is set.
func (c *Config) Opener(log *slog.Logger) (store.Opener, error) {
	specs := c.TableSpecs()

	var opener store.Opener
	var err error
	switch c.Store.Driver {
	case DriverSQLite:
		opener, err = store.NewSQLiteOpener(store.SQLiteConfig{
			Logger: log,
			Path:   c.Store.SQLite.Path,
			Tables: specs,
		})
	case DriverPostgres:
		opener, err = store.NewPostgresOpener(store.PostgresConfig{
			Logger:   log,
			DSN:      c.Store.Postgres.DSN,
			MaxConns: c.Store.Postgres.MaxConns,
			Tables:   specs,
		})
	case DriverClickHouse:
		opener, err = store.NewClickHouseOpener(store.ClickHouseConfig{
			Logger:   log,
			Addr:     c.Store.ClickHouse.Addr,
			Database: c.Store.ClickHouse.Database,
			Username: c.Store.ClickHouse.Username,
			Password: c.Store.ClickHouse.Password,
			Secure:   c.Store.ClickHouse.Secure,
			Tables:   specs,
		})
	default:
		return nil, fmt.Errorf("%w, got %q", ErrUnknownDriver, c.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if c.Store.Mirror.Dir == "" {
		return opener, nil
	}
	return store.NewMirrorOpener(store.MirrorConfig{
		Logger:  log,
		Dir:     c.Store.Mirror.Dir,
		Primary: opener,
		Tables:  specs,
	})
}

// Pipelines builds one pipeline per domain, in config order.
func (c *Config) Pipelines(log *slog.Logger) ([]*pipeline.Pipeline, error) {
	pipelines := make([]*pipeline.Pipeline, 0, len(c.Domains))
	for i := range c.Domains {
		p, err := c.Domains[i].pipeline(log)
		if err != nil {
			return nil, fmt.Errorf("failed to build %q pipeline: %w", c.Domains[i].Name, err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func (d *DomainConfig) pipeline(log *slog.Logger) (*pipeline.Pipeline, error) {
	extractor, err := d.extractor(log)
	if err != nil {
		return nil, err
	}
	chain, err := d.chain(log)
	if err != nil {
		return nil, err
	}
	validator, err := d.validator(log)
	if err != nil {
		return nil, err
	}
	return pipeline.New(pipeline.Config{
		Logger:    log,
		Domain:    d.Name,
		Extractor: extractor,
		Chain:     chain,
		Validator: validator,
	})
}

func (d *DomainConfig) extractor(log *slog.Logger) (extract.Extractor, error) {
	var limiter *rate.Limiter
	if d.Source.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.Source.RateLimit), 1)
	}

	switch d.Source.Type {
	case SourceCSV:
		return extract.NewCSVExtractor(log, d.Source.Path), nil
	case SourceJSON:
		return extract.NewJSONExtractor(log, d.Source.Path), nil
	case SourceAPI:
		return extract.NewAPIExtractor(extract.APIConfig{
			Logger:  log,
			URL:     d.Source.URL,
			Params:  d.Source.Params,
			Headers: d.Source.Headers,
			Limiter: limiter,
		})
	case SourceWeb:
		return extract.NewWebExtractor(extract.WebConfig{
			Logger:     log,
			URL:        d.Source.URL,
			TableIndex: d.Source.TableIndex,
			Limiter:    limiter,
			Fallback:   d.Source.Fallback,
		})
	}
	return nil, fmt.Errorf("%w, got %q", ErrUnknownSourceType, d.Source.Type)
}

// chain assembles the transformation steps in their fixed order: rename,
// dates, locations, missing values, derived fields.
func (d *DomainConfig) chain(log *slog.Logger) (*normalize.Chain, error) {
	var steps []normalize.Step
	if len(d.FieldMap) > 0 {
		steps = append(steps, normalize.NewRenameStep(d.FieldMap))
	}
	steps = append(steps,
		normalize.NewDateStep(log, d.DateColumns, nil),
		normalize.NewLocationStep(log, d.LocationColumns, d.LocationAliases),
	)
	if len(d.MissingValues) > 0 {
		policies := make(map[string]normalize.Policy, len(d.MissingValues))
		for col, p := range d.MissingValues {
			policies[col] = normalize.Policy(p)
		}
		missing, err := normalize.NewMissingValueStep(log, policies)
		if err != nil {
			return nil, err
		}
		steps = append(steps, missing)
	}
	if len(d.Derived) > 0 {
		ratios := make([]normalize.Ratio, 0, len(d.Derived))
		for _, r := range d.Derived {
			ratios = append(ratios, normalize.Ratio{
				Name:        r.Name,
				Numerator:   r.Numerator,
				Denominator: r.Denominator,
				Scale:       r.Scale,
			})
		}
		steps = append(steps, normalize.NewDerivedStep(log, ratios))
	}
	return normalize.NewChain(log, steps...), nil
}

func (d *DomainConfig) validator(log *slog.Logger) (*validate.Validator, error) {
	rules := make([]validate.Rule, 0, len(d.Rules))
	for i, rc := range d.Rules {
		rule, err := rc.rule()
		if err != nil {
			return nil, fmt.Errorf("rule[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return validate.NewValidator(log, rules), nil
}

func (rc *RuleConfig) rule() (validate.Rule, error) {
	if err := rc.validate(); err != nil {
		return nil, err
	}
	severity := validate.Severity(rc.Severity)
	switch rc.Type {
	case "required_columns":
		return validate.NewRequiredColumns(severity, rc.Columns...), nil
	case "not_null":
		return validate.NewNotNull(severity, rc.Column, rc.MaxNullFraction), nil
	case "non_negative":
		return validate.NewNonNegative(severity, rc.Columns...), nil
	case "range":
		return validate.NewRange(severity, rc.Column, rc.Min, rc.Max), nil
	case "in_set":
		return validate.NewInSet(severity, rc.Column, rc.Allowed...), nil
	case "less_or_equal":
		return validate.NewLessOrEqual(severity, rc.Column, rc.Other), nil
	case "min_rows":
		return validate.NewMinRows(severity, rc.Rows), nil
	}
	return nil, fmt.Errorf("%w, got %q", ErrUnknownRuleType, rc.Type)
}
