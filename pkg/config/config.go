// Package config describes the pipeline setup: store driver, schedule,
// ops server, Slack notification, and one block per data domain. A YAML
// file overlays the stock three-domain defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ketankshukla/covid19-etl/pkg/normalize"
	"github.com/ketankshukla/covid19-etl/pkg/validate"
)

// Store drivers.
const (
	DriverSQLite     = "sqlite"
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"
)

// Source types.
const (
	SourceCSV  = "csv"
	SourceJSON = "json"
	SourceAPI  = "api"
	SourceWeb  = "web"
)

// Configuration validation errors.
var (
	ErrNegativeInterval      = errors.New("interval must be non-negative")
	ErrUnknownDriver         = errors.New("store.driver must be one of: sqlite, postgres, clickhouse")
	ErrMissingSQLitePath     = errors.New("store.sqlite.path is required")
	ErrMissingPostgresDSN    = errors.New("store.postgres.dsn is required")
	ErrMissingClickHouseAddr = errors.New("store.clickhouse.addr is required")
	ErrNoDomains             = errors.New("at least one domain is required")
	ErrMissingDomainName     = errors.New("domain name is required")
	ErrDuplicateDomain       = errors.New("domain names must be unique")
	ErrUnknownSourceType     = errors.New("source.type must be one of: csv, json, api, web")
	ErrMissingSourcePath     = errors.New("source.path is required for file sources")
	ErrMissingSourceURL      = errors.New("source.url is required for http sources")
	ErrNegativeRateLimit     = errors.New("source.rate_limit must be non-negative")
	ErrMissingTableName      = errors.New("table is required")
	ErrNoTableColumns        = errors.New("at least one column is required")
	ErrUnknownPolicy         = errors.New("missing-value policy must be one of: zero, mean, unknown, drop")
	ErrIncompleteRatio       = errors.New("derived ratio needs name, numerator and denominator")
	ErrUnknownSeverity       = errors.New("rule severity must be blocking or advisory")
	ErrUnknownRuleType       = errors.New("unknown validation rule type")
	ErrRuleMissingColumn     = errors.New("rule needs a column")
	ErrInvalidRuleRange      = errors.New("range rule needs min <= max")
	ErrInvalidRuleRows       = errors.New("min_rows rule needs rows >= 1")
)

// Config is the complete pipeline configuration.
type Config struct {
	// Interval between scheduled runs. Zero runs the pipeline once.
	Interval time.Duration  `yaml:"interval"`
	Store    StoreConfig    `yaml:"store"`
	Server   ServerConfig   `yaml:"server"`
	Slack    SlackConfig    `yaml:"slack"`
	Domains  []DomainConfig `yaml:"domains"`
}

// StoreConfig selects the persistence driver and its settings.
type StoreConfig struct {
	Driver     string           `yaml:"driver"`
	SQLite     SQLiteConfig     `yaml:"sqlite"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Mirror     MirrorConfig     `yaml:"mirror"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Secure   bool   `yaml:"secure"`
}

// MirrorConfig enables CSV snapshot exports next to the primary store.
// An empty dir disables mirroring.
type MirrorConfig struct {
	Dir string `yaml:"dir"`
}

// ServerConfig configures the ops HTTP server. An empty listen address
// disables it.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// SlackConfig configures run summaries. An empty channel disables them;
// the bot token comes from the SLACK_BOT_TOKEN environment variable.
type SlackConfig struct {
	Channel string `yaml:"channel"`
}

// DomainConfig describes one data domain end to end: where the rows come
// from, how they are reshaped, which rules gate them, and which table
// and columns they land in.
type DomainConfig struct {
	Name   string       `yaml:"name"`
	Source SourceConfig `yaml:"source"`

	Table   string   `yaml:"table"`
	Columns []string `yaml:"columns"`

	// FieldMap renames raw source columns to canonical names before any
	// other transformation.
	FieldMap map[string]string `yaml:"field_map"`
	// DateColumns and LocationColumns override the name-based column
	// detection of the date and location steps.
	DateColumns     []string          `yaml:"date_columns"`
	LocationColumns []string          `yaml:"location_columns"`
	LocationAliases map[string]string `yaml:"location_aliases"`
	// MissingValues maps column names to repair policies.
	MissingValues map[string]string `yaml:"missing_values"`
	Derived       []RatioConfig     `yaml:"derived"`
	Rules         []RuleConfig      `yaml:"rules"`
}

// SourceConfig describes where a domain's rows come from.
type SourceConfig struct {
	Type string `yaml:"type"`

	// Path is the file for csv and json sources.
	Path string `yaml:"path"`
	// URL, Params and Headers apply to api and web sources.
	URL     string            `yaml:"url"`
	Params  map[string]string `yaml:"params"`
	Headers map[string]string `yaml:"headers"`
	// TableIndex selects which table on a scraped page to read.
	TableIndex int `yaml:"table_index"`
	// Fallback substitutes placeholder rows when a web source is down.
	Fallback bool `yaml:"fallback"`
	// RateLimit caps outbound requests per second. Zero means unthrottled.
	RateLimit float64 `yaml:"rate_limit"`
}

// RatioConfig declares a derived column Scale * Numerator / Denominator.
type RatioConfig struct {
	Name        string  `yaml:"name"`
	Numerator   string  `yaml:"numerator"`
	Denominator string  `yaml:"denominator"`
	Scale       float64 `yaml:"scale"`
}

// RuleConfig declares one validation rule. Which fields apply depends on
// the rule type:
//
//	required_columns  columns
//	not_null          column, max_null_fraction
//	non_negative      columns
//	range             column, min, max
//	in_set            column, allowed
//	less_or_equal     column, other
//	min_rows          rows
type RuleConfig struct {
	Type     string `yaml:"type"`
	Severity string `yaml:"severity"`

	Column          string   `yaml:"column"`
	Columns         []string `yaml:"columns"`
	Other           string   `yaml:"other"`
	Min             float64  `yaml:"min"`
	Max             float64  `yaml:"max"`
	MaxNullFraction float64  `yaml:"max_null_fraction"`
	Allowed         []string `yaml:"allowed"`
	Rows            int      `yaml:"rows"`
}

// Load reads the YAML file at path over the defaults. An empty path
// returns the defaults unchanged. A domains block in the file replaces
// the stock domains entirely.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks the whole configuration and reports every problem it
// finds, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Interval < 0 {
		errs = append(errs, ErrNegativeInterval)
	}

	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, ErrMissingSQLitePath)
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, ErrMissingPostgresDSN)
		}
	case DriverClickHouse:
		if c.Store.ClickHouse.Addr == "" {
			errs = append(errs, ErrMissingClickHouseAddr)
		}
	default:
		errs = append(errs, fmt.Errorf("%w, got %q", ErrUnknownDriver, c.Store.Driver))
	}

	if len(c.Domains) == 0 {
		errs = append(errs, ErrNoDomains)
	}
	seen := map[string]bool{}
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%w: domain[%d]", ErrMissingDomainName, i))
		} else if seen[d.Name] {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateDomain, d.Name))
		}
		seen[d.Name] = true
		errs = append(errs, d.validate()...)
	}

	return errors.Join(errs...)
}

func (d *DomainConfig) validate() []error {
	var errs []error
	name := d.Name
	if name == "" {
		name = "?"
	}

	switch d.Source.Type {
	case SourceCSV, SourceJSON:
		if d.Source.Path == "" {
			errs = append(errs, fmt.Errorf("%w: domain %q", ErrMissingSourcePath, name))
		}
	case SourceAPI, SourceWeb:
		if d.Source.URL == "" {
			errs = append(errs, fmt.Errorf("%w: domain %q", ErrMissingSourceURL, name))
		}
	default:
		errs = append(errs, fmt.Errorf("%w, got %q: domain %q", ErrUnknownSourceType, d.Source.Type, name))
	}
	if d.Source.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("%w: domain %q", ErrNegativeRateLimit, name))
	}

	if d.Table == "" {
		errs = append(errs, fmt.Errorf("%w: domain %q", ErrMissingTableName, name))
	}
	if len(d.Columns) == 0 {
		errs = append(errs, fmt.Errorf("%w: domain %q", ErrNoTableColumns, name))
	}

	for col, policy := range d.MissingValues {
		if !normalize.ValidPolicy(normalize.Policy(policy)) {
			errs = append(errs, fmt.Errorf("%w, got %q for column %q: domain %q", ErrUnknownPolicy, policy, col, name))
		}
	}

	for _, r := range d.Derived {
		if r.Name == "" || r.Numerator == "" || r.Denominator == "" {
			errs = append(errs, fmt.Errorf("%w: domain %q", ErrIncompleteRatio, name))
		}
	}

	for i, r := range d.Rules {
		if err := r.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: domain %q rule[%d]", err, name, i))
		}
	}

	return errs
}

func (r *RuleConfig) validate() error {
	if !validate.ValidSeverity(validate.Severity(r.Severity)) {
		return fmt.Errorf("%w, got %q", ErrUnknownSeverity, r.Severity)
	}
	switch r.Type {
	case "required_columns", "non_negative":
		if len(r.Columns) == 0 {
			return fmt.Errorf("%w: %s", ErrRuleMissingColumn, r.Type)
		}
	case "not_null", "in_set":
		if r.Column == "" {
			return fmt.Errorf("%w: %s", ErrRuleMissingColumn, r.Type)
		}
	case "range":
		if r.Column == "" {
			return fmt.Errorf("%w: %s", ErrRuleMissingColumn, r.Type)
		}
		if r.Min > r.Max {
			return ErrInvalidRuleRange
		}
	case "less_or_equal":
		if r.Column == "" || r.Other == "" {
			return fmt.Errorf("%w: %s", ErrRuleMissingColumn, r.Type)
		}
	case "min_rows":
		if r.Rows < 1 {
			return ErrInvalidRuleRows
		}
	default:
		return fmt.Errorf("%w, got %q", ErrUnknownRuleType, r.Type)
	}
	return nil
}

// Default returns the stock configuration: a one-shot run of the three
// COVID-19 domains into a local sqlite file.
func Default() *Config {
	return &Config{
		Interval: 0,
		Store: StoreConfig{
			Driver: DriverSQLite,
			SQLite: SQLiteConfig{Path: "output/covid19.db"},
		},
		Domains: []DomainConfig{
			casesDomain(),
			hospitalsDomain(),
			vaccinationsDomain(),
		},
	}
}

func casesDomain() DomainConfig {
	return DomainConfig{
		Name:   "cases",
		Source: SourceConfig{Type: SourceCSV, Path: "data/cases.csv"},
		Table:  "covid_cases",
		Columns: []string{
			"date", "region", "confirmed_cases", "deaths", "recovered",
			"active_cases", "total_tests", "positivity_rate", "case_fatality_rate",
		},
		LocationColumns: defaultLocationColumns(),
		MissingValues: map[string]string{
			"region":          string(normalize.PolicyUnknown),
			"confirmed_cases": string(normalize.PolicyZero),
			"deaths":          string(normalize.PolicyZero),
			"recovered":       string(normalize.PolicyZero),
			"active_cases":    string(normalize.PolicyZero),
			"total_tests":     string(normalize.PolicyZero),
			"positive_tests":  string(normalize.PolicyZero),
		},
		Derived: []RatioConfig{
			{Name: "positivity_rate", Numerator: "positive_tests", Denominator: "total_tests"},
			{Name: "case_fatality_rate", Numerator: "deaths", Denominator: "confirmed_cases"},
		},
		Rules: []RuleConfig{
			{Type: "required_columns", Severity: "blocking", Columns: []string{"date", "region"}},
			{Type: "not_null", Severity: "advisory", Column: "date"},
			{Type: "non_negative", Severity: "blocking", Columns: []string{"confirmed_cases", "deaths", "recovered", "total_tests"}},
			{Type: "range", Severity: "advisory", Column: "positivity_rate", Min: 0, Max: 100},
			{Type: "range", Severity: "advisory", Column: "case_fatality_rate", Min: 0, Max: 100},
			{Type: "less_or_equal", Severity: "advisory", Column: "deaths", Other: "confirmed_cases"},
		},
	}
}

func hospitalsDomain() DomainConfig {
	return DomainConfig{
		Name:   "hospitals",
		Source: SourceConfig{Type: SourceJSON, Path: "data/hospitals.json"},
		Table:  "hospital_resources",
		Columns: []string{
			"date", "hospital_name", "location", "total_beds", "occupied_beds",
			"available_beds", "icu_beds", "ventilators", "hospital_utilization_rate",
		},
		LocationColumns: defaultLocationColumns(),
		MissingValues: map[string]string{
			"hospital_name":  string(normalize.PolicyUnknown),
			"location":       string(normalize.PolicyUnknown),
			"total_beds":     string(normalize.PolicyZero),
			"occupied_beds":  string(normalize.PolicyZero),
			"available_beds": string(normalize.PolicyZero),
			"icu_beds":       string(normalize.PolicyZero),
			"ventilators":    string(normalize.PolicyZero),
		},
		Derived: []RatioConfig{
			{Name: "hospital_utilization_rate", Numerator: "occupied_beds", Denominator: "total_beds"},
		},
		Rules: []RuleConfig{
			{Type: "required_columns", Severity: "blocking", Columns: []string{"date", "location"}},
			{Type: "not_null", Severity: "advisory", Column: "date"},
			{Type: "non_negative", Severity: "blocking", Columns: []string{"total_beds", "occupied_beds", "available_beds", "icu_beds", "ventilators"}},
			{Type: "range", Severity: "advisory", Column: "hospital_utilization_rate", Min: 0, Max: 100},
			{Type: "less_or_equal", Severity: "advisory", Column: "occupied_beds", Other: "total_beds"},
		},
	}
}

func vaccinationsDomain() DomainConfig {
	return DomainConfig{
		Name:   "vaccinations",
		Source: SourceConfig{Type: SourceAPI, URL: "https://api.example.com/covid/vaccinations"},
		Table:  "vaccinations",
		Columns: []string{
			"date", "region", "total_vaccinations", "people_vaccinated",
			"people_fully_vaccinated", "vaccination_rate",
		},
		FieldMap: map[string]string{
			"case_month":     "date",
			"state_name":     "region",
			"current_status": "status",
			"sex":            "gender",
			"age_group":      "age_range",
		},
		LocationColumns: defaultLocationColumns(),
		MissingValues: map[string]string{
			"region":                  string(normalize.PolicyUnknown),
			"total_vaccinations":      string(normalize.PolicyZero),
			"people_vaccinated":       string(normalize.PolicyZero),
			"people_fully_vaccinated": string(normalize.PolicyZero),
			"population":              string(normalize.PolicyMean),
		},
		Derived: []RatioConfig{
			{Name: "vaccination_rate", Numerator: "total_vaccinations", Denominator: "population"},
		},
		Rules: []RuleConfig{
			{Type: "required_columns", Severity: "blocking", Columns: []string{"date", "region"}},
			{Type: "not_null", Severity: "advisory", Column: "date"},
			{Type: "non_negative", Severity: "blocking", Columns: []string{"total_vaccinations", "people_vaccinated", "people_fully_vaccinated"}},
			{Type: "range", Severity: "advisory", Column: "vaccination_rate", Min: 0, Max: 100},
			{Type: "less_or_equal", Severity: "advisory", Column: "people_fully_vaccinated", Other: "people_vaccinated"},
		},
	}
}

// defaultLocationColumns covers the location spellings the stock sources
// use, including ones the name-based detection would miss.
func defaultLocationColumns() []string {
	return []string{"region", "location", "state", "county", "hospital_location"}
}
