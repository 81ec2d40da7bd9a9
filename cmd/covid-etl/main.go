package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ketankshukla/covid19-etl/pkg/config"
	"github.com/ketankshukla/covid19-etl/pkg/logger"
	"github.com/ketankshukla/covid19-etl/pkg/metrics"
	"github.com/ketankshukla/covid19-etl/pkg/notify"
	"github.com/ketankshukla/covid19-etl/pkg/orchestrator"
	"github.com/ketankshukla/covid19-etl/pkg/schedule"
	"github.com/ketankshukla/covid19-etl/pkg/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", "", "Path to YAML config file (defaults apply without one)")
	scheduleFlag := flag.Duration("schedule", 0, "Interval between runs (0 = run once and exit)")

	storeFlag := flag.String("store", "", "Store driver: sqlite, postgres or clickhouse")
	sqlitePathFlag := flag.String("sqlite-path", "", "SQLite database file path")
	postgresDSNFlag := flag.String("postgres-dsn", "", "Postgres DSN (or set COVID_ETL_POSTGRES_DSN env var)")
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	listenFlag := flag.String("listen", "", "Ops HTTP server listen address (empty disables)")
	mirrorDirFlag := flag.String("mirror-dir", "", "Directory for CSV snapshot exports (empty disables)")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel for run summaries (token via SLACK_BOT_TOKEN env var)")
	verboseFlag := flag.Bool("verbose", false, "Enable verbose (debug) logging")
	versionFlag := flag.Bool("version", false, "Print version and exit")

	flag.Parse()

	if *versionFlag {
		fmt.Printf("covid-etl %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}

	// A local .env is optional.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return err
	}

	// Override flags with environment variables if set
	if env := os.Getenv("COVID_ETL_POSTGRES_DSN"); env != "" {
		*postgresDSNFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_ADDR"); env != "" {
		*clickhouseAddrFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_DATABASE"); env != "" {
		*clickhouseDatabaseFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_USERNAME"); env != "" {
		*clickhouseUsernameFlag = env
	}
	if env := os.Getenv("CLICKHOUSE_PASSWORD"); env != "" {
		*clickhousePasswordFlag = env
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	// Flags override the config file.
	if flag.CommandLine.Changed("schedule") {
		cfg.Interval = *scheduleFlag
	}
	if *storeFlag != "" {
		cfg.Store.Driver = *storeFlag
	}
	if *sqlitePathFlag != "" {
		cfg.Store.SQLite.Path = *sqlitePathFlag
	}
	if *postgresDSNFlag != "" {
		cfg.Store.Postgres.DSN = *postgresDSNFlag
	}
	if *clickhouseAddrFlag != "" {
		cfg.Store.ClickHouse.Addr = *clickhouseAddrFlag
	}
	if *clickhouseDatabaseFlag != "" {
		cfg.Store.ClickHouse.Database = *clickhouseDatabaseFlag
	}
	if *clickhouseUsernameFlag != "" {
		cfg.Store.ClickHouse.Username = *clickhouseUsernameFlag
	}
	if *clickhousePasswordFlag != "" {
		cfg.Store.ClickHouse.Password = *clickhousePasswordFlag
	}
	if *clickhouseSecureFlag {
		cfg.Store.ClickHouse.Secure = true
	}
	if flag.CommandLine.Changed("listen") {
		cfg.Server.Listen = *listenFlag
	}
	if flag.CommandLine.Changed("mirror-dir") {
		cfg.Store.Mirror.Dir = *mirrorDirFlag
	}
	if flag.CommandLine.Changed("slack-channel") {
		cfg.Slack.Channel = *slackChannelFlag
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("starting covid-etl", "version", version, "store", cfg.Store.Driver, "domains", len(cfg.Domains), "interval", cfg.Interval)

	opener, err := cfg.Opener(log)
	if err != nil {
		return err
	}
	pipelines, err := cfg.Pipelines(log)
	if err != nil {
		return err
	}

	var notifier orchestrator.Notifier
	if cfg.Slack.Channel != "" {
		slackNotifier, err := notify.NewSlack(notify.SlackConfig{
			Logger:  log,
			Token:   os.Getenv("SLACK_BOT_TOKEN"),
			Channel: cfg.Slack.Channel,
		})
		if err != nil {
			return err
		}
		notifier = slackNotifier
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Logger:    log,
		Opener:    opener,
		Pipelines: pipelines,
		Notifier:  notifier,
	})
	if err != nil {
		return err
	}

	scheduler, err := schedule.New(schedule.Config{
		Logger:   log,
		Interval: cfg.Interval,
		Run:      func(ctx context.Context) { orch.RunOnce(ctx) },
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Server.Listen != "" {
		srv, err := server.New(server.Config{
			Logger:     log,
			ListenAddr: cfg.Server.Listen,
			Reports:    orch,
			VersionInfo: server.VersionInfo{
				Version: version,
				Commit:  commit,
				Date:    date,
			},
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		err := scheduler.Start(gctx)
		if cfg.Interval == 0 {
			// One-shot mode: release the ops server once the run is done.
			stop()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if cfg.Interval == 0 {
		if report := orch.LastReport(); report != nil && report.Status == orchestrator.StatusCompletedWithErrors {
			return fmt.Errorf("run %s completed with errors", report.ID)
		}
	}

	log.Info("covid-etl stopped")
	return nil
}
