// Package main provides the innsight pipeline CLI.
//
// One binary drives the whole system: run-once executes a single
// ingestion cycle, schedule repeats cycles on an interval behind the
// scheduler lock, and kpi exports a report from the analytical store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/innsight-io/innsight/internal/config"
	"github.com/innsight-io/innsight/internal/extraction"
	"github.com/innsight-io/innsight/internal/kpi"
	"github.com/innsight-io/innsight/internal/logging"
	"github.com/innsight-io/innsight/internal/metrics"
	"github.com/innsight-io/innsight/internal/pipeline"
	"github.com/innsight-io/innsight/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "innsight"
)

// Exit codes: 0 success, 1 unrecoverable failure, 2 usage error.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

const dateFlagLayout = "2006-01-02"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet(name, flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	flags.Usage = func() { printUsage(flags.Output()) }

	configPath := flags.String("config-path", "", "Pipeline configuration file (JSON or YAML)")
	showVersion := flags.Bool("version", false, "Show version information")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}

		return exitUsage
	}

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)

		return exitOK
	}

	rest := flags.Args()
	if len(rest) == 0 {
		printUsage(os.Stderr)

		return exitUsage
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "--config-path is required")

		return exitUsage
	}

	logger := logging.New(os.Stdout, config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch rest[0] {
	case "run-once":
		return runOnce(ctx, *configPath, logger)
	case "schedule":
		return runSchedule(ctx, *configPath, rest[1:], logger)
	case "kpi":
		return runKPI(ctx, *configPath, rest[1:], logger)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", rest[0])
		printUsage(os.Stderr)

		return exitUsage
	}
}

func runOnce(ctx context.Context, configPath string, logger *slog.Logger) int {
	logger.Info("Run once and exit!", slog.String("config_path", configPath))

	runner, _, err := buildRunner(ctx, configPath, logger)
	if err != nil {
		logger.Error("Error initializing pipeline!", "error", err)

		return exitFailure
	}

	if err := runner.Run(ctx); err != nil {
		logger.Error("Pipeline cycle failed", "error", err)

		return exitFailure
	}

	return exitOK
}

func runSchedule(ctx context.Context, configPath string, args []string, logger *slog.Logger) int {
	flags := flag.NewFlagSet("schedule", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	interval := flags.Int("interval-minutes",
		config.GetEnvInt("SCHEDULE_INTERVAL_MINUTES", 0), "Schedule interval in minutes")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}

		return exitUsage
	}

	if *interval < 1 {
		fmt.Fprintln(os.Stderr, "--interval-minutes must be at least 1")

		return exitUsage
	}

	logger.Info(fmt.Sprintf("Running scheduler every %d minutes...", *interval),
		slog.String("config_path", configPath))

	runner, cfg, err := buildRunner(ctx, configPath, logger)
	if err != nil {
		logger.Error("Error initializing pipeline!", "error", err)

		return exitFailure
	}

	if addr := config.GetEnvStr("METRICS_ADDR", cfg.MetricsAddr); addr != "" {
		shutdown := serveMetrics(addr, logger)
		defer shutdown()
	}

	scheduler := pipeline.NewScheduler(*interval, cfg.LockPath, runner.Run, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Error running scheduler!", "error", err)

		return exitFailure
	}

	return exitOK
}

func runKPI(ctx context.Context, configPath string, args []string, logger *slog.Logger) int {
	flags := flag.NewFlagSet("kpi", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)

	startArg := flags.String("start-date", "", "Start date in YYYY-MM-DD format")
	endArg := flags.String("end-date", "", "End date in YYYY-MM-DD format")
	hotelID := flags.Int("hotel-id", 0, "ID of the hotel")
	excludeArg := flags.String("exclude-dates", "", "Comma separated date(s) to exclude from KPI")
	exportType := flags.String("export-type", kpi.ExportCSV,
		"Export type of KPI report. Allowed values HTML, CSV. Default: CSV")
	exportPath := flags.String("export-path", "",
		"Export path of KPI report. Default path is working directory")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}

		return exitUsage
	}

	params := kpi.Params{
		HotelID:    *hotelID,
		ExportType: *exportType,
		ExportPath: *exportPath,
	}

	var err error

	if params.StartDate, err = parseDateArg(*startArg); err != nil {
		fmt.Fprintf(os.Stderr, "--start-date: %v\n", err)

		return exitUsage
	}

	if params.EndDate, err = parseDateArg(*endArg); err != nil {
		fmt.Fprintf(os.Stderr, "--end-date: %v\n", err)

		return exitUsage
	}

	if params.HotelID < 1 {
		fmt.Fprintln(os.Stderr, "--hotel-id must be a positive integer")

		return exitUsage
	}

	if params.ExcludeDates, err = parseDateListArg(*excludeArg); err != nil {
		fmt.Fprintf(os.Stderr, "--exclude-dates: %v\n", err)

		return exitUsage
	}

	normalized := strings.ToUpper(strings.TrimSpace(*exportType))
	if normalized != kpi.ExportCSV && normalized != kpi.ExportHTML {
		fmt.Fprintf(os.Stderr, "%s is not a valid export type. Allowed values are HTML and CSV\n", *exportType)

		return exitUsage
	}

	params.ExportType = normalized

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		logger.Error("Error loading pipeline configuration!", "error", err)

		return exitFailure
	}

	// Reports never initialize schema: the store is opened read-only.
	engine, err := openEngine(ctx, cfg, logger, true)
	if err != nil {
		return exitFailure
	}

	if _, err := kpi.NewCalculator(engine, logger).Run(ctx, params); err != nil {
		logger.Error("Error generating KPI report!", "error", err)

		return exitFailure
	}

	return exitOK
}

// buildRunner loads configuration and wires the source, store and archive
// into a cycle runner.
func buildRunner(ctx context.Context, configPath string, logger *slog.Logger) (*pipeline.Runner, *config.Config, error) {
	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return nil, nil, err
	}

	engine, err := openEngine(ctx, cfg, logger, false)
	if err != nil {
		return nil, nil, err
	}

	archive := extraction.NewArchive(cfg.ArchivePath)

	return pipeline.NewRunner(newSource(cfg, archive, logger), engine, archive, logger), cfg, nil
}

func openEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, readOnly bool) (storage.Engine, error) {
	logger.Info(fmt.Sprintf("Initializing '%s' database engine...", cfg.DB.Engine))

	engine, err := storage.Open(cfg.DB, logger)
	if err != nil {
		logger.Error("Error initializing database engine!", "error", err)

		return nil, err
	}

	if !readOnly {
		if err := engine.InitSchema(ctx); err != nil {
			logger.Error("Error initializing database engine!", "error", err)

			return nil, err
		}
	}

	if config.GetEnvBool("DB_VALIDATE_CONNECTION", true) && !engine.ValidateConnection(ctx) {
		logger.Error("Error initializing database engine!", "error", "connection validation failed")

		return nil, fmt.Errorf("database connection validation failed for engine %q", cfg.DB.Engine)
	}

	return engine, nil
}

func newSource(cfg *config.Config, archive extraction.Archive, logger *slog.Logger) extraction.Source {
	if cfg.SourceType == config.SourceAPI {
		return extraction.NewAPISource(cfg.API, cfg.Local, archive, logger)
	}

	return extraction.NewLocalSource(cfg.Local, archive, logger)
}

// serveMetrics starts the Prometheus listener and returns its shutdown
// function.
func serveMetrics(addr string, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("Serving metrics", slog.String("addr", addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			config.GetEnvDuration("SHUTDOWN_TIMEOUT", 5*time.Second))
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}
}

func parseDateArg(value string) (time.Time, error) {
	parsed, err := time.Parse(dateFlagLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%s is not a valid date value!", value)
	}

	return parsed, nil
}

func parseDateListArg(value string) ([]time.Time, error) {
	parts := config.ParseCommaSeparatedList(value)
	if len(parts) == 0 {
		return nil, nil
	}

	dates := make([]time.Time, 0, len(parts))

	for _, part := range parts {
		parsed, err := time.Parse(dateFlagLayout, part)
		if err != nil {
			return nil, fmt.Errorf("%s is not a valid date list!", value)
		}

		dates = append(dates, parsed)
	}

	return dates, nil
}

// printUsage displays usage information.
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s v%s - Reservations ingestion and KPI reporting pipeline

USAGE:
    %s --config-path <file> COMMAND [COMMAND OPTIONS]

COMMANDS:
    run-once   Run pipeline once and exit
    schedule   Run pipeline in scheduled mode
    kpi        Calculate KPI based on hotel_id and date range

OPTIONS:
    --config-path  Pipeline configuration file, JSON or YAML (REQUIRED)
    --help         Show this help message
    --version      Show version information

SCHEDULE OPTIONS:
    --interval-minutes  Schedule interval in minutes (REQUIRED, >= 1)

KPI OPTIONS:
    --start-date     Start date in YYYY-MM-DD format (REQUIRED)
    --end-date       End date in YYYY-MM-DD format (REQUIRED)
    --hotel-id       ID of the hotel (REQUIRED)
    --exclude-dates  Comma separated date(s) to exclude from KPI
    --export-type    Export type of KPI report. Allowed values HTML, CSV. Default: CSV
    --export-path    Export path of KPI report. Default path is working directory

ENVIRONMENT VARIABLES:
    LOG_LEVEL                  Log level: debug, info, warn, error (default: info)
    METRICS_ADDR               Metrics listen address, overrides metrics_addr (schedule mode)
    SCHEDULE_INTERVAL_MINUTES  Default for --interval-minutes
    DB_VALIDATE_CONNECTION     Probe the store before starting (default: true)
    SHUTDOWN_TIMEOUT           Graceful shutdown timeout (default: 5s)

EXAMPLES:
    %s --config-path pipeline.json run-once
    %s --config-path pipeline.json schedule --interval-minutes 60
    %s --config-path pipeline.json kpi --start-date 2025-05-01 --end-date 2025-05-31 --hotel-id 3
`, name, version, name, name, name, name)
}
