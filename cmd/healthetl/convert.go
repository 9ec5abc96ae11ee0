package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"healthetl/internal/config"
	"healthetl/internal/healthkit"
	"healthetl/internal/loader"
	"healthetl/internal/observability"
)

var errAborted = errors.New("aborted")

type convertOptions struct {
	configPath     string
	drop           bool
	yes            bool
	quiet          bool
	noColor        bool
	validate       bool
	storage        string
	batchSize      int
	metricsBackend string
	pushgatewayURL string
	logLevel       string
	logFormat      string
}

func newConvertCmd(s streams, deps appDeps) *cobra.Command {
	var o convertOptions

	cmd := &cobra.Command{
		Use:   "convert <export.zip|export.xml> [db-url]",
		Short: "Convert an export into a database",
		Long: `Convert streams the export into the destination database in one pass.

The database URL may be given as the second argument, in the config file
(storage.dsn), or via DATABASE_URL. A bare path is a SQLite file.`,
		Example: `  healthetl convert export.zip healthkit.db
  healthetl convert --drop --yes export.zip sqlite://healthkit.db
  DATABASE_URL=postgres://localhost/health healthetl convert --storage postgres export.zip`,
		Args: usageArgs(cobra.RangeArgs(1, 2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd, s, deps, o, args)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "config file (default ./healthetl.yaml if present)")
	f.BoolVarP(&o.drop, "drop", "d", false, "drop an existing SQLite database before converting")
	f.BoolVarP(&o.yes, "yes", "y", false, "do not ask for confirmation before dropping")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "only print errors")
	f.BoolVar(&o.noColor, "no-color", false, "disable colored output")
	f.BoolVar(&o.validate, "validate", false, "validate the configuration and exit")
	f.StringVar(&o.storage, "storage", "", "storage backend: sqlite, postgres or mssql")
	f.IntVar(&o.batchSize, "batch-size", 0, "rows per table committed in one transaction")
	f.StringVar(&o.metricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway or datadog")
	f.StringVar(&o.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL")
	f.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")
	f.StringVar(&o.logFormat, "log-format", "", "log format: text or json")
	return cmd
}

// pipelineFromFlags loads the config and applies positional arguments and
// explicitly set flags on top of it.
func pipelineFromFlags(cmd *cobra.Command, deps appDeps, o convertOptions, args []string) (config.Pipeline, error) {
	cfg, err := deps.loadConfig(o.configPath)
	if err != nil {
		return config.Pipeline{}, fmt.Errorf("load config: %w", err)
	}

	cfg.Source.Path = args[0]
	if len(args) > 1 {
		cfg.Storage.DSN = args[1]
	}

	f := cmd.Flags()
	if f.Changed("storage") {
		cfg.Storage.Kind = o.storage
	}
	if f.Changed("batch-size") {
		cfg.Runtime.BatchSize = o.batchSize
	}
	if f.Changed("metrics-backend") {
		cfg.Metrics.Backend = o.metricsBackend
	}
	if f.Changed("pushgateway-url") {
		cfg.Metrics.PushgatewayURL = o.pushgatewayURL
	}
	if f.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if f.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if o.quiet && !f.Changed("log-level") {
		cfg.Log.Level = "error"
	}
	return cfg, nil
}

func runConvert(cmd *cobra.Command, s streams, deps appDeps, o convertOptions, args []string) error {
	ctx := cmd.Context()

	cfg, err := pipelineFromFlags(cmd, deps, o, args)
	if err != nil {
		return err
	}

	if reportIssues(s.err, config.ValidatePipeline(cfg)) {
		fmt.Fprintln(s.err, "configuration is invalid")
		return exitError{code: 1}
	}
	if o.validate {
		fmt.Fprintln(s.out, "configuration is valid")
		return nil
	}

	p := newPrinter(s.out, o.quiet || o.noColor || !isTerminal(s.out))

	if cfg.Storage.Kind == "sqlite" {
		if err := prepareSQLite(s, deps, o, os.ExpandEnv(cfg.Storage.DSN)); err != nil {
			return err
		}
	}

	runID := deps.newRunID()
	log := observability.NewLogger(s.err, cfg.Log.Level, cfg.Log.Format, runID)

	tracer, shutdown, err := deps.initTracing(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		if err := shutdown(ctx); err != nil {
			log.Warn("tracing shutdown", "err", err)
		}
	}()

	logf := func(format string, v ...any) { log.Info(fmt.Sprintf(format, v...)) }
	cleanup, err := deps.initMetrics(ctx, cfg, logf)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	defer cleanup()

	r := deps.newRunner(runnerOptions{
		Logger: log,
		Tracer: tracer,
		OnFlush: func(fi loader.FlushInfo) {
			if !o.quiet {
				p.progress(fi)
			}
		},
		OnElementError: func(ee *healthkit.ElementError) {
			log.Warn("skipped element", "tag", ee.Tag, "line", ee.Line, "offset", ee.Offset, "err", ee.Error())
		},
	})

	sum, runErr := r.Run(ctx, cfg)
	if !o.quiet || runErr != nil {
		p.summary(sum, cfg.Source.Path)
	}
	if runErr != nil {
		return runErr
	}
	if o.quiet {
		return nil
	}
	p.success("Converted %s rows into %d tables in %s",
		humanize.Comma(sum.Rows), len(sum.RowsByTable), sum.Elapsed.Round(time.Millisecond))
	return nil
}

// prepareSQLite refuses to convert into an existing database unless --drop
// was given, and then asks before removing it unless --yes was given.
func prepareSQLite(s streams, deps appDeps, o convertOptions, dsn string) error {
	exists, err := deps.dbExists(dsn)
	if err != nil {
		return fmt.Errorf("check database: %w", err)
	}
	if !exists {
		return nil
	}
	if !o.drop {
		return fmt.Errorf("database %s already exists; use --drop to replace it", dsn)
	}
	if !o.yes {
		ok, err := confirm(s.in, s.err, fmt.Sprintf("Drop existing database %s?", dsn))
		if err != nil {
			return err
		}
		if !ok {
			return errAborted
		}
	}
	if err := deps.dropDB(dsn); err != nil {
		return fmt.Errorf("drop database: %w", err)
	}
	return nil
}

// confirm asks a yes/no question on w and reads the answer from r.
// Anything but y/yes is a no.
func confirm(r io.Reader, w io.Writer, question string) (bool, error) {
	fmt.Fprintf(w, "%s [y/N] ", question)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
