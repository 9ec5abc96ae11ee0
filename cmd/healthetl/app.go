package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"healthetl/internal/config"
	"healthetl/internal/healthkit"
	"healthetl/internal/loader"
	"healthetl/internal/multitable"
	"healthetl/internal/observability"
	"healthetl/internal/storage"
	"healthetl/internal/storage/sqlite"
)

// runner is the pipeline surface the CLI drives; *multitable.Runner in
// production, a fake in tests.
type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (multitable.Summary, error)
	Probe(ctx context.Context, cfg config.Pipeline) (multitable.Summary, []storage.TableSpec, error)
}

// runnerOptions carries the per-invocation observers into a runner.
type runnerOptions struct {
	Logger         *slog.Logger
	Tracer         trace.Tracer
	OnFlush        func(loader.FlushInfo)
	OnElementError func(*healthkit.ElementError)
}

// appDeps are the side-effecting seams of the CLI.
type appDeps struct {
	loadConfig  func(path string) (config.Pipeline, error)
	newRunner   func(opts runnerOptions) runner
	initMetrics func(ctx context.Context, cfg config.Pipeline, logf func(string, ...any)) (func(), error)
	initTracing func(ctx context.Context, cfg config.Telemetry, version string) (trace.Tracer, observability.ShutdownFunc, error)
	dbExists    func(dsn string) (bool, error)
	dropDB      func(dsn string) error
	newRunID    func() string
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig: config.Load,
		newRunner: func(opts runnerOptions) runner {
			r := multitable.NewDefaultRunner()
			r.Slog = opts.Logger
			r.Logger = observability.Printf{Logger: opts.Logger}
			r.Tracer = opts.Tracer
			r.OnFlush = opts.OnFlush
			r.OnElementError = opts.OnElementError
			return r
		},
		initMetrics: initMetrics,
		initTracing: observability.InitTracing,
		dbExists:    sqlite.DatabaseExists,
		dropDB:      sqlite.DropDatabase,
		newRunID:    func() string { return uuid.NewString() },
	}
}

// usageError marks command-line misuse; it exits with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// exitError carries a non-zero status for failures already reported to the
// user.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// streams are the process's standard files.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

// runMain executes the CLI and returns the process exit status:
// 0 success, 1 failure, 2 usage error.
func runMain(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(streams{in: stdin, out: stdout, err: stderr}, deps)
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)

	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", root.Name())
		return 2
	}
	return 1
}

func newRootCmd(s streams, deps appDeps) *cobra.Command {
	root := &cobra.Command{
		Use:   "healthetl",
		Short: "Convert an Apple Health export into a relational database",
		Long: `healthetl streams export.xml from an Apple Health export (zip or plain XML)
into a SQL database: one table per record type, plus Workout and
ActivitySummary. Tables and columns are created as they are discovered.

Commands:
  convert   Convert an export into a database
  probe     Show the schema a conversion would create
  version   Show version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	root.AddCommand(newConvertCmd(s, deps))
	root.AddCommand(newProbeCmd(s, deps))
	root.AddCommand(newVersionCmd(s))
	return root
}

func newVersionCmd(s streams) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  usageArgs(cobra.NoArgs),
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(s.out, "healthetl %s\n", version)
		},
	}
}

// usageArgs turns positional-argument validation failures into usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

// reportIssues prints validation issues and reports whether any is an error.
func reportIssues(w io.Writer, issues []config.Issue) bool {
	for _, iss := range issues {
		fmt.Fprintln(w, iss.String())
	}
	return config.HasErrors(issues)
}
