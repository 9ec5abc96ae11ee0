package multitable

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"

	"healthetl/internal/config"
	"healthetl/internal/healthkit"
	"healthetl/internal/loader"
	"healthetl/internal/schema"
	"healthetl/internal/source"
	"healthetl/internal/storage"
)

// Runner wires configuration to a source, a store and the engine.
type Runner struct {
	// storage-agnostic factory seam
	NewStore func(ctx context.Context, cfg storage.Config) (storage.Store, error)

	// source seam
	OpenSource func(path, entry string) (*source.Export, error)

	Logger Logger
	Slog   *slog.Logger
	Tracer trace.Tracer

	// OnFlush observes every committed batch (progress output).
	OnFlush func(loader.FlushInfo)

	// OnElementError observes every recovered element error.
	OnElementError func(*healthkit.ElementError)
}

func NewDefaultRunner() *Runner {
	return &Runner{
		NewStore:   storage.New,
		OpenSource: source.Open,
	}
}

func (r *Runner) engine(rt config.Runtime) *Engine {
	return &Engine{
		Logger:         r.Logger,
		Runtime:        rt,
		Tracer:         r.Tracer,
		OnElementError: r.OnElementError,
	}
}

func (r *Runner) logf() func(format string, v ...any) {
	return (&Engine{Logger: r.Logger}).logger()
}

// Run converts the configured export into the configured store.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (Summary, error) {
	if err := validateRunConfig(cfg); err != nil {
		return Summary{}, err
	}
	logf := r.logf()

	openStart := time.Now()
	exp, err := r.OpenSource(cfg.Source.Path, cfg.Source.Entry)
	if err != nil {
		return Summary{}, err
	}
	defer exp.Close()
	logf("stage=open_source ok duration=%s entry=%s", durMS(openStart), exp.Name)

	connStart := time.Now()
	store, err := r.NewStore(ctx, storage.Config{
		Kind: cfg.Storage.Kind,
		DSN:  os.ExpandEnv(cfg.Storage.DSN),
	})
	if err != nil {
		return Summary{}, fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	logf("stage=connect ok duration=%s storage=%s", durMS(connStart), cfg.Storage.Kind)

	reg := schema.New(store.Dialect(), cfg.Storage.PrimaryKey)
	w := loader.New(store, reg, loader.Options{
		BatchSize: cfg.Runtime.BatchSize,
		OnFlush:   r.OnFlush,
		Logger:    r.Slog,
		Tracer:    r.Tracer,
	})

	return r.engine(cfg.Runtime).Run(ctx, exp, routeOpener(exp), w)
}

// Probe discovers the schema of the configured export without a store.
func (r *Runner) Probe(ctx context.Context, cfg config.Pipeline) (Summary, []storage.TableSpec, error) {
	if cfg.Source.Path == "" {
		return Summary{}, nil, fmt.Errorf("source.path is required")
	}
	d, ok := storage.DialectFor(cfg.Storage.Kind)
	if !ok {
		d = storage.Dialect{Name: cfg.Storage.Kind}
	}

	exp, err := r.OpenSource(cfg.Source.Path, cfg.Source.Entry)
	if err != nil {
		return Summary{}, nil, err
	}
	defer exp.Close()

	return r.engine(cfg.Runtime).Probe(ctx, exp, routeOpener(exp), d, cfg.Storage.PrimaryKey)
}

// routeOpener returns exp's resolver, or a nil interface when there is none
// so the aggregator records route paths without opening them.
func routeOpener(exp *source.Export) healthkit.RouteOpener {
	if exp.Routes == nil {
		return nil
	}
	return exp.Routes
}

func validateRunConfig(cfg config.Pipeline) error {
	if cfg.Source.Path == "" {
		return fmt.Errorf("source.path is required")
	}
	if cfg.Storage.Kind == "" {
		return fmt.Errorf("storage.kind must be set")
	}
	if cfg.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn must be set")
	}
	return nil
}
