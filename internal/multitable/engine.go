package multitable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"healthetl/internal/config"
	"healthetl/internal/healthkit"
	"healthetl/internal/metrics"
	"healthetl/internal/parser/xmlstream"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// StreamFn is a seam for providing the structural event stream.
//
// When to use:
//   - Unit tests: inject a deterministic event sequence without XML.
//   - Production: nil, which selects xmlstream.StreamEvents.
//
// Implementations follow StreamEvents: send batches to out in document order,
// never close out, and return nil at end of input.
type StreamFn func(ctx context.Context, r io.Reader, opts xmlstream.Options, out chan<- *xmlstream.Batch) error

// Sink receives finished rows in document order.
type Sink interface {
	Submit(ctx context.Context, row healthkit.Row) error
	Flush(ctx context.Context) error

	// Written returns committed row counts keyed by table.
	Written() map[string]int64
}

// Summary is the outcome of one run.
type Summary struct {
	RowsByTable map[string]int64
	Rows        int64

	// ElementErrors counts recovered per-element errors; Samples keeps the
	// first few for diagnosis.
	ElementErrors int
	Samples       []*healthkit.ElementError

	Elapsed time.Duration
}

// Engine drives one conversion: a parser goroutine produces event batches and
// the calling goroutine aggregates them into rows for the Sink.
type Engine struct {
	Logger  Logger
	Runtime config.Runtime

	// Stream is an optional seam; nil uses xmlstream.StreamEvents.
	Stream StreamFn

	Tracer trace.Tracer

	// OnElementError, when set, observes every recovered element error.
	OnElementError func(*healthkit.ElementError)
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		l := log.New(io.Discard, "", 0)
		return l.Printf
	}
	return e.Logger.Printf
}

func (e *Engine) tracer() trace.Tracer {
	if e.Tracer == nil {
		return otel.Tracer("healthetl")
	}
	return e.Tracer
}

func (e *Engine) stream() StreamFn {
	if e.Stream != nil {
		return e.Stream
	}
	return xmlstream.StreamEvents
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// Run converts the export read from r into rows submitted to sink. routes may
// be nil when route files cannot be resolved.
//
// Errors:
//   - Malformed XML (*xmlstream.ParseError), malformed nesting
//     (*healthkit.StructuralError) and any sink failure are fatal. Rows of
//     batches already committed by the sink stay committed; pending rows are
//     discarded.
//   - Per-element errors are recovered and reported in the Summary.
func (e *Engine) Run(ctx context.Context, r io.Reader, routes healthkit.RouteOpener, sink Sink) (sum Summary, err error) {
	if sink == nil {
		return Summary{}, fmt.Errorf("engine: sink is required")
	}
	logf := e.logger()
	start := time.Now()

	ctx, span := e.tracer().Start(ctx, "healthetl.run")
	defer func() {
		sum.Elapsed = time.Since(start)
		span.SetAttributes(
			attribute.Int64("rows", sum.Rows),
			attribute.Int("element_errors", sum.ElementErrors),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.RecordStep("convert", err, sum.Elapsed)
	}()

	buffer := e.Runtime.ChannelBuffer
	if buffer <= 0 {
		buffer = config.DefaultChannelBuffer
	}
	maxSamples := e.Runtime.MaxErrorSamples
	if maxSamples < 0 {
		maxSamples = 0
	}

	// Cancellation model:
	//   - A consumer failure cancels the derived context with its cause.
	//   - The producer then stops at its next send; the consumer keeps
	//     draining and freeing batches until the channel is closed.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// Producer: ownership of each batch transfers to the consumer, which
	// must Free() it exactly once.
	batches := make(chan *xmlstream.Batch, buffer)
	prodErr := make(chan error, 1)
	go func() {
		defer close(batches)
		prodErr <- e.stream()(ctx, r, xmlstream.Options{BatchSize: e.Runtime.EventBatch}, batches)
	}()

	agg := healthkit.NewAggregator(routes)
	var consumeErr error
	fail := func(err error) {
		if consumeErr == nil {
			consumeErr = err
			cancel(err)
		}
	}

	for b := range batches {
		if consumeErr != nil {
			b.Free()
			continue
		}
		for i := range b.Events {
			row, ok, herr := agg.Handle(&b.Events[i])
			if herr != nil {
				var ee *healthkit.ElementError
				if !errors.As(herr, &ee) {
					fail(herr)
					break
				}
				sum.ElementErrors++
				if len(sum.Samples) < maxSamples {
					sum.Samples = append(sum.Samples, ee)
				}
				metrics.RecordElementError(ee.Tag)
				logf("stage=element_error tag=%s line=%d offset=%d err=%q", ee.Tag, ee.Line, ee.Offset, ee.Error())
				if e.OnElementError != nil {
					e.OnElementError(ee)
				}
				continue
			}
			if !ok {
				continue
			}
			if serr := sink.Submit(ctx, row); serr != nil {
				fail(serr)
				break
			}
		}
		b.Free()
	}

	perr := <-prodErr
	if consumeErr != nil {
		return e.summarize(sum, sink), consumeErr
	}
	if perr != nil {
		if cause := context.Cause(ctx); cause != nil && errors.Is(perr, ctx.Err()) {
			perr = cause
		}
		return e.summarize(sum, sink), perr
	}
	logf("stage=parse ok duration=%s", durMS(start))

	if err := agg.Finish(); err != nil {
		return e.summarize(sum, sink), err
	}

	flushStart := time.Now()
	if err := sink.Flush(ctx); err != nil {
		return e.summarize(sum, sink), err
	}
	logf("stage=final_flush ok duration=%s", durMS(flushStart))

	sum = e.summarize(sum, sink)
	logf("stage=convert ok duration=%s rows=%d tables=%d element_errors=%d",
		durMS(start), sum.Rows, len(sum.RowsByTable), sum.ElementErrors)
	return sum, nil
}

func (e *Engine) summarize(sum Summary, sink Sink) Summary {
	sum.RowsByTable = sink.Written()
	sum.Rows = 0
	for _, n := range sum.RowsByTable {
		sum.Rows += n
	}
	return sum
}
