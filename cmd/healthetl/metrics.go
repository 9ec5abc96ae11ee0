package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"healthetl/internal/config"
	"healthetl/internal/metrics"
	"healthetl/internal/metrics/datadog"
	"healthetl/internal/metrics/prompush"
)

// closingBackend is a metrics backend that owns a flush loop.
type closingBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPromBackend = func(job, url string) (metrics.Backend, error) {
		return prompush.NewBackend(job, url)
	}
	setMetricsBackend = metrics.SetBackend
)

// initMetrics installs the configured metrics backend and returns its
// cleanup, which is never nil. A backend that fails to start is logged and
// replaced by the no-op backend; only an unknown backend name is an error.
func initMetrics(ctx context.Context, cfg config.Pipeline, logf func(string, ...any)) (func(), error) {
	noop := func() {}

	job := cfg.Job
	if job == "" {
		job = config.DefaultJob
	}

	switch name := strings.ToLower(strings.TrimSpace(cfg.Metrics.Backend)); name {
	case "", "none":
		return noop, nil

	case "pushgateway":
		url := cfg.Metrics.PushgatewayURL
		if url == "" {
			url = os.Getenv("PUSHGATEWAY_URL")
		}
		if url == "" {
			url = config.DefaultPushgatewayURL
		}
		b, err := newPromBackend(job, url)
		if err != nil {
			logf("metrics: failed to init pushgateway backend: %v; using nop", err)
			return noop, nil
		}
		logf("metrics: backend=%s url=%s job=%s", name, url, job)
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				logf("metrics: pushgateway flush error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	case "datadog":
		tags := datadog.ParseTagsCSV(cfg.Metrics.Tags)
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: cfg.Metrics.FlushEvery,
		})
		if err != nil {
			logf("metrics: failed to init datadog backend: %v; using nop", err)
			return noop, nil
		}
		logf("metrics: backend=datadog job=%s tags=%v", job, tags)
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q", cfg.Metrics.Backend)
	}
}
