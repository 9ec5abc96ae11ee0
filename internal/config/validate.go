package config

import (
	"fmt"
	"net/url"
	"strings"
)

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one configuration problem. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var (
	storageKinds   = []string{"sqlite", "postgres", "mssql"}
	metricsKinds   = []string{"", "none", "pushgateway", "datadog"}
	logLevels      = []string{"debug", "info", "warn", "error"}
	logFormats     = []string{"text", "json"}
	sourceSuffixes = []string{".zip", ".xml", ".xml.lz4", ".xml.xz", ".xml.zst"}
)

// ValidateSource checks the settings needed to read an export.
func ValidateSource(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case strings.TrimSpace(p.Source.Path) == "":
		add(SeverityError, "source.path", "export path is required")
	case !hasAnySuffix(strings.ToLower(p.Source.Path), sourceSuffixes):
		add(SeverityError, "source.path", "unsupported export %q (want one of %s)", p.Source.Path, strings.Join(sourceSuffixes, ", "))
	}
	if strings.HasSuffix(strings.ToLower(p.Source.Path), ".zip") && strings.TrimSpace(p.Source.Entry) == "" {
		add(SeverityWarning, "source.entry", "empty; the first export.xml entry will be used")
	}

	if p.Runtime.ChannelBuffer <= 0 {
		add(SeverityError, "runtime.channel_buffer", "must be > 0")
	}
	if p.Runtime.EventBatch <= 0 {
		add(SeverityError, "runtime.event_batch", "must be > 0")
	}
	if p.Runtime.MaxErrorSamples < 0 {
		add(SeverityError, "runtime.max_error_samples", "must be >= 0")
	}
	if !contains(logLevels, strings.ToLower(p.Log.Level)) {
		add(SeverityError, "log.level", "unknown level %q", p.Log.Level)
	}
	if !contains(logFormats, strings.ToLower(p.Log.Format)) {
		add(SeverityError, "log.format", "unknown format %q", p.Log.Format)
	}
	return issues
}

// ValidatePipeline checks a configuration for a full conversion run.
func ValidatePipeline(p Pipeline) []Issue {
	issues := ValidateSource(p)
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if !contains(storageKinds, p.Storage.Kind) {
		add(SeverityError, "storage.kind", "unsupported kind %q (want one of %s)", p.Storage.Kind, strings.Join(storageKinds, ", "))
	}
	if strings.TrimSpace(p.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "database URL is required (argument, storage.dsn or DATABASE_URL)")
	}
	if strings.TrimSpace(p.Storage.PrimaryKey) == "" {
		add(SeverityWarning, "storage.primary_key", "empty; defaulting to %q", DefaultPrimaryKey)
	}
	if p.Runtime.BatchSize <= 0 {
		add(SeverityError, "runtime.batch_size", "must be > 0")
	} else if p.Runtime.BatchSize > 100_000 {
		add(SeverityWarning, "runtime.batch_size", "%d rows per table are held in memory before each commit", p.Runtime.BatchSize)
	}

	switch {
	case !contains(metricsKinds, p.Metrics.Backend):
		add(SeverityError, "metrics.backend", "unknown backend %q", p.Metrics.Backend)
	case p.Metrics.Backend == "pushgateway":
		if u, err := url.Parse(p.Metrics.PushgatewayURL); err != nil || u.Scheme == "" || u.Host == "" {
			add(SeverityError, "metrics.pushgateway_url", "invalid URL %q", p.Metrics.PushgatewayURL)
		}
	}
	return issues
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}
