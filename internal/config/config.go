// Package config holds the pipeline configuration and its loader.
package config

import "time"

// Pipeline is the full configuration of one conversion run.
// Field tags use mapstructure for viper unmarshalling.
type Pipeline struct {
	Job       string    `mapstructure:"job" yaml:"job"`
	Source    Source    `mapstructure:"source" yaml:"source"`
	Storage   Storage   `mapstructure:"storage" yaml:"storage"`
	Runtime   Runtime   `mapstructure:"runtime" yaml:"runtime"`
	Metrics   Metrics   `mapstructure:"metrics" yaml:"metrics"`
	Telemetry Telemetry `mapstructure:"telemetry" yaml:"telemetry"`
	Log       Log       `mapstructure:"log" yaml:"log"`
}

// Source locates the export.
type Source struct {
	// Path is an export.zip, export.xml, or export.xml.lz4/.xz file.
	Path string `mapstructure:"path" yaml:"path"`

	// Entry is the XML entry inside a zip archive.
	Entry string `mapstructure:"entry" yaml:"entry"`
}

type Storage struct {
	// Kind is the backend: "sqlite" | "postgres" | "mssql".
	Kind string `mapstructure:"kind" yaml:"kind"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`

	// PrimaryKey names the implicit auto-increment column of every table.
	PrimaryKey string `mapstructure:"primary_key" yaml:"primary_key"`
}

// Runtime controls pipeline execution behavior.
type Runtime struct {
	// BatchSize is the per-table row count committed per transaction.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// ChannelBuffer is the number of event batches in flight between the
	// parser and the writer.
	ChannelBuffer int `mapstructure:"channel_buffer" yaml:"channel_buffer"`

	// EventBatch is the number of parser events per batch.
	EventBatch int `mapstructure:"event_batch" yaml:"event_batch"`

	// MaxErrorSamples bounds the per-element errors kept for the summary.
	MaxErrorSamples int `mapstructure:"max_error_samples" yaml:"max_error_samples"`
}

type Metrics struct {
	// Backend is "none", "pushgateway" or "datadog".
	Backend        string        `mapstructure:"backend" yaml:"backend"`
	PushgatewayURL string        `mapstructure:"pushgateway_url" yaml:"pushgateway_url"`
	Tags           string        `mapstructure:"tags" yaml:"tags"`
	FlushEvery     time.Duration `mapstructure:"flush_every" yaml:"flush_every"`
}

type Telemetry struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure" yaml:"insecure"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
}

type Log struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Defaults.
const (
	DefaultJob             = "healthetl"
	DefaultZipEntry        = "apple_health_export/export.xml"
	DefaultStorageKind     = "sqlite"
	DefaultPrimaryKey      = "id"
	DefaultBatchSize       = 1000
	DefaultChannelBuffer   = 64
	DefaultEventBatch      = 512
	DefaultMaxErrorSamples = 20
	DefaultMetricsBackend  = "none"
	DefaultPushgatewayURL  = "http://localhost:9091"
	DefaultFlushEvery      = 60 * time.Second
	DefaultServiceName     = "healthetl"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
)
