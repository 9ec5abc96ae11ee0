package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName = "healthetl"
	envPrefix  = "HEALTHETL"
)

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing precedence. With an empty path, healthetl.yaml
// is searched in the working directory; a missing file is not an error.
//
// Environment keys are HEALTHETL_<SECTION>_<KEY>, e.g.
// HEALTHETL_RUNTIME_BATCH_SIZE. The storage DSN also honors DATABASE_URL.
func Load(path string) (Pipeline, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("storage.dsn", envPrefix+"_STORAGE_DSN", "DATABASE_URL"); err != nil {
		return Pipeline{}, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Pipeline{}, fmt.Errorf("read config: %w", err)
		}
	}

	var p Pipeline
	if err := v.Unmarshal(&p); err != nil {
		return Pipeline{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return p, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("job", DefaultJob)

	v.SetDefault("source.path", "")
	v.SetDefault("source.entry", DefaultZipEntry)

	v.SetDefault("storage.kind", DefaultStorageKind)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.primary_key", DefaultPrimaryKey)

	v.SetDefault("runtime.batch_size", DefaultBatchSize)
	v.SetDefault("runtime.channel_buffer", DefaultChannelBuffer)
	v.SetDefault("runtime.event_batch", DefaultEventBatch)
	v.SetDefault("runtime.max_error_samples", DefaultMaxErrorSamples)

	v.SetDefault("metrics.backend", DefaultMetricsBackend)
	v.SetDefault("metrics.pushgateway_url", DefaultPushgatewayURL)
	v.SetDefault("metrics.tags", "")
	v.SetDefault("metrics.flush_every", DefaultFlushEvery)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", DefaultServiceName)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
}
