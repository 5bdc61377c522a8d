// Package config loads runtime settings from the environment, an optional
// .env file and command-line flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/drfirst/go-pdc/internal/domain/adherence"
)

type Config struct {
	Env               string  `mapstructure:"ENV"`
	LogLevel          string  `mapstructure:"LOG_LEVEL"`
	Port              string  `mapstructure:"PORT"`
	Workers           int     `mapstructure:"PDC_WORKERS"`
	DrugParallelism   int     `mapstructure:"PDC_DRUG_PARALLELISM"`
	QueueSize         int     `mapstructure:"PDC_QUEUE_SIZE"`
	DateLayout        string  `mapstructure:"PDC_DATE_LAYOUT"`
	SkipInvalid       bool    `mapstructure:"PDC_SKIP_INVALID"`
	SinkChunkSize     int     `mapstructure:"PDC_SINK_CHUNK_SIZE"`
	MaxBodyBytes      int64   `mapstructure:"PDC_MAX_BODY_BYTES"`
	KafkaBrokers      string  `mapstructure:"KAFKA_BROKERS"`
	KafkaResultsTopic string  `mapstructure:"KAFKA_RESULTS_TOPIC"`
	DatabaseURL       string  `mapstructure:"DATABASE_URL"`
	OTLPEndpoint      string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SampleRate        float64 `mapstructure:"OTEL_SAMPLE_RATE"`
	PushgatewayURL    string  `mapstructure:"PUSHGATEWAY_URL"`
}

// flagKeys maps command-line flags to the settings they override.
var flagKeys = map[string]string{
	"workers":          "PDC_WORKERS",
	"drug-parallelism": "PDC_DRUG_PARALLELISM",
	"date-layout":      "PDC_DATE_LAYOUT",
	"skip-invalid":     "PDC_SKIP_INVALID",
	"log-level":        "LOG_LEVEL",
	"port":             "PORT",
	"kafka-brokers":    "KAFKA_BROKERS",
	"kafka-topic":      "KAFKA_RESULTS_TOPIC",
	"database-url":     "DATABASE_URL",
	"pushgateway-url":  "PUSHGATEWAY_URL",
}

// Load reads the configuration. Flags in flags that were set on the command
// line take precedence over the environment; flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", "8080")
	v.SetDefault("PDC_WORKERS", 8)
	v.SetDefault("PDC_DRUG_PARALLELISM", 4)
	v.SetDefault("PDC_QUEUE_SIZE", 1024)
	v.SetDefault("PDC_DATE_LAYOUT", adherence.DateLayout)
	v.SetDefault("PDC_SKIP_INVALID", false)
	v.SetDefault("PDC_SINK_CHUNK_SIZE", 500)
	v.SetDefault("PDC_MAX_BODY_BYTES", 64<<20)
	v.SetDefault("KAFKA_RESULTS_TOPIC", "adherence.results")
	v.SetDefault("OTEL_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"ENV", "LOG_LEVEL", "PORT",
		"PDC_WORKERS", "PDC_DRUG_PARALLELISM", "PDC_QUEUE_SIZE", "PDC_DATE_LAYOUT",
		"PDC_SKIP_INVALID", "PDC_SINK_CHUNK_SIZE", "PDC_MAX_BODY_BYTES",
		"KAFKA_BROKERS", "KAFKA_RESULTS_TOPIC", "DATABASE_URL",
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SAMPLE_RATE", "PUSHGATEWAY_URL",
	} {
		v.BindEnv(key)
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDev reports whether the process runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Brokers returns the configured Kafka brokers
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("PDC_WORKERS must be at least 1, got %d", c.Workers)
	}
	if c.DrugParallelism < 1 {
		return fmt.Errorf("PDC_DRUG_PARALLELISM must be at least 1, got %d", c.DrugParallelism)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("PDC_QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.SinkChunkSize < 1 {
		return fmt.Errorf("PDC_SINK_CHUNK_SIZE must be at least 1, got %d", c.SinkChunkSize)
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("PDC_MAX_BODY_BYTES must be positive, got %d", c.MaxBodyBytes)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be within [0, 1], got %g", c.SampleRate)
	}
	if strings.TrimSpace(c.DateLayout) == "" {
		return fmt.Errorf("PDC_DATE_LAYOUT must not be empty")
	}
	return nil
}
