// Package config provides configuration loading and validation for the pulse
// daemon. Supports YAML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration fails validation. The
// daemon treats it as fatal at startup.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all configuration for a pulse daemon.
type Config struct {
	Service       ServiceConfig       `yaml:"service"`
	Server        ServerConfig        `yaml:"server"`
	Exporter      ExporterConfig      `yaml:"exporter"`
	Sampling      SamplingConfig      `yaml:"sampling"`
	Broadcast     BroadcastConfig     `yaml:"broadcast"`
	Instrument    InstrumentConfig    `yaml:"instrument"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServiceConfig identifies the instrumented service. The values become
// resource attributes on every exported span.
type ServiceConfig struct {
	Name        string `yaml:"name" env:"PULSE_SERVICE_NAME"`
	Version     string `yaml:"version" env:"PULSE_SERVICE_VERSION"`
	Environment string `yaml:"environment" env:"PULSE_ENVIRONMENT"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listenAddr" env:"PULSE_LISTEN_ADDR"`
	HealthAddr      string `yaml:"healthAddr" env:"PULSE_HEALTH_ADDR"`
	ShutdownGraceMs int64  `yaml:"shutdownGraceMs" env:"PULSE_SHUTDOWN_GRACE_MS"`
}

// ExporterConfig controls the span export pipeline. An empty Endpoint keeps
// spans local: they stay visible to the broadcaster but never leave the
// process.
type ExporterConfig struct {
	Endpoint         string            `yaml:"endpoint" env:"PULSE_EXPORTER_ENDPOINT"`
	Headers          map[string]string `yaml:"headers" env:"PULSE_EXPORTER_HEADERS"`
	Insecure         bool              `yaml:"insecure" env:"PULSE_EXPORTER_INSECURE"`
	TimeoutMs        int64             `yaml:"timeoutMs" env:"PULSE_EXPORTER_TIMEOUT_MS"`
	MaxBatchSize     int               `yaml:"maxBatchSize" env:"PULSE_EXPORTER_MAX_BATCH_SIZE"`
	BatchTimeoutMs   int64             `yaml:"batchTimeoutMs" env:"PULSE_EXPORTER_BATCH_TIMEOUT_MS"`
	RetryMaxAttempts int               `yaml:"retryMaxAttempts" env:"PULSE_EXPORTER_RETRY_MAX_ATTEMPTS"`
	SpanBufferSize   int               `yaml:"spanBufferSize" env:"PULSE_EXPORTER_SPAN_BUFFER_SIZE"`
}

type SamplingConfig struct {
	Ratio float64 `yaml:"ratio" env:"PULSE_SAMPLING_RATIO"`
}

type BroadcastConfig struct {
	IntervalMs int64 `yaml:"intervalMs" env:"PULSE_BROADCAST_INTERVAL_MS"`
	QueueSize  int   `yaml:"queueSize" env:"PULSE_BROADCAST_QUEUE_SIZE"`
}

// InstrumentConfig controls the HTTP middleware and the runtime sampler.
type InstrumentConfig struct {
	RouteLimit              int      `yaml:"routeLimit" env:"PULSE_ROUTE_LIMIT"`
	SkipPaths               []string `yaml:"skipPaths" env:"PULSE_SKIP_PATHS"`
	ExcludeHosts            []string `yaml:"excludeHosts" env:"PULSE_EXCLUDE_HOSTS"`
	RuntimeMetrics          bool     `yaml:"runtimeMetrics" env:"PULSE_RUNTIME_METRICS"`
	RuntimeSampleIntervalMs int64    `yaml:"runtimeSampleIntervalMs" env:"PULSE_RUNTIME_SAMPLE_INTERVAL_MS"`
}

type ObservabilityConfig struct {
	LogLevel  string `yaml:"logLevel" env:"PULSE_LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"PULSE_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "pulse",
			Version:     "dev",
			Environment: "development",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			HealthAddr:      ":8081",
			ShutdownGraceMs: 30000,
		},
		Exporter: ExporterConfig{
			TimeoutMs:        10000,
			MaxBatchSize:     512,
			BatchTimeoutMs:   5000,
			RetryMaxAttempts: 3,
			SpanBufferSize:   50,
		},
		Sampling: SamplingConfig{
			Ratio: 1.0,
		},
		Broadcast: BroadcastConfig{
			IntervalMs: 5000,
			QueueSize:  16,
		},
		Instrument: InstrumentConfig{
			RouteLimit:              50,
			RuntimeMetrics:          true,
			RuntimeSampleIntervalMs: 10000,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// Load returns the default configuration with environment variable
// overrides applied and validated.
func Load() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML config file, then applies environment variable
// overrides on top. Environment always wins over the file.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfig, path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv walks the config struct and overrides any field whose env tag
// names a set environment variable.
func applyEnv(cfg *Config) error {
	return applyEnvValue(reflect.ValueOf(cfg).Elem())
}

func applyEnvValue(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct && t.Field(i).Tag.Get("env") == "" {
			if err := applyEnvValue(field); err != nil {
				return err
			}
			continue
		}

		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setField(field, raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := splitNonEmpty(raw)
		field.Set(reflect.ValueOf(parts))
	case reflect.Map:
		m, err := parsePairs(raw)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(m))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func splitNonEmpty(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePairs parses "k1=v1,k2=v2" into a map. Used for exporter headers.
func parsePairs(raw string) (map[string]string, error) {
	m := make(map[string]string)
	for _, p := range splitNonEmpty(raw) {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("malformed pair %q, want key=value", p)
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("%w: service name must not be empty", ErrInvalidConfig)
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("%w: server listen address must not be empty", ErrInvalidConfig)
	}
	if c.Sampling.Ratio < 0 || c.Sampling.Ratio > 1 {
		return fmt.Errorf("%w: sampling ratio %v outside [0.0, 1.0]", ErrInvalidConfig, c.Sampling.Ratio)
	}
	if c.Broadcast.IntervalMs <= 0 {
		return fmt.Errorf("%w: broadcast interval must be positive, got %dms", ErrInvalidConfig, c.Broadcast.IntervalMs)
	}
	if c.Broadcast.QueueSize <= 0 {
		return fmt.Errorf("%w: broadcast queue size must be positive, got %d", ErrInvalidConfig, c.Broadcast.QueueSize)
	}
	if c.Exporter.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: exporter max batch size must be positive, got %d", ErrInvalidConfig, c.Exporter.MaxBatchSize)
	}
	if c.Exporter.BatchTimeoutMs <= 0 {
		return fmt.Errorf("%w: exporter batch timeout must be positive, got %dms", ErrInvalidConfig, c.Exporter.BatchTimeoutMs)
	}
	if c.Exporter.RetryMaxAttempts < 0 {
		return fmt.Errorf("%w: exporter retry attempts must not be negative, got %d", ErrInvalidConfig, c.Exporter.RetryMaxAttempts)
	}
	if c.Exporter.SpanBufferSize <= 0 {
		return fmt.Errorf("%w: exporter span buffer size must be positive, got %d", ErrInvalidConfig, c.Exporter.SpanBufferSize)
	}
	if c.Instrument.RouteLimit <= 0 {
		return fmt.Errorf("%w: instrument route limit must be positive, got %d", ErrInvalidConfig, c.Instrument.RouteLimit)
	}
	if c.Instrument.RuntimeMetrics && c.Instrument.RuntimeSampleIntervalMs <= 0 {
		return fmt.Errorf("%w: runtime sample interval must be positive, got %dms", ErrInvalidConfig, c.Instrument.RuntimeSampleIntervalMs)
	}
	return nil
}
