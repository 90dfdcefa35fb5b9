// Package config handles TOML configuration loading with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for logbridge.
type Config struct {
	Instance  InstanceConfig  `toml:"instance"`
	Log       LogConfig       `toml:"log"`
	Job       JobConfig       `toml:"job"`
	Patterns  PatternsConfig  `toml:"patterns"`
	Normalize NormalizeConfig `toml:"normalize"`
	Tail      TailConfig      `toml:"tail"`
	Exporter  ExporterConfig  `toml:"exporter"`
	Sink      SinkConfig      `toml:"sink"`
	DB        DBConfig        `toml:"db"`
	Ntfy      NtfyConfig      `toml:"ntfy"`
	Cooldown  CooldownConfig  `toml:"cooldown"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// InstanceConfig identifies this bridge in exported resources.
type InstanceConfig struct {
	ID      string `toml:"id"`
	Service string `toml:"service"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
}

// JobConfig holds the per-run defaults for file ingestion.
type JobConfig struct {
	StartPattern   string `toml:"start_pattern"`
	ExtractPattern string `toml:"extract_pattern"`
	ChunkSize      int    `toml:"chunk_size"`
	SkipLimit      int    `toml:"skip_limit"`
}

// PatternsConfig adds named grok definitions to the built-in library.
type PatternsConfig struct {
	Definitions map[string]string `toml:"definitions"`
}

// NormalizeConfig controls timestamp resolution.
type NormalizeConfig struct {
	ParseTimestamps bool     `toml:"parse_timestamps"`
	Layouts         []string `toml:"layouts"`
	Location        string   `toml:"location"`
}

// TailConfig controls the live tailing path.
type TailConfig struct {
	Path              string   `toml:"path"`
	JournalUnit       string   `toml:"journal_unit"` // follow a systemd unit instead of a file
	MaxRestarts       int      `toml:"max_restarts"` // 0 restarts forever
	WindowSize        int      `toml:"window_size"`
	IdleTimeout       Duration `toml:"idle_timeout"`
	QueueSize         int      `toml:"queue_size"`
	SpoolDir          string   `toml:"spool_dir"`
	KeepChunks        bool     `toml:"keep_chunks"`
	MaxConcurrentRuns int      `toml:"max_concurrent_runs"`
	PollInterval      Duration `toml:"poll_interval"`
	RestartWait       Duration `toml:"restart_wait"`
}

// ExporterConfig controls batching in front of the sink.
type ExporterConfig struct {
	MaxBatchSize    int      `toml:"max_batch_size"`
	ScheduleDelay   Duration `toml:"schedule_delay"`
	ExportTimeout   Duration `toml:"export_timeout"`
	MaxQueueBatches int      `toml:"max_queue_batches"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Sink types.
const (
	SinkStdout        = "stdout"
	SinkFile          = "file"
	SinkOTLP          = "otlp"
	SinkElasticsearch = "elasticsearch"
	SinkKafka         = "kafka"
)

// SinkConfig selects and configures the export backend.
type SinkConfig struct {
	Type          string            `toml:"type"`
	File          FileSinkConfig    `toml:"file"`
	OTLP          OTLPSinkConfig    `toml:"otlp"`
	Elasticsearch ElasticSinkConfig `toml:"elasticsearch"`
	Kafka         KafkaSinkConfig   `toml:"kafka"`
	Retry         RetryConfig       `toml:"retry"`
}

// FileSinkConfig writes JSON lines; a ".zst" suffix enables zstd.
type FileSinkConfig struct {
	Path string `toml:"path"`
}

// OTLPSinkConfig targets an OTLP/HTTP logs endpoint.
type OTLPSinkConfig struct {
	Endpoint string            `toml:"endpoint"`
	Headers  map[string]string `toml:"headers"`
	Timeout  Duration          `toml:"timeout"`
}

// ElasticSinkConfig targets an Elasticsearch cluster.
type ElasticSinkConfig struct {
	URL         string `toml:"url"`
	IndexPrefix string `toml:"index_prefix"`
	Sniff       bool   `toml:"sniff"`
}

// KafkaSinkConfig targets a Kafka topic.
type KafkaSinkConfig struct {
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"`
}

// RetryConfig wraps the sink with bounded exponential backoff. Attempts of 1
// disables retrying.
type RetryConfig struct {
	Attempts       int      `toml:"attempts"`
	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// DBConfig controls the run history database.
type DBConfig struct {
	Path      string   `toml:"path"`
	Retention Duration `toml:"retention"`
}

// NtfyConfig controls the ntfy notification target.
type NtfyConfig struct {
	URL         string            `toml:"url"`
	PriorityMap map[string]string `toml:"priority_map"`
	NotifyOn    []string          `toml:"notify_on"`
}

// CooldownConfig throttles repeated failure notifications for one source.
type CooldownConfig struct {
	Window             Duration `toml:"window"`
	AggregateThreshold int      `toml:"aggregate_threshold"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "500ms", "1h").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	return &Config{
		Instance: InstanceConfig{
			ID:      hostname,
			Service: "iseries-log-bridge",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Job: JobConfig{
			StartPattern:   "^.*",
			ExtractPattern: "%{GREEDYDATA:message}",
			ChunkSize:      100,
			SkipLimit:      10,
		},
		Tail: TailConfig{
			WindowSize:        50,
			IdleTimeout:       Duration{1000 * time.Millisecond},
			QueueSize:         10000,
			SpoolDir:          filepath.Join(os.TempDir(), "logbridge"),
			MaxConcurrentRuns: 4,
			PollInterval:      Duration{time.Second},
			RestartWait:       Duration{5 * time.Second},
		},
		Exporter: ExporterConfig{
			MaxBatchSize:    512,
			ScheduleDelay:   Duration{500 * time.Millisecond},
			ExportTimeout:   Duration{30 * time.Second},
			MaxQueueBatches: 64,
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Sink: SinkConfig{
			Type: SinkOTLP,
			OTLP: OTLPSinkConfig{
				Endpoint: "http://localhost:4318",
				Timeout:  Duration{10 * time.Second},
			},
			Elasticsearch: ElasticSinkConfig{
				URL:         "http://localhost:9200",
				IndexPrefix: "logs-",
			},
			Kafka: KafkaSinkConfig{
				Brokers: []string{"localhost:9092"},
				Topic:   "logs",
			},
			Retry: RetryConfig{
				Attempts:       3,
				InitialBackoff: Duration{time.Second},
				MaxBackoff:     Duration{30 * time.Second},
			},
		},
		DB: DBConfig{
			Retention: Duration{30 * 24 * time.Hour},
		},
		Ntfy: NtfyConfig{
			PriorityMap: map[string]string{
				"FAILED":    "high",
				"COMPLETED": "low",
			},
			NotifyOn: []string{"FAILED"},
		},
		Cooldown: CooldownConfig{
			Window:             Duration{5 * time.Minute},
			AggregateThreshold: 3,
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "logbridge", "config.toml")
}

// DefaultDBPath returns the default run history database path.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		dataDir = filepath.Join(os.Getenv("HOME"), ".local", "share")
	}
	return filepath.Join(dataDir, "logbridge", "runs.db")
}

// DBPath returns the configured database path or the default.
func (c *Config) DBPath() string {
	if c.DB.Path != "" {
		return c.DB.Path
	}
	return DefaultDBPath()
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		bad("log.format %q: want text or json", c.Log.Format)
	}

	if c.Job.ChunkSize <= 0 {
		bad("job.chunk_size must be positive, got %d", c.Job.ChunkSize)
	}
	if c.Job.SkipLimit < 0 {
		bad("job.skip_limit must not be negative, got %d", c.Job.SkipLimit)
	}

	if c.Normalize.Location != "" {
		if _, err := time.LoadLocation(c.Normalize.Location); err != nil {
			bad("normalize.location: %w", err)
		}
	}

	if c.Tail.Path != "" && c.Tail.JournalUnit != "" {
		bad("tail.path and tail.journal_unit are mutually exclusive")
	}
	if c.Tail.QueueSize <= 0 {
		bad("tail.queue_size must be positive, got %d", c.Tail.QueueSize)
	}
	if c.Tail.WindowSize <= 0 {
		bad("tail.window_size must be positive, got %d", c.Tail.WindowSize)
	}
	if c.Tail.IdleTimeout.Duration <= 0 {
		bad("tail.idle_timeout must be positive")
	}
	if c.Tail.MaxConcurrentRuns <= 0 {
		bad("tail.max_concurrent_runs must be positive, got %d", c.Tail.MaxConcurrentRuns)
	}

	if c.Exporter.MaxBatchSize <= 0 {
		bad("exporter.max_batch_size must be positive, got %d", c.Exporter.MaxBatchSize)
	}

	switch c.Sink.Type {
	case SinkStdout:
	case SinkFile:
		if c.Sink.File.Path == "" {
			bad("sink.file.path is required for the file sink")
		}
	case SinkOTLP:
		if c.Sink.OTLP.Endpoint == "" {
			bad("sink.otlp.endpoint is required for the otlp sink")
		}
	case SinkElasticsearch:
		if c.Sink.Elasticsearch.URL == "" {
			bad("sink.elasticsearch.url is required for the elasticsearch sink")
		}
	case SinkKafka:
		if len(c.Sink.Kafka.Brokers) == 0 || c.Sink.Kafka.Topic == "" {
			bad("sink.kafka.brokers and sink.kafka.topic are required for the kafka sink")
		}
	default:
		bad("sink.type %q: want stdout, file, otlp, elasticsearch or kafka", c.Sink.Type)
	}
	if c.Sink.Retry.Attempts < 0 {
		bad("sink.retry.attempts must not be negative, got %d", c.Sink.Retry.Attempts)
	}

	return errors.Join(errs...)
}

// ShouldNotify returns true if runs finishing with status are reported.
func (c *Config) ShouldNotify(status string) bool {
	for _, s := range c.Ntfy.NotifyOn {
		if strings.EqualFold(s, status) {
			return true
		}
	}
	return false
}

// NtfyPriority maps a run status to an ntfy priority string.
func (c *Config) NtfyPriority(status string) string {
	if p, ok := c.Ntfy.PriorityMap[status]; ok {
		return p
	}
	return "default"
}
