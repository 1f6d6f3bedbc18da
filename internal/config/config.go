// Package config provides configuration loading and validation for costwatchd.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then COSTWATCH_-prefixed environment variables. Credentials use the Secret
// type so they never leak through logs or serialized config dumps.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete costwatchd configuration tree.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	ClickHouse  ClickHouseConfig  `koanf:"clickhouse"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	LLM         LLMConfig         `koanf:"llm"`
	GitHub      GitHubConfig      `koanf:"github"`
	Notify      NotifyConfig      `koanf:"notify"`
	AWS         AWSConfig         `koanf:"aws"`
	Detector    DetectorConfig    `koanf:"detector"`
	Scorer      ScorerConfig      `koanf:"scorer"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
}

// ServerConfig holds the admin HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or console
	OTEL   bool   `koanf:"otel"`   // also emit logs through the OTLP bridge
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http
	Insecure       bool     `koanf:"insecure"`
	SampleRate     float64  `koanf:"sample_rate"`
	MetricInterval Duration `koanf:"metric_interval"`
}

// ClickHouseConfig holds the cost history store connection settings.
type ClickHouseConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	Database    string   `koanf:"database"`
	Username    string   `koanf:"username"`
	Password    Secret   `koanf:"password"`
	DialTimeout Duration `koanf:"dial_timeout"`
	Debug       bool     `koanf:"debug"`
}

// LedgerConfig selects the anomaly ledger backend.
type LedgerConfig struct {
	Backend string     `koanf:"backend"` // memory or nats
	NATS    NATSConfig `koanf:"nats"`
}

// NATSConfig holds JetStream connection settings shared by the ledger and
// the event publisher.
type NATSConfig struct {
	URL    string `koanf:"url"`
	Bucket string `koanf:"bucket"`
}

// VectorStoreConfig selects and configures the knowledge base backend.
type VectorStoreConfig struct {
	Provider   string        `koanf:"provider"` // chromem or qdrant
	Collection string        `koanf:"collection"`
	Chromem    ChromemConfig `koanf:"chromem"`
	Qdrant     QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds settings for the embedded chromem-go store.
type ChromemConfig struct {
	Path     string `koanf:"path"`     // empty means in-memory
	Compress bool   `koanf:"compress"` // gzip persisted segments
}

// QdrantConfig holds settings for an external qdrant deployment.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey Secret `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// EmbeddingsConfig selects the embedding provider for knowledge retrieval.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"` // fastembed or tei
	Model    string `koanf:"model"`
	BaseURL  string `koanf:"base_url"`  // TEI endpoint
	CacheDir string `koanf:"cache_dir"` // local model cache for fastembed
}

// LLMConfig configures the recommendation synthesizer backend.
type LLMConfig struct {
	BaseURL        string   `koanf:"base_url"`
	Model          string   `koanf:"model"`
	APIKey         Secret   `koanf:"api_key"`
	MaxTokens      int      `koanf:"max_tokens"`
	Temperature    float64  `koanf:"temperature"`
	Timeout        Duration `koanf:"timeout"`
	MaxRetries     int      `koanf:"max_retries"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	RequestsPerMin float64  `koanf:"requests_per_min"`
	Burst          int      `koanf:"burst"`
}

// GitHubConfig configures the remediation pull request target.
type GitHubConfig struct {
	Token      Secret      `koanf:"token"`
	Owner      string      `koanf:"owner"`
	Repo       string      `koanf:"repo"`
	BaseBranch string      `koanf:"base_branch"`
	Timeout    Duration    `koanf:"timeout"`
	Retry      RetryConfig `koanf:"retry"`
}

// RetryConfig holds exponential backoff parameters for transient failures.
type RetryConfig struct {
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	Multiplier     float64  `koanf:"multiplier"`
}

// NotifyConfig configures the webhook used for remediation notifications.
type NotifyConfig struct {
	Enabled    bool     `koanf:"enabled"`
	WebhookURL Secret   `koanf:"webhook_url"`
	Timeout    Duration `koanf:"timeout"`
}

// AWSConfig configures billing and inventory ingestion.
type AWSConfig struct {
	Enabled bool   `koanf:"enabled"`
	Region  string `koanf:"region"`
	Account string `koanf:"account"`
}

// DetectorConfig holds anomaly detection thresholds.
type DetectorConfig struct {
	WindowDays     int     `koanf:"window_days"`
	SigmaFactor    float64 `koanf:"sigma_factor"`
	WasteThreshold float64 `koanf:"waste_threshold"`
	Workers        int     `koanf:"workers"`
}

// ScorerConfig holds waste scoring settings.
type ScorerConfig struct {
	RulesPath  string `koanf:"rules_path"`  // optional YAML rule overrides
	WatchRules bool   `koanf:"watch_rules"` // hot-reload rules_path on change
}

// PipelineConfig bounds the remediation pipeline.
type PipelineConfig struct {
	MaxInflight  int      `koanf:"max_inflight"`
	CycleTimeout Duration `koanf:"cycle_timeout"`
	TopK         int      `koanf:"top_k"`
	DryRun       bool     `koanf:"dry_run"`
}

// SchedulerConfig controls periodic scan and ingest cycles.
type SchedulerConfig struct {
	ScanInterval   Duration `koanf:"scan_interval"`
	IngestInterval Duration `koanf:"ingest_interval"`
	ScanOnStart    bool     `koanf:"scan_on_start"`
}

// NewDefaultConfig returns a Config populated with production defaults.
// Credentials are left empty and must come from the file or environment.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			ServiceName:    "costwatchd",
			ServiceVersion: "dev",
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			SampleRate:     1.0,
			MetricInterval: Duration(30 * time.Second),
		},
		ClickHouse: ClickHouseConfig{
			Host:        "localhost",
			Port:        9000,
			Database:    "costwatch",
			Username:    "default",
			DialTimeout: Duration(5 * time.Second),
		},
		Ledger: LedgerConfig{
			Backend: "memory",
			NATS: NATSConfig{
				URL:    "nats://localhost:4222",
				Bucket: "costwatch-ledger",
			},
		},
		VectorStore: VectorStoreConfig{
			Provider:   "chromem",
			Collection: "cost-knowledge",
			Chromem: ChromemConfig{
				Path:     "",
				Compress: true,
			},
			Qdrant: QdrantConfig{
				Host: "localhost",
				Port: 6334,
			},
		},
		Embeddings: EmbeddingsConfig{
			Provider: "fastembed",
			Model:    "BAAI/bge-small-en-v1.5",
			CacheDir: "models",
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.anthropic.com",
			Model:          "claude-sonnet-4-20250514",
			MaxTokens:      2048,
			Temperature:    0.2,
			Timeout:        Duration(60 * time.Second),
			MaxRetries:     3,
			InitialBackoff: Duration(500 * time.Millisecond),
			RequestsPerMin: 30,
			Burst:          5,
		},
		GitHub: GitHubConfig{
			BaseBranch: "main",
			Timeout:    Duration(30 * time.Second),
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: Duration(1 * time.Second),
				MaxBackoff:     Duration(30 * time.Second),
				Multiplier:     2.0,
			},
		},
		Notify: NotifyConfig{
			Enabled: false,
			Timeout: Duration(10 * time.Second),
		},
		AWS: AWSConfig{
			Enabled: false,
			Region:  "us-east-1",
		},
		Detector: DetectorConfig{
			WindowDays:     30,
			SigmaFactor:    2.0,
			WasteThreshold: 70,
			Workers:        4,
		},
		Scorer: ScorerConfig{},
		Pipeline: PipelineConfig{
			MaxInflight:  4,
			CycleTimeout: Duration(30 * time.Minute),
			TopK:         5,
		},
		Scheduler: SchedulerConfig{
			ScanInterval:   Duration(1 * time.Hour),
			IngestInterval: Duration(6 * time.Hour),
			ScanOnStart:    true,
		},
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be between 0.0 and 1.0, got %f", c.Telemetry.SampleRate)
		}
	}

	switch c.Ledger.Backend {
	case "memory", "nats":
	default:
		return fmt.Errorf("ledger.backend must be memory or nats, got %q", c.Ledger.Backend)
	}
	if c.Ledger.Backend == "nats" {
		if c.Ledger.NATS.URL == "" {
			return fmt.Errorf("ledger.nats.url is required for the nats backend")
		}
		if c.Ledger.NATS.Bucket == "" {
			return fmt.Errorf("ledger.nats.bucket is required for the nats backend")
		}
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider)
	}
	if c.VectorStore.Collection == "" {
		return fmt.Errorf("vectorstore.collection is required")
	}
	if c.VectorStore.Provider == "qdrant" && c.VectorStore.Qdrant.Host == "" {
		return fmt.Errorf("vectorstore.qdrant.host is required for the qdrant provider")
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei":
	default:
		return fmt.Errorf("embeddings.provider must be fastembed or tei, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings.base_url is required for the tei provider")
	}

	if c.Detector.WindowDays < 1 {
		return fmt.Errorf("detector.window_days must be at least 1, got %d", c.Detector.WindowDays)
	}
	if c.Detector.SigmaFactor <= 0 {
		return fmt.Errorf("detector.sigma_factor must be positive, got %f", c.Detector.SigmaFactor)
	}
	if c.Detector.WasteThreshold < 0 || c.Detector.WasteThreshold > 100 {
		return fmt.Errorf("detector.waste_threshold must be between 0 and 100, got %f", c.Detector.WasteThreshold)
	}
	if c.Detector.Workers < 1 {
		return fmt.Errorf("detector.workers must be at least 1, got %d", c.Detector.Workers)
	}

	if c.Pipeline.MaxInflight < 1 {
		return fmt.Errorf("pipeline.max_inflight must be at least 1, got %d", c.Pipeline.MaxInflight)
	}
	if c.Pipeline.TopK < 1 {
		return fmt.Errorf("pipeline.top_k must be at least 1, got %d", c.Pipeline.TopK)
	}

	if c.GitHub.Token.IsSet() {
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			return fmt.Errorf("github.owner and github.repo are required when github.token is set")
		}
	}
	if c.GitHub.Retry.MaxAttempts < 1 {
		return fmt.Errorf("github.retry.max_attempts must be at least 1, got %d", c.GitHub.Retry.MaxAttempts)
	}
	if c.GitHub.Retry.Multiplier < 1 {
		return fmt.Errorf("github.retry.multiplier must be at least 1.0, got %f", c.GitHub.Retry.Multiplier)
	}

	if c.Notify.Enabled && !c.Notify.WebhookURL.IsSet() {
		return fmt.Errorf("notify.webhook_url is required when notify is enabled")
	}

	if c.LLM.MaxTokens < 1 {
		return fmt.Errorf("llm.max_tokens must be at least 1, got %d", c.LLM.MaxTokens)
	}
	if c.LLM.RequestsPerMin <= 0 {
		return fmt.Errorf("llm.requests_per_min must be positive, got %f", c.LLM.RequestsPerMin)
	}

	return nil
}
