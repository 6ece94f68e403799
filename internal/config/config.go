package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the POS ingest gateway.
type Config struct {
	Port    int
	Version string

	// DataDir is the root of the persisted state layout
	// (stores/, audit.log.jsonl, review_store.json, cache_store.json).
	DataDir string

	LLM       LLMConfig
	Pipeline  PipelineConfig
	Legacy    LegacyConfig
	Retention RetentionConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
}

// LLMConfig carries the process-level language model defaults. Per-store
// llm_config.json files override these.
type LLMConfig struct {
	Enabled  *bool
	Provider string
	Model    string
	BaseURL  string
	TimeoutS float64
	APIKey   string
}

// PipelineConfig bounds the ingest pipeline.
type PipelineConfig struct {
	// TotalTimeout caps one pipeline run end to end. The effective deadline
	// is max(TotalTimeout, llm timeout + 5s) to cover warmup.
	TotalTimeout time.Duration
}

// LegacyConfig controls the legacy POS bridge poll loop. A YAML file named
// by POS_LEGACY_CONFIG overrides the env values.
type LegacyConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Endpoint         string `yaml:"endpoint"`
	StoreID          string `yaml:"store_id"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	MaxOrdersPerPull int    `yaml:"max_orders_per_pull"`
	DedupeWindowMS   int    `yaml:"dedupe_window_ms"`
	ConfigFile       string `yaml:"-"`
}

// RetentionConfig controls the review-queue retention janitor.
type RetentionConfig struct {
	Enabled       bool
	Days          int
	SweepInterval time.Duration

	// ArchiveDir roots the JSONL archive; empty means DataDir/archive.
	ArchiveDir string
	Compress   bool
}

// WebhookConfig points the event notifier at an external receiver. An empty
// URL disables it.
type WebhookConfig struct {
	URL    string
	Secret string

	// Events filters forwarded event types; empty means all.
	Events []string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("POS_PORT", 8080),
		Version: envStr("POS_VERSION", "0.4.0"),
		DataDir: envStr("POS_STORE_CONFIG_ROOT", "data/pos_pipeline"),
		LLM: LLMConfig{
			Enabled:  envBoolPtr("POS_LLM_ENABLED"),
			Provider: envStr("POS_LLM_PROVIDER", "openai"),
			Model:    envStr("POS_LLM_MODEL", "gpt-4o-mini"),
			BaseURL:  envStr("POS_LLM_BASE_URL", "https://api.openai.com/v1"),
			TimeoutS: envFloat("POS_LLM_TIMEOUT_S", 15),
			APIKey:   firstNonEmpty(os.Getenv("POS_LLM_API_KEY"), os.Getenv("OPENAI_API_KEY")),
		},
		Pipeline: PipelineConfig{
			TotalTimeout: time.Duration(envInt("POS_PIPELINE_TIMEOUT_MS", 25000)) * time.Millisecond,
		},
		Legacy: LegacyConfig{
			Enabled:          envBool("POS_LEGACY_ENABLED", false),
			Endpoint:         envStr("POS_LEGACY_ENDPOINT", ""),
			StoreID:          envStr("POS_LEGACY_STORE_ID", "default"),
			PollIntervalMS:   envInt("POS_LEGACY_POLL_INTERVAL_MS", 10000),
			RequestTimeoutMS: envInt("POS_LEGACY_REQUEST_TIMEOUT_MS", 8000),
			MaxOrdersPerPull: envInt("POS_LEGACY_MAX_ORDERS_PER_PULL", 20),
			DedupeWindowMS:   envInt("POS_LEGACY_DEDUPE_WINDOW_MS", 10*60*1000),
			ConfigFile:       envStr("POS_LEGACY_CONFIG", ""),
		},
		Retention: RetentionConfig{
			Enabled:       envBool("POS_RETENTION_ENABLED", false),
			Days:          envInt("POS_RETENTION_DAYS", 30),
			SweepInterval: time.Duration(envInt("POS_RETENTION_SWEEP_INTERVAL_MS", 3600000)) * time.Millisecond,
			ArchiveDir:    envStr("POS_RETENTION_ARCHIVE_DIR", ""),
			Compress:      envBool("POS_RETENTION_COMPRESS", true),
		},
		Webhook: WebhookConfig{
			URL:    envStr("POS_WEBHOOK_URL", ""),
			Secret: envStr("POS_WEBHOOK_SECRET", ""),
			Events: envList("POS_WEBHOOK_EVENTS"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "posgate"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty elements.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envBoolPtr returns nil when the variable is unset or unparseable, so
// callers can distinguish "auto" from an explicit true/false.
func envBoolPtr(key string) *bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return &b
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
