package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the conversion service.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	MaxChunkSize  int `yaml:"max_chunk_size"`
	ChunkLookback int `yaml:"chunk_lookback"`

	WorkersPerJob    int           `yaml:"workers_per_job"`
	MaxInflightCalls int           `yaml:"max_inflight_calls"`
	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryCap         time.Duration `yaml:"retry_cap"`
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`
	SynthesisRPS     float64       `yaml:"synthesis_rps"`

	// SynthesisProvider is auto, openai or mock. auto picks openai when an
	// API key is present.
	SynthesisProvider string `yaml:"synthesis_provider"`
	OpenAIAPIKey      string `yaml:"-"`
	OpenAIBaseURL     string `yaml:"openai_base_url"`
	OpenAITTSModel    string `yaml:"openai_tts_model"`
	OpenAITTSFormat   string `yaml:"openai_tts_format"`

	DatabaseURL string `yaml:"-"`
	SQLitePath  string `yaml:"sqlite_path"`

	BlobBackend string `yaml:"blob_backend"`
	BlobDir     string `yaml:"blob_dir"`
	NATSURL     string `yaml:"nats_url"`
	NATSBucket  string `yaml:"nats_bucket"`

	CleanupKeepLatest int           `yaml:"cleanup_keep_latest"`
	CleanupMaxAge     time.Duration `yaml:"cleanup_max_age"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`

	TracingExporter string `yaml:"tracing_exporter"`
	OTLPEndpoint    string `yaml:"otlp_endpoint"`
	OTLPInsecure    bool   `yaml:"otlp_insecure"`
}

func Default() Config {
	return Config{
		BindAddr:          ":8080",
		ShutdownTimeout:   15 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
		MetricsNamespace:  "narrate",
		MaxChunkSize:      4000,
		WorkersPerJob:     4,
		MaxInflightCalls:  16,
		RetryAttempts:     3,
		RetryBase:         500 * time.Millisecond,
		RetryCap:          20 * time.Second,
		SynthesisTimeout:  2 * time.Minute,
		SynthesisProvider: "auto",
		OpenAIBaseURL:     "https://api.openai.com",
		OpenAITTSModel:    "tts-1",
		OpenAITTSFormat:   "mp3",
		BlobBackend:       "fs",
		BlobDir:           "data/blobs",
		NATSBucket:        "conversions",
		CleanupKeepLatest: 50,
		CleanupInterval:   time.Hour,
		TracingExporter:   "none",
	}
}

// Load applies, in order, defaults, the YAML file named by APP_CONFIG_FILE
// and environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.LogLevel = envOrDefault("APP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("APP_LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.SynthesisProvider = strings.ToLower(envOrDefault("SYNTHESIS_PROVIDER", cfg.SynthesisProvider))
	cfg.OpenAIAPIKey = stringsTrimSpace("OPENAI_API_KEY")
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.OpenAITTSModel = envOrDefault("OPENAI_TTS_MODEL", cfg.OpenAITTSModel)
	cfg.OpenAITTSFormat = strings.ToLower(envOrDefault("OPENAI_TTS_FORMAT", cfg.OpenAITTSFormat))
	cfg.DatabaseURL = stringsTrimSpace("DATABASE_URL")
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.BlobBackend = strings.ToLower(envOrDefault("BLOB_BACKEND", cfg.BlobBackend))
	cfg.BlobDir = envOrDefault("BLOB_DIR", cfg.BlobDir)
	cfg.NATSURL = envOrDefault("NATS_URL", cfg.NATSURL)
	cfg.NATSBucket = envOrDefault("NATS_BUCKET", cfg.NATSBucket)
	cfg.TracingExporter = strings.ToLower(envOrDefault("TRACING_EXPORTER", cfg.TracingExporter))
	cfg.OTLPEndpoint = envOrDefault("OTLP_ENDPOINT", cfg.OTLPEndpoint)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"RETRY_BASE", &cfg.RetryBase},
		{"RETRY_CAP", &cfg.RetryCap},
		{"SYNTHESIS_TIMEOUT", &cfg.SynthesisTimeout},
		{"CLEANUP_MAX_AGE", &cfg.CleanupMaxAge},
		{"CLEANUP_INTERVAL", &cfg.CleanupInterval},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_CHUNK_SIZE", &cfg.MaxChunkSize},
		{"CHUNK_LOOKBACK", &cfg.ChunkLookback},
		{"WORKERS_PER_JOB", &cfg.WorkersPerJob},
		{"MAX_INFLIGHT_CALLS", &cfg.MaxInflightCalls},
		{"RETRY_ATTEMPTS", &cfg.RetryAttempts},
		{"CLEANUP_KEEP_LATEST", &cfg.CleanupKeepLatest},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	if cfg.SynthesisRPS, err = floatFromEnv("SYNTHESIS_RPS", cfg.SynthesisRPS); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.OTLPInsecure, err = boolFromEnv("OTLP_INSECURE", cfg.OTLPInsecure); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c Config) Validate() error {
	if c.MaxChunkSize <= 0 {
		return fmt.Errorf("MAX_CHUNK_SIZE must be positive")
	}
	if c.ChunkLookback < 0 || c.ChunkLookback > c.MaxChunkSize {
		return fmt.Errorf("CHUNK_LOOKBACK must be between 0 and MAX_CHUNK_SIZE")
	}
	if c.WorkersPerJob <= 0 {
		return fmt.Errorf("WORKERS_PER_JOB must be positive")
	}
	if c.MaxInflightCalls <= 0 {
		return fmt.Errorf("MAX_INFLIGHT_CALLS must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("RETRY_ATTEMPTS must be >= 0")
	}
	if c.RetryBase <= 0 || c.RetryCap < c.RetryBase {
		return fmt.Errorf("RETRY_BASE must be positive and not above RETRY_CAP")
	}
	if c.SynthesisTimeout <= 0 {
		return fmt.Errorf("SYNTHESIS_TIMEOUT must be positive")
	}
	if c.SynthesisRPS < 0 {
		return fmt.Errorf("SYNTHESIS_RPS must be >= 0")
	}
	if c.CleanupKeepLatest < 0 {
		return fmt.Errorf("CLEANUP_KEEP_LATEST must be >= 0")
	}
	switch c.SynthesisProvider {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("SYNTHESIS_PROVIDER must be auto, openai or mock")
	}
	if c.SynthesisProvider == "openai" && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when SYNTHESIS_PROVIDER=openai")
	}
	switch c.OpenAITTSFormat {
	case "mp3", "wav":
	default:
		return fmt.Errorf("OPENAI_TTS_FORMAT must be mp3 or wav")
	}
	switch c.BlobBackend {
	case "fs", "memory":
	case "nats":
		if strings.TrimSpace(c.NATSURL) == "" {
			return fmt.Errorf("NATS_URL is required when BLOB_BACKEND=nats")
		}
	default:
		return fmt.Errorf("BLOB_BACKEND must be fs, nats or memory")
	}
	switch c.TracingExporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("TRACING_EXPORTER must be none, stdout or otlp")
	}
	return nil
}

// ResolvedProvider turns auto into the concrete synthesis provider.
func (c Config) ResolvedProvider() string {
	if c.SynthesisProvider != "auto" {
		return c.SynthesisProvider
	}
	if c.OpenAIAPIKey != "" {
		return "openai"
	}
	return "mock"
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
