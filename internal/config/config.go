package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds Redis connection settings. This is the sole persistence
// backend; there is no separate store package.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// DispatcherConfig holds per-recipient dispatch loop settings.
type DispatcherConfig struct {
	WorkerID         string        `json:"worker_id" yaml:"worker_id"`
	ScanInterval     time.Duration `json:"scan_interval" yaml:"scan_interval"`
	LeaseTTL         time.Duration `json:"lease_ttl" yaml:"lease_ttl"`
	LeaseRenewEvery  time.Duration `json:"lease_renew_every" yaml:"lease_renew_every"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	BaseBackoff      time.Duration `json:"base_backoff" yaml:"base_backoff"`
	MaxBackoff       time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DeliveryConfig holds typing-delay and transport settings.
type DeliveryConfig struct {
	MinDelay          time.Duration `json:"min_delay" yaml:"min_delay"`
	MaxDelay          time.Duration `json:"max_delay" yaml:"max_delay"`
	TypingPulseEvery  time.Duration `json:"typing_pulse_every" yaml:"typing_pulse_every"`
	TransportTimeout  time.Duration `json:"transport_timeout" yaml:"transport_timeout"`
	SkipDelayFirstMsg bool          `json:"skip_delay_first_msg" yaml:"skip_delay_first_msg"`
}

// CircuitBreakerConfig holds per-recipient breaker tuning. Zero ErrorPct
// disables circuit breaking entirely.
type CircuitBreakerConfig struct {
	ErrorPct     float64       `json:"error_pct" yaml:"error_pct"`
	Window       time.Duration `json:"window" yaml:"window"`
	OpenDuration time.Duration `json:"open_duration" yaml:"open_duration"`
}

// RateLimitConfig holds token-bucket settings for one tier. Zero RPS
// disables the bucket (unlimited).
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"`         // otlp-http, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // localhost:4318
	ServiceName string  `json:"service_name" yaml:"service_name"` // relay
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	ListenAddr       string    `json:"listen_addr" yaml:"listen_addr"` // :9090
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// TransportConfig holds the outbound HTTP transport's endpoints. Not
// named by spec.md's configuration surface (the transport is external
// and implementation-defined); additive so this repo has a concrete,
// runnable Transport rather than only the in-memory fake.
type TransportConfig struct {
	SendURL   string `json:"send_url" yaml:"send_url"`
	TypingURL string `json:"typing_url" yaml:"typing_url"` // optional; Typing is a no-op if empty
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Redis              RedisConfig          `json:"redis" yaml:"redis"`
	Dispatcher         DispatcherConfig     `json:"dispatcher" yaml:"dispatcher"`
	Delivery           DeliveryConfig       `json:"delivery" yaml:"delivery"`
	CircuitBreaker     CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	EnqueueRateLimit   RateLimitConfig      `json:"enqueue_rate_limit" yaml:"enqueue_rate_limit"`
	TransportRateLimit RateLimitConfig      `json:"transport_rate_limit" yaml:"transport_rate_limit"`
	Tracing            TracingConfig        `json:"tracing" yaml:"tracing"`
	Metrics            MetricsConfig        `json:"metrics" yaml:"metrics"`
	Logging            LoggingConfig        `json:"logging" yaml:"logging"`
	Transport          TransportConfig      `json:"transport" yaml:"transport"`
}

// DefaultConfig returns a Config with sensible defaults: rate limits
// disabled, circuit breaker enabled (50% errors over 30s, open for 10s),
// 100ms dispatcher scan interval, 5s max delay, 3s typing pulse interval,
// 10s transport timeout.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Dispatcher: DispatcherConfig{
			ScanInterval:    100 * time.Millisecond,
			LeaseTTL:        30 * time.Second,
			LeaseRenewEvery: 10 * time.Second,
			MaxRetries:      3,
			BaseBackoff:     500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
		},
		Delivery: DeliveryConfig{
			MinDelay:          800 * time.Millisecond,
			MaxDelay:          5 * time.Second,
			TypingPulseEvery:  3 * time.Second,
			TransportTimeout:  10 * time.Second,
			SkipDelayFirstMsg: true,
		},
		CircuitBreaker: CircuitBreakerConfig{
			ErrorPct:     50,
			Window:       30 * time.Second,
			OpenDuration: 10 * time.Second,
		},
		EnqueueRateLimit:   RateLimitConfig{},
		TransportRateLimit: RateLimitConfig{},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "relay",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:          true,
			Namespace:        "relay",
			ListenAddr:       ":9090",
			HistogramBuckets: []float64{50, 100, 250, 500, 1000, 2000, 3500, 5000, 8000, 12000, 20000},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Transport: TransportConfig{},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, selected by
// extension (.yaml/.yml vs everything else treated as JSON).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// Durations are Go duration strings (e.g. "30s"); the lease TTL is read
// from LEASE_TTL and the typing pulse period from TYPING_PULSE_EVERY.
// Typing speeds, random offset bounds and the typing pulse threshold are
// not read from the environment.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("QUEUE_BACKEND_URL"); v != "" && cfg.Redis.Addr == "localhost:6379" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}

	if v := os.Getenv("WORKER_ID"); v != "" {
		cfg.Dispatcher.WorkerID = v
	}
	if v := os.Getenv("DISPATCHER_SCAN_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.ScanInterval = d
		}
	}
	if v := os.Getenv("LEASE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.LeaseTTL = d
		}
	}
	if v := os.Getenv("LEASE_RENEW_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatcher.LeaseRenewEvery = d
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.MaxRetries = n
		}
	}

	if v := os.Getenv("MIN_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.MinDelay = d
		}
	}
	if v := os.Getenv("MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.MaxDelay = d
		}
	}
	if v := os.Getenv("TYPING_PULSE_EVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.TypingPulseEvery = d
		}
	}
	if v := os.Getenv("TRANSPORT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Delivery.TransportTimeout = d
		}
	}

	if v := os.Getenv("CIRCUIT_ERROR_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.CircuitBreaker.ErrorPct = f
		}
	}
	if v := os.Getenv("CIRCUIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CircuitBreaker.Window = d
		}
	}
	if v := os.Getenv("CIRCUIT_OPEN_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CircuitBreaker.OpenDuration = d
		}
	}

	if v := os.Getenv("ENQUEUE_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.EnqueueRateLimit.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("ENQUEUE_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.EnqueueRateLimit.BurstSize = n
		}
	}
	if v := os.Getenv("TRANSPORT_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.TransportRateLimit.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("TRANSPORT_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TransportRateLimit.BurstSize = n
		}
	}

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}

	if v := os.Getenv("TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("SEND_URL"); v != "" {
		cfg.Transport.SendURL = v
	}
	if v := os.Getenv("TYPING_URL"); v != "" {
		cfg.Transport.TypingURL = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
