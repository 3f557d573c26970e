// Package config provides configuration management for the scrape engine.
// Values load from a JSON file (optional) and are then overlaid by
// environment variables, which take precedence so credentials and the store
// path can be supplied without ever touching disk. Fields are loaded once at
// startup and shared across goroutines as a read-only value.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable parameter for the scrape engine: HTTP transport
// tuning, admission/circuit defaults, store sizing, and the Control API
// listen address.
type Config struct {
	// StorePath is the path to the sqlite store file. Primary source: the
	// REDDIT_SCRAPE_STORE_PATH environment variable; fallback: this field
	// loaded from a config file.
	StorePath string `json:"store_path"`

	// RedditClientID/RedditClientSecret/RedditUsername/RedditPassword are
	// OAuth credentials for the forum's API. They are never logged; see
	// Redacted for the view served by GET /config.
	RedditClientID     string `json:"-"`
	RedditClientSecret string `json:"-"`
	RedditUsername     string `json:"-"`
	RedditPassword     string `json:"-"`

	// RedditUserAgent is sent on every outbound request per the forum API's
	// terms; non-secret so it is allowed to round-trip through JSON/the
	// /config view.
	RedditUserAgent string `json:"reddit_user_agent"`

	// RequestTimeout is the end-to-end deadline for one outbound HTTP call
	// (spec: default 30s).
	RequestTimeout time.Duration `json:"request_timeout"`

	// MaxRetries bounds the Forum Client's retry budget for transient errors.
	MaxRetries int `json:"max_retries"`

	// ProxyFile is an optional newline-delimited proxy list; empty means
	// connect directly.
	ProxyFile string `json:"proxy_file"`

	// MaxIdleConns, MaxIdleConnsPerHost, MaxConnsPerHost tune the shared HTTP
	// transport pool used by the Forum Client and Content Enricher.
	MaxIdleConns        int `json:"max_idle_conns"`
	MaxIdleConnsPerHost int `json:"max_idle_conns_per_host"`
	MaxConnsPerHost     int `json:"max_conns_per_host"`

	// AdmissionDefaultRate/MinRate/MaxRate bound the adaptive admission
	// policy (requests/second).
	AdmissionDefaultRate float64 `json:"admission_default_rate"`
	AdmissionMinRate     float64 `json:"admission_min_rate"`
	AdmissionMaxRate     float64 `json:"admission_max_rate"`

	// CircuitFailureThreshold/CoolDown/SuccessThreshold are the Circuit
	// Breaker's state-transition parameters.
	CircuitFailureThreshold int           `json:"circuit_failure_threshold"`
	CircuitCoolDown         time.Duration `json:"circuit_cool_down"`
	CircuitSuccessThreshold int           `json:"circuit_success_threshold"`

	// EnricherConcurrency bounds in-flight content-enrichment fetches.
	EnricherConcurrency int `json:"enricher_concurrency"`

	// StoreMaxConnections sizes the store's connection pool.
	StoreMaxConnections int `json:"store_max_connections"`
	// StoreBusyTimeout is the per-connection busy-wait before a write
	// surfaces StoreBusy.
	StoreBusyTimeout time.Duration `json:"store_busy_timeout"`
	// StoreBatchSize bounds how many posts/users are upserted per
	// transaction.
	StoreBatchSize int `json:"store_batch_size"`
	// RetentionDays bounds how long posts/users/metrics are kept before GC.
	RetentionDays int `json:"retention_days"`

	// SubscriberQueueSize bounds each Event Bus subscriber's buffer.
	SubscriberQueueSize int `json:"subscriber_queue_size"`

	// DefaultWorkers is loaded and defaulted but not read elsewhere: a start
	// request that omits max_workers runs with 1 worker.
	DefaultWorkers int `json:"default_workers"`
	// DrainTimeout bounds how long a stopping session waits before it is
	// finalized as cancelled.
	DrainTimeout time.Duration `json:"drain_timeout"`
	// CoalesceInterval bounds the rate of progress-event publication per
	// session (spec: at most 4/s, i.e. 250ms).
	CoalesceInterval time.Duration `json:"coalesce_interval"`
	// ErrorBudgetPerEntry is loaded and defaulted but not read elsewhere:
	// the scheduler's error budget is always plan length * 3.
	ErrorBudgetPerEntry int `json:"error_budget_per_entry"`

	// ListenAddr is the Control API's HTTP listen address.
	ListenAddr string `json:"listen_addr"`
}

// LoadConfig reads a JSON file at filename and deserialises it into a
// Config. Unknown fields are rejected so typos surface immediately.
func LoadConfig(filename string) (*Config, error) {
	f, err := os.Open(filename) // #nosec G304 -- filename is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", filename, err)
	}
	defer f.Close()

	cfg := DefaultConfig()
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode %q: %w", filename, err)
	}
	return cfg, nil
}

// DefaultConfig returns a *Config pre-filled with production-sensible
// defaults matching spec.md's stated parameters.
func DefaultConfig() *Config {
	return &Config{
		StorePath:               "./reddit-scrape.db",
		RedditUserAgent:         "reddit-scrape-engine/1.0",
		RequestTimeout:          30 * time.Second,
		MaxRetries:              3,
		MaxIdleConns:            500,
		MaxIdleConnsPerHost:     100,
		MaxConnsPerHost:         200,
		AdmissionDefaultRate:    1.0,
		AdmissionMinRate:        0.1,
		AdmissionMaxRate:        5.0,
		CircuitFailureThreshold: 5,
		CircuitCoolDown:         30 * time.Second,
		CircuitSuccessThreshold: 2,
		EnricherConcurrency:     5,
		StoreMaxConnections:     20,
		StoreBusyTimeout:        30 * time.Second,
		StoreBatchSize:          100,
		RetentionDays:           90,
		SubscriberQueueSize:     64,
		DefaultWorkers:          4,
		DrainTimeout:            30 * time.Second,
		CoalesceInterval:        250 * time.Millisecond,
		ErrorBudgetPerEntry:     3,
		ListenAddr:              ":8080",
	}
}

// LoadFromEnv builds a Config the way the process boots in production: start
// from a config file if path is non-empty, otherwise defaults, then overlay
// environment variables (which always win). A .env file at envFile is loaded
// first if present; missing .env files are not an error.
func LoadFromEnv(path, envFile string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile) // best-effort; absence is fine
	}

	var cfg *Config
	var err error
	if path != "" {
		cfg, err = LoadConfig(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDDIT_SCRAPE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("REDDIT_SCRAPE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		cfg.RedditClientID = v
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		cfg.RedditClientSecret = v
	}
	if v := os.Getenv("REDDIT_USERNAME"); v != "" {
		cfg.RedditUsername = v
	}
	if v := os.Getenv("REDDIT_PASSWORD"); v != "" {
		cfg.RedditPassword = v
	}
	if v := os.Getenv("REDDIT_USER_AGENT"); v != "" {
		cfg.RedditUserAgent = v
	}
	if v := os.Getenv("REDDIT_SCRAPE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
}

// Redacted returns a copy of cfg with all credential fields blanked, safe to
// log or serve from GET /config.
func (c *Config) Redacted() *Config {
	cp := *c
	cp.RedditClientID = redactedIfSet(c.RedditClientID)
	cp.RedditClientSecret = redactedIfSet(c.RedditClientSecret)
	cp.RedditUsername = redactedIfSet(c.RedditUsername)
	cp.RedditPassword = redactedIfSet(c.RedditPassword)
	return &cp
}

func redactedIfSet(v string) string {
	if v == "" {
		return ""
	}
	return "***"
}

// HasCredentials reports whether OAuth credentials were supplied.
func (c *Config) HasCredentials() bool {
	return c.RedditClientID != "" && c.RedditClientSecret != ""
}
