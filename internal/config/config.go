// Package config loads daemon settings from an optional .env file and the
// process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Remote kinds.
const (
	RemoteHTTP = "http"
	RemoteS3   = "s3"
)

// Conflict policies.
const (
	PolicyLocalWins  = "local_wins"
	PolicyRemoteWins = "remote_wins"
	PolicyManual     = "manual"
)

// S3Config locates the bucket used by the S3 remote.
type S3Config struct {
	// Provider is aws, minio or r2.
	Provider        string
	AccountID       string
	UseSSL          bool
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Prefix          string
}

// Config holds every daemon setting.
type Config struct {
	BaseURL    string
	DataDir    string
	ListenAddr string
	Token      string
	// APIKeyHash is a bcrypt hash guarding the local API; empty disables the check.
	APIKeyHash string
	LogLevel   string

	HealthEndpoints   []string
	ProbeInterval     time.Duration
	ProbeTimeout      time.Duration
	RequiredSuccesses int
	RequiredFailures  int

	RequestTimeout   time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	CircuitThreshold int
	CircuitReset     time.Duration
	CacheTTL         time.Duration

	DrainInterval    time.Duration
	DrainConcurrency int
	SyncMaxRetries   int
	ConflictPolicy   string
	ResponseTTL      time.Duration
	ConflictTTL      time.Duration

	TierAMaxPages int
	TierBMaxBytes int64

	Remote string
	S3     S3Config
}

// Load reads envFile if it exists (existing environment variables win) and
// builds a validated Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		BaseURL:    getEnvDefault("SYNC_BASE_URL", "http://localhost:8000"),
		DataDir:    getEnvDefault("SYNC_DATA_DIR", "./data"),
		ListenAddr: getEnvDefault("SYNC_LISTEN_ADDR", "127.0.0.1:8091"),
		Token:      getEnvDefault("SYNC_TOKEN", ""),
		APIKeyHash: getEnvDefault("SYNC_API_KEY_HASH", ""),
		LogLevel:   getEnvDefault("LOG_LEVEL", "info"),

		HealthEndpoints:   getEnvList("SYNC_HEALTH_ENDPOINTS", []string{"/health", "/api/health"}),
		ProbeInterval:     getEnvDuration("SYNC_PROBE_INTERVAL", 30*time.Second),
		ProbeTimeout:      getEnvDuration("SYNC_PROBE_TIMEOUT", 5*time.Second),
		RequiredSuccesses: getEnvInt("SYNC_REQUIRED_SUCCESSES", 1),
		RequiredFailures:  getEnvInt("SYNC_REQUIRED_FAILURES", 2),

		RequestTimeout:   getEnvDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
		MaxRetries:       getEnvInt("SYNC_MAX_RETRIES", 3),
		RetryBaseDelay:   getEnvDuration("SYNC_RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:    getEnvDuration("SYNC_RETRY_MAX_DELAY", 30*time.Second),
		CircuitThreshold: getEnvInt("SYNC_CIRCUIT_THRESHOLD", 5),
		CircuitReset:     getEnvDuration("SYNC_CIRCUIT_RESET", 60*time.Second),
		CacheTTL:         getEnvDuration("SYNC_CACHE_TTL", 24*time.Hour),

		DrainInterval:    getEnvDuration("SYNC_DRAIN_INTERVAL", 30*time.Second),
		DrainConcurrency: getEnvInt("SYNC_DRAIN_CONCURRENCY", 4),
		SyncMaxRetries:   getEnvInt("SYNC_PUSH_MAX_RETRIES", 3),
		ConflictPolicy:   strings.ToLower(getEnvDefault("SYNC_CONFLICT_POLICY", PolicyManual)),
		ResponseTTL:      getEnvDuration("SYNC_RESPONSE_TTL", 7*24*time.Hour),
		ConflictTTL:      getEnvDuration("SYNC_CONFLICT_TTL", 30*24*time.Hour),

		TierAMaxPages: getEnvInt("SYNC_TIERA_MAX_PAGES", 0),
		TierBMaxBytes: int64(getEnvInt("SYNC_TIERB_MAX_BYTES", 5*1024*1024)),

		Remote: strings.ToLower(getEnvDefault("SYNC_REMOTE", RemoteHTTP)),
		S3: S3Config{
			Provider:        strings.ToLower(getEnvDefault("SYNC_S3_PROVIDER", "aws")),
			AccountID:       getEnvDefault("SYNC_S3_ACCOUNT_ID", ""),
			UseSSL:          getEnvBool("SYNC_S3_USE_SSL", true),
			Endpoint:        getEnvDefault("SYNC_S3_ENDPOINT", ""),
			Bucket:          getEnvDefault("SYNC_S3_BUCKET", ""),
			Region:          getEnvDefault("SYNC_S3_REGION", "us-east-1"),
			AccessKeyID:     getEnvDefault("SYNC_S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnvDefault("SYNC_S3_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getEnvBool("SYNC_S3_USE_PATH_STYLE", false),
			Prefix:          getEnvDefault("SYNC_S3_PREFIX", "sync"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if len(c.HealthEndpoints) == 0 {
		return fmt.Errorf("at least one health endpoint is required")
	}
	if c.RequiredSuccesses < 1 || c.RequiredFailures < 1 {
		return fmt.Errorf("debounce thresholds must be at least 1")
	}
	if c.MaxRetries < 0 || c.SyncMaxRetries < 1 {
		return fmt.Errorf("retry counts out of range")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry max delay must be >= base delay > 0")
	}
	if c.CircuitThreshold < 1 || c.CircuitReset <= 0 {
		return fmt.Errorf("circuit threshold and reset timeout must be positive")
	}
	if c.DrainInterval <= 0 || c.DrainConcurrency < 1 {
		return fmt.Errorf("drain interval and concurrency must be positive")
	}
	switch c.ConflictPolicy {
	case PolicyLocalWins, PolicyRemoteWins, PolicyManual:
	default:
		return fmt.Errorf("unknown conflict policy %q", c.ConflictPolicy)
	}
	switch c.Remote {
	case RemoteHTTP:
	case RemoteS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required for the s3 remote")
		}
		switch c.S3.Provider {
		case "aws":
			if c.S3.Region == "" {
				return fmt.Errorf("S3 region is required for the aws provider")
			}
		case "minio":
			if c.S3.Endpoint == "" {
				return fmt.Errorf("S3 endpoint is required for the minio provider")
			}
		case "r2":
			if c.S3.AccountID == "" {
				return fmt.Errorf("account ID is required for the r2 provider")
			}
		default:
			return fmt.Errorf("unknown S3 provider %q", c.S3.Provider)
		}
	default:
		return fmt.Errorf("unknown remote %q", c.Remote)
	}
	return nil
}

// getEnvDefault returns the variable or defaultValue when unset.
func getEnvDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("30s") or plain seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
