// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/dig/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Store settings. The DSN scheme selects the backend: memory://,
	// sqlite://path or postgres://...
	StoreDSN string

	// Aggregation settings.
	ProductionEnvironment string
	PSRMinSample          int
	AggregationTimeout    time.Duration

	// Learning deriver settings. A zero interval disables the worker.
	LearningInterval   time.Duration
	LearningDimensions []string
	LearningMinDelta   float64
	LearningMinSample  int

	// Auth settings. With no API keys configured the API is open.
	APIKeys           []APIKey
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Per-caller rate limit for the HTTP API. A zero rate disables it.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string
	// OTELSampleRatio is the fraction of root spans kept.
	OTELSampleRatio float64

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	// ShutdownTimeout bounds the HTTP drain and the final deriver pass.
	ShutdownTimeout time.Duration
}

// APIKey is one configured credential from DIG_API_KEYS.
type APIKey struct {
	Name string
	Role model.Role
	Key  string
}

// AuthEnabled reports whether requests must authenticate.
func (c Config) AuthEnabled() bool { return len(c.APIKeys) > 0 }

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	str := func(key, def string) string { return envStr(key, def) }
	num := func(key string, def int) int {
		v, err := envInt(key, def)
		errs = append(errs, err)
		return v
	}
	dur := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		errs = append(errs, err)
		return v
	}
	flt := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		errs = append(errs, err)
		return v
	}
	boolean := func(key string, def bool) bool {
		v, err := envBool(key, def)
		errs = append(errs, err)
		return v
	}

	cfg := Config{
		Port:                  num("DIG_PORT", 8080),
		ReadTimeout:           dur("DIG_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:          dur("DIG_WRITE_TIMEOUT", 30*time.Second),
		StoreDSN:              str("DIG_STORE_DSN", "sqlite://dig.db"),
		ProductionEnvironment: str("DIG_PRODUCTION_ENVIRONMENT", model.DefaultProductionEnvironment),
		PSRMinSample:          num("DIG_PSR_MIN_SAMPLE", 5),
		AggregationTimeout:    dur("DIG_AGGREGATION_TIMEOUT", 30*time.Second),
		LearningInterval:      dur("DIG_LEARNING_INTERVAL", 0),
		LearningDimensions:    envList("DIG_LEARNING_DIMENSIONS", []string{"model_id", "change_type", "risk_level"}),
		LearningMinDelta:      flt("DIG_LEARNING_MIN_DELTA", 15),
		LearningMinSample:     num("DIG_LEARNING_MIN_SAMPLE", 10),
		JWTPrivateKeyPath:     str("DIG_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:      str("DIG_JWT_PUBLIC_KEY", ""),
		JWTExpiration:         dur("DIG_JWT_EXPIRATION", 24*time.Hour),
		RateLimitRPS:          flt("DIG_RATE_LIMIT_RPS", 0),
		RateLimitBurst:        num("DIG_RATE_LIMIT_BURST", 50),
		OTELEndpoint:          str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:          boolean("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:           str("OTEL_SERVICE_NAME", "dig"),
		OTELSampleRatio:       flt("OTEL_TRACES_SAMPLER_ARG", 1),
		LogLevel:              str("DIG_LOG_LEVEL", "info"),
		MaxRequestBodyBytes:   int64(num("DIG_MAX_REQUEST_BODY_BYTES", 4*1024*1024)), // 4 MB default, batches are large
		ShutdownTimeout:       dur("DIG_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
	keys, err := parseAPIKeys(os.Getenv("DIG_API_KEYS"))
	cfg.APIKeys = keys
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	if c.StoreDSN == "" {
		errs = append(errs, errors.New("DIG_STORE_DSN is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("DIG_PORT=%d is out of range", c.Port))
	}
	if c.ProductionEnvironment == "" {
		errs = append(errs, errors.New("DIG_PRODUCTION_ENVIRONMENT must not be empty"))
	}
	if c.PSRMinSample <= 0 {
		errs = append(errs, errors.New("DIG_PSR_MIN_SAMPLE must be positive"))
	}
	if c.LearningInterval < 0 {
		errs = append(errs, errors.New("DIG_LEARNING_INTERVAL must not be negative"))
	}
	if c.LearningInterval > 0 && len(c.LearningDimensions) == 0 {
		errs = append(errs, errors.New("DIG_LEARNING_DIMENSIONS must list at least one dimension when the deriver runs"))
	}
	if c.LearningMinDelta < 0 {
		errs = append(errs, errors.New("DIG_LEARNING_MIN_DELTA must not be negative"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("DIG_RATE_LIMIT_RPS must not be negative"))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("DIG_RATE_LIMIT_BURST must be at least 1 when rate limiting is on"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("DIG_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, errors.New("DIG_JWT_PRIVATE_KEY and DIG_JWT_PUBLIC_KEY must be set together"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("DIG_SHUTDOWN_TIMEOUT must not be negative"))
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG=%v must be within [0, 1]", c.OTELSampleRatio))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// parseAPIKeys reads a comma-separated list of name:role:key entries.
func parseAPIKeys(v string) ([]APIKey, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var (
		out  []APIKey
		errs []error
		seen = map[string]bool{}
	)
	for i, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			errs = append(errs, fmt.Errorf("DIG_API_KEYS entry %d must be name:role:key", i))
			continue
		}
		role := model.Role(parts[1])
		if !role.Valid() {
			errs = append(errs, fmt.Errorf("DIG_API_KEYS entry %q has unknown role %q", parts[0], parts[1]))
			continue
		}
		if seen[parts[0]] {
			errs = append(errs, fmt.Errorf("DIG_API_KEYS names %q twice", parts[0]))
			continue
		}
		seen[parts[0]] = true
		out = append(out, APIKey{Name: parts[0], Role: role, Key: parts[2]})
	}
	return out, errors.Join(errs...)
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
