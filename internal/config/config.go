package config

import (
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/triage/internal/domain/triage"
)

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	LogLevel        string        `mapstructure:"LOG_LEVEL"`
	StoreBackend    string        `mapstructure:"STORE_BACKEND"`
	DataFile        string        `mapstructure:"DATA_FILE"`
	DataFileMode    string        `mapstructure:"DATA_FILE_MODE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	TriagePolicy    string        `mapstructure:"TRIAGE_POLICY"`
	SessionTTL      time.Duration `mapstructure:"SESSION_TTL"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit       string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MetricsEnabled  bool          `mapstructure:"METRICS_ENABLED"`
	TracingEnabled  bool          `mapstructure:"TRACING_ENABLED"`
	TraceSampleRate float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	OTLPEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_BACKEND", "DATA_FILE", "DATA_FILE_MODE",
	"DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "TRIAGE_POLICY", "SESSION_TTL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
	"REQUEST_TIMEOUT", "METRICS_ENABLED", "TRACING_ENABLED",
	"TRACE_SAMPLE_RATE", "OTEL_EXPORTER_OTLP_ENDPOINT",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. It does not validate; call Validate for that.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_BACKEND", BackendFile)
	v.SetDefault("DATA_FILE", "patients.json")
	v.SetDefault("DATA_FILE_MODE", "0644")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TRIAGE_POLICY", triage.PolicyVitals)
	v.SetDefault("SESSION_TTL", "30m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("TRACING_ENABLED", true)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// FileMode parses DATA_FILE_MODE as an octal permission. Empty means 0644.
func (c *Config) FileMode() (fs.FileMode, error) {
	if c.DataFileMode == "" {
		return 0o644, nil
	}
	n, err := strconv.ParseUint(c.DataFileMode, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("DATA_FILE_MODE must be an octal permission like 0600, got %q", c.DataFileMode)
	}
	if n&0o600 != 0o600 {
		return 0, fmt.Errorf("DATA_FILE_MODE must let the owner read and write, got %q", c.DataFileMode)
	}
	return fs.FileMode(n), nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendFile:
		if c.DataFile == "" {
			return fmt.Errorf("DATA_FILE is required when STORE_BACKEND is %q", BackendFile)
		}
		if _, err := c.FileMode(); err != nil {
			return err
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendFile, BackendPostgres, c.StoreBackend)
	}

	known := false
	for _, name := range triage.PolicyNames() {
		if c.TriagePolicy == name {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("TRIAGE_POLICY must be one of %s, got %q", strings.Join(triage.PolicyNames(), ", "), c.TriagePolicy)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative, got %s", c.RequestTimeout)
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	return nil
}
