package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "HKIT"

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	GRPCAddr string `mapstructure:"GRPC_ADDR"`

	Store string `mapstructure:"STORE"`
	PGDSN string `mapstructure:"PG_DSN"`

	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	CacheTTL      time.Duration `mapstructure:"CACHE_TTL"`

	AuthSecret string        `mapstructure:"AUTH_SECRET"`
	TokenTTL   time.Duration `mapstructure:"TOKEN_TTL"`

	// ProvisionerAddr points at a remote provisioner; empty runs it in-process.
	ProvisionerAddr string `mapstructure:"PROVISIONER_ADDR"`
	ProvisionerKey  string `mapstructure:"PROVISIONER_KEY"`

	RatePerSec float64 `mapstructure:"RATE_PER_SEC"`
	RateBurst  int     `mapstructure:"RATE_BURST"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	// TrustProxy honours X-Forwarded-For as set by one reverse proxy in front.
	TrustProxy bool `mapstructure:"TRUST_PROXY"`

	ProfileAttempts  int           `mapstructure:"PROFILE_ATTEMPTS"`
	ProfileBaseDelay time.Duration `mapstructure:"PROFILE_BASE_DELAY"`
	ProfileMaxDelay  time.Duration `mapstructure:"PROFILE_MAX_DELAY"`
}

var defaults = map[string]any{
	"ENV":                "development",
	"LOG_LEVEL":          "info",
	"HTTP_ADDR":          ":8080",
	"GRPC_ADDR":          "",
	"STORE":              "memory",
	"PG_DSN":             "",
	"REDIS_ADDR":         "",
	"REDIS_PASSWORD":     "",
	"REDIS_DB":           0,
	"CACHE_TTL":          "30s",
	"AUTH_SECRET":        "",
	"TOKEN_TTL":          "12h",
	"PROVISIONER_ADDR":   "",
	"PROVISIONER_KEY":    "",
	"RATE_PER_SEC":       5.0,
	"RATE_BURST":         10,
	"CORS_ORIGINS":       "http://localhost:5173",
	"TRUST_PROXY":        false,
	"PROFILE_ATTEMPTS":   5,
	"PROFILE_BASE_DELAY": "500ms",
	"PROFILE_MAX_DELAY":  "4s",
}

// Load reads .env (if present) and HKIT_* environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(strings.Join(cfg.CORSOrigins, ","))
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the API cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			errs = append(errs, errors.New("HKIT_PG_DSN is required when HKIT_STORE=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("HKIT_STORE must be \"memory\" or \"postgres\", got %q", c.Store))
	}
	if !c.IsDev() && len(c.AuthSecret) < 32 {
		errs = append(errs, errors.New("HKIT_AUTH_SECRET must be at least 32 bytes outside development"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("HKIT_TOKEN_TTL must be positive"))
	}
	if c.ProfileAttempts < 1 {
		errs = append(errs, errors.New("HKIT_PROFILE_ATTEMPTS must be at least 1"))
	}
	if c.ProfileBaseDelay <= 0 || c.ProfileMaxDelay < c.ProfileBaseDelay {
		errs = append(errs, errors.New("HKIT_PROFILE_BASE_DELAY must be positive and not exceed HKIT_PROFILE_MAX_DELAY"))
	}
	if c.ProvisionerAddr != "" && c.ProvisionerKey == "" {
		errs = append(errs, errors.New("HKIT_PROVISIONER_KEY is required with HKIT_PROVISIONER_ADDR"))
	}
	if c.GRPCAddr != "" && c.ProvisionerKey == "" {
		errs = append(errs, errors.New("HKIT_PROVISIONER_KEY is required with HKIT_GRPC_ADDR"))
	}
	if c.RatePerSec <= 0 || c.RateBurst < 1 {
		errs = append(errs, errors.New("HKIT_RATE_PER_SEC and HKIT_RATE_BURST must be positive"))
	}
	return errors.Join(errs...)
}
