// Package config loads daemon and CLI settings from flags, a config file and
// LAB_AUDIT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
)

const (
	EnvPrefix    = "LAB_AUDIT"
	DevJWTSecret = "dev-insecure-change-me"

	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type TLS struct {
	Enabled           bool
	CertFile          string
	KeyFile           string
	ClientCAFile      string
	RequireClientCert bool
	// MinVersion is "1.2" or "1.3".
	MinVersion string
}

type Config struct {
	Version            string
	GRPCAddr           string
	HTTPAddr           string
	DatabaseDriver     string
	DatabaseURL        string
	TrustedCIDRs       []string
	TLS                TLS
	JWTSecret          string
	TokenTTL           time.Duration
	Operators          []string
	HealthWindow       int64
	HealthInterval     time.Duration
	ClockSkewTolerance time.Duration
	AppendTimeout      time.Duration
	AppendAttempts     int
	RedisAddr          string
	HealthCacheTTL     time.Duration
	VerifyRatePerSec   float64
	VerifyBurst        int
	LogLevel           string
	StrictProduction   bool
}

const (
	TLSVersion12 = "1.2"
	TLSVersion13 = "1.3"
)

var defaults = map[string]any{
	"version":                 "dev",
	"grpc_addr":               ":8081",
	"http_addr":               ":8080",
	"database_driver":         DriverMemory,
	"database_url":            "",
	"trusted_cidrs":           "127.0.0.1/32,::1/128",
	"tls_enabled":             false,
	"tls_cert_file":           "",
	"tls_key_file":            "",
	"tls_client_ca_file":      "",
	"tls_require_client_cert": false,
	"tls_min_version":         TLSVersion12,
	"jwt_secret":              DevJWTSecret,
	"token_ttl":               "8h",
	"operators":               "",
	"health_window":           audit.MinHealthWindow,
	"health_interval":         "1m",
	"clock_skew_tolerance":    audit.DefaultSkewTolerance.String(),
	"append_timeout":          audit.DefaultAppendTimeout.String(),
	"append_attempts":         audit.DefaultAppendAttempts,
	"redis_addr":              "",
	"health_cache_ttl":        "30s",
	"verify_rate_per_sec":     2.0,
	"verify_burst":            4,
	"log_level":               "info",
	"strict_production":       false,
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (yaml, json or toml) when set and decodes the merged
// settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if v == nil {
		v = New()
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	cfg := FromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func FromViper(v *viper.Viper) Config {
	return Config{
		Version:        v.GetString("version"),
		GRPCAddr:       v.GetString("grpc_addr"),
		HTTPAddr:       v.GetString("http_addr"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(v.GetString("database_driver"))),
		DatabaseURL:    v.GetString("database_url"),
		TrustedCIDRs:   splitList(v.GetStringSlice("trusted_cidrs")),
		TLS: TLS{
			Enabled:           v.GetBool("tls_enabled"),
			CertFile:          v.GetString("tls_cert_file"),
			KeyFile:           v.GetString("tls_key_file"),
			ClientCAFile:      v.GetString("tls_client_ca_file"),
			RequireClientCert: v.GetBool("tls_require_client_cert"),
			MinVersion:        strings.TrimSpace(v.GetString("tls_min_version")),
		},
		JWTSecret:          v.GetString("jwt_secret"),
		TokenTTL:           v.GetDuration("token_ttl"),
		Operators:          splitList(v.GetStringSlice("operators")),
		HealthWindow:       v.GetInt64("health_window"),
		HealthInterval:     v.GetDuration("health_interval"),
		ClockSkewTolerance: v.GetDuration("clock_skew_tolerance"),
		AppendTimeout:      v.GetDuration("append_timeout"),
		AppendAttempts:     v.GetInt("append_attempts"),
		RedisAddr:          v.GetString("redis_addr"),
		HealthCacheTTL:     v.GetDuration("health_cache_ttl"),
		VerifyRatePerSec:   v.GetFloat64("verify_rate_per_sec"),
		VerifyBurst:        v.GetInt("verify_burst"),
		LogLevel:           v.GetString("log_level"),
		StrictProduction:   v.GetBool("strict_production"),
	}
}

// splitList accepts both list values and comma separated strings.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, fmt.Errorf("database_url is required for driver %s", c.DatabaseDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver))
	}
	if c.AppendAttempts < 1 {
		errs = append(errs, errors.New("append_attempts must be at least 1"))
	}
	if c.AppendTimeout <= 0 {
		errs = append(errs, errors.New("append_timeout must be positive"))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, errors.New("health_interval must be positive"))
	}
	if c.ClockSkewTolerance < 0 {
		errs = append(errs, errors.New("clock_skew_tolerance must not be negative"))
	}
	switch c.TLS.MinVersion {
	case TLSVersion12, TLSVersion13:
	default:
		errs = append(errs, fmt.Errorf("unsupported tls_min_version %q", c.TLS.MinVersion))
	}
	if c.VerifyRatePerSec <= 0 {
		errs = append(errs, errors.New("verify_rate_per_sec must be positive"))
	}
	if err := ValidateProductionRuntime(c.StrictProduction, c.DatabaseDriver, c.DatabaseURL, c.TLS.Enabled, c.JWTSecret); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ValidateProductionRuntime refuses development defaults when strict is set.
func ValidateProductionRuntime(strict bool, driver, databaseURL string, tlsEnabled bool, jwtSecret string) error {
	if !strict {
		return nil
	}
	if driver == DriverMemory || strings.TrimSpace(databaseURL) == "" {
		return errors.New("strict production mode requires a persistent database")
	}
	if !tlsEnabled {
		return errors.New("strict production mode requires tls")
	}
	if jwtSecret == "" || jwtSecret == DevJWTSecret {
		return errors.New("strict production mode requires a non-default jwt secret")
	}
	return nil
}

func (c Config) WriterConfig() audit.WriterConfig {
	return audit.WriterConfig{
		MaxAttempts:    c.AppendAttempts,
		AttemptTimeout: c.AppendTimeout,
		SkewTolerance:  c.ClockSkewTolerance,
	}
}
