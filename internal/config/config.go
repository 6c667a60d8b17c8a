// Package config loads service configuration from an optional YAML file,
// a .env file and HEDGE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type GatewayConfig struct {
	HMACSecret string        `mapstructure:"hmac_secret"`
	MaxAge     time.Duration `mapstructure:"max_age"`
}

type AdmissionConfig struct {
	RateLimit         int           `mapstructure:"rate_limit"`
	RateWindow        time.Duration `mapstructure:"rate_window"`
	MaxNotionalPerDay string        `mapstructure:"max_notional_per_day"`
}

type MatchingConfig struct {
	CandidateLimit int `mapstructure:"candidate_limit"`
}

// ExecutionConfig names the execution layer and the identities written into
// every terms hash.
type ExecutionConfig struct {
	BaseURL     string            `mapstructure:"base_url"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	ProgramID   string            `mapstructure:"program_id"`
	USDCMint    string            `mapstructure:"usdc_mint"`
	OracleFeeds map[string]string `mapstructure:"oracle_feeds"`
	DefaultFeed string            `mapstructure:"default_feed"`
}

type OracleConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SettlementConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	ScanInterval   time.Duration     `mapstructure:"scan_interval"`
	Attempts       int               `mapstructure:"attempts"`
	RetryDelay     time.Duration     `mapstructure:"retry_delay"`
	AttemptTimeout time.Duration     `mapstructure:"attempt_timeout"`
	ClaimTTL       time.Duration     `mapstructure:"claim_ttl"`
	AllowSimulated bool              `mapstructure:"allow_simulated"`
	FallbackPrices map[string]string `mapstructure:"fallback_prices"`
}

type Config struct {
	ServiceName string           `mapstructure:"service_name"`
	Env         string           `mapstructure:"env"`
	LogLevel    string           `mapstructure:"log_level"`
	DatabaseURL string           `mapstructure:"database_url"`
	RedisURL    string           `mapstructure:"redis_url"`
	CacheTTL    time.Duration    `mapstructure:"cache_ttl"`
	HTTP        HTTPConfig       `mapstructure:"http"`
	Auth        AuthConfig       `mapstructure:"auth"`
	Gateway     GatewayConfig    `mapstructure:"gateway"`
	Admission   AdmissionConfig  `mapstructure:"admission"`
	Matching    MatchingConfig   `mapstructure:"matching"`
	Execution   ExecutionConfig  `mapstructure:"execution"`
	Oracle      OracleConfig     `mapstructure:"oracle"`
	Settlement  SettlementConfig `mapstructure:"settlement"`
}

// Load reads configuration. path may be empty, in which case HEDGE_CONFIG
// and then ./config.yaml are tried; a missing file is not an error.
func Load(path string) (*Config, error) {
	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("HEDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = os.Getenv("HEDGE_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "hedge-engine")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", "30s")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.request_timeout", "30s")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("gateway.hmac_secret", "")
	v.SetDefault("gateway.max_age", "5m")

	v.SetDefault("admission.rate_limit", 10)
	v.SetDefault("admission.rate_window", "60s")
	v.SetDefault("admission.max_notional_per_day", "100000")

	v.SetDefault("matching.candidate_limit", 20)

	v.SetDefault("execution.base_url", "")
	v.SetDefault("execution.timeout", "10s")
	v.SetDefault("execution.program_id", "")
	v.SetDefault("execution.usdc_mint", "")
	v.SetDefault("execution.default_feed", "")

	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.timeout", "10s")

	v.SetDefault("settlement.enabled", true)
	v.SetDefault("settlement.scan_interval", "1m")
	v.SetDefault("settlement.attempts", 3)
	v.SetDefault("settlement.retry_delay", "1s")
	v.SetDefault("settlement.attempt_timeout", "5s")
	v.SetDefault("settlement.claim_ttl", "5m")
	v.SetDefault("settlement.allow_simulated", false)
}

// Validate rejects configurations the service cannot run safely with.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Gateway.HMACSecret == "" {
		errs = append(errs, errors.New("gateway.hmac_secret is required"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.Admission.RateLimit <= 0 {
		errs = append(errs, errors.New("admission.rate_limit must be positive"))
	}
	if c.Admission.RateWindow <= 0 {
		errs = append(errs, errors.New("admission.rate_window must be positive"))
	}
	if max, err := c.MaxNotionalPerDay(); err != nil || !max.IsPositive() {
		errs = append(errs, fmt.Errorf("admission.max_notional_per_day %q must be a positive decimal", c.Admission.MaxNotionalPerDay))
	}
	if c.Settlement.Attempts <= 0 {
		errs = append(errs, errors.New("settlement.attempts must be positive"))
	}
	if c.Settlement.ScanInterval <= 0 {
		errs = append(errs, errors.New("settlement.scan_interval must be positive"))
	}
	if round := time.Duration(c.Settlement.Attempts) * (c.Settlement.AttemptTimeout + c.Settlement.RetryDelay); c.Settlement.ClaimTTL < 2*round {
		errs = append(errs, fmt.Errorf("settlement.claim_ttl %s must cover two rounds of retries (%s)", c.Settlement.ClaimTTL, 2*round))
	}
	if c.Settlement.AllowSimulated && c.IsProduction() {
		errs = append(errs, errors.New("settlement.allow_simulated is not permitted in production"))
	}
	if _, err := c.FallbackPrices(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "prod" || env == "production"
}

// MaxNotionalPerDay parses the daily notional ceiling.
func (c *Config) MaxNotionalPerDay() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Admission.MaxNotionalPerDay)
}

// FallbackPrices parses settlement.fallback_prices keyed by upper-case
// underlying.
func (c *Config) FallbackPrices() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Settlement.FallbackPrices))
	for k, raw := range c.Settlement.FallbackPrices {
		p, err := decimal.NewFromString(raw)
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("settlement.fallback_prices.%s %q must be a positive decimal", k, raw)
		}
		out[strings.ToUpper(k)] = p
	}
	return out, nil
}

// OracleFeeds returns execution.oracle_feeds keyed by upper-case underlying.
// Viper lower-cases map keys on load.
func (c *Config) OracleFeeds() map[string]string {
	out := make(map[string]string, len(c.Execution.OracleFeeds))
	for k, feed := range c.Execution.OracleFeeds {
		out[strings.ToUpper(k)] = feed
	}
	return out
}
