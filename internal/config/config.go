package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DataDir     string `mapstructure:"DATA_DIR"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	HGVSValidatorURL string `mapstructure:"HGVS_VALIDATOR_URL"`

	TimeBudgetMS          int `mapstructure:"TIME_BUDGET_MS"`
	ExpansionCacheSize    int `mapstructure:"EXPANSION_CACHE_SIZE"`
	ExpansionCacheMinMS   int `mapstructure:"EXPANSION_CACHE_MIN_MS"`
	ResourceCacheMaxAgeMS int `mapstructure:"RESOURCE_CACHE_MAX_AGE_MS"`
	ECLWildcardCap        int `mapstructure:"ECL_WILDCARD_CAP"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	AuthSecret   string `mapstructure:"AUTH_SECRET"`

	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8090")
	v.SetDefault("ENV", "development")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("TIME_BUDGET_MS", 30000)
	v.SetDefault("EXPANSION_CACHE_SIZE", 1000)
	v.SetDefault("EXPANSION_CACHE_MIN_MS", 250)
	v.SetDefault("RESOURCE_CACHE_MAX_AGE_MS", 3600000)
	v.SetDefault("ECL_WILDCARD_CAP", 50000)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATA_DIR")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("HGVS_VALIDATOR_URL")
	v.BindEnv("TIME_BUDGET_MS")
	v.BindEnv("EXPANSION_CACHE_SIZE")
	v.BindEnv("EXPANSION_CACHE_MIN_MS")
	v.BindEnv("RESOURCE_CACHE_MAX_AGE_MS")
	v.BindEnv("ECL_WILDCARD_CAP")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SECRET")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// TimeBudget returns the per-operation wall-clock budget.
func (c *Config) TimeBudget() time.Duration {
	if c.TimeBudgetMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeBudgetMS) * time.Millisecond
}

// ResourceCacheMaxAge returns how long an idle cache-id bucket survives.
func (c *Config) ResourceCacheMaxAge() time.Duration {
	if c.ResourceCacheMaxAgeMS <= 0 {
		return time.Hour
	}
	return time.Duration(c.ResourceCacheMaxAgeMS) * time.Millisecond
}

// Validate checks that the configuration is safe to run. Auth is optional:
// when AUTH_SECRET or AUTH_ISSUER is set, bearer tokens are enforced on the
// FHIR routes.
func (c *Config) Validate() error {
	if c.TimeBudgetMS < 0 {
		return fmt.Errorf("TIME_BUDGET_MS must not be negative")
	}
	if c.ExpansionCacheSize < 0 {
		return fmt.Errorf("EXPANSION_CACHE_SIZE must not be negative")
	}
	if c.ECLWildcardCap <= 0 {
		return fmt.Errorf("ECL_WILDCARD_CAP must be positive")
	}
	if c.AuthIssuer != "" && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required when AUTH_ISSUER is set")
	}
	return nil
}
