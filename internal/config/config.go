package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthTokenTTL          time.Duration `mapstructure:"AUTH_TOKEN_TTL"`
	InstitutionDomain     string        `mapstructure:"INSTITUTION_DOMAIN"`
	ClinicTimezone        string        `mapstructure:"CLINIC_TIMEZONE"`
	DailyAppointmentLimit int           `mapstructure:"DAILY_APPOINTMENT_LIMIT"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
}

// devSigningKey is only accepted when ENV=development.
const devSigningKey = "meditrack-development-signing-key-change-me"

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUTH_ISSUER", "meditrack")
	v.SetDefault("AUTH_TOKEN_TTL", "24h")
	v.SetDefault("INSTITUTION_DOMAIN", "meditrack.local")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("DAILY_APPOINTMENT_LIMIT", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_TOKEN_TTL", "INSTITUTION_DOMAIN",
		"CLINIC_TIMEZONE", "DAILY_APPOINTMENT_LIMIT", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.InstitutionDomain = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(cfg.InstitutionDomain)), "@")

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.AuthSigningKey == "" && cfg.IsDev() {
		log.Println("WARNING: AUTH_SIGNING_KEY is not set; using the built-in development key.")
		cfg.AuthSigningKey = devSigningKey
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE. Calendar-day rules (past dates, the
// daily booking limit, "today" on dashboards) are evaluated in it.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.ClinicTimezone)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if !c.IsDev() && c.AuthSigningKey == devSigningKey {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set outside development")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("AUTH_TOKEN_TTL must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	if c.DailyAppointmentLimit < 1 {
		return fmt.Errorf("DAILY_APPOINTMENT_LIMIT must be at least 1, got %d", c.DailyAppointmentLimit)
	}
	if c.InstitutionDomain == "" {
		return fmt.Errorf("INSTITUTION_DOMAIN is required")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}
