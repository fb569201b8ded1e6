// Package config loads server settings from the environment.
//
// Sources, later ones winning:
//  1. built-in defaults
//  2. a YAML/TOML/JSON file named by CONFIG_FILE (optional)
//  3. a .env file in the working directory (optional, never overrides
//     variables already set)
//  4. environment variables
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port     int
	LogLevel slog.Level

	DBDriver    string
	DBPath      string
	DatabaseURL string

	JWTSecret    string
	TokenTTL     time.Duration
	SecureCookie bool
	// AllowedOrigins are host patterns WebSocket upgrades accept besides the
	// server's own origin.
	AllowedOrigins []string
	// AuthRateLimit is the per-IP limit on the sign-in, sign-up and reset
	// routes in limiter format ("20-M"). Empty disables it.
	AuthRateLimit string

	RedisAddr    string
	RedisChannel string

	ResetURL string
	ResetTTL time.Duration
	Mail     MailConfig

	ReconcileInterval time.Duration
	// CodeMaxAttempts caps room code candidates per generation; 0 means
	// unbounded.
	CodeMaxAttempts int
}

// MailConfig configures the password reset mail relay. An empty Endpoint
// logs mails instead of sending them.
type MailConfig struct {
	Endpoint     string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Load reads .env, then the optional CONFIG_FILE, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", DriverSQLite)
	v.SetDefault("DB_PATH", "data/roomspace.db")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("COOKIE_SECURE", false)
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("AUTH_RATE_LIMIT", "20-M")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_CHANNEL", "roomspace:events")
	v.SetDefault("RESET_URL", "http://localhost:8080/reset")
	v.SetDefault("RESET_TTL", "1h")
	v.SetDefault("MAIL_ENDPOINT", "")
	v.SetDefault("MAIL_TOKEN_URL", "")
	v.SetDefault("MAIL_CLIENT_ID", "")
	v.SetDefault("MAIL_CLIENT_SECRET", "")
	v.SetDefault("RECONCILE_INTERVAL", "10m")
	v.SetDefault("CODE_MAX_ATTEMPTS", 1000)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:            v.GetInt("PORT"),
		DBDriver:        strings.ToLower(v.GetString("DB_DRIVER")),
		DBPath:          v.GetString("DB_PATH"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		JWTSecret:       v.GetString("JWT_SECRET"),
		SecureCookie:    v.GetBool("COOKIE_SECURE"),
		AllowedOrigins:  splitList(v.GetString("ALLOWED_ORIGINS")),
		AuthRateLimit:   v.GetString("AUTH_RATE_LIMIT"),
		RedisAddr:       v.GetString("REDIS_ADDR"),
		RedisChannel:    v.GetString("REDIS_CHANNEL"),
		ResetURL:        v.GetString("RESET_URL"),
		CodeMaxAttempts: v.GetInt("CODE_MAX_ATTEMPTS"),
		Mail: MailConfig{
			Endpoint:     v.GetString("MAIL_ENDPOINT"),
			TokenURL:     v.GetString("MAIL_TOKEN_URL"),
			ClientID:     v.GetString("MAIL_CLIENT_ID"),
			ClientSecret: v.GetString("MAIL_CLIENT_SECRET"),
		},
	}

	var err error
	if cfg.TokenTTL, err = duration(v, "TOKEN_TTL"); err != nil {
		return nil, err
	}
	if cfg.ResetTTL, err = duration(v, "RESET_TTL"); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = duration(v, "RECONCILE_INTERVAL"); err != nil {
		return nil, err
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	case c.DBDriver != DriverSQLite && c.DBDriver != DriverPostgres:
		return fmt.Errorf("config: DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	case c.DBDriver == DriverPostgres && c.DatabaseURL == "":
		return errors.New("config: DATABASE_URL is required with DB_DRIVER=postgres")
	case len(c.JWTSecret) < 16:
		// Generate one with: openssl rand -hex 32
		return errors.New("config: JWT_SECRET must be set to at least 16 characters")
	case c.CodeMaxAttempts < 0:
		return errors.New("config: CODE_MAX_ATTEMPTS cannot be negative")
	case c.Mail.ClientID != "" && c.Mail.TokenURL == "":
		return errors.New("config: MAIL_TOKEN_URL is required with MAIL_CLIENT_ID")
	}
	return nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s cannot be negative", key)
	}
	return d, nil
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
