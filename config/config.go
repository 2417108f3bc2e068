// Package config loads server settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/feriteja/naskah/internal/document/lock"
	"github.com/feriteja/naskah/internal/document/service"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Database struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
	SSLMode  string
}

// URL is the lib/pq connection string.
func (d Database) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type Config struct {
	Database         Database
	JWTSecret        string
	HTTPAddr         string
	LogLevel         string
	Store            string
	LockTTL          time.Duration
	MaxWriteAttempts int
	AllowedOrigin    string
}

// envBindings maps config keys to environment variables. The database keys
// keep the lowercase names Supabase hands out.
var envBindings = map[string]string{
	"db.user":            "user",
	"db.password":        "password",
	"db.host":            "host",
	"db.port":            "port",
	"db.name":            "dbname",
	"db.sslmode":         "DB_SSLMODE",
	"jwt_secret":         "SUPABASE_JWT_SECRET",
	"http_addr":          "HTTP_ADDR",
	"log_level":          "LOG_LEVEL",
	"store":              "STORE",
	"lock_ttl":           "LOCK_TTL",
	"max_write_attempts": "MAX_WRITE_ATTEMPTS",
	"allowed_origin":     "ALLOWED_ORIGIN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.sslmode", "require")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("store", StorePostgres)
	v.SetDefault("lock_ttl", lock.DefaultTTL)
	v.SetDefault("max_write_attempts", service.DefaultMaxAttempts)
	v.SetDefault("allowed_origin", "*")
}

// Load reads envFiles (missing files are ignored) into the process
// environment and builds the Config from it.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		// godotenv never overrides variables already set.
		_ = godotenv.Load(file)
	}

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		Database: Database{
			User:     strings.TrimSpace(v.GetString("db.user")),
			Password: strings.TrimSpace(v.GetString("db.password")),
			Host:     strings.TrimSpace(v.GetString("db.host")),
			Port:     strings.TrimSpace(v.GetString("db.port")),
			Name:     strings.TrimSpace(v.GetString("db.name")),
			SSLMode:  strings.TrimSpace(v.GetString("db.sslmode")),
		},
		JWTSecret:        v.GetString("jwt_secret"),
		HTTPAddr:         v.GetString("http_addr"),
		LogLevel:         v.GetString("log_level"),
		Store:            strings.ToLower(v.GetString("store")),
		LockTTL:          v.GetDuration("lock_ttl"),
		MaxWriteAttempts: v.GetInt("max_write_attempts"),
		AllowedOrigin:    v.GetString("allowed_origin"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("SUPABASE_JWT_SECRET is required")
	}
	switch c.Store {
	case StorePostgres:
		if c.Database.Host == "" || c.Database.Name == "" {
			return fmt.Errorf("host and dbname are required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL)
	}
	if c.MaxWriteAttempts < 1 {
		return fmt.Errorf("MAX_WRITE_ATTEMPTS must be at least 1, got %d", c.MaxWriteAttempts)
	}
	return nil
}
