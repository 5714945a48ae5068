// Package config loads server settings from an optional YAML file, an
// optional .env file and the process environment, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Addr             string
	DBDriver         string
	DBDSN            string
	LeaseTTL         time.Duration
	JWTSecret        string
	GMPassphraseHash string
	GMOnlyFields     []string
	MaxBodyBytes     int64
	LogLevel         string
	LogDev           bool
}

// file mirrors Config in the YAML file. Durations are strings like "30s".
type file struct {
	Addr             string   `yaml:"addr"`
	DBDriver         string   `yaml:"db_driver"`
	DBDSN            string   `yaml:"db_dsn"`
	LeaseTTL         string   `yaml:"lease_ttl"`
	JWTSecret        string   `yaml:"jwt_secret"`
	GMPassphraseHash string   `yaml:"gm_passphrase_hash"`
	GMOnlyFields     []string `yaml:"gm_only_fields"`
	MaxBodyBytes     int64    `yaml:"max_body_bytes"`
	LogLevel         string   `yaml:"log_level"`
	LogDev           *bool    `yaml:"log_dev"`
}

func Defaults() Config {
	return Config{
		Addr:         ":8080",
		DBDriver:     DriverMemory,
		LeaseTTL:     30 * time.Second,
		GMOnlyFields: []string{"gmNotes"},
		MaxBodyBytes: 1 << 20,
		LogLevel:     "info",
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then environment
// overrides, and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: .env: %w", err)
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup without touching .env.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	setString(&c.Addr, f.Addr)
	setString(&c.DBDriver, f.DBDriver)
	setString(&c.DBDSN, f.DBDSN)
	setString(&c.JWTSecret, f.JWTSecret)
	setString(&c.GMPassphraseHash, f.GMPassphraseHash)
	setString(&c.LogLevel, f.LogLevel)
	if f.LeaseTTL != "" {
		d, err := time.ParseDuration(f.LeaseTTL)
		if err != nil {
			return fmt.Errorf("config: lease_ttl: %w", err)
		}
		c.LeaseTTL = d
	}
	if f.GMOnlyFields != nil {
		c.GMOnlyFields = f.GMOnlyFields
	}
	if f.MaxBodyBytes != 0 {
		c.MaxBodyBytes = f.MaxBodyBytes
	}
	if f.LogDev != nil {
		c.LogDev = *f.LogDev
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	if v, ok := get("ADDR"); ok {
		c.Addr = v
	}
	if v, ok := get("DB_DRIVER"); ok {
		c.DBDriver = strings.ToLower(v)
	}
	if v, ok := get("DB_DSN"); ok {
		c.DBDSN = v
	}
	if v, ok := get("LEASE_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: LEASE_TTL: %w", err)
		}
		c.LeaseTTL = d
	}
	if v, ok := get("JWT_SECRET"); ok {
		c.JWTSecret = v
	}
	if v, ok := get("GM_PASSPHRASE_HASH"); ok {
		c.GMPassphraseHash = v
	}
	if v, ok := get("GM_ONLY_FIELDS"); ok {
		c.GMOnlyFields = nil
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				c.GMOnlyFields = append(c.GMOnlyFields, f)
			}
		}
	}
	if v, ok := get("MAX_BODY_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: MAX_BODY_BYTES: %w", err)
		}
		c.MaxBodyBytes = n
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("LOG_DEV"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: LOG_DEV: %w", err)
		}
		c.LogDev = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite:
		if c.DBDSN == "" {
			errs = append(errs, fmt.Errorf("DB_DSN is required for driver %q", c.DBDriver))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q is not one of memory, postgres, sqlite", c.DBDriver))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.LeaseTTL <= 0 {
		errs = append(errs, errors.New("LEASE_TTL must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTES must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
