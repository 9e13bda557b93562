/*
Package config loads the service configuration.

SOURCES (highest priority first):
 1. Environment variables with the MICROLEDGER_ prefix, dots replaced by
    underscores (MICROLEDGER_DATABASE_PATH, MICROLEDGER_AUTH_SECRET, ...)
 2. config.toml in the working directory, or the file passed to Load
 3. Built-in defaults

Defaults are applied after reading, then the result is validated.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "MICROLEDGER"

type Config struct {
	App      AppConfig
	HTTP     HTTPConfig
	Database DatabaseConfig
	Log      LogConfig
	Auth     AuthConfig
	Ledger   LedgerConfig
	Seed     SeedConfig
}

type AppConfig struct {
	Name string
	Env  string // development, production
}

type HTTPConfig struct {
	Addr             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
	MaxBodySize      int64
	CORSAllowOrigins []string
}

// DatabaseConfig selects the store. Driver is "sqlite" or "memory".
type DatabaseConfig struct {
	Driver string
	Path   string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type AuthConfig struct {
	Secret     string
	Issuer     string
	TokenTTL   time.Duration
	BcryptCost int
}

// LedgerConfig controls how money and days are presented.
type LedgerConfig struct {
	Timezone string
	Currency string
}

// Location resolves Timezone, falling back to UTC for an empty name.
func (l LedgerConfig) Location() (*time.Location, error) {
	if l.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(l.Timezone)
}

// SeedConfig holds the accounts created on first start when absent.
type SeedConfig struct {
	Enabled  bool
	Accounts []SeedAccount
}

type SeedAccount struct {
	Name     string `mapstructure:"name"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	Role     string `mapstructure:"role"`
}

// defaultSeed is the first-run admin and staff login pair.
var defaultSeed = []SeedAccount{
	{Name: "Admin", Email: "admin@example.com", Password: "admin123", Role: "admin"},
	{Name: "Staff", Email: "staff@example.com", Password: "staff123", Role: "staff"},
}

// Load reads configuration from path (or ./config.toml when path is empty)
// and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
	}
	v.SetDefault("seed.enabled", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		HTTP: HTTPConfig{
			Addr:             v.GetString("http.addr"),
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			ShutdownTimeout:  v.GetDuration("http.shutdown_timeout"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			Path:   v.GetString("database.path"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Auth: AuthConfig{
			Secret:     v.GetString("auth.secret"),
			Issuer:     v.GetString("auth.issuer"),
			TokenTTL:   v.GetDuration("auth.token_ttl"),
			BcryptCost: v.GetInt("auth.bcrypt_cost"),
		},
		Ledger: LedgerConfig{
			Timezone: v.GetString("ledger.timezone"),
			Currency: v.GetString("ledger.currency"),
		},
		Seed: SeedConfig{
			Enabled: v.GetBool("seed.enabled"),
		},
	}
	if err := v.UnmarshalKey("seed.accounts", &cfg.Seed.Accounts); err != nil {
		return nil, fmt.Errorf("seed.accounts: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "microledger"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if len(cfg.HTTP.CORSAllowOrigins) == 0 {
		cfg.HTTP.CORSAllowOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "microledger.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = cfg.App.Name
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = 12 * time.Hour
	}
	if cfg.Auth.BcryptCost == 0 {
		cfg.Auth.BcryptCost = 10
	}
	if cfg.Auth.Secret == "" && cfg.App.Env != "production" {
		cfg.Auth.Secret = "development-secret-change-me"
	}
	if cfg.Ledger.Timezone == "" {
		cfg.Ledger.Timezone = "UTC"
	}
	if cfg.Ledger.Currency == "" {
		cfg.Ledger.Currency = "BDT"
	}
	if len(cfg.Seed.Accounts) == 0 {
		cfg.Seed.Accounts = append([]SeedAccount(nil), defaultSeed...)
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver must be sqlite or memory, got %q", c.Database.Driver)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if _, err := c.Ledger.Location(); err != nil {
		return fmt.Errorf("ledger.timezone: %w", err)
	}
	if len(c.Ledger.Currency) != 3 {
		return fmt.Errorf("ledger.currency must be an ISO 4217 code, got %q", c.Ledger.Currency)
	}
	if c.Auth.TokenTTL < 0 {
		return fmt.Errorf("auth.token_ttl cannot be negative")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31, got %d", c.Auth.BcryptCost)
	}
	for i, a := range c.Seed.Accounts {
		if a.Email == "" || a.Password == "" {
			return fmt.Errorf("seed.accounts[%d]: email and password are required", i)
		}
		if a.Role != "admin" && a.Role != "staff" {
			return fmt.Errorf("seed.accounts[%d]: role must be admin or staff, got %q", i, a.Role)
		}
	}

	if c.App.Env == "production" {
		if len(c.Auth.Secret) < 32 {
			return fmt.Errorf("auth.secret must be at least 32 characters in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("http.cors_allow_origins cannot be '*' in production")
			}
		}
		if c.Seed.Enabled {
			for _, d := range defaultSeed {
				for _, a := range c.Seed.Accounts {
					if strings.EqualFold(a.Email, d.Email) && a.Password == d.Password {
						return fmt.Errorf("seed account %s uses a default password in production", a.Email)
					}
				}
			}
		}
	}
	return nil
}
