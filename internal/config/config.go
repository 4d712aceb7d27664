// Package config loads runtime settings of the tessera binaries from
// TESSERA_* environment variables overlaid with command-line flags.
package config

import (
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"tessera.dev/internal/captoken"
)

// Config holds runtime settings for the API server.
type Config struct {
	Env              string
	LogLevel         string
	HTTPAddr         string
	GRPCAddr         string
	DatabaseURL      string
	MaxConns         int
	AutoMigrate      bool
	PrivateKeyHex    string
	PasswordMinLen   int
	MailSender       string
	AppURL           string
	EvaluationBudget time.Duration

	// SigningKey is decoded from PrivateKeyHex, or freshly generated when
	// none was configured, in which case KeyGenerated is set.
	SigningKey   ed25519.PrivateKey
	KeyGenerated bool
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Env:              "production",
		LogLevel:         "info",
		HTTPAddr:         ":8080",
		GRPCAddr:         ":9090",
		MaxConns:         10,
		PasswordMinLen:   12,
		MailSender:       "no-reply@localhost",
		AppURL:           "http://localhost:3000/",
		EvaluationBudget: 5 * time.Millisecond,
	}
}

// Development reports whether the process runs in development mode.
func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "development")
}

// Load builds a Config from defaults, then the environment, then args.
// getenv is usually os.Getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	cfg := Defaults()
	if err := cfg.fromEnv(getenv); err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("tessera-api", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.resolveKey(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

// AddFlags registers every setting on fs, defaulting to the current values.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Env, "env", c.Env, "environment name (development enables console logs)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: trace, debug, info, warn, error")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "HTTP listen address")
	fs.StringVar(&c.GRPCAddr, "grpc-addr", c.GRPCAddr, "gRPC listen address (empty disables gRPC)")
	fs.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "PostgreSQL URL (empty uses in-memory storage)")
	fs.IntVar(&c.MaxConns, "max-db-conns", c.MaxConns, "maximum open database connections")
	fs.BoolVar(&c.AutoMigrate, "auto-migrate", c.AutoMigrate, "apply pending migrations on startup")
	fs.StringVar(&c.PrivateKeyHex, "private-key", c.PrivateKeyHex, "hex encoded ed25519 seed used to sign tokens")
	fs.IntVar(&c.PasswordMinLen, "password-min-length", c.PasswordMinLen, "minimum password length")
	fs.StringVar(&c.MailSender, "mail-sender", c.MailSender, "From address of workflow messages")
	fs.StringVar(&c.AppURL, "app-url", c.AppURL, "base URL of links in workflow messages")
	fs.DurationVar(&c.EvaluationBudget, "eval-budget", c.EvaluationBudget, "wall-clock budget of one token evaluation")
}

func (c *Config) fromEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv("TESSERA_" + name)); v != "" {
			*dst = v
		}
	}
	str("ENV", &c.Env)
	str("LOG_LEVEL", &c.LogLevel)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("GRPC_ADDR", &c.GRPCAddr)
	str("DATABASE_URL", &c.DatabaseURL)
	str("PRIVATE_KEY", &c.PrivateKeyHex)
	str("MAIL_SENDER", &c.MailSender)
	str("APP_URL", &c.AppURL)

	if v := getenv("TESSERA_MAX_DB_CONNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TESSERA_MAX_DB_CONNS: %w", err)
		}
		c.MaxConns = n
	}
	if v := getenv("TESSERA_PASSWORD_MIN_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TESSERA_PASSWORD_MIN_LENGTH: %w", err)
		}
		c.PasswordMinLen = n
	}
	if v := getenv("TESSERA_AUTO_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TESSERA_AUTO_MIGRATE: %w", err)
		}
		c.AutoMigrate = b
	}
	if v := getenv("TESSERA_EVAL_BUDGET"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TESSERA_EVAL_BUDGET: %w", err)
		}
		c.EvaluationBudget = d
	}
	return nil
}

func (c *Config) resolveKey() error {
	if c.PrivateKeyHex == "" {
		key, err := captoken.GenerateKey()
		if err != nil {
			return err
		}
		c.SigningKey = key
		c.PrivateKeyHex = captoken.PrivateKeyHex(key)
		c.KeyGenerated = true
		return nil
	}
	key, err := captoken.ParsePrivateKeyHex(c.PrivateKeyHex)
	if err != nil {
		return fmt.Errorf("private key: %w", err)
	}
	c.SigningKey = key
	return nil
}

func (c Config) validate() error {
	switch {
	case c.MaxConns <= 0:
		return fmt.Errorf("max db conns must be positive, got %d", c.MaxConns)
	case c.PasswordMinLen <= 0:
		return fmt.Errorf("password min length must be positive, got %d", c.PasswordMinLen)
	case c.EvaluationBudget <= 0:
		return fmt.Errorf("evaluation budget must be positive, got %s", c.EvaluationBudget)
	case c.HTTPAddr == "":
		return fmt.Errorf("http address is required")
	}
	return nil
}
