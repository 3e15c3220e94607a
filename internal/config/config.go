package config

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flowpbx/callctl/internal/callcontrol"
)

// Config holds all runtime configuration for the callctl host.
// Precedence: CLI flags > env vars (including the dotenv file) > defaults.
type Config struct {
	DataDir      string        `env:"DATA_DIR" envDefault:"./data"`
	HTTPPort     int           `env:"HTTP_PORT" envDefault:"8080"`
	SIPOptions   string        `env:"SIP_OPTIONS" envDefault:"sip listen=udp$0.0.0.0:5060"`
	APIVersion   uint          `env:"API_VERSION" envDefault:"0"`
	LogLevel     string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string        `env:"LOG_FORMAT" envDefault:"text"` // "text" or "json"
	LogFile      string        `env:"LOG_FILE"`                     // rotated with lumberjack when set
	AutoAnswer   bool          `env:"AUTO_ANSWER"`
	JWTSecret    string        `env:"JWT_SECRET"` // hex-encoded; empty disables API auth
	RateLimit    float64       `env:"RATE_LIMIT" envDefault:"20"`
	RateBurst    int           `env:"RATE_BURST" envDefault:"40"`
	CDRRetention time.Duration `env:"CDR_RETENTION" envDefault:"720h"` // 0 keeps records forever
}

// envPrefix is the prefix for all callctl environment variables.
const envPrefix = "CALLCTL_"

// envFileVar names the dotenv file to load; ".env" is tried when unset.
const envFileVar = envPrefix + "ENV_FILE"

// Load parses configuration from defaults, the environment and args (the
// command line without the program name).
func Load(args []string) (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	// Flags default to the env-derived values, so only flags given on the
	// command line override them.
	fs := flag.NewFlagSet("callctl", flag.ContinueOnError)
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory for the call record database")
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "HTTP API listen port")
	fs.StringVar(&cfg.SIPOptions, "sip-options", cfg.SIPOptions, "call-control options string, e.g. \"sip listen=udp$0.0.0.0:5060 trace=4\"")
	fs.UintVar(&cfg.APIVersion, "api-version", cfg.APIVersion, "requested call-control API version (0 for current)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "write logs to this file with rotation instead of stderr")
	fs.BoolVar(&cfg.AutoAnswer, "auto-answer", cfg.AutoAnswer, "answer every incoming call")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "hex-encoded secret for API bearer tokens (empty disables auth)")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "API requests per second per client (0 disables)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "API request burst per client")
	fs.DurationVar(&cfg.CDRRetention, "cdr-retention", cfg.CDRRetention, "delete call records older than this (0 keeps them)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadEnvFile loads the dotenv file into the environment. Variables already
// set are not overwritten. A missing default file is not an error.
func loadEnvFile() error {
	name, explicit := os.LookupEnv(envFileVar)
	if !explicit || name == "" {
		name = ".env"
	}
	err := godotenv.Load(name)
	if err == nil || (!explicit && errors.Is(err, fs.ErrNotExist)) {
		return nil
	}
	return fmt.Errorf("loading env file %s: %w", name, err)
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if _, err := callcontrol.ParseOptions(c.SIPOptions); err != nil {
		return fmt.Errorf("sip-options: %w", err)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.JWTSecret != "" {
		if _, err := c.JWTSecretBytes(); err != nil {
			return err
		}
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %v", c.RateLimit)
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		return fmt.Errorf("rate-burst must be at least 1, got %d", c.RateBurst)
	}
	if c.CDRRetention < 0 {
		return fmt.Errorf("cdr-retention must not be negative, got %s", c.CDRRetention)
	}
	return nil
}

// HTTPAddr returns the API listen address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// JWTSecretBytes returns the decoded API signing secret, or nil if auth is
// disabled.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("jwt secret must decode to at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// LogWriter returns where logs go: a rotating file when LogFile is set,
// otherwise stderr. The returned closer is nil for stderr.
func (c *Config) LogWriter() (io.Writer, io.Closer) {
	if c.LogFile == "" {
		return os.Stderr, nil
	}
	lj := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return lj, lj
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
