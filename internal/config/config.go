package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Proxy modes accepted in PROXY_MODE.
const (
	ModeDirect = "direct"
	ModeChain  = "chain"
)

// Config holds all environment-based configuration for token-relay.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// TargetsFile is the YAML file describing upstream targets and the
	// optional chain hop. Resolved to an absolute path at load.
	TargetsFile  string `env:"TARGETS_FILE" envDefault:"targets.yaml"`
	WatchTargets bool   `env:"WATCH_TARGETS" envDefault:"true"`

	// AuthTokens is a comma-separated list of accepted TOKEN-RELAY-AUTH
	// values. Entries starting with "$2" are bcrypt hashes.
	AuthTokens string `env:"AUTH_TOKENS"`

	// ProxyMode is "direct" or "chain".
	ProxyMode string `env:"PROXY_MODE" envDefault:"direct"`

	DefaultTimeoutSeconds int   `env:"DEFAULT_TIMEOUT_SECONDS" envDefault:"100"`
	TokenTimeoutSeconds   int   `env:"TOKEN_TIMEOUT_SECONDS" envDefault:"30"`
	MaxRequestBodyBytes   int64 `env:"MAX_REQUEST_BODY_BYTES" envDefault:"10485760"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ProxyMode = strings.ToLower(strings.TrimSpace(cfg.ProxyMode))

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// The watcher compares fsnotify event paths against this value, and
	// those are absolute.
	absFile, err := filepath.Abs(cfg.TargetsFile)
	if err != nil {
		return nil, fmt.Errorf("resolving targets file to absolute path: %w", err)
	}

	cfg.TargetsFile = absFile

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ProxyMode != ModeDirect && c.ProxyMode != ModeChain {
		return fmt.Errorf("PROXY_MODE must be %q or %q, got %q", ModeDirect, ModeChain, c.ProxyMode)
	}

	if c.TargetsFile == "" {
		return fmt.Errorf("TARGETS_FILE is required")
	}

	if len(c.ParseAuthTokens()) == 0 {
		return fmt.Errorf("AUTH_TOKENS is required")
	}

	if c.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("DEFAULT_TIMEOUT_SECONDS must be positive")
	}

	if c.TokenTimeoutSeconds <= 0 {
		return fmt.Errorf("TOKEN_TIMEOUT_SECONDS must be positive")
	}

	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be positive")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsChain reports whether the relay forwards to a downstream relay.
func (c *Config) IsChain() bool {
	return c.ProxyMode == ModeChain
}

// DefaultTimeout is the outbound timeout for targets that set none.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// TokenTimeout bounds each call to an OAuth2 token endpoint.
func (c *Config) TokenTimeout() time.Duration {
	return time.Duration(c.TokenTimeoutSeconds) * time.Second
}

// ParseAuthTokens splits AUTH_TOKENS into its entries, dropping blanks
// and duplicates while keeping the configured order.
func (c *Config) ParseAuthTokens() []string {
	if c.AuthTokens == "" {
		return nil
	}

	seen := make(map[string]struct{})

	var tokens []string

	for _, t := range strings.Split(c.AuthTokens, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}

		if _, dup := seen[t]; dup {
			continue
		}

		seen[t] = struct{}{}
		tokens = append(tokens, t)
	}

	return tokens
}
