package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"trading_sim/internal/domain"

	"gopkg.in/yaml.v3"
)

// Ledger modes.
const (
	LedgerModeHTTP  = "http"
	LedgerModePaper = "paper"
)

// Config holds every application setting. It is loaded by LoadConfig and
// then overridden from the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Ledger struct {
		Mode        string `yaml:"mode"`
		BaseURL     string `yaml:"base_url"`
		UserID      int64  `yaml:"user_id"`
		TimeoutMS   int    `yaml:"timeout_ms"`
		MaxAttempts int    `yaml:"max_attempts"`
	} `yaml:"ledger"`

	Engine struct {
		Symbols       []string `yaml:"symbols"`
		DefaultSymbol string   `yaml:"default_symbol"`
	} `yaml:"engine"`

	Feed struct {
		Enabled    bool   `yaml:"enabled"`
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"feed"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "trading-sim"
	cfg.App.Version = "dev"
	cfg.Ledger.Mode = LedgerModeHTTP
	cfg.Ledger.BaseURL = "http://localhost:8090/api"
	cfg.Ledger.UserID = 1
	cfg.Ledger.TimeoutMS = 5000
	cfg.Ledger.MaxAttempts = 3
	cfg.Engine.Symbols = []string{"AAPL", "GOOGL", "MSFT", "TSLA", "AMZN"}
	cfg.Feed.Enabled = true
	cfg.Feed.ListenAddr = ":8081"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return &cfg
}

// LoadConfig reads and parses the YAML file at path over DefaultConfig.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	switch c.Ledger.Mode {
	case LedgerModeHTTP:
		if !hasPrefix(c.Ledger.BaseURL, "http://") && !hasPrefix(c.Ledger.BaseURL, "https://") {
			return invalid("ledger.base_url", "invalid ledger URL: "+c.Ledger.BaseURL)
		}
	case LedgerModePaper:
	default:
		return invalid("ledger.mode", "unknown mode: "+c.Ledger.Mode)
	}
	if c.Ledger.UserID <= 0 {
		return invalid("ledger.user_id", "must be positive")
	}
	if c.Ledger.TimeoutMS <= 0 {
		return invalid("ledger.timeout_ms", "must be positive")
	}
	if c.Ledger.MaxAttempts < 1 {
		return invalid("ledger.max_attempts", "at least one attempt is required")
	}

	if len(c.Engine.Symbols) == 0 {
		return invalid("engine.symbols", "at least one symbol is required")
	}
	if c.Engine.DefaultSymbol != "" && !containsFold(c.Engine.Symbols, c.Engine.DefaultSymbol) {
		return invalid("engine.default_symbol", c.Engine.DefaultSymbol+" is not a tradable symbol")
	}

	if c.Feed.Enabled && c.Feed.ListenAddr == "" {
		return invalid("feed.listen_addr", "required when the feed is enabled")
	}
	return nil
}

// LedgerTimeout returns the per-request ledger timeout.
func (c *Config) LedgerTimeout() time.Duration {
	return time.Duration(c.Ledger.TimeoutMS) * time.Millisecond
}

func invalid(field, msg string) error {
	return &domain.ConfigError{Field: field, Err: errors.New(msg)}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

// overrideWithEnv overwrites settings from the environment when present.
func overrideWithEnv(cfg *Config) error {
	if url := os.Getenv("TRADESIM_LEDGER_URL"); url != "" {
		cfg.Ledger.BaseURL = url
	}
	if mode := os.Getenv("TRADESIM_LEDGER_MODE"); mode != "" {
		cfg.Ledger.Mode = strings.ToLower(mode)
	}
	if addr := os.Getenv("TRADESIM_LISTEN_ADDR"); addr != "" {
		cfg.Feed.ListenAddr = addr
	}
	if raw := os.Getenv("TRADESIM_USER_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return &domain.ConfigError{Field: "TRADESIM_USER_ID", Err: err}
		}
		cfg.Ledger.UserID = id
	}
	return nil
}
