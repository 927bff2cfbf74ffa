package infra

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"ledger_go/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the ledger process.
// After LoadConfig reads the file, environment variables override it.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Server struct {
		Addr            string        `yaml:"addr"`
		PprofAddr       string        `yaml:"pprof_addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Ledger struct {
		MaxAmount   decimal.Decimal `yaml:"max_amount"`
		MaxAttempts int             `yaml:"max_attempts"`
	} `yaml:"ledger"`

	Feed struct {
		InboxSize   int `yaml:"inbox_size"`
		HistorySize int `yaml:"history_size"`
		ClientQueue int `yaml:"client_queue"`
	} `yaml:"feed"`

	Storage struct {
		Enabled      bool   `yaml:"enabled"`
		StatementDSN string `yaml:"statement_dsn"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
		File  bool   `yaml:"file"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration that passes Validate.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "ledger"
	cfg.App.Version = "dev"
	cfg.Server.Addr = ":3000"
	cfg.Server.PprofAddr = "localhost:6060"
	cfg.Server.ReadTimeout = 5 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Ledger.MaxAmount = domain.DefaultMaxAmount
	cfg.Ledger.MaxAttempts = 5
	cfg.Feed.InboxSize = 1024
	cfg.Feed.HistorySize = 256
	cfg.Feed.ClientQueue = 64
	cfg.Storage.Enabled = true
	cfg.Storage.StatementDSN = ":memory:"
	cfg.Logging.Level = "info"
	cfg.Logging.Dir = "logs"
	return &cfg
}

// LoadConfig reads and parses the file at path on top of DefaultConfig.
// A missing file is reported as domain.ErrConfigNotFound.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Environment wins over the file.
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return &domain.ConfigError{Field: "server.addr", Err: errors.New("is required")}
	}
	if !c.Ledger.MaxAmount.IsPositive() {
		return &domain.ConfigError{Field: "ledger.max_amount", Err: fmt.Errorf("must be positive, got %s", c.Ledger.MaxAmount)}
	}
	if c.Ledger.MaxAttempts <= 0 {
		return &domain.ConfigError{Field: "ledger.max_attempts", Err: fmt.Errorf("must be positive, got %d", c.Ledger.MaxAttempts)}
	}
	if c.Feed.InboxSize <= 0 {
		return &domain.ConfigError{Field: "feed.inbox_size", Err: fmt.Errorf("must be positive, got %d", c.Feed.InboxSize)}
	}
	if c.Feed.HistorySize < 0 {
		return &domain.ConfigError{Field: "feed.history_size", Err: fmt.Errorf("must not be negative, got %d", c.Feed.HistorySize)}
	}
	if c.Feed.ClientQueue <= 0 {
		return &domain.ConfigError{Field: "feed.client_queue", Err: fmt.Errorf("must be positive, got %d", c.Feed.ClientQueue)}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &domain.ConfigError{Field: "logging.level", Err: fmt.Errorf("unknown level %q", c.Logging.Level)}
	}
	return nil
}

// overrideWithEnv replaces settings with environment variables when set.
func overrideWithEnv(cfg *Config) {
	if addr := os.Getenv("LEDGER_HTTP_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if level := os.Getenv("LEDGER_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if dsn := os.Getenv("LEDGER_STATEMENT_DSN"); dsn != "" {
		cfg.Storage.StatementDSN = dsn
	}
	if n, err := strconv.Atoi(os.Getenv("LEDGER_MAX_ATTEMPTS")); err == nil && n > 0 {
		cfg.Ledger.MaxAttempts = n
	}
}
