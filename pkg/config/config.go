package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the relay configuration: defaults, overridden by the YAML file,
// overridden by X402_RELAY_* environment variables.
type Config struct {
	// Listen is the HTTP/WS listen address.
	Listen string `yaml:"listen"`
	// Database is the SQLite path. Empty selects the in-memory store.
	Database string `yaml:"database"`
	// VerifySignatures enables schnorr verification of incoming events.
	VerifySignatures bool `yaml:"verify_signatures"`

	Payment   PaymentConfig   `yaml:"payment"`
	Directory DirectoryConfig `yaml:"directory"`
	Limits    LimitsConfig    `yaml:"limits"`
}

// PaymentConfig configures pricing and the payment rail.
type PaymentConfig struct {
	Network            string        `yaml:"network"`
	Asset              string        `yaml:"asset"`
	AssetSymbol        string        `yaml:"asset_symbol"`
	AssetDecimals      int           `yaml:"asset_decimals"`
	PayTo              string        `yaml:"pay_to"`
	Prices             map[int]int64 `yaml:"prices"`
	DefaultPrice       int64         `yaml:"default_price"`
	RecipientSurcharge int64         `yaml:"recipient_surcharge"`
	LedgerURL          string        `yaml:"ledger_url"`
	VerifyTimeout      time.Duration `yaml:"verify_timeout"`
}

// DirectoryConfig configures recipient address resolution.
type DirectoryConfig struct {
	Endpoints []string      `yaml:"endpoints"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LimitsConfig contains abuse limits for the write path.
type LimitsConfig struct {
	PublishRate  string `yaml:"publish_rate"`
	MaxEventSize int    `yaml:"max_event_size"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Payment: PaymentConfig{
			Network:            "base-sepolia",
			AssetSymbol:        "USDC",
			AssetDecimals:      6,
			Prices:             map[int]int64{0: 50, 1: 10, 4: 5, 30023: 25},
			DefaultPrice:       10,
			RecipientSurcharge: 5,
			VerifyTimeout:      10 * time.Second,
		},
		Directory: DirectoryConfig{
			Timeout: 5 * time.Second,
		},
		Limits: LimitsConfig{
			PublishRate:  "10/s",
			MaxEventSize: 100000, // 100KB
		},
	}
}

// Load reads configuration from path (missing file falls back to defaults)
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if val := os.Getenv("X402_RELAY_LISTEN"); val != "" {
		cfg.Listen = val
	}
	if val := os.Getenv("X402_RELAY_DATABASE"); val != "" {
		cfg.Database = val
	}
	if val := os.Getenv("X402_RELAY_VERIFY_SIGNATURES"); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			cfg.VerifySignatures = parsed
		}
	}
	if val := os.Getenv("X402_RELAY_NETWORK"); val != "" {
		cfg.Payment.Network = val
	}
	if val := os.Getenv("X402_RELAY_ASSET"); val != "" {
		cfg.Payment.Asset = val
	}
	if val := os.Getenv("X402_RELAY_PAY_TO"); val != "" {
		cfg.Payment.PayTo = val
	}
	if val := os.Getenv("X402_RELAY_LEDGER_URL"); val != "" {
		cfg.Payment.LedgerURL = val
	}
	if val := os.Getenv("X402_RELAY_DEFAULT_PRICE"); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Payment.DefaultPrice = parsed
		}
	}
	if val := os.Getenv("X402_RELAY_SURCHARGE"); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			cfg.Payment.RecipientSurcharge = parsed
		}
	}
}

// Validate checks the configuration for values the relay cannot start with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Payment.DefaultPrice < 0 {
		return fmt.Errorf("default price must not be negative")
	}
	if c.Payment.RecipientSurcharge < 0 {
		return fmt.Errorf("recipient surcharge must not be negative")
	}
	for kind, price := range c.Payment.Prices {
		if kind < 0 || price < 0 {
			return fmt.Errorf("invalid price entry %d: %d", kind, price)
		}
	}
	if c.Limits.MaxEventSize <= 0 {
		return fmt.Errorf("max event size must be positive")
	}
	return nil
}
