package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the relay daemon configuration. Durations are TOML
// strings like "2s" or "15m".
type Config struct {
	NodeName      string `toml:"NodeName"`
	ListenAddress string `toml:"ListenAddress"`
	OpsAddress    string `toml:"OpsAddress"`
	DataDir       string `toml:"DataDir"`
	WalletRPCURL  string `toml:"WalletRPCURL"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `toml:"LogLevel"`

	// Transport and reliability tuning. MTU is the largest payload the
	// mesh link carries before this layer fragments; links in the field
	// run at hundreds of bits per second, so these defaults are
	// deliberately patient.
	TransportMTU      int      `toml:"TransportMTU"`
	RetryBaseDelay    duration `toml:"RetryBaseDelay"`
	RetryGrowthFactor float64  `toml:"RetryGrowthFactor"`
	RetryJitter       float64  `toml:"RetryJitter"`
	RetryMaxAttempts  int      `toml:"RetryMaxAttempts"`
	ReassemblyTimeout duration `toml:"ReassemblyTimeout"`

	// Cold-signing lifecycle tuning.
	IntentTTL       duration `toml:"IntentTTL"`
	BalanceCacheTTL duration `toml:"BalanceCacheTTL"`
}

type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Accessors returning time.Duration so callers never touch the TOML
// wrapper type.

func (c *Config) RetryBase() time.Duration        { return time.Duration(c.RetryBaseDelay) }
func (c *Config) ReassemblyWindow() time.Duration { return time.Duration(c.ReassemblyTimeout) }
func (c *Config) IntentLifetime() time.Duration   { return time.Duration(c.IntentTTL) }
func (c *Config) BalanceWindow() time.Duration    { return time.Duration(c.BalanceCacheTTL) }

// Default returns the documented defaults. Correctness of the protocol
// does not depend on these values; they are sized for Reticulum-class
// links whose usable unit is around 465 bytes.
func Default() *Config {
	return &Config{
		NodeName:          "meshpay-relay",
		ListenAddress:     ":4242",
		OpsAddress:        ":8081",
		DataDir:           "./meshpay-data",
		WalletRPCURL:      "http://127.0.0.1:18082/json_rpc",
		LogLevel:          "info",
		TransportMTU:      450,
		RetryBaseDelay:    duration(2 * time.Second),
		RetryGrowthFactor: 2.0,
		RetryJitter:       0.25,
		RetryMaxAttempts:  5,
		ReassemblyTimeout: duration(2 * time.Minute),
		IntentTTL:         duration(15 * time.Minute),
		BalanceCacheTTL:   duration(time.Minute),
	}
}

// Load reads the configuration from path, creating a default file when
// none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown keys: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the reliability layer cannot operate with.
func (c *Config) Validate() error {
	if c.TransportMTU < 64 {
		return fmt.Errorf("TransportMTU %d is below the minimum of 64 bytes", c.TransportMTU)
	}
	if c.RetryGrowthFactor < 1 {
		return fmt.Errorf("RetryGrowthFactor must be at least 1, got %g", c.RetryGrowthFactor)
	}
	if c.RetryJitter < 0 || c.RetryJitter >= 1 {
		return fmt.Errorf("RetryJitter must be in [0,1), got %g", c.RetryJitter)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RetryMaxAttempts must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBase() <= 0 {
		return fmt.Errorf("RetryBaseDelay must be positive")
	}
	if c.ReassemblyWindow() <= 0 {
		return fmt.Errorf("ReassemblyTimeout must be positive")
	}
	if c.IntentLifetime() <= 0 {
		return fmt.Errorf("IntentTTL must be positive")
	}
	if strings.TrimSpace(c.WalletRPCURL) == "" {
		return fmt.Errorf("WalletRPCURL must be set")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LogLevel %q is not one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
