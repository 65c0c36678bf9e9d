package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 450, cfg.TransportMTU)
	require.Equal(t, 2*time.Second, cfg.RetryBase())
	require.Equal(t, 15*time.Minute, cfg.IntentLifetime())

	// The default file must round-trip through a second load.
	_, err = os.Stat(path)
	require.NoError(t, err)
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
NodeName = "relay-hf"
ListenAddress = ":5000"
LogLevel = "debug"
TransportMTU = 200
RetryBaseDelay = "5s"
RetryMaxAttempts = 3
IntentTTL = "30m"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "relay-hf", cfg.NodeName)
	require.Equal(t, 200, cfg.TransportMTU)
	require.Equal(t, 5*time.Second, cfg.RetryBase())
	require.Equal(t, 3, cfg.RetryMaxAttempts)
	require.Equal(t, 30*time.Minute, cfg.IntentLifetime())
	require.Equal(t, "debug", cfg.LogLevel)
	// Unset keys keep their defaults.
	require.Equal(t, "http://127.0.0.1:18082/json_rpc", cfg.WalletRPCURL)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("MaxPeers = 7\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"tiny mtu":       func(c *Config) { c.TransportMTU = 16 },
		"zero attempts":  func(c *Config) { c.RetryMaxAttempts = 0 },
		"shrink factor":  func(c *Config) { c.RetryGrowthFactor = 0.5 },
		"jitter too big": func(c *Config) { c.RetryJitter = 1.0 },
		"no wallet url":  func(c *Config) { c.WalletRPCURL = " " },
		"bad log level":  func(c *Config) { c.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s should fail validation", name)
		}
	}
	require.NoError(t, Default().Validate())
}
