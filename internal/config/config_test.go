package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const validTOML = `
[system]
name = "zenith"
version = "1.0.0"
environment = "test"
start_date = "2026-08-01"

[paths]
base_dir = "%[1]s"
logs_dir = "%[1]s/logs"
data_dir = "%[1]s/data"

[logging]
level = "info"
format = "text"
async_enabled = true

[performance]
market_data_queue_size = 65536
order_queue_size = 4096
response_queue_size = 4096

[cpu_config]
trading_core = -1
market_data_core = -1
order_gateway_core = -1
logging_core = -1

[trading]
max_position_value = 1000000.0
max_daily_loss = 50000.0
max_order_rate_per_sec = 100
max_order_size = 1000.0
min_order_size = 1.0
min_price = 0.01
max_price = 100000.0
position_limit_per_symbol = 500.0

[binance]
enabled = true
api_endpoint = "https://api.binance.test"
websocket_endpoint = "wss://stream.binance.test/ws"
symbols = ["BTCUSDT"]
depth = 20

[strategies.market_maker]
enabled = true
spread_bps = 10.0
min_edge_bps = 5.0
quote_size = 1.0
quote_lifetime_ms = 500

[testing]
paper_trading_enabled = true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "zenith.toml")
	if err := os.WriteFile(path, []byte(fmt.Sprintf(body, dir)), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, validTOML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.System.Name != "zenith" {
		t.Errorf("system.name = %q, want zenith", cfg.System.Name)
	}
	if cfg.Performance.MarketDataQueueSize != 65536 {
		t.Errorf("market_data_queue_size = %d, want 65536", cfg.Performance.MarketDataQueueSize)
	}
	if !cfg.Binance.Enabled || cfg.Binance.Depth != 20 {
		t.Errorf("binance venue not parsed: %+v", cfg.Binance)
	}
	if cfg.CPU.TradingCore != -1 {
		t.Errorf("trading_core = %d, want -1", cfg.CPU.TradingCore)
	}
}

func TestValidateRejectsNonPowerOfTwoQueues(t *testing.T) {
	path := writeConfig(t, validTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Performance.OrderQueueSize = 1000
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted a non-power-of-two queue size")
	}
}

func TestValidateRejectsBadLimits(t *testing.T) {
	path := writeConfig(t, validTOML)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_position_value", func(c *Config) { c.Trading.MaxPositionValue = 0 }},
		{"negative max_daily_loss", func(c *Config) { c.Trading.MaxDailyLoss = -100 }},
		{"zero order rate", func(c *Config) { c.Trading.MaxOrderRatePerSec = 0 }},
		{"inverted price band", func(c *Config) { c.Trading.MinPrice, c.Trading.MaxPrice = 10, 1 }},
		{"empty data_dir", func(c *Config) { c.Paths.DataDir = "" }},
		{"bad venue depth", func(c *Config) { c.Binance.Depth = 7 }},
		{"enabled venue without symbols", func(c *Config) { c.Binance.Symbols = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(path)
			if err != nil {
				t.Fatal(err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestEnsurePathsCreatesMissingDirs(t *testing.T) {
	path := writeConfig(t, validTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	if _, err := os.Stat(cfg.Paths.DataDir); err != nil {
		t.Errorf("data_dir not created: %v", err)
	}
}

func TestCredentialsFromEnvOnly(t *testing.T) {
	t.Setenv("ZENITH_API_KEY", "k")
	t.Setenv("ZENITH_API_SECRET", "s")
	t.Setenv("ZENITH_ACCESS_TOKEN", "tok")

	creds := LoadCredentials()
	if creds.APIKey != "k" || creds.APISecret != "s" || creds.AccessToken != "tok" {
		t.Errorf("credentials not read from env: %+v", creds)
	}
}
