// Package config defines all configuration for the trading system.
// Config is loaded from a TOML file (default: configs/zenith.toml) with
// credentials supplied exclusively via ZENITH_* environment variables —
// API keys and secrets are never read from files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the TOML sections.
type Config struct {
	System      SystemConfig      `mapstructure:"system"`
	Paths       PathsConfig       `mapstructure:"paths"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Performance PerformanceConfig `mapstructure:"performance"`
	CPU         CPUConfig         `mapstructure:"cpu_config"`
	Trading     TradingConfig     `mapstructure:"trading"`
	Binance     VenueConfig       `mapstructure:"binance"`
	Kite        VenueConfig       `mapstructure:"kite"`
	Strategies  StrategiesConfig  `mapstructure:"strategies"`
	Testing     TestingConfig     `mapstructure:"testing"`
	Obs         ObsConfig         `mapstructure:"observability"`
}

// ObsConfig controls the off-hot-path HTTP server (snapshot + metrics).
type ObsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SystemConfig identifies the deployment.
type SystemConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	StartDate   string `mapstructure:"start_date"`
}

// PathsConfig lists the directories the process reads and writes. Missing
// directories are created at startup; empty required paths are rejected.
type PathsConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	LogsDir        string `mapstructure:"logs_dir"`
	DataDir        string `mapstructure:"data_dir"`
	CacheDir       string `mapstructure:"cache_dir"`
	SessionDir     string `mapstructure:"session_dir"`
	InstrumentsDir string `mapstructure:"instruments_dir"`
	EnvFile        string `mapstructure:"env_file"`
}

type LoggingConfig struct {
	Level           string `mapstructure:"level"`
	Format          string `mapstructure:"format"` // "text" or "json"
	MaxFileSizeMB   int    `mapstructure:"max_file_size_mb"`
	RotationCount   int    `mapstructure:"rotation_count"`
	AsyncEnabled    bool   `mapstructure:"async_enabled"`
	LatencyTargetNs int    `mapstructure:"latency_target_ns"`
}

// PerformanceConfig sizes the preallocated hot-path structures. All queue
// sizes must be powers of two (validated at startup, fatal otherwise).
type PerformanceConfig struct {
	ThreadCount         int  `mapstructure:"thread_count"`
	CPUAffinityEnabled  bool `mapstructure:"cpu_affinity_enabled"`
	RealtimePriority    int  `mapstructure:"realtime_priority"`
	MemoryPoolSizeMB    int  `mapstructure:"memory_pool_size_mb"`
	UseHugePages        bool `mapstructure:"use_huge_pages"`
	NumaAware           bool `mapstructure:"numa_aware"`
	MarketDataQueueSize int  `mapstructure:"market_data_queue_size"`
	OrderQueueSize      int  `mapstructure:"order_queue_size"`
	ResponseQueueSize   int  `mapstructure:"response_queue_size"`
}

// CPUConfig assigns cores to threads. -1 means "no affinity" for that
// thread; the process then runs wherever the scheduler puts it.
type CPUConfig struct {
	TradingCore      int  `mapstructure:"trading_core"`
	MarketDataCore   int  `mapstructure:"market_data_core"`
	OrderGatewayCore int  `mapstructure:"order_gateway_core"`
	LoggingCore      int  `mapstructure:"logging_core"`
	NumaNode         int  `mapstructure:"numa_node"`
	EnableRealtime   bool `mapstructure:"enable_realtime"`
	RealtimePriority int  `mapstructure:"realtime_priority"`
}

// TradingConfig sets the hard pre-trade limits and latency targets.
// MaxDailyLoss is a positive magnitude compared against absolute loss.
type TradingConfig struct {
	MaxPositionValue           float64 `mapstructure:"max_position_value"`
	MaxDailyLoss               float64 `mapstructure:"max_daily_loss"`
	MaxOrderRatePerSec         int     `mapstructure:"max_order_rate_per_sec"`
	MaxOrderSize               float64 `mapstructure:"max_order_size"`
	MinOrderSize               float64 `mapstructure:"min_order_size"`
	MinPrice                   float64 `mapstructure:"min_price"`
	MaxPrice                   float64 `mapstructure:"max_price"`
	PositionLimitPerSymbol     float64 `mapstructure:"position_limit_per_symbol"`
	MarketDataLatencyTargetNs  int     `mapstructure:"market_data_latency_target_ns"`
	OrderPlacementLatencyUs    int     `mapstructure:"order_placement_latency_target_us"`
	RiskCheckLatencyTargetNs   int     `mapstructure:"risk_check_latency_target_ns"`
}

// VenueConfig describes one exchange connection. Credentials (api key,
// secret, access token) come only from the environment, never from here.
type VenueConfig struct {
	Enabled           bool     `mapstructure:"enabled"`
	APIEndpoint       string   `mapstructure:"api_endpoint"`
	WebsocketEndpoint string   `mapstructure:"websocket_endpoint"`
	Symbols           []string `mapstructure:"symbols"`
	Depth             int      `mapstructure:"depth"`
	SnapshotLimit     int      `mapstructure:"snapshot_limit"`
	RateLimitPerSec   int      `mapstructure:"rate_limit_per_sec"`
	OrderTag          string   `mapstructure:"order_tag"`
	ParseFailLimit    int      `mapstructure:"parse_fail_limit"`
}

// StrategiesConfig holds per-strategy parameter blocks. The arbitrage
// section is parsed but not validated, and the strategy slot is not
// implemented.
type StrategiesConfig struct {
	MarketMaker    MarketMakerConfig    `mapstructure:"market_maker"`
	LiquidityTaker LiquidityTakerConfig `mapstructure:"liquidity_taker"`
	Arbitrage      ArbitrageConfig      `mapstructure:"arbitrage"`
}

// MarketMakerConfig tunes the quoting strategy.
type MarketMakerConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	SpreadBps       float64 `mapstructure:"spread_bps"`
	MinEdgeBps      float64 `mapstructure:"min_edge_bps"`
	QuoteSize       float64 `mapstructure:"quote_size"`
	InventoryLimit  float64 `mapstructure:"inventory_limit"`
	QuoteLifetimeMs int     `mapstructure:"quote_lifetime_ms"`
	SkewEnabled     bool    `mapstructure:"skew_enabled"`
}

// LiquidityTakerConfig tunes the aggressive strategy.
type LiquidityTakerConfig struct {
	Enabled            bool    `mapstructure:"enabled"`
	ImbalanceThreshold float64 `mapstructure:"imbalance_threshold"`
	AggRatioThreshold  float64 `mapstructure:"agg_ratio_threshold"`
	Clip               float64 `mapstructure:"clip"`
	MaxSlippageTicks   int     `mapstructure:"max_slippage_ticks"`
	CooldownMs         int     `mapstructure:"cooldown_ms"`
}

// ArbitrageConfig is a declared strategy slot with no implementation behind
// it; parameters are accepted so configs carry forward unchanged.
type ArbitrageConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	MinEdgeBps   float64 `mapstructure:"min_edge_bps"`
	MaxLegSizeUS float64 `mapstructure:"max_leg_size_usd"`
}

type TestingConfig struct {
	PaperTradingEnabled bool `mapstructure:"paper_trading_enabled"`
	BacktestingEnabled  bool `mapstructure:"backtesting_enabled"`
	SimulationMode      bool `mapstructure:"simulation_mode"`
}

// Credentials is the opaque bundle the gateways consume. Populated from the
// environment only.
type Credentials struct {
	APIKey      string
	APISecret   string
	AccessToken string
}

// Load reads config from a TOML file with env var overrides for
// non-credential options (prefix ZENITH_, dots become underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ZENITH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadCredentials reads the venue credential bundle from the environment.
func LoadCredentials() Credentials {
	return Credentials{
		APIKey:      os.Getenv("ZENITH_API_KEY"),
		APISecret:   os.Getenv("ZENITH_API_SECRET"),
		AccessToken: os.Getenv("ZENITH_ACCESS_TOKEN"),
	}
}

// QuoteLifetime returns the market-maker quote lifetime as a duration.
func (c MarketMakerConfig) QuoteLifetime() time.Duration {
	return time.Duration(c.QuoteLifetimeMs) * time.Millisecond
}

// Cooldown returns the taker cooldown as a duration.
func (c LiquidityTakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Validate checks all required fields and value ranges. Any error here is
// fatal at startup (exit code 1); the process never starts half-configured.
func (c *Config) Validate() error {
	if c.System.Name == "" {
		return fmt.Errorf("system.name is required")
	}

	for _, q := range []struct {
		name string
		val  int
	}{
		{"performance.market_data_queue_size", c.Performance.MarketDataQueueSize},
		{"performance.order_queue_size", c.Performance.OrderQueueSize},
		{"performance.response_queue_size", c.Performance.ResponseQueueSize},
	} {
		if !isPowerOfTwo(q.val) {
			return fmt.Errorf("%s must be a power of two, got %d", q.name, q.val)
		}
	}

	if c.Trading.MaxPositionValue <= 0 {
		return fmt.Errorf("trading.max_position_value must be > 0")
	}
	if c.Trading.MaxDailyLoss <= 0 {
		return fmt.Errorf("trading.max_daily_loss must be > 0 (positive magnitude)")
	}
	if c.Trading.MaxOrderRatePerSec <= 0 {
		return fmt.Errorf("trading.max_order_rate_per_sec must be > 0")
	}
	if c.Trading.MaxOrderSize <= 0 {
		return fmt.Errorf("trading.max_order_size must be > 0")
	}
	if c.Trading.MaxPrice <= c.Trading.MinPrice {
		return fmt.Errorf("trading.max_price must exceed trading.min_price")
	}

	for _, p := range []struct {
		name string
		val  string
	}{
		{"paths.base_dir", c.Paths.BaseDir},
		{"paths.logs_dir", c.Paths.LogsDir},
		{"paths.data_dir", c.Paths.DataDir},
	} {
		if p.val == "" {
			return fmt.Errorf("%s is required", p.name)
		}
	}

	for name, vc := range map[string]VenueConfig{"binance": c.Binance, "kite": c.Kite} {
		if !vc.Enabled {
			continue
		}
		if vc.WebsocketEndpoint == "" {
			return fmt.Errorf("%s.websocket_endpoint is required when enabled", name)
		}
		if len(vc.Symbols) == 0 {
			return fmt.Errorf("%s.symbols must not be empty when enabled", name)
		}
		if vc.Depth != 5 && vc.Depth != 10 && vc.Depth != 20 {
			return fmt.Errorf("%s.depth must be 5, 10 or 20, got %d", name, vc.Depth)
		}
	}

	if c.Strategies.MarketMaker.Enabled && c.Strategies.MarketMaker.QuoteSize <= 0 {
		return fmt.Errorf("strategies.market_maker.quote_size must be > 0")
	}
	if c.Strategies.LiquidityTaker.Enabled && c.Strategies.LiquidityTaker.Clip <= 0 {
		return fmt.Errorf("strategies.liquidity_taker.clip must be > 0")
	}

	return nil
}

// EnsurePaths creates every configured directory that does not yet exist.
func (c *Config) EnsurePaths() error {
	for _, dir := range []string{
		c.Paths.BaseDir,
		c.Paths.LogsDir,
		c.Paths.DataDir,
		c.Paths.CacheDir,
		c.Paths.SessionDir,
		c.Paths.InstrumentsDir,
	} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// LogFilePath returns the rotating log file target under logs_dir.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.Paths.LogsDir, c.System.Name+".log")
}
