// Shriven Zenith — an ultra-low-latency trading core.
//
// Architecture:
//
//	main.go              — entry point: config, wiring, signal handling
//	engine/engine.go     — trade-engine thread: books, features, risk, orders
//	feed/                — per-venue reader threads emitting normalized updates
//	feed/binance         — incremental depth-diff synchronizer (REST snapshot)
//	feed/kite            — binary partial-snapshot feed
//	gateway/             — order-gateway thread (REST or paper simulator)
//	ring/, pool/, clock/ — lock-free primitives shared by the hot threads
//	risk/                — synchronous pre-trade gate on the engine thread
//	strategy/            — market maker and liquidity taker policies
//	persist/             — fire-and-forget binary tick/snapshot sink
//	obs/                 — snapshot + Prometheus HTTP server, off hot path
//
// Data flow: venue frames → feed threads → SPSC rings → engine thread →
// (book → features → strategy → risk → orders) → order ring → gateway
// thread → venue, with responses returning on their own ring.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"shriven-zenith/internal/alog"
	"shriven-zenith/internal/config"
	"shriven-zenith/internal/engine"
	"shriven-zenith/internal/feed"
	"shriven-zenith/internal/feed/binance"
	"shriven-zenith/internal/feed/kite"
	"shriven-zenith/internal/gateway"
	"shriven-zenith/internal/obs"
	"shriven-zenith/internal/persist"
	"shriven-zenith/internal/ring"
	"shriven-zenith/internal/risk"
	"shriven-zenith/internal/strategy"
	"shriven-zenith/pkg/types"
)

const (
	defaultOrderCapacity = 4096
	persistFileSizeMB    = 256
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/zenith.toml"
	if p := os.Getenv("ZENITH_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return 1
	}
	if err := cfg.EnsurePaths(); err != nil {
		slog.Error("failed to create paths", "error", err)
		return 1
	}

	// Set up logging: text or JSON inner handler, fronted by the async
	// ring sink when enabled so hot threads never block on I/O.
	var inner slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		inner = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		inner = slog.NewTextHandler(os.Stdout, opts)
	}

	var sink *alog.Sink
	handler := inner
	if cfg.Logging.AsyncEnabled {
		sink = alog.NewSink(inner, 8192)
		handler = alog.NewHandler(sink, parseLogLevel(cfg.Logging.Level))
		defer sink.Close()
	}
	logger := slog.New(handler)

	// Instrument registry: dense ticker ids across both venues.
	var (
		instruments []engine.Instrument
		nextId      types.TickerId
	)
	register := func(symbol string, depth int) types.TickerId {
		id := nextId
		nextId++
		instruments = append(instruments, engine.Instrument{Id: id, Symbol: symbol, Depth: depth})
		return id
	}

	// Rings: one market-data ring per venue connection, one order ring and
	// one response ring between engine and gateway.
	orderRing := ring.New[types.OrderRequest](uint64(cfg.Performance.OrderQueueSize))
	respRing := ring.New[types.OrderResponse](uint64(cfg.Performance.ResponseQueueSize))

	var (
		feeds     []engine.VenueFeed
		conns     []*feed.Conn
	)

	if cfg.Binance.Enabled {
		mdRing := ring.New[types.MarketUpdate](uint64(cfg.Performance.MarketDataQueueSize))
		adapter := binance.New(cfg.Binance.APIEndpoint, cfg.Binance.SnapshotLimit, logger)
		for _, sym := range cfg.Binance.Symbols {
			adapter.Register(sym, register(sym, cfg.Binance.Depth))
		}
		conn := feed.NewConn(feed.Config{
			Name:       "binance",
			URL:        cfg.Binance.WebsocketEndpoint,
			Out:        mdRing,
			Handler:    adapter,
			Core:       cfg.CPU.MarketDataCore,
			RTPriority: rtPriority(cfg),
			ParseLimit: cfg.Binance.ParseFailLimit,
		}, logger)
		conns = append(conns, conn)
		feeds = append(feeds, engine.VenueFeed{
			Name:       "binance",
			Updates:    mdRing,
			Dropped:    conn.Dropped,
			ParseFails: conn.ParseFails,
			Reconnects: conn.Reconnects,
		})
	}

	if cfg.Kite.Enabled {
		mdRing := ring.New[types.MarketUpdate](uint64(cfg.Performance.MarketDataQueueSize))
		creds := config.LoadCredentials()
		adapter := kite.New(creds.AccessToken, logger)
		for _, sym := range cfg.Kite.Symbols {
			token, err := strconv.ParseUint(sym, 10, 32)
			if err != nil {
				logger.Error("kite symbols must be numeric instrument tokens", "symbol", sym)
				return 1
			}
			adapter.Register(uint32(token), register(sym, cfg.Kite.Depth))
		}
		conn := feed.NewConn(feed.Config{
			Name:       "kite",
			URL:        cfg.Kite.WebsocketEndpoint,
			Out:        mdRing,
			Handler:    adapter,
			Core:       cfg.CPU.MarketDataCore,
			RTPriority: rtPriority(cfg),
			ParseLimit: cfg.Kite.ParseFailLimit,
		}, logger)
		conns = append(conns, conn)
		feeds = append(feeds, engine.VenueFeed{
			Name:       "kite",
			Updates:    mdRing,
			Dropped:    conn.Dropped,
			ParseFails: conn.ParseFails,
			Reconnects: conn.Reconnects,
		})
	}

	if len(feeds) == 0 {
		logger.Error("no venue enabled")
		return 1
	}

	// Persistence sink for ticks and snapshots.
	var sinkP *persist.Sink
	if cfg.Paths.DataDir != "" {
		sinkP, err = persist.Open(cfg.Paths.DataDir, cfg.System.Name,
			persistFileSizeMB, 8192, logger)
		if err != nil {
			logger.Error("failed to open persist sink", "error", err)
			return 1
		}
		defer sinkP.Close()
	}

	// Strategies.
	tick := types.Price(types.PriceScale / 100) // 0.01 default increment
	var strategies []strategy.Strategy
	if cfg.Strategies.MarketMaker.Enabled {
		strategies = append(strategies, strategy.NewMaker(cfg.Strategies.MarketMaker, tick, logger))
	}
	if cfg.Strategies.LiquidityTaker.Enabled {
		strategies = append(strategies, strategy.NewTaker(
			cfg.Strategies.LiquidityTaker,
			types.Qty(cfg.Trading.MinOrderSize*types.QtyScale),
			types.Qty(cfg.Trading.MaxOrderSize*types.QtyScale),
			tick, logger))
	}
	strategies = append(strategies, strategy.NewArbitrage(cfg.Strategies.Arbitrage, logger))

	// Engine.
	eng := engine.New(engine.Config{
		Instruments: instruments,
		Feeds:       feeds,
		Responses:   respRing,
		OrderRing:   orderRing,
		RiskLimits: risk.Limits{
			MinPrice:         types.Price(cfg.Trading.MinPrice * types.PriceScale),
			MaxPrice:         types.Price(cfg.Trading.MaxPrice * types.PriceScale),
			MinSize:          types.Qty(cfg.Trading.MinOrderSize * types.QtyScale),
			MaxSize:          types.Qty(cfg.Trading.MaxOrderSize * types.QtyScale),
			MaxPositionValue: cfg.Trading.MaxPositionValue,
			PositionLimit:    types.Qty(cfg.Trading.PositionLimitPerSymbol * types.QtyScale),
			MaxDailyLoss:     cfg.Trading.MaxDailyLoss,
			MaxOrderRate:     uint32(cfg.Trading.MaxOrderRatePerSec),
		},
		OrderCapacity: defaultOrderCapacity,
		Strategies:    strategies,
		Persist:       sinkP,
		Core:          cfg.CPU.TradingCore,
		RTPriority:    rtPriority(cfg),
		LogDrops:      logDrops(sink),
	}, logger)

	// Gateway: paper simulator or live REST, per testing config.
	var transport gateway.Transport
	if cfg.Testing.PaperTradingEnabled || cfg.Testing.SimulationMode {
		logger.Warn("PAPER TRADING MODE — no real orders will be placed")
		transport = gateway.NewSimTransport(true, logger)
	} else {
		venue := cfg.Binance
		if !venue.Enabled {
			venue = cfg.Kite
		}
		transport = gateway.NewRESTTransport(venue.APIEndpoint, config.LoadCredentials(), venue.OrderTag, logger)
	}
	gw := gateway.New(gateway.Config{
		In:         orderRing,
		Out:        respRing,
		Transport:  transport,
		RatePerSec: cfg.Binance.RateLimitPerSec,
		Core:       cfg.CPU.OrderGatewayCore,
		RTPriority: rtPriority(cfg),
	}, logger)

	// Observability server.
	var obsServer *obs.Server
	if cfg.Obs.Enabled {
		obsServer = obs.NewServer(cfg.Obs.Port, eng, logger)
		go func() {
			if err := obsServer.Start(); err != nil {
				logger.Error("observability server failed", "error", err)
			}
		}()
	}

	// Start order path first so the engine never emits into a dead ring,
	// then the engine, then the feeds.
	gw.Start()
	eng.Start()
	for _, c := range conns {
		c.Start()
	}

	logger.Info("shriven zenith started",
		"environment", cfg.System.Environment,
		"instruments", len(instruments),
		"paper_trading", cfg.Testing.PaperTradingEnabled,
	)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Orderly shutdown: feeds first (no new updates), then engine (drains),
	// then gateway, then the observability server.
	for _, c := range conns {
		c.Stop()
	}
	eng.Stop()
	gw.Stop()
	if obsServer != nil {
		if err := obsServer.Stop(); err != nil {
			logger.Error("failed to stop observability server", "error", err)
		}
	}

	if sig == syscall.SIGINT {
		return 130
	}
	return 0
}

func logDrops(sink *alog.Sink) func() uint64 {
	if sink == nil {
		return nil
	}
	return sink.Dropped
}

func rtPriority(cfg *config.Config) int {
	if !cfg.CPU.EnableRealtime {
		return 0
	}
	return cfg.CPU.RealtimePriority
}

func parseLogLevel(level string) slog.Level {
	switch level {
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
