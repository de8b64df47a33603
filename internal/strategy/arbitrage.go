package strategy

import (
	"log/slog"

	"shriven-zenith/internal/config"
	"shriven-zenith/internal/features"
	"shriven-zenith/internal/position"
	"shriven-zenith/pkg/types"
)

// Arbitrage is a declared strategy slot with no trading logic behind it.
// The config section is parsed and carried so existing deployments keep
// their parameters, but enabling it only logs a notice at startup; every
// event callback is a no-op.
type Arbitrage struct{}

// NewArbitrage returns the disabled slot.
func NewArbitrage(cfg config.ArbitrageConfig, logger *slog.Logger) *Arbitrage {
	if cfg.Enabled {
		logger.Warn("arbitrage strategy is configured but not implemented; slot stays idle")
	}
	return &Arbitrage{}
}

func (a *Arbitrage) OnBook(types.TickerId, features.Features, *position.Position, uint64, OrderSink) {
}
func (a *Arbitrage) OnTrade(types.TickerId, features.Features, uint64, OrderSink)       {}
func (a *Arbitrage) OnOrderUpdate(types.TickerId, types.ClientOrderId, types.OrderState) {}
