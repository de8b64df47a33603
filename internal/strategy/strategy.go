// Package strategy implements the trading policies that run on the engine
// thread: a spread-capturing market maker and an imbalance-driven liquidity
// taker, plus a declared-but-disabled arbitrage slot.
//
// Strategies are invoked synchronously after each feature update through a
// narrow capability interface — no goroutines, no channels, no virtual
// dispatch beyond the one interface call per event. Order flow goes through
// an OrderSink (the engine), which runs the risk gate before anything
// reaches the order manager.
package strategy

import (
	"shriven-zenith/internal/features"
	"shriven-zenith/internal/position"
	"shriven-zenith/pkg/types"
)

// Strategy ids stamped onto order requests.
const (
	IdMarketMaker    uint8 = 1
	IdLiquidityTaker uint8 = 2
	IdArbitrage      uint8 = 3
)

// OrderSink is what a strategy may do with the order flow. The engine
// implements it; every Place passes the risk gate first.
type OrderSink interface {
	Place(id types.TickerId, side types.Side, price types.Price, qty types.Qty, strategyId uint8, nowNs uint64) (types.ClientOrderId, bool)
	Cancel(id types.ClientOrderId, nowNs uint64) bool
}

// Strategy is the capability interface the engine dispatches on. All
// methods run on the engine thread.
type Strategy interface {
	// OnBook fires after book-derived features refresh for a ticker.
	OnBook(id types.TickerId, f features.Features, pos *position.Position, nowNs uint64, sink OrderSink)
	// OnTrade fires after a trade event updated the flow window.
	OnTrade(id types.TickerId, f features.Features, nowNs uint64, sink OrderSink)
	// OnOrderUpdate reports lifecycle progress of the strategy's own
	// orders so it can track which quotes are still working.
	OnOrderUpdate(id types.TickerId, clientId types.ClientOrderId, state types.OrderState)
}
