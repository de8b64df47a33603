package strategy

import (
	"log/slog"
	"sync/atomic"

	"shriven-zenith/internal/config"
	"shriven-zenith/internal/features"
	"shriven-zenith/internal/position"
	"shriven-zenith/internal/ring"
	"shriven-zenith/pkg/types"
)

// takerState is the per-ticker cooldown timestamp, cache-line isolated so
// adjacent tickers never share a line. Only the engine thread touches it.
type takerState = ring.Padded[atomic.Uint64]

// Taker fires a single aggressive order when the book leans hard to one
// side: |imbalance| above the threshold, or the aggressive-trade ratio at
// or beyond its threshold. Price is the far touch padded by the configured
// slippage allowance; size is the configured clip. A per-ticker cooldown
// throttles refire.
type Taker struct {
	cfg     config.LiquidityTakerConfig
	limits  takerLimits
	tick    types.Price
	state   []takerState
	logger  *slog.Logger
	Intents uint64 // fired intents, surfaced via observability
}

// takerLimits clamp the clip to the venue's size band.
type takerLimits struct {
	minSize types.Qty
	maxSize types.Qty
}

// NewTaker creates the liquidity taker.
func NewTaker(cfg config.LiquidityTakerConfig, minSize, maxSize types.Qty, tickSize types.Price, logger *slog.Logger) *Taker {
	return &Taker{
		cfg:    cfg,
		limits: takerLimits{minSize: minSize, maxSize: maxSize},
		tick:   tickSize,
		state:  make([]takerState, types.MaxTickers),
		logger: logger.With("component", "taker"),
	}
}

// OnBook evaluates the imbalance trigger.
func (t *Taker) OnBook(id types.TickerId, f features.Features, _ *position.Position, nowNs uint64, sink OrderSink) {
	t.evaluate(id, f, nowNs, sink)
}

// OnTrade evaluates the aggressive-flow trigger.
func (t *Taker) OnTrade(id types.TickerId, f features.Features, nowNs uint64, sink OrderSink) {
	t.evaluate(id, f, nowNs, sink)
}

// OnOrderUpdate is a no-op: taker orders are fire-and-forget aggressive
// clips; the order manager and positions account for them.
func (t *Taker) OnOrderUpdate(types.TickerId, types.ClientOrderId, types.OrderState) {}

func (t *Taker) evaluate(id types.TickerId, f features.Features, nowNs uint64, sink OrderSink) {
	if !f.Valid {
		return
	}

	var side types.Side
	switch {
	case f.Imbalance > t.cfg.ImbalanceThreshold:
		side = types.Buy
	case f.Imbalance < -t.cfg.ImbalanceThreshold:
		side = types.Sell
	case f.AggTradeRatio >= t.cfg.AggRatioThreshold:
		side = types.Buy
	case 1-f.AggTradeRatio >= t.cfg.AggRatioThreshold:
		side = types.Sell
	default:
		return
	}

	s := &t.state[id]
	last := s.Value.Load()
	cooldown := uint64(t.cfg.CooldownMs) * 1_000_000
	if last != 0 && nowNs-last < cooldown {
		return
	}

	// Far touch padded with the slippage allowance so the clip trades
	// through thin top-of-book.
	slip := types.Price(t.cfg.MaxSlippageTicks) * t.tick
	var price types.Price
	if side == types.Buy {
		price = f.Mid + f.Spread/2 + slip
	} else {
		price = f.Mid - f.Spread/2 - slip
	}

	qty := types.Qty(t.cfg.Clip * types.QtyScale)
	if qty < t.limits.minSize {
		qty = t.limits.minSize
	}
	if qty > t.limits.maxSize {
		qty = t.limits.maxSize
	}

	if _, ok := sink.Place(id, side, price, qty, IdLiquidityTaker, nowNs); ok {
		s.Value.Store(nowNs)
		t.Intents++
	}
}
