// Package features derives per-tick trading signals from book and trade
// events: spread, mid, top-of-book imbalance, mid-price momentum, and the
// aggressive-trade ratio over a rolling one-second window.
//
// State per ticker is a handful of scalars overwritten in place — there is
// no history buffer and no allocation. The trade-flow window is two volume
// counters that reset when the window rolls, the same rolling-window
// approach the strategy layer uses for cooldowns.
package features

import (
	"shriven-zenith/internal/book"
	"shriven-zenith/pkg/types"
)

// windowNs is the trade-flow window: one second.
const windowNs = 1_000_000_000

// Features is the per-ticker signal block, overwritten on every update.
type Features struct {
	Mid           types.Price
	Spread        types.Price
	Imbalance     float64 // (bidQty − askQty)/(bidQty + askQty), in [−1, 1]
	Momentum      float64 // sign(Δmid) × |Δmid| in price units, clamped
	AggTradeRatio float64 // buy volume share of the rolling window
	Valid         bool
}

// momentumClampTicks bounds |momentum| so a crossed or glitching book can't
// feed an unbounded signal back into the strategies.
const momentumClampTicks = 100

// Engine computes features for one ticker.
type Engine struct {
	feat Features

	prevMid    types.Price
	hasPrevMid bool

	// Rolling 1-second trade-flow window.
	windowStartNs uint64
	buyVol        types.Qty
	sellVol       types.Qty
	sawTrade      bool
	haveBook      bool
}

// NewEngine creates a feature engine for one ticker.
func NewEngine() *Engine {
	return &Engine{}
}

// Current returns the latest feature block.
func (e *Engine) Current() Features { return e.feat }

// OnBookUpdate recomputes the book-derived features. Invalidates when either
// side is empty.
func (e *Engine) OnBookUpdate(b *book.Book) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		e.feat.Valid = false
		e.haveBook = false
		return
	}
	e.haveBook = true

	mid := (bid.Price + ask.Price) / 2
	e.feat.Spread = ask.Price - bid.Price
	e.feat.Mid = mid

	total := float64(bid.Qty) + float64(ask.Qty)
	if total > 0 {
		e.feat.Imbalance = (float64(bid.Qty) - float64(ask.Qty)) / total
	} else {
		e.feat.Imbalance = 0
	}

	if e.hasPrevMid {
		delta := float64(mid - e.prevMid)
		clamp := float64(momentumClampTicks * types.PriceScale)
		if delta > clamp {
			delta = clamp
		} else if delta < -clamp {
			delta = -clamp
		}
		// Crossed books produce a negative spread; freeze momentum rather
		// than chase a broken picture.
		if e.feat.Spread < 0 {
			delta = 0
		}
		e.feat.Momentum = delta
	}
	e.prevMid = mid
	e.hasPrevMid = true

	e.refreshValid()
}

// OnTrade folds one aggressive execution into the rolling window and
// recomputes the aggressive-trade ratio.
func (e *Engine) OnTrade(side types.Side, qty types.Qty, nowNs uint64) {
	if nowNs-e.windowStartNs >= windowNs {
		e.windowStartNs = nowNs
		e.buyVol, e.sellVol = 0, 0
	}
	switch side {
	case types.Buy:
		e.buyVol += qty
	case types.Sell:
		e.sellVol += qty
	default:
		return
	}
	e.sawTrade = true

	total := float64(e.buyVol) + float64(e.sellVol)
	if total > 0 {
		e.feat.AggTradeRatio = float64(e.buyVol) / total
	}
	e.refreshValid()
}

// Reset clears all state, used when the book resyncs (CLEAR).
func (e *Engine) Reset() {
	*e = Engine{}
}

// refreshValid sets the valid flag once both sides have at least one level
// and at least one trade has been observed.
func (e *Engine) refreshValid() {
	e.feat.Valid = e.haveBook && e.sawTrade
}
