// Package risk enforces pre-trade limits on every order intent.
//
// The gate is called synchronously on the engine thread before an intent is
// forwarded to the order manager, so the whole check chain has a sub-100 ns
// budget: no locks, no allocation, no map lookups — per-ticker state lives
// in a preallocated array indexed by TickerId.
//
// Checks run in a fixed order and the first failure aborts:
//
//  1. price inside the sanity band
//  2. quantity inside [min_size, max_size]
//  3. projected position (value and absolute quantity) inside limits
//  4. projected realized+unrealized loss above −max_daily_loss
//  5. order count in the current one-second window under max_order_rate_per_sec
//
// The rate window is a fixed one-second window (window id = now / 1 s) whose
// count restarts when the id changes. Both are packed into a single 64-bit
// word (window id in the high half, count in the low half) updated by CAS,
// with 56 bytes of padding on each side so the word alone occupies its cache
// line and rate accounting never false-shares with the position fields.
package risk

import (
	"sync/atomic"

	"shriven-zenith/pkg/types"
)

// Reason is the typed result of a gate check. ReasonOK means the intent
// passed and a rate token was reserved.
type Reason uint8

const (
	ReasonOK Reason = iota
	InvalidPrice
	InvalidSize
	OverPositionLimit
	OverLossLimit
	OverRateLimit
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "OK"
	case InvalidPrice:
		return "INVALID_PRICE"
	case InvalidSize:
		return "INVALID_SIZE"
	case OverPositionLimit:
		return "OVER_POSITION_LIMIT"
	case OverLossLimit:
		return "OVER_LOSS_LIMIT"
	case OverRateLimit:
		return "OVER_RATE_LIMIT"
	default:
		return "UNKNOWN"
	}
}

// Limits are the per-ticker hard limits, fixed at startup.
type Limits struct {
	MinPrice types.Price
	MaxPrice types.Price
	MinSize  types.Qty
	MaxSize  types.Qty

	// MaxPositionValue bounds |net qty × mark|, in notional price units.
	MaxPositionValue float64
	// PositionLimit bounds |net qty| per symbol.
	PositionLimit types.Qty
	// MaxDailyLoss is a positive magnitude; the projected total PnL must
	// stay above −MaxDailyLoss.
	MaxDailyLoss float64
	// MaxOrderRate is the order budget per fixed one-second window.
	MaxOrderRate uint32
}

const windowNs = 1_000_000_000

// tickerState is the per-ticker risk block, touched only by the engine
// thread. The rate word still uses a CAS so the window roll and the count
// bump commit as one indivisible word update.
type tickerState struct {
	limits Limits

	netQty        int64 // signed fixed-point quantity
	positionValue float64
	realizedPnL   float64
	unrealizedPnL float64

	_ [56]byte
	// rate packs (windowId << 32) | count; one CAS updates both halves.
	rate atomic.Uint64
	_    [56]byte

	rejects [6]uint64 // per-Reason counters
}

// Gate is the pre-trade risk gate for all tickers.
type Gate struct {
	states []tickerState
}

// NewGate creates a gate with identical limits for every ticker. Per-ticker
// overrides go through SetLimits before trading starts.
func NewGate(limits Limits) *Gate {
	g := &Gate{states: make([]tickerState, types.MaxTickers)}
	for i := range g.states {
		g.states[i].limits = limits
	}
	return g
}

// SetLimits replaces the limits for one ticker. Startup only.
func (g *Gate) SetLimits(id types.TickerId, l Limits) {
	g.states[id].limits = l
}

// Check runs the gate for an intent. On ReasonOK a rate token has been
// reserved; any other reason consumed nothing.
func (g *Gate) Check(id types.TickerId, side types.Side, price types.Price, qty types.Qty, nowNs uint64) Reason {
	s := &g.states[id]
	l := &s.limits

	if price < l.MinPrice || price > l.MaxPrice {
		s.rejects[InvalidPrice]++
		return InvalidPrice
	}
	if qty < l.MinSize || qty > l.MaxSize {
		s.rejects[InvalidSize]++
		return InvalidSize
	}

	signed := int64(qty)
	if side == types.Sell {
		signed = -signed
	}
	projectedQty := s.netQty + signed
	absQty := projectedQty
	if absQty < 0 {
		absQty = -absQty
	}
	notional := price.Float64() * qty.Float64()
	projectedValue := s.positionValue
	if signed > 0 {
		projectedValue += notional
	} else {
		projectedValue -= notional
	}
	if absQty > int64(l.PositionLimit) || abs(projectedValue) > l.MaxPositionValue {
		s.rejects[OverPositionLimit]++
		return OverPositionLimit
	}

	if s.realizedPnL+s.unrealizedPnL < -l.MaxDailyLoss {
		s.rejects[OverLossLimit]++
		return OverLossLimit
	}

	if !s.reserveToken(nowNs) {
		s.rejects[OverRateLimit]++
		return OverRateLimit
	}
	return ReasonOK
}

// reserveToken claims one slot in the current one-second window.
func (s *tickerState) reserveToken(nowNs uint64) bool {
	wid := nowNs / windowNs
	for {
		cur := s.rate.Load()
		curWid := cur >> 32
		count := uint32(cur)

		if curWid != wid {
			// Window rolled: restart the count at one.
			if s.rate.CompareAndSwap(cur, wid<<32|1) {
				return true
			}
			continue
		}
		if count >= s.limits.MaxOrderRate {
			return false
		}
		if s.rate.CompareAndSwap(cur, wid<<32|uint64(count+1)) {
			return true
		}
	}
}

// OnFill updates the position after an execution. Engine thread only.
func (g *Gate) OnFill(id types.TickerId, side types.Side, price types.Price, qty types.Qty) {
	s := &g.states[id]
	signed := int64(qty)
	if side == types.Sell {
		signed = -signed
	}
	s.netQty += signed
	s.positionValue = float64(abs64(s.netQty)) / types.QtyScale * price.Float64()
}

// OnMark refreshes the mark-dependent fields. Engine thread only.
func (g *Gate) OnMark(id types.TickerId, markPx types.Price, realized, unrealized float64) {
	s := &g.states[id]
	s.positionValue = float64(abs64(s.netQty)) / types.QtyScale * markPx.Float64()
	s.realizedPnL = realized
	s.unrealizedPnL = unrealized
}

// NetQty returns the current signed fixed-point position.
func (g *Gate) NetQty(id types.TickerId) int64 { return g.states[id].netQty }

// Rejections returns the per-reason reject counters for a ticker.
func (g *Gate) Rejections(id types.TickerId) [6]uint64 { return g.states[id].rejects }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
