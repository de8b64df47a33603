// Package position tracks per-ticker inventory and PnL.
//
// One Position per ticker, mutated only by the engine thread on fills and
// marks. Average entry price is maintained on position increases; realized
// PnL is locked in when a fill reduces or flips the position; unrealized
// PnL is recomputed against the latest mark.
package position

import (
	"sync/atomic"

	"shriven-zenith/pkg/types"
)

// Position is the per-ticker inventory block.
type Position struct {
	NetQty        int64 // signed fixed-point quantity
	AvgEntryPx    types.Price
	RealizedPnL   float64
	UnrealizedPnL float64
	LastMarkPx    types.Price
}

// versionSlot is a per-ticker seqlock word, cache-line isolated so the
// observability reader never false-shares with neighbouring tickers.
type versionSlot struct {
	v atomic.Uint64
	_ [56]byte
}

// Tracker holds all positions, indexed by TickerId. The engine thread is
// the single writer; other threads read through CopyPosition.
type Tracker struct {
	positions []Position
	versions  []versionSlot
}

// NewTracker preallocates positions for every possible ticker.
func NewTracker() *Tracker {
	return &Tracker{
		positions: make([]Position, types.MaxTickers),
		versions:  make([]versionSlot, types.MaxTickers),
	}
}

func (t *Tracker) beginWrite(id types.TickerId) { t.versions[id].v.Add(1) }
func (t *Tracker) endWrite(id types.TickerId)   { t.versions[id].v.Add(1) }

// CopyPosition reads a position from a non-owning thread using the seqlock
// pattern. Returns false when no consistent copy was possible within the
// retry bound.
func (t *Tracker) CopyPosition(id types.TickerId, dst *Position) bool {
	const maxRetries = 16
	for i := 0; i < maxRetries; i++ {
		v1 := t.versions[id].v.Load()
		if v1&1 != 0 {
			continue
		}
		*dst = t.positions[id]
		if t.versions[id].v.Load() == v1 {
			return true
		}
	}
	return false
}

// Get returns the position for a ticker. The pointer stays valid for the
// process lifetime; only the engine thread may write through it.
func (t *Tracker) Get(id types.TickerId) *Position {
	return &t.positions[id]
}

// OnFill applies one execution and returns the updated position.
func (t *Tracker) OnFill(id types.TickerId, side types.Side, price types.Price, qty types.Qty) *Position {
	t.beginWrite(id)
	defer t.endWrite(id)
	p := &t.positions[id]
	signed := int64(qty)
	if side == types.Sell {
		signed = -signed
	}

	switch {
	case p.NetQty == 0 || sameSign(p.NetQty, signed):
		// Opening or adding: blend the average entry.
		oldAbs := abs64(p.NetQty)
		newAbs := oldAbs + abs64(signed)
		if newAbs > 0 {
			p.AvgEntryPx = types.Price(
				(int64(p.AvgEntryPx)*oldAbs + int64(price)*abs64(signed)) / newAbs,
			)
		}
		p.NetQty += signed

	default:
		// Reducing or flipping: realize PnL on the closed quantity.
		closed := abs64(signed)
		if closed > abs64(p.NetQty) {
			closed = abs64(p.NetQty)
		}
		pnlPerUnit := price.Float64() - p.AvgEntryPx.Float64()
		if p.NetQty < 0 {
			pnlPerUnit = -pnlPerUnit
		}
		p.RealizedPnL += pnlPerUnit * float64(closed) / types.QtyScale

		p.NetQty += signed
		if p.NetQty == 0 {
			p.AvgEntryPx = 0
		} else if abs64(signed) > closed {
			// Flipped through zero: remainder opens at the fill price.
			p.AvgEntryPx = price
		}
	}

	t.markLocked(p, price)
	return p
}

// OnMark refreshes unrealized PnL against a new mark price.
func (t *Tracker) OnMark(id types.TickerId, markPx types.Price) *Position {
	t.beginWrite(id)
	defer t.endWrite(id)
	p := &t.positions[id]
	t.markLocked(p, markPx)
	return p
}

func (t *Tracker) markLocked(p *Position, markPx types.Price) {
	p.LastMarkPx = markPx
	if p.NetQty == 0 {
		p.UnrealizedPnL = 0
		return
	}
	diff := markPx.Float64() - p.AvgEntryPx.Float64()
	if p.NetQty < 0 {
		diff = -diff
	}
	p.UnrealizedPnL = diff * float64(abs64(p.NetQty)) / types.QtyScale
}

// TotalPnL returns realized + unrealized for one ticker.
func (t *Tracker) TotalPnL(id types.TickerId) float64 {
	p := &t.positions[id]
	return p.RealizedPnL + p.UnrealizedPnL
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
