package position

import (
	"math"
	"testing"

	"shriven-zenith/pkg/types"
)

func px(v float64) types.Price { return types.Price(v * types.PriceScale) }
func qt(v float64) types.Qty   { return types.Qty(v * types.QtyScale) }

func TestOpenAndAverageEntry(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	tr.OnFill(1, types.Buy, px(100), qt(10))
	p := tr.OnFill(1, types.Buy, px(110), qt(10))

	if p.NetQty != int64(qt(20)) {
		t.Errorf("net qty = %d, want 20", p.NetQty)
	}
	// Blended entry: (100×10 + 110×10)/20 = 105.
	if p.AvgEntryPx != px(105) {
		t.Errorf("avg entry = %v, want 105", p.AvgEntryPx.Float64())
	}
}

func TestRealizedPnLOnReduce(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	tr.OnFill(1, types.Buy, px(100), qt(10))
	p := tr.OnFill(1, types.Sell, px(105), qt(4))

	if math.Abs(p.RealizedPnL-20) > 1e-6 { // (105−100) × 4
		t.Errorf("realized = %v, want 20", p.RealizedPnL)
	}
	if p.NetQty != int64(qt(6)) {
		t.Errorf("net qty = %d, want 6", p.NetQty)
	}
	// Entry price of the remainder is unchanged.
	if p.AvgEntryPx != px(100) {
		t.Errorf("avg entry = %v, want 100", p.AvgEntryPx.Float64())
	}
}

func TestFlipThroughZero(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	tr.OnFill(1, types.Buy, px(100), qt(5))
	p := tr.OnFill(1, types.Sell, px(110), qt(8))

	if math.Abs(p.RealizedPnL-50) > 1e-6 { // closed 5 @ +10
		t.Errorf("realized = %v, want 50", p.RealizedPnL)
	}
	if p.NetQty != -int64(qt(3)) {
		t.Errorf("net qty = %d, want −3", p.NetQty)
	}
	if p.AvgEntryPx != px(110) {
		t.Errorf("remainder entry = %v, want 110", p.AvgEntryPx.Float64())
	}
}

func TestShortSidePnL(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	tr.OnFill(1, types.Sell, px(100), qt(10))
	p := tr.OnMark(1, px(95))

	if math.Abs(p.UnrealizedPnL-50) > 1e-6 { // short 10, mark −5
		t.Errorf("unrealized = %v, want 50", p.UnrealizedPnL)
	}

	p = tr.OnFill(1, types.Buy, px(90), qt(10)) // cover at 90: +10 × 10
	if math.Abs(p.RealizedPnL-100) > 1e-6 {
		t.Errorf("realized = %v, want 100", p.RealizedPnL)
	}
	if p.NetQty != 0 || p.UnrealizedPnL != 0 {
		t.Errorf("flat position carries PnL: %+v", p)
	}
}

func TestMarkToMarket(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	tr.OnFill(1, types.Buy, px(100), qt(2))
	p := tr.OnMark(1, px(103))

	if p.LastMarkPx != px(103) {
		t.Errorf("mark = %v, want 103", p.LastMarkPx.Float64())
	}
	if math.Abs(p.UnrealizedPnL-6) > 1e-6 {
		t.Errorf("unrealized = %v, want 6", p.UnrealizedPnL)
	}
	if math.Abs(tr.TotalPnL(1)-6) > 1e-6 {
		t.Errorf("total = %v, want 6", tr.TotalPnL(1))
	}
}

func TestTickersIndependent(t *testing.T) {
	t.Parallel()
	tr := NewTracker()

	tr.OnFill(1, types.Buy, px(100), qt(1))
	if tr.Get(2).NetQty != 0 {
		t.Error("fill on ticker 1 leaked into ticker 2")
	}
}
