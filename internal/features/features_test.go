package features

import (
	"math"
	"testing"

	"shriven-zenith/internal/book"
	"shriven-zenith/pkg/types"
)

func px(v float64) types.Price { return types.Price(v * types.PriceScale) }
func qt(v float64) types.Qty   { return types.Qty(v * types.QtyScale) }

func makeBook(t *testing.T, bidPx, askPx, bidQty, askQty float64) *book.Book {
	t.Helper()
	b := book.New(1, 5)
	b.Apply(&types.MarketUpdate{
		Type: types.UpdateAdd, Side: types.Buy,
		Price: px(bidPx), Qty: qt(bidQty), Sequence: 1,
	})
	b.Apply(&types.MarketUpdate{
		Type: types.UpdateAdd, Side: types.Sell,
		Price: px(askPx), Qty: qt(askQty), Sequence: 2,
	})
	return b
}

func TestBookDerivedFeatures(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	b := makeBook(t, 100.00, 100.10, 30, 10)

	e.OnBookUpdate(b)
	f := e.Current()

	if f.Mid != px(100.05) {
		t.Errorf("mid = %v, want 100.05", f.Mid.Float64())
	}
	if f.Spread != px(0.10) {
		t.Errorf("spread = %v, want 0.10", f.Spread.Float64())
	}
	// (30 − 10)/(30 + 10) = 0.5
	if math.Abs(f.Imbalance-0.5) > 1e-9 {
		t.Errorf("imbalance = %v, want 0.5", f.Imbalance)
	}
}

func TestInvalidWhenSideEmpty(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	b := book.New(1, 5)
	b.Apply(&types.MarketUpdate{
		Type: types.UpdateAdd, Side: types.Buy, Price: px(100), Qty: qt(1), Sequence: 1,
	})

	e.OnBookUpdate(b)
	if e.Current().Valid {
		t.Error("features valid with an empty ask side")
	}
}

func TestValidRequiresBookAndTrade(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	b := makeBook(t, 100, 100.1, 5, 5)

	e.OnBookUpdate(b)
	if e.Current().Valid {
		t.Error("valid before any trade was observed")
	}
	e.OnTrade(types.Buy, qt(1), 0)
	if !e.Current().Valid {
		t.Error("not valid after both sides present and a trade observed")
	}
}

func TestMomentumSignAndClamp(t *testing.T) {
	t.Parallel()
	e := NewEngine()

	e.OnBookUpdate(makeBook(t, 100.00, 100.10, 5, 5))
	e.OnBookUpdate(makeBook(t, 100.20, 100.30, 5, 5))
	if m := e.Current().Momentum; m <= 0 {
		t.Errorf("momentum = %v after upward move, want > 0", m)
	}

	e.OnBookUpdate(makeBook(t, 99.00, 99.10, 5, 5))
	if m := e.Current().Momentum; m >= 0 {
		t.Errorf("momentum = %v after downward move, want < 0", m)
	}

	// A wild jump clamps rather than exploding.
	e.OnBookUpdate(makeBook(t, 5000, 5000.1, 5, 5))
	limit := float64(100 * types.PriceScale)
	if m := e.Current().Momentum; m > limit {
		t.Errorf("momentum = %v not clamped to %v", m, limit)
	}
}

func TestAggTradeRatioWindow(t *testing.T) {
	t.Parallel()
	e := NewEngine()

	e.OnTrade(types.Buy, qt(3), 100)
	e.OnTrade(types.Sell, qt(1), 200)
	if r := e.Current().AggTradeRatio; math.Abs(r-0.75) > 1e-9 {
		t.Errorf("agg ratio = %v, want 0.75", r)
	}

	// Window rolls after one second; old volume is discarded.
	e.OnTrade(types.Sell, qt(2), 100+2_000_000_000)
	if r := e.Current().AggTradeRatio; r != 0 {
		t.Errorf("agg ratio after roll = %v, want 0 (all sell)", r)
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()
	e := NewEngine()
	e.OnBookUpdate(makeBook(t, 100, 100.1, 5, 5))
	e.OnTrade(types.Buy, qt(1), 0)

	e.Reset()
	f := e.Current()
	if f.Valid || f.Mid != 0 || f.AggTradeRatio != 0 {
		t.Errorf("Reset left state behind: %+v", f)
	}
}
