package strategy

import (
	"log/slog"

	"shriven-zenith/internal/config"
	"shriven-zenith/internal/features"
	"shriven-zenith/internal/position"
	"shriven-zenith/pkg/types"
)

// quote tracks one working side of the market maker.
type quote struct {
	id       types.ClientOrderId
	price    types.Price
	bornNs   uint64
	working  bool
	awaiting bool // placed, waiting for the engine to report lifecycle
}

// makerState is the per-ticker quoting state.
type makerState struct {
	bid quote
	ask quote
}

// Maker posts a symmetric two-sided quote around mid and re-centers it when
// features move or the quote ages out.
//
// When flat it quotes mid ± max(spread_bps, min_edge_bps)/2. With skew
// enabled and inventory beyond the limit, the side that would grow the
// position quotes wider so offsetting flow is preferred. Quotes older than
// quote_lifetime_ms, or more than one tick away from the refreshed
// theoretical price, are cancelled and replaced. At most one working order
// per side per ticker.
type Maker struct {
	cfg      config.MarketMakerConfig
	tickSize types.Price
	state    []makerState
	logger   *slog.Logger
}

// NewMaker creates the market maker. tickSize is the venue price increment.
func NewMaker(cfg config.MarketMakerConfig, tickSize types.Price, logger *slog.Logger) *Maker {
	return &Maker{
		cfg:      cfg,
		tickSize: tickSize,
		state:    make([]makerState, types.MaxTickers),
		logger:   logger.With("component", "maker"),
	}
}

// OnBook recomputes the theoretical quote and reconciles the working pair.
func (m *Maker) OnBook(id types.TickerId, f features.Features, pos *position.Position, nowNs uint64, sink OrderSink) {
	s := &m.state[id]

	if !f.Valid {
		m.pull(&s.bid, nowNs, sink)
		m.pull(&s.ask, nowNs, sink)
		return
	}

	bidPx, askPx := m.theoretical(f, pos)

	m.reconcile(id, &s.bid, types.Buy, bidPx, nowNs, sink)
	m.reconcile(id, &s.ask, types.Sell, askPx, nowNs, sink)
}

// OnTrade is a no-op for the maker; trade flow reaches it via features on
// the next book tick.
func (m *Maker) OnTrade(types.TickerId, features.Features, uint64, OrderSink) {}

// OnOrderUpdate clears quote tracking when a working order terminates.
func (m *Maker) OnOrderUpdate(id types.TickerId, clientId types.ClientOrderId, state types.OrderState) {
	s := &m.state[id]
	for _, q := range []*quote{&s.bid, &s.ask} {
		if q.id != clientId {
			continue
		}
		switch state {
		case types.Live:
			q.awaiting = false
		default:
			if state.Terminal() {
				*q = quote{}
			}
		}
	}
}

// theoretical derives the desired bid/ask from mid, configured edge, and
// inventory skew.
func (m *Maker) theoretical(f features.Features, pos *position.Position) (types.Price, types.Price) {
	bps := m.cfg.SpreadBps
	if m.cfg.MinEdgeBps > bps {
		bps = m.cfg.MinEdgeBps
	}
	half := types.Price(float64(f.Mid) * bps / 2 / 10_000)
	if half < m.tickSize {
		half = m.tickSize
	}

	bidPx := f.Mid - half
	askPx := f.Mid + half

	if m.cfg.SkewEnabled {
		limit := int64(m.cfg.InventoryLimit * types.QtyScale)
		if limit > 0 {
			// Widen the side that would push inventory further past the
			// limit: long beyond the limit backs the bid off, short beyond
			// it backs the ask off.
			if pos.NetQty > limit {
				bidPx -= half
			} else if pos.NetQty < -limit {
				askPx += half
			}
		}
	}
	return bidPx, askPx
}

// reconcile converges one side toward the desired price. A stale or moved
// quote is cancelled and replaced within the same tick; the tracker only
// ever holds one quote per side, so the side never carries two working
// orders (the cancelled one is in its terminal descent under the order
// manager, not quoting).
func (m *Maker) reconcile(id types.TickerId, q *quote, side types.Side, want types.Price, nowNs uint64, sink OrderSink) {
	if q.working {
		aged := nowNs-q.bornNs > uint64(m.cfg.QuoteLifetimeMs)*1_000_000
		moved := absPrice(want-q.price) > m.tickSize
		if !aged && !moved {
			return
		}
		if !sink.Cancel(q.id, nowNs) {
			// Cancel not accepted (still pending ack or ring full); retry
			// next tick rather than stacking a second quote.
			return
		}
		*q = quote{}
	}
	if q.awaiting {
		return
	}

	qty := types.Qty(m.cfg.QuoteSize * types.QtyScale)
	cid, ok := sink.Place(id, side, want, qty, IdMarketMaker, nowNs)
	if !ok {
		return
	}
	*q = quote{id: cid, price: want, bornNs: nowNs, working: true, awaiting: true}
}

func (m *Maker) pull(q *quote, nowNs uint64, sink OrderSink) {
	if !q.working || q.id == 0 {
		return
	}
	if sink.Cancel(q.id, nowNs) {
		*q = quote{}
	}
}

func absPrice(p types.Price) types.Price {
	if p < 0 {
		return -p
	}
	return p
}
