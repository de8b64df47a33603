// Package engine is the trade-engine thread: the single owner of all
// trading state.
//
// One pinned OS thread polls every venue's market-update ring and the
// gateway's response ring in a round-robin. Each market update flows
// book → features → strategies → risk gate → order manager; each gateway
// response flows through the order state machine into positions and risk.
// Because this one thread owns books, features, positions, risk state and
// orders, none of those structures need locks — other threads observe them
// only through sequence-tagged snapshots and atomic counters.
//
// The loop never blocks. When every ring has been empty past the idle
// threshold it yields the processor and resumes polling; otherwise it
// spins. Steady-state iterations allocate nothing.
package engine

import (
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"shriven-zenith/internal/affinity"
	"shriven-zenith/internal/book"
	"shriven-zenith/internal/clock"
	"shriven-zenith/internal/features"
	"shriven-zenith/internal/obs"
	"shriven-zenith/internal/orders"
	"shriven-zenith/internal/persist"
	"shriven-zenith/internal/position"
	"shriven-zenith/internal/ring"
	"shriven-zenith/internal/risk"
	"shriven-zenith/internal/strategy"
	"shriven-zenith/pkg/types"
)

const (
	stopDrainDeadline = 500 * time.Millisecond
	// snapshotEvery interleaves a book snapshot into the persisted stream
	// every N accepted updates.
	snapshotEvery = 1024
)

// Instrument registers one tradable symbol with the engine.
type Instrument struct {
	Id     types.TickerId
	Symbol string
	Depth  int
}

// VenueFeed is one market-data input: the ring a feed connection produces
// into, plus the counter sources for observability.
type VenueFeed struct {
	Name    string
	Updates *ring.SPSC[types.MarketUpdate]

	// Counter callbacks; nil is allowed (zeros reported).
	Dropped    func() uint64
	ParseFails func() uint64
	Reconnects func() uint64
}

// Config wires the engine.
type Config struct {
	Instruments []Instrument
	Feeds       []VenueFeed
	Responses   *ring.SPSC[types.OrderResponse]
	OrderRing   *ring.SPSC[types.OrderRequest]

	RiskLimits    risk.Limits
	OrderCapacity uint32

	Strategies []strategy.Strategy

	Persist *persist.Sink // optional tick/snapshot sink

	Core          int
	RTPriority    int
	IdleThreshold time.Duration // empty-poll streak before yielding

	// StrictInvariants stops the engine on invariant violations (pool
	// exhaustion, illegal order transitions); without it the engine logs,
	// quarantines the order and keeps running.
	StrictInvariants bool

	// LogDrops reports the async log sink's overflow counter for the
	// observability snapshot; nil when logging is synchronous.
	LogDrops func() uint64
}

// Engine is the trade-engine thread.
type Engine struct {
	cfg Config

	books     []*book.Book       // indexed by TickerId, nil when unregistered
	feats     []*features.Engine // same indexing
	symbols   []string
	active    []types.TickerId // registered tickers, iteration order
	positions *position.Tracker
	risk      *risk.Gate
	orders    *orders.Manager

	strategies []strategy.Strategy

	// Hot counters, atomics because the observability thread reads them.
	updatesProcessed atomic.Uint64
	staleUpdates     atomic.Uint64
	bookGaps         atomic.Uint64
	invalidUpdates   atomic.Uint64
	riskRejects      atomic.Uint64
	unknownTickers   atomic.Uint64

	stopFlag    atomic.Bool
	done        chan struct{}
	snapScratch book.Snapshot // engine-thread scratch for persisted snapshots
	logger      *slog.Logger
}

// New creates and wires the engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		books:      make([]*book.Book, types.MaxTickers),
		feats:      make([]*features.Engine, types.MaxTickers),
		symbols:    make([]string, types.MaxTickers),
		positions:  position.NewTracker(),
		risk:       risk.NewGate(cfg.RiskLimits),
		orders:     orders.NewManager(cfg.OrderCapacity, cfg.OrderRing, logger),
		strategies: cfg.Strategies,
		done:       make(chan struct{}),
		logger:     logger.With("component", "engine"),
	}
	for _, ins := range cfg.Instruments {
		e.books[ins.Id] = book.New(ins.Id, ins.Depth)
		e.feats[ins.Id] = features.NewEngine()
		e.symbols[ins.Id] = ins.Symbol
		e.active = append(e.active, ins.Id)
	}
	return e
}

// Start launches the engine thread.
func (e *Engine) Start() {
	go e.run()
}

// Stop flags the loop down and waits for the bounded drain.
func (e *Engine) Stop() bool {
	e.stopFlag.Store(true)
	select {
	case <-e.done:
		return true
	case <-time.After(stopDrainDeadline + 100*time.Millisecond):
		e.logger.Error("engine did not stop within drain deadline")
		return false
	}
}

func (e *Engine) run() {
	defer close(e.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := affinity.PinCurrentThread(e.cfg.Core); err != nil {
		e.logger.Warn("cpu pin failed", "core", e.cfg.Core, "error", err)
	}
	if err := affinity.SetRealtime(e.cfg.RTPriority); err != nil {
		e.logger.Warn("realtime priority not granted", "error", err)
	}

	idleThreshold := e.cfg.IdleThreshold
	if idleThreshold <= 0 {
		idleThreshold = 50 * time.Microsecond
	}

	e.logger.Info("engine started",
		"instruments", len(e.active),
		"feeds", len(e.cfg.Feeds),
	)

	var (
		u        types.MarketUpdate
		resp     types.OrderResponse
		idleFrom = clock.NowNs()
	)
	for !e.stopFlag.Load() {
		progressed := false

		for i := range e.cfg.Feeds {
			if e.cfg.Feeds[i].Updates.Consume(&u) {
				e.onMarketUpdate(&u)
				progressed = true
			}
		}
		if e.cfg.Responses != nil && e.cfg.Responses.Consume(&resp) {
			e.onOrderResponse(&resp)
			progressed = true
		}

		if progressed {
			idleFrom = clock.NowNs()
			continue
		}
		if clock.SinceNs(idleFrom) > uint64(idleThreshold) {
			runtime.Gosched()
		}
	}

	e.drainOnStop()
	e.logger.Info("engine stopped", "updates_processed", e.updatesProcessed.Load())
}

// drainOnStop consumes remaining non-order events so books are current at
// exit; no strategy dispatch, no new orders. Bounded by the drain deadline.
func (e *Engine) drainOnStop() {
	deadline := time.Now().Add(stopDrainDeadline)
	var u types.MarketUpdate
	for time.Now().Before(deadline) {
		progressed := false
		for i := range e.cfg.Feeds {
			if e.cfg.Feeds[i].Updates.Consume(&u) {
				if b := e.books[u.TickerId]; b != nil {
					b.Apply(&u)
				}
				progressed = true
			}
		}
		if !progressed {
			return
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data path
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) onMarketUpdate(u *types.MarketUpdate) {
	if e.cfg.Persist != nil {
		e.cfg.Persist.WriteTick(u)
	}

	if uint32(u.TickerId) >= types.MaxTickers || e.books[u.TickerId] == nil {
		e.unknownTickers.Add(1)
		return
	}
	b := e.books[u.TickerId]

	switch b.Apply(u) {
	case book.Stale:
		e.staleUpdates.Add(1)
		return
	case book.Gap:
		// The synchronizer owns recovery; the engine only counts it.
		e.bookGaps.Add(1)
		return
	case book.Invalid:
		e.invalidUpdates.Add(1)
		return
	}
	e.updatesProcessed.Add(1)

	f := e.feats[u.TickerId]
	nowNs := clock.NowNs()

	switch u.Type {
	case types.UpdateClear:
		f.Reset()

	case types.UpdateTrade:
		f.OnTrade(u.Side, u.Qty, nowNs)
		feat := f.Current()
		for _, s := range e.strategies {
			s.OnTrade(u.TickerId, feat, nowNs, e)
		}

	default:
		f.OnBookUpdate(b)
		feat := f.Current()
		if mid, ok := b.Mid(); ok {
			pos := e.positions.OnMark(u.TickerId, mid)
			e.risk.OnMark(u.TickerId, mid, pos.RealizedPnL, pos.UnrealizedPnL)
		}
		// Periodic book snapshots interleave with the tick stream so a
		// replay consumer can seek without applying from the beginning.
		if e.cfg.Persist != nil && e.updatesProcessed.Load()%snapshotEvery == 0 {
			b.Snapshot(&e.snapScratch)
			e.cfg.Persist.WriteSnapshot(&e.snapScratch)
		}
		pos := e.positions.Get(u.TickerId)
		for _, s := range e.strategies {
			s.OnBook(u.TickerId, feat, pos, nowNs, e)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Order path
// ————————————————————————————————————————————————————————————————————————

// Place implements strategy.OrderSink: risk gate first, then the order
// manager. A risk rejection is surfaced to the strategy as a failed place;
// strategies back off through their own cooldown/quote logic.
func (e *Engine) Place(id types.TickerId, side types.Side, price types.Price, qty types.Qty, strategyId uint8, nowNs uint64) (types.ClientOrderId, bool) {
	if reason := e.risk.Check(id, side, price, qty, nowNs); reason != risk.ReasonOK {
		e.riskRejects.Add(1)
		return 0, false
	}
	cid, ok := e.orders.NewOrder(id, side, price, qty, strategyId, nowNs)
	if !ok && e.cfg.StrictInvariants && e.orders.PoolExhausted.Load() > 0 {
		e.logger.Error("order pool exhausted in strict mode, stopping engine")
		e.stopFlag.Store(true)
	}
	return cid, ok
}

// Cancel implements strategy.OrderSink.
func (e *Engine) Cancel(id types.ClientOrderId, nowNs uint64) bool {
	return e.orders.Cancel(id, nowNs)
}

func (e *Engine) onOrderResponse(r *types.OrderResponse) {
	quarantinesBefore := e.orders.Quarantines.Load()
	fill, hasFill := e.orders.OnResponse(r)
	if e.cfg.StrictInvariants && e.orders.Quarantines.Load() > quarantinesBefore {
		e.logger.Error("illegal order transition in strict mode, stopping engine")
		e.stopFlag.Store(true)
	}
	if hasFill {
		pos := e.positions.OnFill(fill.TickerId, fill.Side, fill.Price, fill.Qty)
		e.risk.OnFill(fill.TickerId, fill.Side, fill.Price, fill.Qty)
		e.risk.OnMark(fill.TickerId, fill.Price, pos.RealizedPnL, pos.UnrealizedPnL)
	}

	state := responseState(r.Type)
	if state == types.OrderStateInvalid {
		return
	}
	// Every strategy sees the update; non-owners match no tracked id.
	for _, s := range e.strategies {
		s.OnOrderUpdate(r.TickerId, r.ClientOrderId, state)
	}
}

func responseState(t types.ResponseType) types.OrderState {
	switch t {
	case types.ResponseAccepted, types.ResponseModified:
		return types.Live
	case types.ResponsePartial:
		return types.Partial
	case types.ResponseFilled:
		return types.Filled
	case types.ResponseCanceled:
		return types.Canceled
	case types.ResponseRejected:
		return types.Rejected
	case types.ResponseExpired:
		return types.Expired
	default:
		return types.OrderStateInvalid
	}
}

// ————————————————————————————————————————————————————————————————————————
// Observability
// ————————————————————————————————————————————————————————————————————————

// Stats implements obs.Provider. Runs on the observability thread; every
// read goes through seqlock copies or atomics.
func (e *Engine) Stats() obs.Stats {
	st := obs.Stats{
		UpdatesProcessed:  e.updatesProcessed.Load(),
		BookGaps:          e.bookGaps.Load(),
		StaleUpdates:      e.staleUpdates.Load(),
		OrdersOutstanding: e.orders.Outstanding(),
		OrderQuarantines:  e.orders.Quarantines.Load(),
		VenueRejects:      e.orders.VenueRejects.Load(),
		RiskRejects:       e.riskRejects.Load(),
	}
	if e.cfg.Persist != nil {
		st.PersistDrops = e.cfg.Persist.Dropped()
	}
	if e.cfg.LogDrops != nil {
		st.LogDrops = e.cfg.LogDrops()
	}

	var snap book.Snapshot
	var pos position.Position
	for _, id := range e.active {
		if e.books[id].CopySnapshot(&snap) {
			bs := obs.BookStats{
				TickerId:     uint32(id),
				Symbol:       e.symbols[id],
				LastSequence: snap.LastSequence,
			}
			if snap.BidCount > 0 {
				bs.BestBid = snap.Bids[0].Price.Float64()
			}
			if snap.AskCount > 0 {
				bs.BestAsk = snap.Asks[0].Price.Float64()
			}
			st.Books = append(st.Books, bs)
		}
		if e.positions.CopyPosition(id, &pos) {
			st.Positions = append(st.Positions, obs.PositionStats{
				TickerId:      uint32(id),
				Symbol:        e.symbols[id],
				NetQty:        float64(pos.NetQty) / types.QtyScale,
				AvgEntryPx:    pos.AvgEntryPx.Float64(),
				RealizedPnL:   pos.RealizedPnL,
				UnrealizedPnL: pos.UnrealizedPnL,
			})
		}
	}
	for i := range e.cfg.Feeds {
		fd := &e.cfg.Feeds[i]
		fs := obs.FeedStats{Venue: fd.Name}
		if fd.Dropped != nil {
			fs.Dropped = fd.Dropped()
		}
		if fd.ParseFails != nil {
			fs.ParseFails = fd.ParseFails()
		}
		if fd.Reconnects != nil {
			fs.Reconnects = fd.Reconnects()
		}
		st.Feeds = append(st.Feeds, fs)
	}
	return st
}

// Book exposes one book for tests and snapshot writers.
func (e *Engine) Book(id types.TickerId) *book.Book { return e.books[id] }

// Positions exposes the tracker for snapshot readers.
func (e *Engine) Positions() *position.Tracker { return e.positions }
