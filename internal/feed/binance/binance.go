// Package binance adapts the Binance depth-diff stream to the normalized
// market-data contract.
//
// The venue sends incremental depth events with first/final/previous update
// ids. A consistent book requires the documented reconciliation dance:
//
//	Disconnected → Buffering → Syncing → Synced → (gap) → Buffering
//
// While Buffering, WebSocket events go to a bounded staging buffer — never
// to the engine. Syncing fetches the REST depth snapshot (carrying
// lastUpdateId) off-thread; on arrival, staged events with finalId ≤
// lastUpdateId are dropped, the first surviving event must straddle
// lastUpdateId+1, and each later event must chain off the previous finalId.
// Any violation restarts from Buffering. Once the chain holds, the
// synchronizer emits a CLEAR, the snapshot, and the replayed tail, then
// streams live — the engine-facing stream always carries a pre-validated
// chain (PrevSequence 0).
//
// Prices and quantities arrive as decimal strings; they are converted to
// fixed-point integers with exact decimal arithmetic, never through float.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"shriven-zenith/internal/clock"
	"shriven-zenith/internal/feed"
	"shriven-zenith/pkg/types"
)

// syncState is the per-symbol synchronizer state.
type syncState uint8

const (
	stateDisconnected syncState = iota
	stateBuffering
	stateSyncing
	stateSynced
)

// stagingCapacity bounds the per-symbol staging buffer. Overflow restarts
// the sync from Buffering.
const stagingCapacity = 256

// levelChange is one parsed (price, qty) delta. Qty is absolute; zero
// deletes the level.
type levelChange struct {
	price types.Price
	qty   types.Qty
}

// depthEvent is one parsed depth-diff frame.
type depthEvent struct {
	firstId uint64 // U
	finalId uint64 // u
	prevId  uint64 // pu
	bids    []levelChange
	asks    []levelChange
	tsNs    uint64
}

// snapshot is the parsed REST depth snapshot.
type snapshot struct {
	lastUpdateId uint64
	bids         []levelChange
	asks         []levelChange
}

// symbolSync is the synchronizer for one instrument.
type symbolSync struct {
	tickerId types.TickerId
	symbol   string // lower-case venue symbol

	state     syncState
	staged    []depthEvent
	snapCh    chan *snapshot
	fetching  bool
	resyncs   uint64
	overflows uint64

	// lastFinalId tracks the venue's update-id chain; engineSeq is the
	// strictly increasing sequence stamped on engine-facing records. They
	// diverge because one venue event fans out into several records.
	lastFinalId uint64
	engineSeq   uint64
}

// Adapter implements feed.Handler for one Binance connection carrying any
// number of symbols.
type Adapter struct {
	apiBase       string
	snapshotLimit int
	rest          *resty.Client
	symbols       map[string]*symbolSync // keyed by lower-case symbol
	logger        *slog.Logger
}

// New creates the adapter. snapshotLimit is the REST depth (5/10/20...).
func New(apiBase string, snapshotLimit int, logger *slog.Logger) *Adapter {
	return &Adapter{
		apiBase:       apiBase,
		snapshotLimit: snapshotLimit,
		rest: resty.New().
			SetBaseURL(apiBase).
			SetTimeout(10 * time.Second).
			SetRetryCount(2),
		symbols: make(map[string]*symbolSync),
		logger:  logger.With("component", "binance"),
	}
}

// Register maps a venue symbol to its ticker id. Startup only.
func (a *Adapter) Register(symbol string, id types.TickerId) {
	a.symbols[strings.ToLower(symbol)] = &symbolSync{
		tickerId: id,
		symbol:   strings.ToLower(symbol),
		state:    stateDisconnected,
		staged:   make([]depthEvent, 0, stagingCapacity),
		snapCh:   make(chan *snapshot, 1),
	}
}

// Resyncs returns the total resync count across symbols.
func (a *Adapter) Resyncs() uint64 {
	var n uint64
	for _, s := range a.symbols {
		n += s.resyncs
	}
	return n
}

// ————————————————————————————————————————————————————————————————————————
// feed.Handler
// ————————————————————————————————————————————————————————————————————————

// subscribeMsg is the combined-stream subscription message.
type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// OnConnected subscribes every registered symbol's depth and trade streams
// and restarts each synchronizer from Buffering.
func (a *Adapter) OnConnected(c *feed.Conn, symbols []string) error {
	params := make([]string, 0, 2*len(a.symbols))
	for sym, s := range a.symbols {
		params = append(params, sym+"@depth@100ms", sym+"@trade")
		a.restart(c, s, "connect")
	}
	if len(params) == 0 {
		return nil
	}
	return c.WriteJSON(subscribeMsg{Method: "SUBSCRIBE", Params: params, ID: 1})
}

// OnCommand composes SUBSCRIBE/UNSUBSCRIBE for one symbol.
func (a *Adapter) OnCommand(c *feed.Conn, cmd feed.Command) error {
	sym := strings.ToLower(cmd.Symbol)
	method := "SUBSCRIBE"
	if cmd.Op == feed.OpUnsubscribe {
		method = "UNSUBSCRIBE"
	}
	return c.WriteJSON(subscribeMsg{
		Method: method,
		Params: []string{sym + "@depth@100ms", sym + "@trade"},
		ID:     2,
	})
}

// OnDisconnect resets every synchronizer; the engine gets a CLEAR per
// affected ticker so stale books never trade.
func (a *Adapter) OnDisconnect(c *feed.Conn) {
	for _, s := range a.symbols {
		if s.state != stateDisconnected {
			a.emitClear(c, s)
			s.state = stateDisconnected
			s.staged = s.staged[:0]
		}
	}
}

// wsEnvelope peeks at the event type to route a frame.
type wsEnvelope struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	// EventTs claims the "E" key so encoding/json does not case-fold it
	// onto Event.
	EventTs int64 `json:"E"`
}

// OnFrame routes one WebSocket frame.
func (a *Adapter) OnFrame(c *feed.Conn, _ int, data []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("envelope: %w", err)
	}
	switch env.Event {
	case "depthUpdate":
		return a.onDepth(c, data)
	case "trade":
		return a.onTrade(c, data)
	case "":
		// Subscription acks and combined-stream keepalives.
		return nil
	default:
		return nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// Depth synchronization
// ————————————————————————————————————————————————————————————————————————

type wireDepth struct {
	Event   string     `json:"e"` // declared so "e" is not case-folded onto EventTs
	Symbol  string     `json:"s"`
	EventTs int64      `json:"E"`
	FirstId uint64     `json:"U"`
	FinalId uint64     `json:"u"`
	PrevId  uint64     `json:"pu"`
	Bids    [][]string `json:"b"`
	Asks    [][]string `json:"a"`
}

func (a *Adapter) onDepth(c *feed.Conn, data []byte) error {
	var w wireDepth
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("depth: %w", err)
	}
	s, ok := a.symbols[strings.ToLower(w.Symbol)]
	if !ok {
		return nil
	}

	ev, err := parseDepth(&w)
	if err != nil {
		return err
	}

	switch s.state {
	case stateDisconnected:
		// First event after connect: start buffering and kick the REST
		// snapshot fetch.
		s.state = stateBuffering
		s.staged = append(s.staged[:0], ev)
		a.requestSnapshot(s)

	case stateBuffering, stateSyncing:
		if len(s.staged) == stagingCapacity {
			s.overflows++
			a.restart(c, s, "staging overflow")
			return nil
		}
		s.staged = append(s.staged, ev)
		a.tryFinishSync(c, s)

	case stateSynced:
		// Live chain: every event must extend the last applied final id.
		if ev.finalId <= s.lastFinalId {
			return nil // duplicate, ignore
		}
		if ev.prevId != 0 && ev.prevId != s.lastFinalId {
			a.logger.Warn("depth gap detected",
				"symbol", s.symbol,
				"prev_id", ev.prevId,
				"last", s.lastFinalId,
			)
			a.restart(c, s, "gap")
			return nil
		}
		a.emitDepth(c, s, &ev)
	}
	return nil
}

// restart moves a symbol back to Buffering: CLEAR to the engine, staged
// events dropped, snapshot refetched.
func (a *Adapter) restart(c *feed.Conn, s *symbolSync, reason string) {
	if s.state == stateSynced || s.state == stateSyncing {
		a.emitClear(c, s)
	}
	s.resyncs++
	s.state = stateBuffering
	s.staged = s.staged[:0]
	a.requestSnapshot(s)
	a.logger.Info("resync", "symbol", s.symbol, "reason", reason)
}

// requestSnapshot fetches the REST depth snapshot on a side goroutine so
// the reader keeps buffering while the request is in flight.
func (a *Adapter) requestSnapshot(s *symbolSync) {
	if s.fetching {
		return
	}
	s.fetching = true
	symbol := strings.ToUpper(s.symbol)
	go func() {
		snap, err := a.fetchSnapshot(context.Background(), symbol)
		if err != nil {
			a.logger.Warn("snapshot fetch failed", "symbol", symbol, "error", err)
			snap = nil
		}
		select {
		case s.snapCh <- snap:
		default:
		}
	}()
}

type wireSnapshot struct {
	LastUpdateId uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (a *Adapter) fetchSnapshot(ctx context.Context, symbol string) (*snapshot, error) {
	var w wireSnapshot
	resp, err := a.rest.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetQueryParam("limit", fmt.Sprintf("%d", a.snapshotLimit)).
		SetResult(&w).
		ForceContentType("application/json").
		Get("/api/v3/depth")
	if err != nil {
		return nil, fmt.Errorf("depth snapshot: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("depth snapshot: http %d", resp.StatusCode())
	}

	snap := &snapshot{lastUpdateId: w.LastUpdateId}
	if snap.bids, err = parseLevels(w.Bids); err != nil {
		return nil, err
	}
	if snap.asks, err = parseLevels(w.Asks); err != nil {
		return nil, err
	}
	return snap, nil
}

// tryFinishSync polls for the snapshot and, when present, reconciles the
// staged events against it.
func (a *Adapter) tryFinishSync(c *feed.Conn, s *symbolSync) {
	var snap *snapshot
	select {
	case snap = <-s.snapCh:
		s.fetching = false
	default:
		return
	}
	if snap == nil {
		// Fetch failed; try again while buffering continues.
		a.requestSnapshot(s)
		return
	}
	s.state = stateSyncing

	// Drop staged events the snapshot already covers.
	kept := s.staged[:0]
	for _, ev := range s.staged {
		if ev.finalId <= snap.lastUpdateId {
			continue
		}
		kept = append(kept, ev)
	}

	// The first surviving event must straddle lastUpdateId+1. If events
	// jumped past the snapshot the stream is ahead of the REST view and
	// the whole dance restarts.
	if len(kept) > 0 {
		first := kept[0]
		if first.firstId > snap.lastUpdateId+1 {
			a.restart(c, s, "staged events ahead of snapshot")
			return
		}
	}
	// Later events must chain.
	for i := 1; i < len(kept); i++ {
		if kept[i].prevId != 0 && kept[i].prevId != kept[i-1].finalId {
			a.restart(c, s, "staged chain broken")
			return
		}
	}

	// Emit: clear, snapshot, replayed tail.
	a.emitClear(c, s)
	a.emitSnapshot(c, s, snap)
	for i := range kept {
		a.emitDepth(c, s, &kept[i])
	}
	s.staged = s.staged[:0]
	s.state = stateSynced
	a.logger.Info("synced", "symbol", s.symbol, "last_update_id", snap.lastUpdateId)
}

// ————————————————————————————————————————————————————————————————————————
// Emission
// ————————————————————————————————————————————————————————————————————————

// emitClear resets the engine-side book. The clear takes the next engine
// sequence so the book's monotonic check accepts it.
func (a *Adapter) emitClear(c *feed.Conn, s *symbolSync) {
	s.engineSeq++
	u := types.MarketUpdate{
		TickerId:    s.tickerId,
		Type:        types.UpdateClear,
		Sequence:    s.engineSeq,
		TimestampNs: clock.NowNs(),
	}
	c.Emit(&u)
}

func (a *Adapter) emitSnapshot(c *feed.Conn, s *symbolSync, snap *snapshot) {
	if snap.lastUpdateId > s.engineSeq {
		s.engineSeq = snap.lastUpdateId
	} else {
		s.engineSeq++
	}
	u := types.MarketUpdate{
		TickerId:    s.tickerId,
		Type:        types.UpdateSnapshot,
		Sequence:    s.engineSeq,
		TimestampNs: clock.NowNs(),
	}
	n := len(snap.bids)
	if n > types.SnapshotDepth {
		n = types.SnapshotDepth
	}
	for i := 0; i < n; i++ {
		u.Bids[i] = types.LevelData{Price: snap.bids[i].price, Qty: snap.bids[i].qty}
	}
	u.BidCount = uint8(n)

	n = len(snap.asks)
	if n > types.SnapshotDepth {
		n = types.SnapshotDepth
	}
	for i := 0; i < n; i++ {
		u.Asks[i] = types.LevelData{Price: snap.asks[i].price, Qty: snap.asks[i].qty}
	}
	u.AskCount = uint8(n)

	c.Emit(&u)
	s.lastFinalId = snap.lastUpdateId
}

// emitDepth streams one validated event's level changes. The venue chain
// was checked before this point, so the records carry a clean, strictly
// increasing engine sequence and no prev-id.
func (a *Adapter) emitDepth(c *feed.Conn, s *symbolSync, ev *depthEvent) {
	emitSide := func(side types.Side, changes []levelChange) {
		for i := range changes {
			s.engineSeq++
			u := types.MarketUpdate{
				TickerId:    s.tickerId,
				Type:        types.UpdateModify,
				Side:        side,
				Price:       changes[i].price,
				Qty:         changes[i].qty, // absolute; zero deletes
				Sequence:    s.engineSeq,
				TimestampNs: ev.tsNs,
			}
			if u.Qty == 0 {
				u.Type = types.UpdateDelete
			}
			c.Emit(&u)
		}
	}
	emitSide(types.Buy, ev.bids)
	emitSide(types.Sell, ev.asks)

	s.lastFinalId = ev.finalId
	if ev.finalId > s.engineSeq {
		s.engineSeq = ev.finalId
	}
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

type wireTrade struct {
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Qty          string `json:"q"`
	TradeTimeMs  int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (a *Adapter) onTrade(c *feed.Conn, data []byte) error {
	var w wireTrade
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("trade: %w", err)
	}
	s, ok := a.symbols[strings.ToLower(w.Symbol)]
	if !ok || s.state != stateSynced {
		return nil
	}

	price, err := parsePrice(w.Price)
	if err != nil {
		return err
	}
	qty, err := parseQty(w.Qty)
	if err != nil {
		return err
	}

	// Buyer-maker means the aggressor sold.
	side := types.Buy
	if w.IsBuyerMaker {
		side = types.Sell
	}
	u := types.MarketUpdate{
		TickerId:    s.tickerId,
		Type:        types.UpdateTrade,
		Side:        side,
		Price:       price,
		Qty:         qty,
		TimestampNs: uint64(w.TradeTimeMs) * 1_000_000,
	}
	c.Emit(&u)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Parsing
// ————————————————————————————————————————————————————————————————————————

var (
	priceScale = decimal.NewFromInt(types.PriceScale)
	qtyScale   = decimal.NewFromInt(types.QtyScale)
)

func parseDepth(w *wireDepth) (depthEvent, error) {
	ev := depthEvent{
		firstId: w.FirstId,
		finalId: w.FinalId,
		prevId:  w.PrevId,
		tsNs:    uint64(w.EventTs) * 1_000_000,
	}
	var err error
	if ev.bids, err = parseLevels(w.Bids); err != nil {
		return ev, err
	}
	if ev.asks, err = parseLevels(w.Asks); err != nil {
		return ev, err
	}
	if ev.finalId < ev.firstId {
		return ev, fmt.Errorf("depth ids inverted: U=%d u=%d", ev.firstId, ev.finalId)
	}
	return ev, nil
}

func parseLevels(raw [][]string) ([]levelChange, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]levelChange, 0, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("level arity %d", len(pair))
		}
		price, err := parsePrice(pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := parseQty(pair[1])
		if err != nil {
			return nil, err
		}
		out = append(out, levelChange{price: price, qty: qty})
	}
	return out, nil
}

func parsePrice(s string) (types.Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	return types.Price(d.Mul(priceScale).IntPart()), nil
}

func parseQty(s string) (types.Qty, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("qty %q: %w", s, err)
	}
	v := d.Mul(qtyScale).IntPart()
	if v < 0 {
		return 0, fmt.Errorf("negative qty %q", s)
	}
	return types.Qty(v), nil
}
