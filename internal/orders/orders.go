// Package orders owns the order lifecycle on the engine thread.
//
// Orders are pool-allocated records looked up O(1) through a direct-indexed
// table keyed by client order id. Client ids are monotonically assigned and
// never wrap; the table index (id mod pool capacity) wraps, and the table
// entry keeps the full id so a lookup against a stale slot misses instead
// of aliasing.
//
// The state machine follows the usual venue lifecycle: PENDING_NEW on
// intent, LIVE on ack, PARTIAL on partial fill, terminal on FILLED /
// CANCELED / REJECTED / EXPIRED. Terminal states free the pool slot.
// A response that has no legal transition quarantines the order — the slot
// is retained so a late ack for that id still resolves — and is logged at
// error level.
package orders

import (
	"log/slog"
	"sync/atomic"

	"shriven-zenith/internal/pool"
	"shriven-zenith/internal/ring"
	"shriven-zenith/pkg/types"
)

// Order is one pool-allocated order record.
type Order struct {
	ClientOrderId types.ClientOrderId
	OrderId       types.OrderId
	TickerId      types.TickerId
	Side          types.Side
	Price         types.Price
	QtyRemaining  types.Qty
	State         types.OrderState
	StrategyId    uint8
	Quarantined   bool
	CreatedNs     uint64
}

// tableEntry maps a client-id slot to its pool slot.
type tableEntry struct {
	id      types.ClientOrderId
	poolIdx uint32
	used    bool
}

// Manager runs the order lifecycle. Engine thread only.
type Manager struct {
	pool     *pool.Pool[Order]
	table    []tableEntry // len == pool capacity; index = id % capacity
	nextId   types.ClientOrderId
	outRing  *ring.SPSC[types.OrderRequest]
	logger   *slog.Logger
	capacity uint64

	// Counters surfaced through the observability snapshot; atomic
	// because the observability thread reads them live.
	SubmitDrops   atomic.Uint64 // order-ring full
	PoolExhausted atomic.Uint64
	Quarantines   atomic.Uint64
	VenueRejects  atomic.Uint64
}

// NewManager creates a manager with the given order capacity. outRing is the
// gateway-bound request ring.
func NewManager(capacity uint32, outRing *ring.SPSC[types.OrderRequest], logger *slog.Logger) *Manager {
	return &Manager{
		pool:     pool.New[Order](capacity),
		table:    make([]tableEntry, capacity),
		nextId:   1,
		outRing:  outRing,
		logger:   logger.With("component", "orders"),
		capacity: uint64(capacity),
	}
}

// Lookup returns the live order for a client id, or nil.
func (m *Manager) Lookup(id types.ClientOrderId) *Order {
	e := &m.table[uint64(id)%m.capacity]
	if !e.used || e.id != id {
		return nil
	}
	return m.pool.Get(e.poolIdx)
}

// Outstanding returns the number of non-terminal orders holding pool slots.
func (m *Manager) Outstanding() int64 { return m.pool.Outstanding() }

// NewOrder allocates an order, registers it PENDING_NEW and enqueues the
// request for the gateway. Returns the assigned client id; ok is false when
// the pool is exhausted, the id slot is still occupied by an older order,
// or the order ring is full.
func (m *Manager) NewOrder(tickerId types.TickerId, side types.Side, price types.Price, qty types.Qty, strategyId uint8, nowNs uint64) (types.ClientOrderId, bool) {
	o, poolIdx, ok := m.pool.AcquireIndex()
	if !ok {
		m.PoolExhausted.Add(1)
		m.logger.Error("order pool exhausted", "outstanding", m.pool.Outstanding())
		return 0, false
	}

	id := m.nextId
	slot := &m.table[uint64(id)%m.capacity]
	if slot.used {
		// The id's table slot is still held by an order a full wrap ago —
		// pool exhaustion would normally hit first, but a quarantined
		// order can pin a slot past the wrap.
		m.pool.Release(o)
		m.logger.Error("client id slot occupied", "id", id)
		return 0, false
	}
	m.nextId++

	*o = Order{
		ClientOrderId: id,
		OrderId:       types.OrderIdInvalid,
		TickerId:      tickerId,
		Side:          side,
		Price:         price,
		QtyRemaining:  qty,
		State:         types.PendingNew,
		StrategyId:    strategyId,
		CreatedNs:     nowNs,
	}
	*slot = tableEntry{id: id, poolIdx: poolIdx, used: true}

	req := types.OrderRequest{
		Type:          types.RequestNew,
		TickerId:      tickerId,
		ClientOrderId: id,
		Side:          side,
		Price:         price,
		Qty:           qty,
		StrategyId:    strategyId,
		TimestampNs:   nowNs,
	}
	if !m.outRing.Publish(&req) {
		m.SubmitDrops.Add(1)
		m.free(o)
		return 0, false
	}
	return id, true
}

// Cancel requests cancellation of a LIVE or PARTIAL order.
func (m *Manager) Cancel(id types.ClientOrderId, nowNs uint64) bool {
	o := m.Lookup(id)
	if o == nil || o.Quarantined {
		return false
	}
	if o.State != types.Live && o.State != types.Partial {
		return false
	}
	req := types.OrderRequest{
		Type:          types.RequestCancel,
		TickerId:      o.TickerId,
		ClientOrderId: id,
		Side:          o.Side,
		TimestampNs:   nowNs,
	}
	if !m.outRing.Publish(&req) {
		m.SubmitDrops.Add(1)
		return false
	}
	o.State = types.PendingCancel
	return true
}

// Modify requests a price/qty change of a LIVE or PARTIAL order.
func (m *Manager) Modify(id types.ClientOrderId, price types.Price, qty types.Qty, nowNs uint64) bool {
	o := m.Lookup(id)
	if o == nil || o.Quarantined {
		return false
	}
	if o.State != types.Live && o.State != types.Partial {
		return false
	}
	req := types.OrderRequest{
		Type:          types.RequestModify,
		TickerId:      o.TickerId,
		ClientOrderId: id,
		Side:          o.Side,
		Price:         price,
		Qty:           qty,
		TimestampNs:   nowNs,
	}
	if !m.outRing.Publish(&req) {
		m.SubmitDrops.Add(1)
		return false
	}
	o.State = types.PendingModify
	o.Price = price
	o.QtyRemaining = qty
	return true
}

// Fill describes an execution applied by OnResponse, for the engine to feed
// positions and risk.
type Fill struct {
	TickerId types.TickerId
	Side     types.Side
	Price    types.Price
	Qty      types.Qty
}

// OnResponse applies a gateway response to the state machine. When the
// response carries an execution, the fill is returned for position/risk
// accounting. Unknown client ids and illegal transitions are logged; the
// latter quarantine the order.
func (m *Manager) OnResponse(r *types.OrderResponse) (Fill, bool) {
	o := m.Lookup(r.ClientOrderId)
	if o == nil {
		m.logger.Warn("response for unknown order",
			"client_order_id", uint64(r.ClientOrderId),
			"type", int(r.Type),
		)
		return Fill{}, false
	}
	if o.Quarantined {
		// Late responses for a quarantined id resolve it if terminal.
		if terminalResponse(r.Type) {
			m.free(o)
		}
		return Fill{}, false
	}

	switch r.Type {
	case types.ResponseAccepted:
		if o.State != types.PendingNew {
			m.quarantine(o, r)
			return Fill{}, false
		}
		o.State = types.Live
		o.OrderId = r.OrderId
		return Fill{}, false

	case types.ResponseRejected:
		if o.State != types.PendingNew && o.State != types.PendingModify {
			m.quarantine(o, r)
			return Fill{}, false
		}
		m.VenueRejects.Add(1)
		o.State = types.Rejected
		m.free(o)
		return Fill{}, false

	case types.ResponsePartial:
		if o.State != types.Live && o.State != types.Partial && o.State != types.PendingCancel && o.State != types.PendingModify {
			m.quarantine(o, r)
			return Fill{}, false
		}
		if r.ExecQty > o.QtyRemaining {
			m.quarantine(o, r)
			return Fill{}, false
		}
		o.QtyRemaining -= r.ExecQty
		if o.State == types.Live {
			o.State = types.Partial
		}
		return Fill{TickerId: o.TickerId, Side: o.Side, Price: r.ExecPrice, Qty: r.ExecQty}, true

	case types.ResponseFilled:
		if o.State != types.Live && o.State != types.Partial && o.State != types.PendingCancel && o.State != types.PendingModify {
			m.quarantine(o, r)
			return Fill{}, false
		}
		fill := Fill{TickerId: o.TickerId, Side: o.Side, Price: r.ExecPrice, Qty: o.QtyRemaining}
		if r.ExecQty != 0 && r.ExecQty <= o.QtyRemaining {
			fill.Qty = r.ExecQty
		}
		o.QtyRemaining = 0
		o.State = types.Filled
		m.free(o)
		return fill, true

	case types.ResponseCanceled:
		if o.State != types.PendingCancel && o.State != types.Live && o.State != types.Partial {
			m.quarantine(o, r)
			return Fill{}, false
		}
		o.State = types.Canceled
		m.free(o)
		return Fill{}, false

	case types.ResponseModified:
		if o.State != types.PendingModify {
			m.quarantine(o, r)
			return Fill{}, false
		}
		o.State = types.Live
		return Fill{}, false

	case types.ResponseExpired:
		if o.State.Terminal() {
			m.quarantine(o, r)
			return Fill{}, false
		}
		o.State = types.Expired
		m.free(o)
		return Fill{}, false

	default:
		m.quarantine(o, r)
		return Fill{}, false
	}
}

func terminalResponse(t types.ResponseType) bool {
	switch t {
	case types.ResponseFilled, types.ResponseCanceled, types.ResponseRejected, types.ResponseExpired:
		return true
	default:
		return false
	}
}

func (m *Manager) quarantine(o *Order, r *types.OrderResponse) {
	m.Quarantines.Add(1)
	o.Quarantined = true
	m.logger.Error("illegal order transition, quarantining",
		"client_order_id", uint64(o.ClientOrderId),
		"state", o.State.String(),
		"response_type", int(r.Type),
	)
}

// free releases the pool slot and clears the table entry.
func (m *Manager) free(o *Order) {
	slot := &m.table[uint64(o.ClientOrderId)%m.capacity]
	if slot.used && slot.id == o.ClientOrderId {
		slot.used = false
	}
	m.pool.Release(o)
}
