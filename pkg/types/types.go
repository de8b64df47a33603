// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — ticker
// identifiers, fixed-point prices and quantities, normalized market updates,
// and the order records exchanged between the engine and the gateways. It has
// no dependencies on internal packages, so it can be imported by any layer.
//
// Everything here is a plain value type. Records that travel through the
// inter-thread rings (MarketUpdate, OrderRequest, OrderResponse) contain no
// pointers, so copying a record into a ring slot never touches the heap.
package types

// ————————————————————————————————————————————————————————————————————————
// Identifiers and fixed-point scalars
// ————————————————————————————————————————————————————————————————————————

// TickerId is a dense unsigned index assigned at instrument registration.
// Valid values are < MaxTickers; TickerIdInvalid marks an unset field.
type TickerId uint32

// OrderId is a venue-assigned order identifier.
type OrderId uint64

// ClientOrderId is an engine-assigned monotonically increasing order
// identifier; the order table indexes it modulo the order-pool capacity.
type ClientOrderId uint64

const (
	// MaxTickers bounds the number of registered instruments. All per-ticker
	// state (books, positions, risk, features) is preallocated at this size.
	MaxTickers = 1024

	TickerIdInvalid TickerId = ^TickerId(0)
	OrderIdInvalid  OrderId  = ^OrderId(0)
)

// Price is a fixed-point signed price: real price × PriceScale.
// A Price of 1_000_500 with PriceScale 10_000 is 100.05.
type Price int64

// Qty is a fixed-point unsigned quantity: real quantity × QtyScale.
type Qty uint64

const (
	// PriceScale is the fixed-point multiplier for Price (4 decimals).
	PriceScale = 10_000
	// QtyScale is the fixed-point multiplier for Qty (8 decimals).
	QtyScale = 100_000_000

	PriceInvalid Price = -(1 << 62)
)

// Float64 converts a fixed-point price to a float for display and
// observability surfaces. Never used on the hot path.
func (p Price) Float64() float64 { return float64(p) / PriceScale }

// Float64 converts a fixed-point quantity to a float for display.
func (q Qty) Float64() float64 { return float64(q) / QtyScale }

// Side represents the direction of an order or book level.
type Side uint8

const (
	SideInvalid Side = iota
	Buy
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return "INVALID"
	}
}

// Opposite returns the other side. Opposite of SideInvalid is SideInvalid.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return SideInvalid
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// UpdateType classifies a normalized market update.
type UpdateType uint8

const (
	UpdateInvalid UpdateType = iota
	UpdateAdd                // new price level
	UpdateModify             // quantity change at an existing level
	UpdateDelete             // level removed
	UpdateClear              // book reset (venue disconnect or resync)
	UpdateTrade              // aggressive execution report
	UpdateSnapshot           // self-contained top-N snapshot frame
)

func (t UpdateType) String() string {
	switch t {
	case UpdateAdd:
		return "ADD"
	case UpdateModify:
		return "MODIFY"
	case UpdateDelete:
		return "DELETE"
	case UpdateClear:
		return "CLEAR"
	case UpdateTrade:
		return "TRADE"
	case UpdateSnapshot:
		return "SNAPSHOT"
	default:
		return "INVALID"
	}
}

// SnapshotDepth is the maximum number of levels per side a single
// MarketUpdate snapshot record can carry.
const SnapshotDepth = 20

// LevelData is one (price, qty) pair inside a snapshot-type MarketUpdate.
type LevelData struct {
	Price Price
	Qty   Qty
}

// MarketUpdate is the normalized record every venue adapter emits into its
// engine-bound ring. Exactly one transport goroutine writes a given record
// and exactly the engine thread reads it; records are plain values with no
// shared ownership.
//
// For ADD/MODIFY/DELETE the Price/Qty pair describes one level on Side.
// For TRADE, Price/Qty describe the execution and Side is the aggressor.
// For SNAPSHOT, Bids/Asks carry up to SnapshotDepth levels per side and
// BidCount/AskCount say how many are populated.
// For CLEAR, only TickerId and Sequence are meaningful.
type MarketUpdate struct {
	TickerId TickerId
	Type     UpdateType
	Side     Side

	Price Price
	Qty   Qty

	// Sequence is the venue-assigned monotonically increasing identifier.
	// PrevSequence is the venue's previous-id field when the protocol
	// carries one (0 otherwise).
	Sequence     uint64
	PrevSequence uint64

	TimestampNs uint64

	BidCount uint8
	AskCount uint8
	Bids     [SnapshotDepth]LevelData
	Asks     [SnapshotDepth]LevelData
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderState is the lifecycle state of an order owned by the order manager.
type OrderState uint8

const (
	OrderStateInvalid OrderState = iota
	PendingNew
	Live
	PendingCancel
	PendingModify
	Partial
	Filled
	Canceled
	Rejected
	Expired
)

func (s OrderState) String() string {
	switch s {
	case PendingNew:
		return "PENDING_NEW"
	case Live:
		return "LIVE"
	case PendingCancel:
		return "PENDING_CANCEL"
	case PendingModify:
		return "PENDING_MODIFY"
	case Partial:
		return "PARTIAL"
	case Filled:
		return "FILLED"
	case Canceled:
		return "CANCELED"
	case Rejected:
		return "REJECTED"
	case Expired:
		return "EXPIRED"
	default:
		return "INVALID"
	}
}

// Terminal reports whether the state frees the order's pool slot.
func (s OrderState) Terminal() bool {
	switch s {
	case Filled, Canceled, Rejected, Expired:
		return true
	default:
		return false
	}
}

// RequestType classifies an outbound order record.
type RequestType uint8

const (
	RequestInvalid RequestType = iota
	RequestNew
	RequestCancel
	RequestModify
)

// OrderRequest is the record the engine enqueues for the order gateway.
// The engine never calls into the gateway; this record on the order ring is
// the only coupling between them.
type OrderRequest struct {
	Type          RequestType
	TickerId      TickerId
	ClientOrderId ClientOrderId
	Side          Side
	Price         Price
	Qty           Qty
	StrategyId    uint8
	TimestampNs   uint64
}

// ResponseType classifies an inbound execution report.
type ResponseType uint8

const (
	ResponseInvalid ResponseType = iota
	ResponseAccepted
	ResponseCanceled
	ResponseModified
	ResponseFilled   // full fill of the remaining quantity
	ResponsePartial  // partial fill; ExecQty < remaining
	ResponseRejected // venue-side rejection
	ResponseExpired
)

// OrderResponse is the record a gateway publishes on the response ring after
// a venue ack, fill, or reject. Applied to the order state machine on the
// engine thread.
type OrderResponse struct {
	Type          ResponseType
	TickerId      TickerId
	ClientOrderId ClientOrderId
	OrderId       OrderId
	Side          Side
	ExecPrice     Price
	ExecQty       Qty
	LeavesQty     Qty
	ReasonCode    uint16
	TimestampNs   uint64
}
