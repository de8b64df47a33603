// Package book maintains the per-instrument top-N price-level books.
//
// A Book is a local mirror of one venue instrument: two fixed arrays of
// price levels (bids descending, asks ascending), the last applied venue
// sequence, and the last update timestamp. Exactly one thread — the trade
// engine — mutates a Book. Other threads read through CopySnapshot, which
// uses a sequence-tagged (seqlock) pattern: read the version, copy, re-read,
// retry on mismatch. No mutation path allocates.
package book

import (
	"sync/atomic"

	"shriven-zenith/pkg/types"
)

// MaxDepth is the compile-time bound on levels per side. Configured venue
// depth (5, 10 or 20) must not exceed it.
const MaxDepth = 20

// Level is one price level.
type Level struct {
	Price      types.Price
	Qty        types.Qty
	OrderCount uint32
}

// Applied is the result of applying one update to a book.
type Applied uint8

const (
	Accepted Applied = iota
	Stale            // sequence ≤ last applied; discarded
	Gap              // prev-sequence chain broken; discarded, resync needed
	Invalid          // malformed update; discarded
)

func (a Applied) String() string {
	switch a {
	case Accepted:
		return "ACCEPTED"
	case Stale:
		return "STALE"
	case Gap:
		return "GAP"
	default:
		return "INVALID"
	}
}

// Snapshot is a caller-owned copy of a book's state.
type Snapshot struct {
	TickerId        types.TickerId
	LastSequence    uint64
	LastTimestampNs uint64
	BidCount        int
	AskCount        int
	Bids            [MaxDepth]Level
	Asks            [MaxDepth]Level
}

// Book is the top-N book for one instrument.
type Book struct {
	tickerId types.TickerId
	depth    int

	// version is the seqlock word: odd while a write is in progress.
	version atomic.Uint64
	_       [56]byte

	lastSequence    uint64
	lastTimestampNs uint64
	bidCount        int
	askCount        int
	bids            [MaxDepth]Level
	asks            [MaxDepth]Level

	// missedInserts counts updates dropped for being worse than the Nth
	// level — book-miss stats, not an error.
	missedInserts uint64
}

// New creates a book with the given depth (1..MaxDepth).
func New(tickerId types.TickerId, depth int) *Book {
	if depth < 1 || depth > MaxDepth {
		panic("book: depth out of range")
	}
	return &Book{tickerId: tickerId, depth: depth}
}

// TickerId returns the instrument this book mirrors.
func (b *Book) TickerId() types.TickerId { return b.tickerId }

// LastSequence returns the last applied venue sequence.
func (b *Book) LastSequence() uint64 { return b.lastSequence }

// MissedInserts returns how many updates fell outside the top-N window.
func (b *Book) MissedInserts() uint64 { return b.missedInserts }

// Apply folds one normalized update into the book. Only the engine thread
// may call it.
func (b *Book) Apply(u *types.MarketUpdate) Applied {
	switch u.Type {
	case types.UpdateClear:
		b.beginWrite()
		b.bidCount, b.askCount = 0, 0
		b.lastSequence = u.Sequence
		b.lastTimestampNs = u.TimestampNs
		b.endWrite()
		return Accepted

	case types.UpdateSnapshot:
		if u.Sequence <= b.lastSequence {
			return Stale
		}
		b.beginWrite()
		b.applySnapshot(u)
		b.endWrite()
		return Accepted

	case types.UpdateTrade:
		// Trades carry the venue sequence but do not touch levels; the
		// engine forwards them to the feature engine.
		if u.Sequence != 0 && u.Sequence <= b.lastSequence {
			return Stale
		}
		b.beginWrite()
		if u.Sequence != 0 {
			b.lastSequence = u.Sequence
		}
		b.lastTimestampNs = u.TimestampNs
		b.endWrite()
		return Accepted

	case types.UpdateAdd, types.UpdateModify, types.UpdateDelete:
		if u.Side != types.Buy && u.Side != types.Sell {
			return Invalid
		}
		if u.Sequence <= b.lastSequence {
			return Stale
		}
		if u.PrevSequence != 0 && u.PrevSequence != b.lastSequence {
			return Gap
		}
		b.beginWrite()
		b.applyLevel(u)
		b.lastSequence = u.Sequence
		b.lastTimestampNs = u.TimestampNs
		b.endWrite()
		return Accepted

	default:
		return Invalid
	}
}

func (b *Book) applySnapshot(u *types.MarketUpdate) {
	n := int(u.BidCount)
	if n > b.depth {
		n = b.depth
	}
	for i := 0; i < n; i++ {
		b.bids[i] = Level{Price: u.Bids[i].Price, Qty: u.Bids[i].Qty, OrderCount: 1}
	}
	b.bidCount = n

	n = int(u.AskCount)
	if n > b.depth {
		n = b.depth
	}
	for i := 0; i < n; i++ {
		b.asks[i] = Level{Price: u.Asks[i].Price, Qty: u.Asks[i].Qty, OrderCount: 1}
	}
	b.askCount = n

	b.lastSequence = u.Sequence
	b.lastTimestampNs = u.TimestampNs
}

func (b *Book) applyLevel(u *types.MarketUpdate) {
	side, count := b.side(u.Side)

	idx, found := b.search(u.Side, u.Price)
	// Zero-quantity MODIFY (and venue deletes) remove the level.
	remove := u.Type == types.UpdateDelete || u.Qty == 0

	switch {
	case found && remove:
		copy(side[idx:*count-1], side[idx+1:*count])
		*count--

	case found:
		side[idx].Qty = u.Qty
		if u.Type == types.UpdateAdd {
			side[idx].OrderCount++
		}

	case remove:
		// DELETE on a non-existent level is a no-op, not an error.

	default:
		if idx >= b.depth {
			// Worse than the Nth level: accepted only if it improves the
			// worst slot, which idx >= depth rules out. Dropped, counted.
			b.missedInserts++
			return
		}
		end := *count
		if end == b.depth {
			end-- // displaced entry falls off the far side
		}
		copy(side[idx+1:end+1], side[idx:end])
		side[idx] = Level{Price: u.Price, Qty: u.Qty, OrderCount: 1}
		*count = end + 1
	}
}

func (b *Book) side(s types.Side) (side []Level, count *int) {
	if s == types.Buy {
		return b.bids[:], &b.bidCount
	}
	return b.asks[:], &b.askCount
}

// search binary-searches a side for price. Returns the slot index and
// whether the price is already present; when absent, the index is where the
// price would be inserted to keep the side ordered.
func (b *Book) search(s types.Side, price types.Price) (int, bool) {
	side, count := b.side(s)
	lo, hi := 0, *count
	for lo < hi {
		mid := (lo + hi) / 2
		p := side[mid].Price
		if p == price {
			return mid, true
		}
		// Bids are descending, asks ascending.
		if (s == types.Buy && p > price) || (s == types.Sell && p < price) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

func (b *Book) beginWrite() { b.version.Add(1) }
func (b *Book) endWrite()   { b.version.Add(1) }

// ————————————————————————————————————————————————————————————————————————
// Reads
// ————————————————————————————————————————————————————————————————————————

// BestBid returns the top bid level. ok is false when the side is empty.
func (b *Book) BestBid() (Level, bool) {
	if b.bidCount == 0 {
		return Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the top ask level. ok is false when the side is empty.
func (b *Book) BestAsk() (Level, bool) {
	if b.askCount == 0 {
		return Level{}, false
	}
	return b.asks[0], true
}

// Spread returns best ask − best bid. ok is false if either side is empty.
func (b *Book) Spread() (types.Price, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return ask.Price - bid.Price, true
}

// Mid returns (best bid + best ask)/2. ok is false if either side is empty.
func (b *Book) Mid() (types.Price, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Depth returns the configured depth.
func (b *Book) Depth() int { return b.depth }

// Snapshot copies the book into dst without allocating. Engine-thread
// callers get a consistent copy directly; cross-thread readers must use
// CopySnapshot.
func (b *Book) Snapshot(dst *Snapshot) {
	dst.TickerId = b.tickerId
	dst.LastSequence = b.lastSequence
	dst.LastTimestampNs = b.lastTimestampNs
	dst.BidCount = b.bidCount
	dst.AskCount = b.askCount
	dst.Bids = b.bids
	dst.Asks = b.asks
}

// CopySnapshot copies the book from a non-owning thread using the seqlock
// pattern. Returns false if a consistent copy could not be taken within the
// retry bound (writer continuously active).
func (b *Book) CopySnapshot(dst *Snapshot) bool {
	const maxRetries = 16
	for i := 0; i < maxRetries; i++ {
		v1 := b.version.Load()
		if v1&1 != 0 {
			continue
		}
		b.Snapshot(dst)
		if b.version.Load() == v1 {
			return true
		}
	}
	return false
}
