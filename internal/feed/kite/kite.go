// Package kite adapts the Kite binary ticker stream to the normalized
// market-data contract.
//
// The venue frames are big-endian binary: a 2-byte packet count, then per
// packet a 2-byte length prefix and the payload. Each payload is a
// self-contained top-N snapshot for one instrument, tagged with a strictly
// increasing sequence — so the synchronizer collapses to two states:
// Disconnected → Synced. Frames whose sequence does not advance the last
// seen one are dropped; there is no REST phase and no staging.
//
// Payload layout (big-endian):
//
//	offset  size  field
//	0       4     instrument token
//	4       8     sequence
//	12      8     exchange timestamp (ns)
//	20      8     last trade price (fixed-point)
//	28      8     last trade qty (fixed-point)
//	36      1     last trade side (1 buy, 2 sell, 0 none)
//	37      1     bid level count
//	38      1     ask level count
//	39..    20×n  levels: price i64, qty u64, order count u32
//
// Lengths are checked against the frame before any field is read.
package kite

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"shriven-zenith/internal/feed"
	"shriven-zenith/pkg/types"
)

const (
	headerSize = 39
	levelSize  = 20
	maxLevels  = types.SnapshotDepth
)

// instrument is the per-token state: just the last accepted sequence.
type instrument struct {
	tickerId types.TickerId
	lastSeq  uint64
	synced   bool
}

// Adapter implements feed.Handler for the Kite binary stream.
type Adapter struct {
	accessToken string
	instruments map[uint32]*instrument // keyed by venue token
	logger      *slog.Logger

	stale uint64 // dropped out-of-order frames
}

// New creates the adapter. The access token is the pre-minted credential
// the subscription message carries.
func New(accessToken string, logger *slog.Logger) *Adapter {
	return &Adapter{
		accessToken: accessToken,
		instruments: make(map[uint32]*instrument),
		logger:      logger.With("component", "kite"),
	}
}

// Register maps a venue instrument token to its ticker id. Startup only.
func (a *Adapter) Register(token uint32, id types.TickerId) {
	a.instruments[token] = &instrument{tickerId: id}
}

// StaleFrames returns the dropped out-of-order frame count.
func (a *Adapter) StaleFrames() uint64 { return a.stale }

// subscribeMsg is the JSON control message for (un)subscribing tokens.
type subscribeMsg struct {
	Action string   `json:"a"`
	Value  []uint32 `json:"v"`
	Mode   string   `json:"mode,omitempty"`
	Token  string   `json:"token,omitempty"`
}

// OnConnected resubscribes every registered token in full mode.
func (a *Adapter) OnConnected(c *feed.Conn, _ []string) error {
	tokens := make([]uint32, 0, len(a.instruments))
	for tok := range a.instruments {
		tokens = append(tokens, tok)
	}
	if len(tokens) == 0 {
		return nil
	}
	return c.WriteJSON(subscribeMsg{
		Action: "subscribe",
		Value:  tokens,
		Mode:   "full",
		Token:  a.accessToken,
	})
}

// OnCommand is a no-op for this venue: the instrument set is fixed at
// startup and replayed wholesale by OnConnected.
func (a *Adapter) OnCommand(*feed.Conn, feed.Command) error { return nil }

// OnDisconnect drops every instrument back to unsynced and clears the
// engine-side books.
func (a *Adapter) OnDisconnect(c *feed.Conn) {
	for _, ins := range a.instruments {
		if !ins.synced {
			continue
		}
		ins.synced = false
		u := types.MarketUpdate{
			TickerId: ins.tickerId,
			Type:     types.UpdateClear,
			Sequence: ins.lastSeq + 1,
		}
		ins.lastSeq++
		c.Emit(&u)
	}
}

// OnFrame decodes one binary frame: packet count, then length-prefixed
// packets. Text frames (venue heartbeats) are ignored.
func (a *Adapter) OnFrame(c *feed.Conn, msgType int, data []byte) error {
	if msgType != 2 { // websocket.BinaryMessage
		return nil
	}
	if len(data) < 2 {
		return fmt.Errorf("frame shorter than packet count")
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	off := 2
	for i := 0; i < count; i++ {
		if off+2 > len(data) {
			return fmt.Errorf("packet %d: truncated length prefix", i)
		}
		size := int(binary.BigEndian.Uint16(data[off : off+2]))
		off += 2
		if off+size > len(data) {
			return fmt.Errorf("packet %d: length %d overruns frame", i, size)
		}
		if err := a.onPacket(c, data[off:off+size]); err != nil {
			return fmt.Errorf("packet %d: %w", i, err)
		}
		off += size
	}
	return nil
}

// onPacket decodes one self-contained snapshot payload.
func (a *Adapter) onPacket(c *feed.Conn, p []byte) error {
	if len(p) < headerSize {
		return fmt.Errorf("payload %d bytes, want >= %d", len(p), headerSize)
	}
	token := binary.BigEndian.Uint32(p[0:4])
	ins, ok := a.instruments[token]
	if !ok {
		return nil // unsubscribed token, ignore
	}

	seq := binary.BigEndian.Uint64(p[4:12])
	tsNs := binary.BigEndian.Uint64(p[12:20])
	ltp := types.Price(binary.BigEndian.Uint64(p[20:28]))
	ltq := types.Qty(binary.BigEndian.Uint64(p[28:36]))
	tradeSide := p[36]
	nBids := int(p[37])
	nAsks := int(p[38])

	if nBids > maxLevels || nAsks > maxLevels {
		return fmt.Errorf("level counts %d/%d exceed %d", nBids, nAsks, maxLevels)
	}
	want := headerSize + (nBids+nAsks)*levelSize
	if len(p) != want {
		return fmt.Errorf("payload %d bytes, want %d for %d+%d levels", len(p), want, nBids, nAsks)
	}

	// Monotonic sequence per instrument; out-of-order frames are dropped.
	if ins.synced && seq <= ins.lastSeq {
		a.stale++
		return nil
	}

	u := types.MarketUpdate{
		TickerId:    ins.tickerId,
		Type:        types.UpdateSnapshot,
		Sequence:    seq,
		TimestampNs: tsNs,
		BidCount:    uint8(nBids),
		AskCount:    uint8(nAsks),
	}
	off := headerSize
	for i := 0; i < nBids; i++ {
		u.Bids[i] = readLevel(p[off:])
		off += levelSize
	}
	for i := 0; i < nAsks; i++ {
		u.Asks[i] = readLevel(p[off:])
		off += levelSize
	}
	c.Emit(&u)

	// The packet's trade fields describe the latest execution; emit it as
	// a trade event when a side is present.
	if tradeSide == 1 || tradeSide == 2 {
		side := types.Buy
		if tradeSide == 2 {
			side = types.Sell
		}
		tr := types.MarketUpdate{
			TickerId:    ins.tickerId,
			Type:        types.UpdateTrade,
			Side:        side,
			Price:       ltp,
			Qty:         ltq,
			TimestampNs: tsNs,
		}
		c.Emit(&tr)
	}

	ins.lastSeq = seq
	ins.synced = true
	return nil
}

func readLevel(p []byte) types.LevelData {
	return types.LevelData{
		Price: types.Price(binary.BigEndian.Uint64(p[0:8])),
		Qty:   types.Qty(binary.BigEndian.Uint64(p[8:16])),
		// p[16:20] is the order count; the snapshot record does not carry
		// it, the book synthesizes one.
	}
}
