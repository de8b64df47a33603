package orders

import (
	"io"
	"log/slog"
	"testing"

	"shriven-zenith/internal/ring"
	"shriven-zenith/pkg/types"
)

func px(v float64) types.Price { return types.Price(v * types.PriceScale) }
func qt(v float64) types.Qty   { return types.Qty(v * types.QtyScale) }

func newTestManager(capacity uint32) (*Manager, *ring.SPSC[types.OrderRequest]) {
	r := ring.New[types.OrderRequest](256)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(capacity, r, logger), r
}

func resp(t types.ResponseType, id types.ClientOrderId) *types.OrderResponse {
	return &types.OrderResponse{Type: t, ClientOrderId: id}
}

func TestFullLifecycleWithPartialAndCancel(t *testing.T) {
	t.Parallel()
	m, outRing := newTestManager(16)

	id, ok := m.NewOrder(1, types.Buy, px(100), qt(100), 1, 0)
	if !ok {
		t.Fatal("NewOrder failed")
	}
	var req types.OrderRequest
	if !outRing.Consume(&req) || req.Type != types.RequestNew || req.ClientOrderId != id {
		t.Fatalf("request ring got %+v", req)
	}
	if got := m.Lookup(id).State; got != types.PendingNew {
		t.Fatalf("state = %v, want PENDING_NEW", got)
	}

	// Venue ack → LIVE.
	m.OnResponse(&types.OrderResponse{Type: types.ResponseAccepted, ClientOrderId: id, OrderId: 555})
	o := m.Lookup(id)
	if o.State != types.Live || o.OrderId != 555 {
		t.Fatalf("after accept: %+v", o)
	}

	// Partial fill 50/100 → PARTIAL.
	fill, hasFill := m.OnResponse(&types.OrderResponse{
		Type: types.ResponsePartial, ClientOrderId: id, ExecPrice: px(100), ExecQty: qt(50),
	})
	if !hasFill || fill.Qty != qt(50) {
		t.Fatalf("partial fill = %+v hasFill=%v", fill, hasFill)
	}
	if o.State != types.Partial || o.QtyRemaining != qt(50) {
		t.Fatalf("after partial: %+v", o)
	}

	// Cancel → PENDING_CANCEL; venue ack → CANCELED, slot freed.
	if !m.Cancel(id, 0) {
		t.Fatal("Cancel failed on PARTIAL order")
	}
	if o.State != types.PendingCancel {
		t.Fatalf("after cancel request: %v", o.State)
	}
	outRing.Consume(&req)
	if req.Type != types.RequestCancel {
		t.Fatalf("cancel request type = %v", req.Type)
	}

	m.OnResponse(resp(types.ResponseCanceled, id))
	if m.Lookup(id) != nil {
		t.Error("order still resolvable after terminal CANCELED")
	}
	if m.Outstanding() != 0 {
		t.Errorf("outstanding = %d after terminal, want 0", m.Outstanding())
	}
}

func TestRejectIsTerminal(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(8)

	id, _ := m.NewOrder(1, types.Sell, px(99), qt(1), 1, 0)
	m.OnResponse(resp(types.ResponseRejected, id))

	if m.Lookup(id) != nil {
		t.Error("rejected order still in table")
	}
	if m.VenueRejects.Load() != 1 {
		t.Errorf("VenueRejects = %d, want 1", m.VenueRejects.Load())
	}
	if m.Outstanding() != 0 {
		t.Error("pool slot not returned after reject")
	}
}

func TestModifyFlow(t *testing.T) {
	t.Parallel()
	m, outRing := newTestManager(8)

	id, _ := m.NewOrder(1, types.Buy, px(100), qt(10), 1, 0)
	m.OnResponse(resp(types.ResponseAccepted, id))

	if !m.Modify(id, px(101), qt(8), 0) {
		t.Fatal("Modify failed on LIVE order")
	}
	o := m.Lookup(id)
	if o.State != types.PendingModify || o.Price != px(101) || o.QtyRemaining != qt(8) {
		t.Fatalf("after modify request: %+v", o)
	}

	var req types.OrderRequest
	outRing.Consume(&req) // the new
	outRing.Consume(&req) // the modify
	if req.Type != types.RequestModify || req.Price != px(101) {
		t.Fatalf("modify request = %+v", req)
	}

	m.OnResponse(resp(types.ResponseModified, id))
	if o.State != types.Live {
		t.Errorf("after modify ack: %v, want LIVE", o.State)
	}
}

func TestIllegalTransitionQuarantines(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(8)

	id, _ := m.NewOrder(1, types.Buy, px(100), qt(1), 1, 0)
	// A modify ack while PENDING_NEW has no legal edge.
	m.OnResponse(resp(types.ResponseModified, id))

	o := m.Lookup(id)
	if o == nil || !o.Quarantined {
		t.Fatal("order not quarantined after illegal transition")
	}
	if m.Quarantines.Load() != 1 {
		t.Errorf("Quarantines = %d, want 1", m.Quarantines.Load())
	}
	// Quarantined orders hold their slot: id still resolves.
	if m.Outstanding() != 1 {
		t.Errorf("outstanding = %d, want 1 (slot retained)", m.Outstanding())
	}

	// A late terminal response resolves the quarantine and frees the slot.
	m.OnResponse(resp(types.ResponseCanceled, id))
	if m.Outstanding() != 0 {
		t.Error("quarantined slot not freed by late terminal response")
	}
}

func TestTerminalHappensExactlyOnce(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(8)

	id, _ := m.NewOrder(1, types.Buy, px(100), qt(1), 1, 0)
	m.OnResponse(resp(types.ResponseAccepted, id))
	m.OnResponse(&types.OrderResponse{Type: types.ResponseFilled, ClientOrderId: id, ExecPrice: px(100)})

	if m.Outstanding() != 0 {
		t.Fatal("slot not freed on FILLED")
	}
	// A duplicate terminal response must not double-free or resurrect.
	m.OnResponse(resp(types.ResponseFilled, id))
	if m.Outstanding() != 0 {
		t.Error("duplicate terminal response changed pool accounting")
	}
}

func TestClientIdsStayMonotonicPastCapacity(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(4)

	// Cycle ids well past the capacity; every order terminates promptly so
	// slots recycle.
	var last types.ClientOrderId
	for i := 0; i < 12; i++ {
		id, ok := m.NewOrder(1, types.Buy, px(100), qt(1), 1, 0)
		if !ok {
			t.Fatalf("NewOrder %d failed", i)
		}
		if id <= last && i > 0 {
			t.Fatalf("client ids not monotonic: %d after %d", id, last)
		}
		last = id
		m.OnResponse(resp(types.ResponseRejected, id))
	}
}

func TestPoolExhaustion(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(2)

	if _, ok := m.NewOrder(1, types.Buy, px(100), qt(1), 1, 0); !ok {
		t.Fatal("first order failed")
	}
	if _, ok := m.NewOrder(1, types.Buy, px(100), qt(1), 1, 0); !ok {
		t.Fatal("second order failed")
	}
	if _, ok := m.NewOrder(1, types.Buy, px(100), qt(1), 1, 0); ok {
		t.Error("order allocated beyond pool capacity")
	}
	if m.PoolExhausted.Load() != 1 {
		t.Errorf("PoolExhausted = %d, want 1", m.PoolExhausted.Load())
	}
}

func TestOverfillQuarantines(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(8)

	id, _ := m.NewOrder(1, types.Buy, px(100), qt(10), 1, 0)
	m.OnResponse(resp(types.ResponseAccepted, id))
	_, hasFill := m.OnResponse(&types.OrderResponse{
		Type: types.ResponsePartial, ClientOrderId: id, ExecQty: qt(50),
	})
	if hasFill {
		t.Error("overfill produced a fill")
	}
	if !m.Lookup(id).Quarantined {
		t.Error("overfill did not quarantine")
	}
}
