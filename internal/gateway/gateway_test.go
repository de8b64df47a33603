package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"shriven-zenith/internal/config"
	"shriven-zenith/internal/ring"
	"shriven-zenith/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSimTransportAckAndFill(t *testing.T) {
	t.Parallel()
	sim := NewSimTransport(true, testLogger())

	var got []types.OrderResponse
	req := &types.OrderRequest{
		Type: types.RequestNew, TickerId: 1, ClientOrderId: 7,
		Side: types.Buy, Price: 100_0000, Qty: 5_00000000,
	}
	sim.Send(context.Background(), req, func(r *types.OrderResponse) {
		got = append(got, *r)
	})

	if len(got) != 2 {
		t.Fatalf("responses = %d, want accept+fill", len(got))
	}
	if got[0].Type != types.ResponseAccepted || got[0].OrderId == 0 {
		t.Errorf("first response = %+v, want ACCEPTED with venue id", got[0])
	}
	if got[1].Type != types.ResponseFilled || got[1].ExecQty != req.Qty || got[1].ExecPrice != req.Price {
		t.Errorf("second response = %+v, want full fill at limit", got[1])
	}
}

func TestSimTransportCancelModify(t *testing.T) {
	t.Parallel()
	sim := NewSimTransport(false, testLogger())

	var got []types.OrderResponse
	collect := func(r *types.OrderResponse) { got = append(got, *r) }

	sim.Send(context.Background(), &types.OrderRequest{Type: types.RequestCancel, ClientOrderId: 9}, collect)
	sim.Send(context.Background(), &types.OrderRequest{Type: types.RequestModify, ClientOrderId: 9, Qty: 1}, collect)

	if len(got) != 2 || got[0].Type != types.ResponseCanceled || got[1].Type != types.ResponseModified {
		t.Errorf("responses = %+v", got)
	}
}

func TestGatewayPipesRequestsToResponses(t *testing.T) {
	t.Parallel()
	in := ring.New[types.OrderRequest](64)
	out := ring.New[types.OrderResponse](64)
	g := New(Config{
		In: in, Out: out,
		Transport: NewSimTransport(false, testLogger()),
		Core:      -1,
	}, testLogger())

	g.Start()
	defer g.Stop()

	for i := 1; i <= 5; i++ {
		req := types.OrderRequest{Type: types.RequestNew, ClientOrderId: types.ClientOrderId(i), Qty: 1}
		if !in.Publish(&req) {
			t.Fatal("order ring full")
		}
	}

	deadline := time.After(2 * time.Second)
	var got []types.OrderResponse
	for len(got) < 5 {
		var r types.OrderResponse
		if out.Consume(&r) {
			got = append(got, r)
			continue
		}
		select {
		case <-deadline:
			t.Fatalf("timed out with %d responses", len(got))
		default:
			time.Sleep(time.Millisecond)
		}
	}

	// FIFO through both rings.
	for i, r := range got {
		if r.ClientOrderId != types.ClientOrderId(i+1) {
			t.Errorf("response %d for order %d, want %d", i, r.ClientOrderId, i+1)
		}
		if r.Type != types.ResponseAccepted {
			t.Errorf("response %d type = %v", i, r.Type)
		}
	}
}

func TestGatewayStopsWithinDeadline(t *testing.T) {
	t.Parallel()
	in := ring.New[types.OrderRequest](8)
	out := ring.New[types.OrderResponse](8)
	g := New(Config{In: in, Out: out, Transport: NewSimTransport(false, testLogger()), Core: -1}, testLogger())

	g.Start()
	start := time.Now()
	if !g.Stop() {
		t.Error("Stop reported a hung gateway")
	}
	if time.Since(start) > stopDrainDeadline+200*time.Millisecond {
		t.Error("Stop exceeded the drain deadline budget")
	}
}

func TestTokenBucketThrottles(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(2, 1000)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// Burst of 2 is free; the next 2 wait ~1ms each at 1000/s.
	if elapsed := time.Since(start); elapsed < time.Millisecond {
		t.Errorf("4 tokens from a burst of 2 took %v, want >= 1ms", elapsed)
	}
}

func TestTokenBucketHonorsCancellation(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.001) // effectively never refills

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_ = tb.Wait(ctx) // consumes the only token
	if err := tb.Wait(ctx); err == nil {
		t.Error("Wait returned without a token after cancellation")
	}
}

func TestRESTTransportPlacesAndParsesAck(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "key" {
			t.Error("api key header missing")
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Error("access token header missing")
		}
		fmt.Fprint(w, `{"order_id":4242,"status":"accepted"}`)
	}))
	defer srv.Close()

	tr := NewRESTTransport(srv.URL, config.Credentials{APIKey: "key", AccessToken: "tok"}, "zenith", testLogger())

	var got []types.OrderResponse
	tr.Send(context.Background(), &types.OrderRequest{
		Type: types.RequestNew, TickerId: 1, ClientOrderId: 11,
		Side: types.Buy, Price: 100_0000, Qty: 1_00000000,
	}, func(r *types.OrderResponse) { got = append(got, *r) })

	if len(got) != 1 || got[0].Type != types.ResponseAccepted || got[0].OrderId != 4242 {
		t.Errorf("responses = %+v", got)
	}
}

func TestRESTTransportRejectsOnHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"reason_code":42}`)
	}))
	defer srv.Close()

	tr := NewRESTTransport(srv.URL, config.Credentials{}, "zenith", testLogger())

	var got []types.OrderResponse
	tr.Send(context.Background(), &types.OrderRequest{
		Type: types.RequestNew, ClientOrderId: 12,
	}, func(r *types.OrderResponse) { got = append(got, *r) })

	if len(got) != 1 || got[0].Type != types.ResponseRejected {
		t.Fatalf("responses = %+v, want one REJECTED", got)
	}
}
