// Package gateway runs the order-gateway thread.
//
// The gateway consumes OrderRequest records from the engine's order ring,
// forwards them to the venue through a Transport, and publishes the venue's
// OrderResponse records on the response ring. It never calls into the
// engine and the engine never calls into it — the two rings are the entire
// coupling.
//
// The gateway goroutine is locked to an OS thread and optionally pinned.
// Venue rate limits are respected with a token bucket that refills
// continuously; waiting for a token blocks only the gateway thread, never
// the engine (the order ring absorbs the burst).
package gateway

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"shriven-zenith/internal/affinity"
	"shriven-zenith/internal/ring"
	"shriven-zenith/pkg/types"
)

const stopDrainDeadline = 500 * time.Millisecond

// Transport is the venue-specific submission path. Send forwards one
// request and delivers zero or more responses through publish; it may block
// (the gateway thread tolerates venue latency).
type Transport interface {
	Send(ctx context.Context, req *types.OrderRequest, publish func(*types.OrderResponse))
}

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a limiter with the given burst capacity and
// per-second refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		tb.tokens += now.Sub(tb.lastTime).Seconds() * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Gateway is the order-gateway thread.
type Gateway struct {
	in        *ring.SPSC[types.OrderRequest]
	out       *ring.SPSC[types.OrderResponse]
	transport Transport
	limiter   *TokenBucket

	core       int
	rtPriority int

	// ResponseDrops counts responses lost to a full response ring.
	ResponseDrops uint64
	Submitted     uint64

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// Config wires a gateway.
type Config struct {
	In         *ring.SPSC[types.OrderRequest]
	Out        *ring.SPSC[types.OrderResponse]
	Transport  Transport
	RatePerSec int // venue request budget; 0 = unlimited
	Core       int
	RTPriority int
}

// New creates an unstarted gateway.
func New(cfg Config, logger *slog.Logger) *Gateway {
	var limiter *TokenBucket
	if cfg.RatePerSec > 0 {
		limiter = NewTokenBucket(float64(cfg.RatePerSec), float64(cfg.RatePerSec))
	}
	return &Gateway{
		in:         cfg.In,
		out:        cfg.Out,
		transport:  cfg.Transport,
		limiter:    limiter,
		core:       cfg.Core,
		rtPriority: cfg.RTPriority,
		done:       make(chan struct{}),
		logger:     logger.With("component", "gateway"),
	}
}

// Start spawns the gateway goroutine.
func (g *Gateway) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.run(ctx)
}

// Stop signals cancellation and waits for the drain, bounded.
func (g *Gateway) Stop() bool {
	if g.cancel != nil {
		g.cancel()
	}
	select {
	case <-g.done:
		return true
	case <-time.After(stopDrainDeadline):
		g.logger.Error("gateway did not stop within drain deadline")
		return false
	}
}

func (g *Gateway) run(ctx context.Context) {
	defer close(g.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := affinity.PinCurrentThread(g.core); err != nil {
		g.logger.Warn("cpu pin failed", "core", g.core, "error", err)
	}
	if err := affinity.SetRealtime(g.rtPriority); err != nil {
		g.logger.Warn("realtime priority not granted", "error", err)
	}

	var req types.OrderRequest
	idleSince := time.Now()
	for {
		if !g.in.Consume(&req) {
			if ctx.Err() != nil {
				return
			}
			// Spin briefly, then yield so an idle gateway doesn't burn
			// its core at 100%.
			if time.Since(idleSince) > time.Millisecond {
				runtime.Gosched()
			}
			continue
		}
		idleSince = time.Now()

		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return
			}
		}
		g.Submitted++
		g.transport.Send(ctx, &req, g.publish)
	}
}

func (g *Gateway) publish(r *types.OrderResponse) {
	if !g.out.Publish(r) {
		g.ResponseDrops++
		g.logger.Warn("response ring full, dropping response",
			"client_order_id", uint64(r.ClientOrderId))
	}
}
