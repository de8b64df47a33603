// Package feed owns the market-data connections.
//
// Each venue connection is one dedicated reader goroutine locked to an OS
// thread (optionally pinned to a core and raised to real-time priority)
// that owns a WebSocket, decodes frames through a venue Handler, and emits
// normalized MarketUpdate records into the engine-bound SPSC ring.
//
// Connection lifecycle follows the usual discipline: auto-reconnect with
// exponential backoff (1s → 30s max), re-subscription on reconnect, a read
// deadline so silent server failures are detected, and drop-don't-block on
// every queue. Subscribe/unsubscribe are control commands enqueued to the
// I/O goroutine; the venue handler composes the actual wire messages.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"shriven-zenith/internal/affinity"
	"shriven-zenith/internal/ring"
	"shriven-zenith/pkg/types"
)

const (
	readTimeout        = 90 * time.Second // silent-server detection
	writeTimeout       = 10 * time.Second
	initialBackoff     = time.Second
	maxReconnectWait   = 30 * time.Second
	stopDrainDeadline  = 500 * time.Millisecond
	commandQueueDepth  = 64
	defaultParseLimit  = 16 // consecutive parse failures before reconnect
)

// CommandOp distinguishes control commands.
type CommandOp uint8

const (
	OpSubscribe CommandOp = iota
	OpUnsubscribe
)

// Command is a control message delivered to the I/O goroutine.
type Command struct {
	Op     CommandOp
	Symbol string
	Mode   string
}

// Handler is the venue-specific half of a connection: it composes
// subscription messages and decodes frames into normalized updates.
type Handler interface {
	// OnConnected runs on the I/O goroutine right after (re)connect, with
	// the full set of symbols to (re)subscribe.
	OnConnected(c *Conn, symbols []string) error
	// OnFrame decodes one WebSocket frame, emitting updates via c.Emit.
	// A returned error counts as a parse failure.
	OnFrame(c *Conn, msgType int, data []byte) error
	// OnCommand applies one control command on the I/O goroutine.
	OnCommand(c *Conn, cmd Command) error
	// OnDisconnect runs when the connection drops, before any reconnect;
	// synchronizers reset their state machines here.
	OnDisconnect(c *Conn)
}

// Conn manages a single venue WebSocket connection.
type Conn struct {
	name    string
	url     string
	out     *ring.SPSC[types.MarketUpdate]
	handler Handler

	conn   *websocket.Conn
	connMu sync.Mutex // guards writes; reads stay on the I/O goroutine

	// Track subscriptions for automatic re-subscribe on reconnect.
	subscribedMu sync.Mutex
	subscribed   map[string]bool

	cmdCh chan Command

	core       int
	rtPriority int
	parseLimit int

	dropped    atomic.Uint64
	parseFails atomic.Uint64
	reconnects atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// Config wires a connection.
type Config struct {
	Name       string // venue label for logs
	URL        string
	Out        *ring.SPSC[types.MarketUpdate]
	Handler    Handler
	Core       int // CPU core to pin the reader to, -1 = none
	RTPriority int // real-time priority, 0 = none
	ParseLimit int // consecutive parse failures before reconnect
}

// NewConn creates an unstarted connection.
func NewConn(cfg Config, logger *slog.Logger) *Conn {
	limit := cfg.ParseLimit
	if limit <= 0 {
		limit = defaultParseLimit
	}
	return &Conn{
		name:       cfg.Name,
		url:        cfg.URL,
		out:        cfg.Out,
		handler:    cfg.Handler,
		subscribed: make(map[string]bool),
		cmdCh:      make(chan Command, commandQueueDepth),
		core:       cfg.Core,
		rtPriority: cfg.RTPriority,
		parseLimit: limit,
		done:       make(chan struct{}),
		logger:     logger.With("component", "feed", "venue", cfg.Name),
	}
}

// Dropped returns how many updates were lost to a full output ring.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// ParseFails returns the malformed-frame counter.
func (c *Conn) ParseFails() uint64 { return c.parseFails.Load() }

// Reconnects returns how many times the connection has been re-established.
func (c *Conn) Reconnects() uint64 { return c.reconnects.Load() }

// Start spawns the reader goroutine.
func (c *Conn) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Stop signals cancellation and waits for the reader to exit, bounded by
// the drain deadline. Returns false on deadline expiry (thread abandoned).
func (c *Conn) Stop() bool {
	if c.cancel != nil {
		c.cancel()
	}
	c.closeConn()
	select {
	case <-c.done:
		return true
	case <-time.After(stopDrainDeadline):
		c.logger.Error("feed reader did not stop within drain deadline")
		return false
	}
}

// Subscribe records the subscription (so reconnects replay it) and enqueues
// the wire command for the I/O goroutine. Non-blocking; returns false when
// the command queue is full — the subscription still replays on the next
// reconnect.
func (c *Conn) Subscribe(symbol, mode string) bool {
	c.subscribedMu.Lock()
	c.subscribed[symbol] = true
	c.subscribedMu.Unlock()
	select {
	case c.cmdCh <- Command{Op: OpSubscribe, Symbol: symbol, Mode: mode}:
		return true
	default:
		return false
	}
}

// Unsubscribe removes the tracked subscription and enqueues the command.
func (c *Conn) Unsubscribe(symbol string) bool {
	c.subscribedMu.Lock()
	delete(c.subscribed, symbol)
	c.subscribedMu.Unlock()
	select {
	case c.cmdCh <- Command{Op: OpUnsubscribe, Symbol: symbol}:
		return true
	default:
		return false
	}
}

// Emit publishes one normalized update to the output ring. Ring full means
// the record is dropped and counted; the reader never blocks on the engine.
func (c *Conn) Emit(u *types.MarketUpdate) {
	if !c.out.Publish(u) {
		c.dropped.Add(1)
	}
}

// WriteJSON sends a control message on the socket. Safe from the I/O
// goroutine and from Conn-internal helpers; guarded by the write mutex.
func (c *Conn) WriteJSON(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%s: websocket not connected", c.name)
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	// The reader owns its OS thread for the life of the connection so the
	// pin and priority stick.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := affinity.PinCurrentThread(c.core); err != nil {
		c.logger.Warn("cpu pin failed", "core", c.core, "error", err)
	}
	if err := affinity.SetRealtime(c.rtPriority); err != nil {
		c.logger.Warn("realtime priority not granted", "error", err)
	}

	backoff := initialBackoff
	for {
		err := c.connectAndRead(ctx)
		c.handler.OnDisconnect(c)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
		c.reconnects.Add(1)
	}
}

func (c *Conn) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer c.closeConn()

	if err := c.handler.OnConnected(c, c.subscriptionList()); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.logger.Info("feed connected")

	consecutiveFails := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.drainCommands()

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := c.handler.OnFrame(c, msgType, data); err != nil {
			// Malformed frames are dropped and counted; the connection
			// survives isolated failures but not a run of them.
			c.parseFails.Add(1)
			consecutiveFails++
			c.logger.Warn("frame dropped", "error", err, "consecutive", consecutiveFails)
			if consecutiveFails >= c.parseLimit {
				return fmt.Errorf("parse failure threshold reached (%d)", consecutiveFails)
			}
			continue
		}
		consecutiveFails = 0
	}
}

// drainCommands applies queued control commands between reads.
func (c *Conn) drainCommands() {
	for {
		select {
		case cmd := <-c.cmdCh:
			c.applyCommand(cmd)
		default:
			return
		}
	}
}

func (c *Conn) applyCommand(cmd Command) {
	if err := c.handler.OnCommand(c, cmd); err != nil {
		c.logger.Warn("control command failed",
			"op", int(cmd.Op), "symbol", cmd.Symbol, "error", err)
	}
}

func (c *Conn) subscriptionList() []string {
	c.subscribedMu.Lock()
	defer c.subscribedMu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for s := range c.subscribed {
		out = append(out, s)
	}
	return out
}

func (c *Conn) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
