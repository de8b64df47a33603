// Package obs runs the observability HTTP server: a JSON snapshot of the
// trading state for dashboards, a health probe, and a Prometheus endpoint
// for the counters the hot paths maintain.
//
// Everything here runs off the hot path. The provider assembles its
// snapshot from seqlock book copies and atomic counter reads; the server
// never touches engine-owned state directly.
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BookStats is one instrument's top-of-book view.
type BookStats struct {
	TickerId     uint32  `json:"ticker_id"`
	Symbol       string  `json:"symbol"`
	BestBid      float64 `json:"best_bid"`
	BestAsk      float64 `json:"best_ask"`
	LastSequence uint64  `json:"last_sequence"`
}

// PositionStats is one instrument's inventory view.
type PositionStats struct {
	TickerId      uint32  `json:"ticker_id"`
	Symbol        string  `json:"symbol"`
	NetQty        float64 `json:"net_qty"`
	AvgEntryPx    float64 `json:"avg_entry_px"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// FeedStats is one venue connection's health counters.
type FeedStats struct {
	Venue      string `json:"venue"`
	Dropped    uint64 `json:"dropped"`
	ParseFails uint64 `json:"parse_fails"`
	Reconnects uint64 `json:"reconnects"`
}

// Stats is the full observable state.
type Stats struct {
	UpdatesProcessed  uint64          `json:"updates_processed"`
	BookGaps          uint64          `json:"book_gaps"`
	StaleUpdates      uint64          `json:"stale_updates"`
	OrdersOutstanding int64           `json:"orders_outstanding"`
	OrderQuarantines  uint64          `json:"order_quarantines"`
	VenueRejects      uint64          `json:"venue_rejects"`
	RiskRejects       uint64          `json:"risk_rejects"`
	LogDrops          uint64          `json:"log_drops"`
	PersistDrops      uint64          `json:"persist_drops"`
	Books             []BookStats     `json:"books"`
	Positions         []PositionStats `json:"positions"`
	Feeds             []FeedStats     `json:"feeds"`
}

// Provider assembles a Stats snapshot on demand.
type Provider interface {
	Stats() Stats
}

// Server is the observability HTTP server.
type Server struct {
	provider Provider
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the mux: /health, /api/snapshot, /metrics.
func NewServer(port int, provider Provider, logger *slog.Logger) *Server {
	s := &Server{
		provider: provider,
		logger:   logger.With("component", "obs"),
	}

	registry := prometheus.NewRegistry()
	s.registerMetrics(registry)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Stop. Blocks; run it on its own goroutine.
func (s *Server) Start() error {
	s.logger.Info("observability server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Stats()); err != nil {
		s.logger.Error("snapshot encode failed", "error", err)
	}
}

// registerMetrics exposes the counters as gauges evaluated per scrape.
func (s *Server) registerMetrics(reg *prometheus.Registry) {
	gauge := func(name, help string, get func(Stats) float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "zenith", Name: name, Help: help},
			func() float64 { return get(s.provider.Stats()) },
		))
	}

	gauge("updates_processed_total", "Market updates applied by the engine",
		func(st Stats) float64 { return float64(st.UpdatesProcessed) })
	gauge("book_gaps_total", "Updates rejected for sequence gaps",
		func(st Stats) float64 { return float64(st.BookGaps) })
	gauge("stale_updates_total", "Updates rejected as stale",
		func(st Stats) float64 { return float64(st.StaleUpdates) })
	gauge("orders_outstanding", "Orders currently holding pool slots",
		func(st Stats) float64 { return float64(st.OrdersOutstanding) })
	gauge("order_quarantines_total", "Orders quarantined on illegal transitions",
		func(st Stats) float64 { return float64(st.OrderQuarantines) })
	gauge("venue_rejects_total", "Orders rejected by the venue",
		func(st Stats) float64 { return float64(st.VenueRejects) })
	gauge("risk_rejects_total", "Intents rejected by the risk gate",
		func(st Stats) float64 { return float64(st.RiskRejects) })
	gauge("log_drops_total", "Log records dropped on ring overflow",
		func(st Stats) float64 { return float64(st.LogDrops) })
	gauge("persist_drops_total", "Persist records dropped on ring overflow",
		func(st Stats) float64 { return float64(st.PersistDrops) })
}
