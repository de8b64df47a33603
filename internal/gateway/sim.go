package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"

	"shriven-zenith/internal/clock"
	"shriven-zenith/pkg/types"
)

// SimTransport is the paper-trading venue: it acks every new order and,
// when fill simulation is on, fills it at the limit price. Cancels and
// modifies ack immediately. Used when testing.paper_trading_enabled is set
// so the whole pipeline runs without a live venue.
type SimTransport struct {
	fillAll bool
	nextId  atomic.Uint64
	logger  *slog.Logger
}

// NewSimTransport creates the simulator. fillAll controls whether accepted
// orders also fill.
func NewSimTransport(fillAll bool, logger *slog.Logger) *SimTransport {
	return &SimTransport{
		fillAll: fillAll,
		logger:  logger.With("component", "sim_gateway"),
	}
}

// Send implements Transport.
func (s *SimTransport) Send(_ context.Context, req *types.OrderRequest, publish func(*types.OrderResponse)) {
	now := clock.NowNs()
	switch req.Type {
	case types.RequestNew:
		orderId := types.OrderId(s.nextId.Add(1))
		publish(&types.OrderResponse{
			Type:          types.ResponseAccepted,
			TickerId:      req.TickerId,
			ClientOrderId: req.ClientOrderId,
			OrderId:       orderId,
			Side:          req.Side,
			LeavesQty:     req.Qty,
			TimestampNs:   now,
		})
		if s.fillAll {
			publish(&types.OrderResponse{
				Type:          types.ResponseFilled,
				TickerId:      req.TickerId,
				ClientOrderId: req.ClientOrderId,
				OrderId:       orderId,
				Side:          req.Side,
				ExecPrice:     req.Price,
				ExecQty:       req.Qty,
				TimestampNs:   now,
			})
		}

	case types.RequestCancel:
		publish(&types.OrderResponse{
			Type:          types.ResponseCanceled,
			TickerId:      req.TickerId,
			ClientOrderId: req.ClientOrderId,
			Side:          req.Side,
			TimestampNs:   now,
		})

	case types.RequestModify:
		publish(&types.OrderResponse{
			Type:          types.ResponseModified,
			TickerId:      req.TickerId,
			ClientOrderId: req.ClientOrderId,
			Side:          req.Side,
			LeavesQty:     req.Qty,
			TimestampNs:   now,
		})

	default:
		s.logger.Error("unknown request type", "type", int(req.Type))
	}
}
