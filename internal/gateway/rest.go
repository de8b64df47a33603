package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"shriven-zenith/internal/clock"
	"shriven-zenith/internal/config"
	"shriven-zenith/pkg/types"
)

// RESTTransport submits orders over the venue's REST order API with the
// pre-minted credential bundle in the headers. Acks and rejects come back
// on the HTTP response. This transport only ever publishes ACCEPTED /
// CANCELED / MODIFIED / REJECTED; no component of the live path consumes
// venue execution reports, so live fills never reach the response ring.
type RESTTransport struct {
	client   *resty.Client
	orderTag string
	session  string // per-process session id stamped on venue order tags
	logger   *slog.Logger
}

// NewRESTTransport creates the live order path.
func NewRESTTransport(apiBase string, creds config.Credentials, orderTag string, logger *slog.Logger) *RESTTransport {
	client := resty.New().
		SetBaseURL(apiBase).
		SetTimeout(5 * time.Second).
		SetHeader("X-API-Key", creds.APIKey).
		SetAuthToken(creds.AccessToken)
	return &RESTTransport{
		client:   client,
		orderTag: orderTag,
		session:  uuid.NewString(),
		logger:   logger.With("component", "rest_gateway"),
	}
}

// wireOrder is the REST request body for order placement.
type wireOrder struct {
	ClientOrderId uint64 `json:"client_order_id"`
	Symbol        uint32 `json:"ticker_id"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	Tag           string `json:"tag"`
}

// wireAck is the venue's response body.
type wireAck struct {
	OrderId    uint64 `json:"order_id"`
	Status     string `json:"status"`
	ReasonCode uint16 `json:"reason_code"`
}

// Send implements Transport.
func (t *RESTTransport) Send(ctx context.Context, req *types.OrderRequest, publish func(*types.OrderResponse)) {
	var (
		ack  wireAck
		resp *resty.Response
		err  error
	)

	r := t.client.R().SetContext(ctx).SetResult(&ack).ForceContentType("application/json")
	switch req.Type {
	case types.RequestNew:
		resp, err = r.SetBody(wireOrder{
			ClientOrderId: uint64(req.ClientOrderId),
			Symbol:        uint32(req.TickerId),
			Side:          req.Side.String(),
			Price:         fmt.Sprintf("%.4f", req.Price.Float64()),
			Qty:           fmt.Sprintf("%.8f", req.Qty.Float64()),
			Tag:           t.orderTag + "-" + t.session,
		}).Post("/orders")
	case types.RequestCancel:
		resp, err = r.Delete(fmt.Sprintf("/orders/%d", uint64(req.ClientOrderId)))
	case types.RequestModify:
		resp, err = r.SetBody(wireOrder{
			ClientOrderId: uint64(req.ClientOrderId),
			Price:         fmt.Sprintf("%.4f", req.Price.Float64()),
			Qty:           fmt.Sprintf("%.8f", req.Qty.Float64()),
		}).Put(fmt.Sprintf("/orders/%d", uint64(req.ClientOrderId)))
	default:
		t.logger.Error("unknown request type", "type", int(req.Type))
		return
	}

	now := clock.NowNs()
	if err != nil || resp.IsError() {
		// Transport failure or venue-side rejection: the order manager
		// needs a terminal answer either way.
		code := ack.ReasonCode
		if err != nil {
			t.logger.Warn("order submit failed", "error", err,
				"client_order_id", uint64(req.ClientOrderId))
			code = 0
		}
		publish(&types.OrderResponse{
			Type:          types.ResponseRejected,
			TickerId:      req.TickerId,
			ClientOrderId: req.ClientOrderId,
			Side:          req.Side,
			ReasonCode:    code,
			TimestampNs:   now,
		})
		return
	}

	respType := types.ResponseAccepted
	switch req.Type {
	case types.RequestCancel:
		respType = types.ResponseCanceled
	case types.RequestModify:
		respType = types.ResponseModified
	}
	publish(&types.OrderResponse{
		Type:          respType,
		TickerId:      req.TickerId,
		ClientOrderId: req.ClientOrderId,
		OrderId:       types.OrderId(ack.OrderId),
		Side:          req.Side,
		LeavesQty:     req.Qty,
		TimestampNs:   now,
	})
}
