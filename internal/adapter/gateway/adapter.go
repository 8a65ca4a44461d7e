// Package gateway implements the exchange adapter for a remote order-gateway
// service: a REST surface for order management plus a push stream that
// delivers authoritative per-order status (so fills arrive as explicit
// events, not book reconciliation).
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"pingpong/internal/adapter/base"
	"pingpong/internal/amount"
	"pingpong/internal/core"
	"pingpong/internal/engine"
	"pingpong/pkg/httpclient"
	ws "pingpong/pkg/websocket"
)

const pollInterval = 30 * time.Second

// Adapter talks to the gateway over the resilient HTTP client and listens on
// its event stream.
type Adapter struct {
	http    *httpclient.Client
	stream  *ws.Client
	events  base.Events
	queue   *base.SendQueue
	logger  core.ILogger
	markets []string

	slippageMultiplier map[string]float64
	pollNow            chan struct{}
}

// Config for the gateway adapter.
type Config struct {
	BaseURL            string
	StreamURL          string
	APIKey             string
	SecretKey          string
	Markets            []string
	SlippageMultiplier map[string]float64
}

// New creates a gateway adapter.
func New(cfg Config, events base.Events, logger core.ILogger) *Adapter {
	a := &Adapter{
		http: httpclient.NewClient(cfg.BaseURL, 15*time.Second,
			NewHMACSigner(cfg.APIKey, cfg.SecretKey)),
		events:             events,
		queue:              base.NewSendQueue(base.QueueConfig{RatePerSecond: 6, Burst: 8}, logger),
		logger:             logger.WithField("component", "gateway_adapter"),
		markets:            cfg.Markets,
		slippageMultiplier: cfg.SlippageMultiplier,
		pollNow:            make(chan struct{}, 1),
	}
	if cfg.StreamURL != "" {
		a.stream = ws.NewClient(cfg.StreamURL, a.handleStreamMessage, logger)
	}
	return a
}

// Traits reports gateway behavior: explicit status fills and ratio-based
// slippage offsets.
func (a *Adapter) Traits() core.ExchangeTraits {
	return core.ExchangeTraits{
		Name:               "gateway",
		HasPostOnly:        true,
		TickSlippage:       false,
		StatusFills:        true,
		SlippageMultiplier: a.slippageMultiplier,
	}
}

type placeOrderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Market        string `json:"market"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Quantity      string `json:"quantity"`
	PostOnly      bool   `json:"post_only"`
}

type placeOrderResponse struct {
	OrderID string `json:"order_id"`
}

// Submit places a limit order for a queued position.
func (a *Adapter) Submit(pos *engine.Position, quiet bool) {
	req := placeOrderRequest{
		ClientOrderID: uuid.NewString(),
		Market:        pos.Market,
		Side:          pos.Side.String(),
		Price:         pos.Price.String(),
		Quantity:      pos.Quantity.String(),
		PostOnly:      !pos.Taker,
	}

	a.queue.Enqueue(pos, func(aborted func() bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		body, err := a.http.Post(ctx, "/orders", req)
		if aborted() {
			return
		}
		if err != nil {
			a.events.OnSubmitError(pos, err.Error())
			return
		}

		var resp placeOrderResponse
		if err := json.Unmarshal(body, &resp); err != nil || resp.OrderID == "" {
			a.events.OnSubmitError(pos, "unparsable place reply")
			return
		}
		a.events.OnNewOrder(pos, resp.OrderID)
	})
}

// Cancel cancels an order by id. pos may be nil for stray orders.
func (a *Adapter) Cancel(orderID string, pos *engine.Position) {
	a.queue.Enqueue(pos, func(aborted func() bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		_, err := a.http.Delete(ctx, "/orders/"+orderID, nil)
		if aborted() || pos == nil {
			return
		}
		if err != nil {
			// a missing order was already gone; the status stream carries
			// whatever happened to it
			if apiErr, ok := err.(*httpclient.APIError); ok && apiErr.StatusCode == 404 {
				a.events.OnCancelAck(pos)
				return
			}
			a.events.OnCancelRejected(pos)
			return
		}
		a.events.OnCancelAck(pos)
	})
}

type orderStatusResponse struct {
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	FilledQty string `json:"filled_qty"`
}

// GetOrder probes one order's status.
func (a *Adapter) GetOrder(orderID string, pos *engine.Position) {
	a.queue.Enqueue(pos, func(aborted func() bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		body, err := a.http.Get(ctx, "/orders/"+orderID, nil)
		if aborted() || err != nil {
			return
		}

		var resp orderStatusResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return
		}
		a.deliverStatus(resp)
	})
}

// RequestOpenOrders triggers an immediate snapshot poll.
func (a *Adapter) RequestOpenOrders() {
	select {
	case a.pollNow <- struct{}{}:
	default:
	}
}

// Abort drops in-flight requests for pos.
func (a *Adapter) Abort(pos *engine.Position) {
	a.queue.Abort(pos)
}

// YieldToFlowControl reports adapter backpressure.
func (a *Adapter) YieldToFlowControl() bool { return a.queue.YieldToFlowControl() }

// QueuedCommands reports pending outbound commands.
func (a *Adapter) QueuedCommands() int { return a.queue.QueuedCommands() }

// Run starts the event stream and the snapshot poll loop, blocking until ctx
// is done.
func (a *Adapter) Run(ctx context.Context) error {
	if a.stream != nil {
		a.stream.Start()
		defer a.stream.Stop()
	}
	defer a.queue.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.pollOpenOrders(ctx)
		case <-a.pollNow:
			a.pollOpenOrders(ctx)
		}
	}
}

type openOrderEntry struct {
	OrderID   string `json:"order_id"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	BtcAmount string `json:"btc_amount"`
}

func (a *Adapter) pollOpenOrders(ctx context.Context) {
	sentMs := time.Now().UnixMilli()

	var infos []core.OrderInfo
	for _, market := range a.markets {
		body, err := a.http.Get(ctx, "/orders/open", map[string]string{"market": market})
		if err != nil {
			a.logger.Warn("open orders poll failed", "market", market, "error", err)
			return
		}

		var entries []openOrderEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			a.logger.Warn("unparsable open orders reply", "market", market, "error", err)
			return
		}

		for _, entry := range entries {
			side := core.SideBuy
			if entry.Side == "sell" {
				side = core.SideSell
			}
			infos = append(infos, core.OrderInfo{
				Market:    entry.Market,
				Side:      side,
				Price:     entry.Price,
				BtcAmount: entry.BtcAmount,
				OrderID:   entry.OrderID,
			})
		}
	}

	a.events.OnOpenOrders(infos, sentMs)
}

type streamMessage struct {
	Type      string `json:"type"`
	Market    string `json:"market"`
	Bid       string `json:"bid"`
	Ask       string `json:"ask"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	FilledQty string `json:"filled_qty"`
}

func (a *Adapter) handleStreamMessage(message []byte) {
	var msg streamMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		a.logger.Warn("unparsable stream message", "error", err)
		return
	}

	switch msg.Type {
	case "ticker":
		bid, berr := amount.New(msg.Bid)
		ask, aerr := amount.New(msg.Ask)
		if berr != nil || aerr != nil {
			return
		}
		a.events.OnTicker(map[string]core.TickerInfo{
			msg.Market: {Bid: bid.Decimal(), Ask: ask.Decimal()},
		}, 0)
	case "order":
		a.deliverStatus(orderStatusResponse{
			OrderID:   msg.OrderID,
			Status:    msg.Status,
			FilledQty: msg.FilledQty,
		})
	}
}

func (a *Adapter) deliverStatus(resp orderStatusResponse) {
	var status core.OrderStatus
	switch resp.Status {
	case "open":
		status = core.OrderStatusOpen
	case "filled":
		status = core.OrderStatusFilled
	case "cancelled":
		status = core.OrderStatusCancelled
	case "partial":
		status = core.OrderStatusPartiallyFilled
	default:
		a.logger.Warn("unknown order status", "status", resp.Status, "id", resp.OrderID)
		return
	}

	filled := amount.Zero()
	if resp.FilledQty != "" {
		parsed, err := amount.New(resp.FilledQty)
		if err != nil {
			a.logger.Warn("unparsable filled quantity", "value", resp.FilledQty)
			return
		}
		filled = parsed
	}

	a.events.OnOrderStatus(resp.OrderID, status, filled)
}

var _ engine.ExchangeAdapter = (*Adapter)(nil)
