// Package binance implements the exchange adapter for Binance spot markets
package binance

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/google/uuid"

	"pingpong/internal/adapter/base"
	"pingpong/internal/amount"
	"pingpong/internal/core"
	"pingpong/internal/engine"
)

// pollInterval is how often the open-orders snapshot is reconciled.
const pollInterval = 30 * time.Second

// Adapter drives Binance spot through the official REST client plus a
// combined bookTicker stream for spread tracking.
type Adapter struct {
	client  *binance.Client
	queue   *base.SendQueue
	events  base.Events
	logger  core.ILogger
	markets []string

	// prefixed order id -> (symbol, raw id), learned from snapshots, so
	// stray orders can be cancelled without a local position.
	mu         sync.Mutex
	idTargets  map[string]cancelTarget
	pollNow    chan struct{}
	stream     *streamClient
	percentLow map[string]string
}

type cancelTarget struct {
	symbol string
	rawID  int64
}

// New creates a Binance adapter for the given markets (quote_base names like
// BTC_DOGE).
func New(apiKey, secretKey string, markets []string, events base.Events, logger core.ILogger) *Adapter {
	a := &Adapter{
		client:    binance.NewClient(apiKey, secretKey),
		queue:     base.NewSendQueue(base.QueueConfig{RatePerSecond: 8, Burst: 10}, logger),
		events:    events,
		logger:    logger.WithField("component", "binance_adapter"),
		markets:   markets,
		idTargets: make(map[string]cancelTarget),
		pollNow:   make(chan struct{}, 1),
	}
	a.stream = newStreamClient(markets, events, logger)
	return a
}

// Traits reports Binance behavior: PERCENT_PRICE enforcement, per-market id
// prefixing and tick-growth slippage offsets.
func (a *Adapter) Traits() core.ExchangeTraits {
	return core.ExchangeTraits{
		Name:                "binance",
		EnforcePercentPrice: true,
		PrefixOrderIDs:      true,
		HasPostOnly:         true,
		TickSlippage:        true,
	}
}

// symbolFor converts QUOTE_BASE market names to Binance symbols (BASEQUOTE).
func symbolFor(market string) string {
	parts := strings.SplitN(market, "_", 2)
	if len(parts) != 2 {
		return market
	}
	return parts[1] + parts[0]
}

func sideFor(side core.Side) binance.SideType {
	if side == core.SideBuy {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

// Submit places a limit order for a queued position.
func (a *Adapter) Submit(pos *engine.Position, quiet bool) {
	symbol := symbolFor(pos.Market)
	price := pos.Price.String()
	quantity := pos.Quantity.String()
	clientID := uuid.NewString()

	a.queue.Enqueue(pos, func(aborted func() bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		resp, err := a.client.NewCreateOrderService().
			Symbol(symbol).
			Side(sideFor(pos.Side)).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(quantity).
			Price(price).
			NewClientOrderID(clientID).
			Do(ctx)

		if aborted() {
			return
		}
		if err != nil {
			a.events.OnSubmitError(pos, err.Error())
			return
		}

		rawID := resp.OrderID
		a.rememberTarget(pos.Market+strconv.FormatInt(rawID, 10), symbol, rawID)
		a.events.OnNewOrder(pos, strconv.FormatInt(rawID, 10))
	})
}

// Cancel cancels an order by its (prefixed) id. pos may be nil for strays.
func (a *Adapter) Cancel(orderID string, pos *engine.Position) {
	target, ok := a.lookupTarget(orderID, pos)
	if !ok {
		a.logger.Warn("no cancel target known for order", "id", orderID)
		return
	}

	a.queue.Enqueue(pos, func(aborted func() bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		_, err := a.client.NewCancelOrderService().
			Symbol(target.symbol).
			OrderID(target.rawID).
			Do(ctx)

		if aborted() || pos == nil {
			return
		}
		if err != nil {
			// an unknown order was already gone; treat as acked
			if strings.Contains(err.Error(), "Unknown order") {
				a.events.OnCancelAck(pos)
				return
			}
			a.events.OnCancelRejected(pos)
			return
		}
		a.events.OnCancelAck(pos)
	})
}

// GetOrder probes one order's status.
func (a *Adapter) GetOrder(orderID string, pos *engine.Position) {
	target, ok := a.lookupTarget(orderID, pos)
	if !ok {
		return
	}

	a.queue.Enqueue(pos, func(aborted func() bool) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		order, err := a.client.NewGetOrderService().
			Symbol(target.symbol).
			OrderID(target.rawID).
			Do(ctx)

		if aborted() || err != nil {
			return
		}

		status := core.OrderStatusOpen
		switch order.Status {
		case binance.OrderStatusTypeFilled:
			status = core.OrderStatusFilled
		case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
			status = core.OrderStatusCancelled
		case binance.OrderStatusTypePartiallyFilled:
			status = core.OrderStatusPartiallyFilled
		}

		filled, aerr := amount.New(order.ExecutedQuantity)
		if aerr != nil {
			filled = amount.Zero()
		}
		a.events.OnOrderStatus(orderID, status, filled)
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

// Run starts the bookTicker stream and the open-orders poll loop, blocking
// until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	a.stream.Start()
	defer a.stream.Stop()
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

func (a *Adapter) pollOpenOrders(ctx context.Context) {
	sentMs := time.Now().UnixMilli()

	var infos []core.OrderInfo
	for _, market := range a.markets {
		symbol := symbolFor(market)

		orders, err := a.client.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
		if err != nil {
			a.logger.Warn("open orders poll failed", "symbol", symbol, "error", err)
			return
		}

		for _, order := range orders {
			price, perr := amount.New(order.Price)
			qty, qerr := amount.New(order.OrigQuantity)
			if perr != nil || qerr != nil {
				continue
			}

			side := core.SideBuy
			if order.Side == binance.SideTypeSell {
				side = core.SideSell
			}

			prefixed := market + strconv.FormatInt(order.OrderID, 10)
			a.rememberTarget(prefixed, symbol, order.OrderID)

			infos = append(infos, core.OrderInfo{
				Market:    market,
				Side:      side,
				Price:     price.String(),
				BtcAmount: price.Mul(qty).String(),
				OrderID:   prefixed,
			})
		}
	}

	a.events.OnOpenOrders(infos, sentMs)
}

func (a *Adapter) rememberTarget(prefixedID, symbol string, rawID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.idTargets[prefixedID] = cancelTarget{symbol: symbol, rawID: rawID}
	// bound the map; ids older than a few snapshots are gone from the book
	if len(a.idTargets) > 4096 {
		for id := range a.idTargets {
			delete(a.idTargets, id)
			if len(a.idTargets) <= 2048 {
				break
			}
		}
	}
}

func (a *Adapter) lookupTarget(prefixedID string, pos *engine.Position) (cancelTarget, bool) {
	a.mu.Lock()
	target, ok := a.idTargets[prefixedID]
	a.mu.Unlock()
	if ok {
		return target, true
	}

	if pos != nil {
		raw := strings.TrimPrefix(prefixedID, pos.Market)
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return cancelTarget{symbol: symbolFor(pos.Market), rawID: id}, true
		}
	}
	return cancelTarget{}, false
}
