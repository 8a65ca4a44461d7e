package engine

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pingpong/internal/amount"
	"pingpong/internal/core"
)

// maximum stray orders cancelled per reconciliation cycle
const strayCancelLimit = 50

// blank-orderbook mitigation only applies above this many active positions
const blankBookMinActive = 50

// per-position getorder probe spacing and per-cycle probe budget
const (
	getOrderProbeSpacingMs = 30000
	getOrderProbeBudget    = 5
)

// OnOpenOrders reconciles a full open-orders snapshot against the registry:
// it drives the cancel-all pass, adopts or cancels stray orders, and declares
// fills for active positions that went missing from the book.
func (pm *PositionManager) OnOpenOrders(orders []core.OrderInfo, sentMs int64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	current := pm.now()

	idSet := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		idSet[o.OrderID] = struct{}{}
	}

	var strayOrders []string
	ctCancelled, ctAll := 0, 0

	for _, order := range orders {
		// if we ran cancelall, try to cancel this order
		if pm.runningCancelAll {
			ctAll++

			if pm.cancelMarketFilter != "all" && pm.cancelMarketFilter != order.Market {
				continue
			}
			ctCancelled++

			pos, owned := pm.byOrderID[order.OrderID]
			if !owned {
				pm.log.Info("going to cancel order", "market", order.Market,
					"side", order.Side.String(), "amount", order.BtcAmount,
					"price", order.Price, "id", order.OrderID)
				if pm.adapter != nil {
					pm.adapter.Cancel(order.OrderID, nil)
				}
				continue
			}
			pm.cancelOrderLocked(pos, false, core.CancelByUser)
			continue
		}

		// an id we never got a buy/sell reply for: either adopt it onto a
		// queued position or start a grace timer toward cancelling it
		if pm.settings.ShouldClearStrayOrders {
			if _, owned := pm.byOrderID[order.OrderID]; owned {
				continue
			}

			info := pm.marketLocked(order.Market)
			if !pm.settings.ShouldClearStrayOrdersAll && !info.HasOrderPrice(order.Price) {
				continue
			}

			if _, seen := pm.orderGraceTimes[order.OrderID]; !seen {
				matching := pm.matchQueuedLocked(order)

				if matching != nil && matching.OrderRequestTime < current-10000 {
					// we found our set order before we received the reply for it
					pm.activateLocked(matching, order.OrderID)
				} else {
					pm.orderGraceTimes[order.OrderID] = current
				}
			} else if current-pm.orderGraceTimes[order.OrderID] > pm.settings.StrayGraceTimeLimit.Milliseconds() {
				pm.log.Info("queued cancel for stray order", "market", order.Market,
					"side", order.Side.String(), "amount", order.BtcAmount,
					"price", order.Price, "id", order.OrderID)
				strayOrders = append(strayOrders, order.OrderID)
			}
		}
	}

	if pm.runningCancelAll {
		pm.log.Info("cancel pass finished", "cancelled", ctCancelled, "total", ctAll)
		pm.runningCancelAll = false
		return
	}

	if len(strayOrders) > strayCancelLimit {
		pm.log.Warn("mitigating cancelling too many stray orders", "count", len(strayOrders))
	} else {
		for _, orderID := range strayOrders {
			if pm.adapter != nil {
				pm.adapter.Cancel(orderID, nil)
			}
			if pm.strayCounter != nil {
				pm.strayCounter.Add(context.Background(), 1)
			}
			// don't try to cancel again until the next grace window expires
			pm.orderGraceTimes[orderID] = current + pm.settings.StrayGraceTimeLimit.Milliseconds()
		}
	}

	// a glitched empty snapshot would fill every active position at once
	if pm.settings.ShouldMitigateBlankBook && len(orders) == 0 && len(pm.active) > blankBookMinActive {
		pm.log.Warn("blank orderbook flash has been mitigated")
		return
	}

	probeVenue := pm.adapter != nil && pm.adapter.Traits().GetOrderProbes
	probes := 0
	var filled []*Position

	for pos := range pm.active {
		// has the order been set? if not, skip it
		if pos.OrderSetTime == 0 {
			continue
		}
		if pos.OrderCancelTime > 0 || pos.Cancelling {
			continue
		}
		// allow a safe period so orders we just set aren't misread as filled
		if pos.OrderSetTime > current-pm.settings.SafetyDelayTime.Milliseconds() {
			continue
		}
		if _, open := idSet[pos.OrderID]; open {
			continue
		}
		// the snapshot must postdate the order
		if pos.OrderSetTime >= sentMs {
			continue
		}

		if probeVenue {
			// don't declare the fill; probe the order instead, rate limited
			if pos.OrderGetOrderTime > current-getOrderProbeSpacingMs {
				continue
			}
			pm.adapter.GetOrder(pos.OrderID, pos)
			pos.OrderGetOrderTime = current
			probes++
			if probes >= getOrderProbeBudget {
				break
			}
			continue
		}

		filled = append(filled, pos)
	}

	pm.processFilledOrdersLocked(filled, core.FillGetOrder)
}

// matchQueuedLocked finds a queued position matching a remote order's market,
// side, price and amount (within one part in a thousand). Among several
// matches the one with the earliest OrderRequestTime (its latest submit)
// wins, so adoption does not depend on map iteration order.
func (pm *PositionManager) matchQueuedLocked(order core.OrderInfo) *Position {
	remoteAmount, err := amount.New(order.BtcAmount)
	if err != nil {
		return nil
	}

	var matching *Position
	for pos := range pm.queued {
		if pos.Market != order.Market ||
			pos.Side != order.Side ||
			pos.Price.String() != order.Price {
			continue
		}
		if remoteAmount.LessThan(pos.BtcAmount.Ratio(0.999)) ||
			remoteAmount.GreaterThan(pos.BtcAmount.Ratio(1.001)) {
			continue
		}
		if matching == nil || pos.OrderRequestTime < matching.OrderRequestTime {
			matching = pos
		}
	}
	return matching
}

// OnTicker ingests best bid/ask quotes: it refreshes each market's tracked
// book and classifies active positions whose price collides with the public
// spread as fill candidates. A non-positive sentMs means a passive feed that
// must not classify fills.
func (pm *PositionManager) OnTicker(tickerData map[string]core.TickerInfo, sentMs int64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	current := pm.now()

	quotes := make(map[string]struct{ bid, ask amount.Amount }, len(tickerData))
	for name, ticker := range tickerData {
		bid := amount.FromDecimal(ticker.Bid)
		ask := amount.FromDecimal(ticker.Ask)
		if bid.IsZeroOrLess() || ask.IsZeroOrLess() {
			continue
		}
		info := pm.marketLocked(name)
		info.HighestBuy = bid
		info.LowestSell = ask
		quotes[name] = struct{ bid, ask amount.Amount }{bid, ask}
	}

	// a feed without a request timestamp can't be compared to set times and
	// would produce false fills on fresh positions
	if sentMs <= 0 {
		return
	}

	// venues with an authoritative status stream don't need ticker fills
	if pm.adapter != nil && pm.adapter.Traits().StatusFills {
		return
	}

	foundEqualBidAsk := false
	probeVenue := pm.adapter != nil && pm.adapter.Traits().GetOrderProbes
	probes := 0
	var filled []*Position

	for pos := range pm.active {
		quote, ok := quotes[pos.Market]
		if !ok {
			continue
		}

		if quote.ask.LessThanOrEqual(quote.bid) {
			foundEqualBidAsk = true
			continue
		}

		// price collision with the public book
		collided := (pos.Side == core.SideSell && pos.SellPrice.LessThanOrEqual(quote.bid)) ||
			(pos.Side == core.SideBuy && pos.BuyPrice.GreaterThanOrEqual(quote.ask)) ||
			(pos.Side == core.SideSell && pos.SellPrice.LessThan(quote.ask)) ||
			(pos.Side == core.SideBuy && pos.BuyPrice.GreaterThan(quote.bid))
		if !collided {
			continue
		}

		// is the order pretty new?
		tickerDelay := pm.settings.TickerSafetyDelay.Milliseconds()
		if pos.OrderSetTime > sentMs-tickerDelay || pos.OrderSetTime > current-tickerDelay {
			if probeVenue {
				if pos.OrderGetOrderTime > current-getOrderProbeSpacingMs {
					continue
				}
				if probes < getOrderProbeBudget {
					pm.adapter.GetOrder(pos.OrderID, pos)
					pos.OrderGetOrderTime = current
					probes++
				}
			}
			continue
		}

		if pos.OrderCancelTime > 0 || pos.Cancelling {
			continue
		}

		filled = append(filled, pos)
	}

	pm.processFilledOrdersLocked(filled, core.FillTicker)

	if foundEqualBidAsk {
		pm.log.Error("found ask <= bid for at least one market")
	}
}

// OnOrderStatus ingests an explicit per-order status reply: a Filled status
// is an immediate fill, a Cancelled status with executed quantity is a
// partial-then-cancelled fill, and an unknown open order is cancelled as a
// stray.
func (pm *PositionManager) OnOrderStatus(orderID string, status core.OrderStatus, filledQty amount.Amount) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos, ok := pm.byOrderID[orderID]
	if !ok {
		if status == core.OrderStatusOpen && pm.adapter != nil {
			// a live order we don't own: cancel it remotely
			pm.adapter.Cancel(orderID, nil)
		}
		return
	}

	switch status {
	case core.OrderStatusFilled:
		pm.fillNQLocked(orderID, core.FillStream)
	case core.OrderStatusCancelled:
		if filledQty.IsGreaterThanZero() {
			pm.fillNQLocked(orderID, core.FillCancel)
		} else {
			pm.processCancelledOrderLocked(pos)
		}
	}
}

// processFilledOrdersLocked orders candidates so the most at-market rungs
// (lowest buy/sell ratio) are booked first; one-time orders, whose ratio is
// undefined, are handled last.
func (pm *PositionManager) processFilledOrdersLocked(filled []*Position, source core.FillSource) {
	sort.SliceStable(filled, func(i, j int) bool {
		a, b := filled[i], filled[j]
		if a.OneTime != b.OneTime {
			return !a.OneTime
		}
		if a.OneTime {
			return false
		}
		return a.BuyPrice.Div(a.SellPrice).LessThan(b.BuyPrice.Div(b.SellPrice))
	})

	for _, pos := range filled {
		pm.fillNQLocked(pos.OrderID, source)
	}
}

// fillNQLocked books a detected fill: journal, rung fill accounting, flip,
// release. Dedup falls out of the registry: the first booking removes the
// order id.
func (pm *PositionManager) fillNQLocked(orderID string, source core.FillSource) {
	if orderID == "" {
		pm.log.Error("tried to fill an order with a blank id", "source", source.String())
		return
	}
	pos, ok := pm.byOrderID[orderID]
	if !ok {
		pm.log.Warn("order id not found in positions", "id", orderID, "source", source.String())
		return
	}

	if pm.journal != nil {
		err := pm.journal.Record(context.Background(), core.FillRecord{
			Market:    pos.Market,
			Side:      pos.Side,
			BuyPrice:  pos.BuyPrice.String(),
			SellPrice: pos.SellPrice.String(),
			BtcAmount: pos.BtcAmount.String(),
			Source:    source,
			Landmark:  pos.Landmark,
			Timestamp: time.UnixMilli(pm.now()),
		})
		if err != nil {
			pm.log.Error("failed to journal fill", "error", err)
		}
	}
	if pm.fillCounter != nil {
		pm.fillCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("market", pos.Market),
			attribute.String("source", source.String()),
		))
	}

	// apply the alternate size swap and count the fill on every covered rung
	info := pm.marketLocked(pos.Market)
	for _, idx := range pos.MarketIndices {
		info.ResizeByAlternateSize(idx)
	}

	pm.log.Info(source.String(), "pos", pos.String())

	pm.flipPositionLocked(pos)
	pm.deletePositionLocked(pos)
}
