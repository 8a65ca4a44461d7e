package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pingpong/internal/amount"
	"pingpong/internal/core"
	"pingpong/internal/market"
)

// Rejection kinds surfaced by AddPosition and friends.
var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrPrecisionLoss   = errors.New("precision loss")
	ErrSpreadViolation = errors.New("price too far from spread")
	ErrExchangeLimit   = errors.New("exchange price limit")
)

// PositionManager is the authoritative registry of every queued and active
// position. All entry points serialize on one mutex, which realizes the
// engine's single-threaded cooperative model: no position is ever observed by
// two concurrent executions.
type PositionManager struct {
	mu sync.Mutex

	log      core.ILogger
	adapter  ExchangeAdapter
	settings Settings
	journal  core.IFillJournal

	markets map[string]*market.Info

	all       map[*Position]struct{}
	queued    map[*Position]struct{}
	active    map[*Position]struct{}
	byOrderID map[string]*Position

	dcGroups            []*dcGroup
	divergingConverging map[string][]int

	orderGraceTimes map[string]int64

	runningCancelAll     bool
	cancelMarketFilter   string
	maintenanceTriggered bool

	now func() int64

	activeCount   int64
	fillCounter   metric.Int64Counter
	dcCounter     metric.Int64Counter
	resetCounter  metric.Int64Counter
	strayCounter  metric.Int64Counter
}

// NewPositionManager creates an engine core. The adapter is attached with
// SetAdapter once it exists (the two reference each other).
func NewPositionManager(settings Settings, logger core.ILogger, meter metric.Meter) *PositionManager {
	pm := &PositionManager{
		log:                 logger.WithField("component", "position_manager"),
		settings:            settings,
		markets:             make(map[string]*market.Info),
		all:                 make(map[*Position]struct{}),
		queued:              make(map[*Position]struct{}),
		active:              make(map[*Position]struct{}),
		byOrderID:           make(map[string]*Position),
		divergingConverging: make(map[string][]int),
		orderGraceTimes:     make(map[string]int64),
		now:                 func() int64 { return time.Now().UnixMilli() },
	}

	if meter != nil {
		pm.registerMetrics(meter)
	}
	return pm
}

func (pm *PositionManager) registerMetrics(meter metric.Meter) {
	pm.fillCounter, _ = meter.Int64Counter("pingpong_fills_total",
		metric.WithDescription("Total number of detected fills"))
	pm.dcCounter, _ = meter.Int64Counter("pingpong_dc_total",
		metric.WithDescription("Total number of diverge/converge transitions"))
	pm.resetCounter, _ = meter.Int64Counter("pingpong_slippage_resets_total",
		metric.WithDescription("Total number of slippage price resets"))
	pm.strayCounter, _ = meter.Int64Counter("pingpong_stray_cancels_total",
		metric.WithDescription("Total number of stray remote orders cancelled"))

	_, _ = meter.Int64ObservableGauge("pingpong_orders_active",
		metric.WithDescription("Number of active positions"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(atomic.LoadInt64(&pm.activeCount))
			return nil
		}))
}

// SetAdapter attaches the exchange adapter.
func (pm *PositionManager) SetAdapter(adapter ExchangeAdapter) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.adapter = adapter
}

// SetJournal attaches the fill journal.
func (pm *PositionManager) SetJournal(journal core.IFillJournal) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.journal = journal
}

// SetClock overrides the millisecond clock. Tests only.
func (pm *PositionManager) SetClock(now func() int64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.now = now
}

// Market returns the live state for a market, creating it on first use.
func (pm *PositionManager) Market(name string) *market.Info {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.marketLocked(name)
}

func (pm *PositionManager) marketLocked(name string) *market.Info {
	info, ok := pm.markets[name]
	if !ok {
		info = market.NewInfo(name, market.Settings{})
		pm.markets[name] = info
	}
	return info
}

// SetMarketSettings replaces a market's grid parameters.
func (pm *PositionManager) SetMarketSettings(name string, settings market.Settings) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.marketLocked(name).Settings = settings
}

// HasActivePositions reports whether any position is active.
func (pm *PositionManager) HasActivePositions() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.active) > 0
}

// HasQueuedPositions reports whether any position is queued.
func (pm *PositionManager) HasQueuedPositions() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.queued) > 0
}

// PositionForOrderID looks up an active position by its exchange order id.
func (pm *PositionManager) PositionForOrderID(orderID string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.byOrderID[orderID]
}

func (pm *PositionManager) isPositionLocked(pos *Position) bool {
	_, ok := pm.all[pos]
	return ok
}

func (pm *PositionManager) isQueuedLocked(pos *Position) bool {
	_, ok := pm.queued[pos]
	return ok
}

func (pm *PositionManager) isActiveLocked(pos *Position) bool {
	_, ok := pm.active[pos]
	return ok
}

// AddPosition validates and queues a new order. Type is one of "active",
// "ghost" or "onetime" with optional "-taker", "-override" and "-timeoutN"
// suffixes on one-time orders. A ghost allocates a rung and returns (nil, nil).
func (pm *PositionManager) AddPosition(marketName string, side core.Side, buyPrice, sellPrice,
	orderSize, typ, tag string, indices []int, landmark, quiet bool) (*Position, error) {

	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.addPositionLocked(marketName, side, buyPrice, sellPrice, orderSize, typ, tag,
		indices, landmark, quiet)
}

func (pm *PositionManager) addPositionLocked(marketName string, side core.Side, buyPrice, sellPrice,
	orderSize, typ, tag string, indices []int, landmark, quiet bool) (*Position, error) {

	// parse alternate size from order_size, format: 0.001/0.002
	var alternateSize string
	if parts := strings.SplitN(orderSize, "/", 2); len(parts) == 2 {
		orderSize = parts[0]
		alternateSize = parts[1]
	}

	isOneTime := strings.HasPrefix(typ, "onetime")
	isTaker := strings.Contains(typ, "-taker")
	isGhost := typ == "ghost"
	isActive := typ == "active"
	isOverride := strings.Contains(typ, "-override")

	if !isActive && !isGhost && !isOneTime {
		pm.log.Error("order type must be 'active', 'ghost', or 'onetime'", "type", typ)
		return nil, fmt.Errorf("%w: order type %q", ErrInvalidInput, typ)
	}

	if marketName == "" || buyPrice == "" || sellPrice == "" || orderSize == "" {
		pm.log.Error("an argument was empty", "market", marketName, "lo", buyPrice,
			"hi", sellPrice, "size", orderSize)
		return nil, fmt.Errorf("%w: empty argument", ErrInvalidInput)
	}

	if side != core.SideBuy && side != core.SideSell {
		pm.log.Error("invalid side", "side", side)
		return nil, fmt.Errorf("%w: side %d", ErrInvalidInput, side)
	}

	// landmark orders track market indices; one-time orders have none
	if landmark && isOneTime {
		pm.log.Error("can't use landmark order type with one-time order")
		return nil, fmt.Errorf("%w: landmark one-time order", ErrInvalidInput)
	}

	buy, buyErr := amount.New(buyPrice)
	sell, sellErr := amount.New(sellPrice)
	size, sizeErr := amount.New(orderSize)
	if buyErr != nil || sellErr != nil || sizeErr != nil {
		return nil, fmt.Errorf("%w: unparsable price or size", ErrInvalidInput)
	}

	var alternate amount.Amount
	if alternateSize != "" {
		var err error
		if alternate, err = amount.New(alternateSize); err != nil {
			return nil, fmt.Errorf("%w: unparsable alternate size", ErrInvalidInput)
		}
	}

	badPingPong := !isOneTime && (sell.LessThanOrEqual(buy) || buy.IsZeroOrLess() || sell.IsZeroOrLess())
	badOneTime := isOneTime && ((side == core.SideBuy && buy.IsZeroOrLess()) ||
		(side == core.SideSell && sell.IsZeroOrLess()) ||
		(alternateSize != "" && alternate.IsZeroOrLess()))
	if badPingPong || badOneTime {
		pm.log.Error("tried to set bad order", "onetime", isOneTime, "hi", sellPrice,
			"lo", buyPrice, "size", orderSize, "alternate", alternateSize)
		return nil, fmt.Errorf("%w: bad prices", ErrInvalidInput)
	}

	// did the caller pass decimals that don't survive normalization?
	if len(buyPrice) > len(buy.String()) ||
		len(sellPrice) > len(sell.String()) ||
		len(orderSize) > len(size.String()) {
		pm.log.Error("too many decimals", "hi", sellPrice, "lo", buyPrice, "size", orderSize)
		return nil, fmt.Errorf("%w: too many decimals", ErrPrecisionLoss)
	}

	info := pm.marketLocked(marketName)

	// taker price more than 10% off the spread needs -override
	if isTaker && !isOverride {
		hiBuy := info.HighestBuy
		loSell := info.LowestSell
		if (side == core.SideSell && hiBuy.Ratio(0.9).GreaterThan(sell)) ||
			(side == core.SideSell && hiBuy.Ratio(1.1).LessThan(sell)) ||
			(side == core.SideBuy && loSell.Ratio(1.1).LessThan(buy)) ||
			(side == core.SideBuy && loSell.Ratio(0.9).GreaterThan(buy)) {
			pm.log.Error("taker price is >10% from spread, aborting order; add '-override' if intentional",
				"hi", sellPrice, "lo", buyPrice)
			return nil, ErrSpreadViolation
		}
	}

	// figure out the market index if we didn't supply one
	if !isOneTime && len(indices) == 0 {
		idx := info.Append(market.PositionData{
			BuyPrice:      buy,
			SellPrice:     sell,
			OrderSize:     size,
			AlternateSize: alternate,
		})
		indices = []int{idx}
	}

	// a ghost reserves the rung without posting an order
	if !isOneTime && !isActive {
		return nil, nil
	}

	pos := newPosition(info, side, buy, sell, size, tag, indices, landmark)
	if pos == nil || pos.Market == "" || pos.BtcAmount.IsZeroOrLess() ||
		pos.Price.IsZeroOrLess() || pos.Quantity.IsZeroOrLess() {
		pm.log.Warn("new position failed to initialize", "market", marketName,
			"side", side.String(), "lo", buyPrice, "hi", sellPrice, "size", orderSize)
		return nil, fmt.Errorf("%w: position failed to initialize", ErrInvalidInput)
	}

	// respect the PERCENT_PRICE window with a 20% padding (we don't know the
	// venue's 5min average, so the range is compressed instead)
	if pm.adapter != nil && pm.adapter.Traits().EnforcePercentPrice {
		buyLimit := info.HighestBuy.Mul(info.Settings.PriceMinMul.Ratio(1.2)).
			TruncatedByTicksize(amount.Satoshi)
		sellLimit := info.LowestSell.Mul(info.Settings.PriceMaxMul.Ratio(0.8)).
			TruncatedByTicksize(amount.Satoshi)

		if (pos.Side == core.SideBuy && pos.BuyPrice.IsGreaterThanZero() &&
			buyLimit.IsGreaterThanZero() && pos.BuyPrice.LessThan(buyLimit)) ||
			(pos.Side == core.SideSell && pos.SellPrice.IsGreaterThanZero() &&
				sellLimit.IsGreaterThanZero() && pos.SellPrice.GreaterThan(sellLimit)) {
			if pos.OneTime {
				pm.log.Warn("hit PERCENT_PRICE limit", "market", marketName,
					"buy_limit", buyLimit.String(), "sell_limit", sellLimit.String())
			}
			return nil, ErrExchangeLimit
		}
	}

	pos.OneTime = isOneTime
	pos.Taker = isTaker

	// allow one-time orders to set a timeout
	if isOneTime {
		if i := strings.Index(typ, "-timeout"); i >= 0 {
			digits := typ[i+len("-timeout"):]
			if j := strings.IndexByte(digits, '-'); j >= 0 {
				digits = digits[:j]
			}
			if minutes, err := strconv.Atoi(digits); err == nil && minutes > 0 {
				pos.MaxAgeMinutes = minutes
			}
		}
	}

	// if it's not a taker order, post-only: try to obtain a better price now
	if !isTaker {
		if pm.tryMoveOrderLocked(pos) {
			pos.ApplyOffset()
		}
	}

	pm.queued[pos] = struct{}{}
	pm.all[pos] = struct{}{}
	pos.listedPrice = pos.Price.String()
	info.AddOrderPrice(pos.listedPrice)

	pm.submitLocked(pos, quiet)
	return pos, nil
}

// addLandmarkPositionForLocked re-places a landmark covering pos's indices.
func (pm *PositionManager) addLandmarkPositionForLocked(pos *Position) {
	_, _ = pm.addPositionLocked(pos.Market, pos.Side, "0.00000001", "0.00000002", "0.00000000",
		"active", "", pos.MarketIndices, true, true)
}

func (pm *PositionManager) submitLocked(pos *Position, quiet bool) {
	pos.OrderRequestTime = pm.now()
	if pm.adapter != nil {
		pm.adapter.Submit(pos, quiet)
	}
}

// OnNewOrder is the adapter's submit reply: the position got an order id.
func (pm *PositionManager) OnNewOrder(pos *Position, orderID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pos == nil || !pm.isPositionLocked(pos) {
		return
	}
	pm.activateLocked(pos, orderID)
}

func (pm *PositionManager) activateLocked(pos *Position, orderID string) {
	if orderID == "" {
		pm.log.Error("tried to set order with blank order id", "pos", pos.String())
		return
	}

	// keep track of a missing order from here on
	pos.OrderSetTime = pm.now()
	pos.NewHiLo = false

	// order ids on some venues are only unique per market
	if pm.adapter != nil && pm.adapter.Traits().PrefixOrderIDs {
		orderID = pos.Market + orderID
	}
	pos.OrderID = orderID

	delete(pm.queued, pos)
	pm.active[pos] = struct{}{}
	pm.byOrderID[orderID] = pos
	atomic.StoreInt64(&pm.activeCount, int64(len(pm.active)))

	pm.log.Info("set", "pos", pos.String())

	// the order may have been cancelled while it was still queued
	if pos.Cancelling && pos.OrderCancelTime < pm.now()-pm.settings.CancelTimeout.Milliseconds() {
		pm.cancelOrderLocked(pos, true, pos.CancelReason)
	}
}

// OnSubmitError is the adapter's submit failure reply.
func (pm *PositionManager) OnSubmitError(pos *Position, reason string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pos == nil || !pm.isPositionLocked(pos) {
		return
	}

	lowered := strings.ToLower(reason)
	fatal := strings.Contains(lowered, "not enough balance") ||
		strings.Contains(lowered, "insufficient") ||
		strings.Contains(lowered, "min trade requirement")
	if fatal {
		pm.log.Error("fatal submit failure, removing position", "pos", pos.String(), "reason", reason)
		pm.deletePositionLocked(pos)
		return
	}

	// a post-only rejection means our price crossed the book: haggle a new
	// price outward and resubmit right away
	postOnly := strings.Contains(lowered, "post only") ||
		strings.Contains(lowered, "postonly") ||
		strings.Contains(lowered, "would execute immediately")
	if postOnly && !pos.Taker {
		pm.findBetterPriceLocked(pos)
		pm.submitLocked(pos, true)
		return
	}

	// transient failures are retried by the request timeout
	pm.log.Warn("submit failure, will retry on timeout", "pos", pos.String(), "reason", reason)
}

// CancelOrder requests a cancel for pos.
func (pm *PositionManager) CancelOrder(pos *Position, quiet bool, reason core.CancelReason) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cancelOrderLocked(pos, quiet, reason)
}

func (pm *PositionManager) cancelOrderLocked(pos *Position, quiet bool, reason core.CancelReason) {
	if pos == nil || !pm.isPositionLocked(pos) {
		pm.log.Error("aborting dangerous cancel, position not in registry")
		return
	}

	recancelling := pos.OrderCancelTime > 0 || pos.Cancelling
	pos.CancelReason = reason

	// queued positions can't be cancelled remotely yet; flag them so the
	// cancel is issued on activation
	if pm.isQueuedLocked(pos) {
		pos.Cancelling = true
		pos.OrderCancelTime = 1 // trips the next timeout check
		return
	}

	if !quiet {
		verb := "cancelling"
		switch {
		case pos.OneTime:
			verb = "cancelling"
		case pos.Slippage:
			verb = "resetting"
		case recancelling:
			verb = "recancelling"
		}
		pm.log.Info(verb, "reason", reason.String(), "pos", pos.String())
	}

	pos.Cancelling = true
	pos.OrderCancelTime = pm.now()
	if pm.adapter != nil {
		pm.adapter.Cancel(pos.OrderID, pos)
	}
}

// OnCancelAck is the adapter's confirmation that pos's order is gone.
func (pm *PositionManager) OnCancelAck(pos *Position) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pos == nil || !pm.isPositionLocked(pos) {
		return
	}
	pm.processCancelledOrderLocked(pos)
}

// OnCancelRejected is the adapter's cancel failure reply. The cancel timeout
// re-issues it.
func (pm *PositionManager) OnCancelRejected(pos *Position) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pos == nil || !pm.isPositionLocked(pos) {
		return
	}
	pm.log.Warn("cancel rejected, will recancel on timeout", "pos", pos.String())
}

func (pm *PositionManager) processCancelledOrderLocked(pos *Position) {
	// a reset slippage position goes back to the same side at its rung prices
	if pos.Slippage && pos.CancelReason == core.CancelForSlippageReset {
		if pm.resetCounter != nil {
			pm.resetCounter.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("market", pos.Market)))
		}
		if pos.Landmark {
			pm.addLandmarkPositionForLocked(pos)
			pm.deletePositionLocked(pos)
			return
		}
		data := pm.marketLocked(pos.Market).Rung(pos.LowestIndex())
		_, _ = pm.addPositionLocked(pos.Market, pos.Side, data.BuyPrice.String(), data.SellPrice.String(),
			data.OrderSize.String(), "active", "", pos.MarketIndices, false, true)
		pm.deletePositionLocked(pos)
		return
	}

	pm.log.Info("cancelled", "pos", pos.String())

	switch pos.CancelReason {
	case core.CancelForDC:
		pm.finishDCCancelLocked(pos)
	case core.CancelForShortLong:
		pm.flipPositionLocked(pos)
	}

	pm.deletePositionLocked(pos)
}

// CancelLocal removes all local positions matching the market filter ("all"
// or a market name): queued positions are dropped, active ones cancelled,
// then the market index is cleared.
func (pm *PositionManager) CancelLocal(marketFilter string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cancelLocalLocked(marketFilter)
}

func (pm *PositionManager) cancelLocalLocked(marketFilter string) {
	if marketFilter == "" {
		marketFilter = "all"
	}

	var queued, normals, landmarks []*Position
	for pos := range pm.all {
		if marketFilter != "all" && pos.Market != marketFilter {
			continue
		}
		switch {
		case pm.isQueuedLocked(pos):
			queued = append(queued, pos)
		case pos.Landmark:
			landmarks = append(landmarks, pos)
		default:
			normals = append(normals, pos)
		}
	}

	for _, pos := range queued {
		pm.deletePositionLocked(pos)
	}
	for _, pos := range normals {
		pm.cancelOrderLocked(pos, false, core.CancelByUser)
	}
	for _, pos := range landmarks {
		pm.cancelOrderLocked(pos, false, core.CancelByUser)
	}

	for name, info := range pm.markets {
		if marketFilter == "all" || name == marketFilter {
			info.Clear()
		}
	}
	pm.log.Info("cleared market indices", "market", marketFilter)
}

// CancelAll switches into a cancel pass: the next open-orders snapshot causes
// every matching remote order to be cancelled, stray orders included. Refused
// for "all" while local positions exist.
func (pm *PositionManager) CancelAll(marketFilter string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if marketFilter == "" {
		marketFilter = "all"
	}

	if (len(pm.active) > 0 || len(pm.queued) > 0) && marketFilter == "all" {
		pm.log.Error("you have open positions, did you mean cancellocal?")
		return
	}

	for name, info := range pm.markets {
		if marketFilter == "all" || name == marketFilter {
			info.Clear()
		}
	}

	pm.runningCancelAll = true
	pm.cancelMarketFilter = marketFilter

	if pm.adapter != nil {
		pm.adapter.RequestOpenOrders()
	}
}

// CancelHighest cancels the highest-indexed ping-pong on a market.
func (pm *PositionManager) CancelHighest(marketName string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cancelHighestLocked(marketName)
}

func (pm *PositionManager) cancelHighestLocked(marketName string) {
	if pos := pm.highestActivePingPongLocked(marketName); pos != nil {
		pm.cancelOrderLocked(pos, false, core.CancelHighest)
	}
}

// CancelLowest cancels the lowest-indexed ping-pong on a market.
func (pm *PositionManager) CancelLowest(marketName string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cancelLowestLocked(marketName)
}

func (pm *PositionManager) cancelLowestLocked(marketName string) {
	if pos := pm.lowestActivePingPongLocked(marketName); pos != nil {
		pm.cancelOrderLocked(pos, false, core.CancelLowest)
	}
}

// Remove deletes a position from the registry, aborting any in-flight adapter
// request that references it.
func (pm *PositionManager) Remove(pos *Position) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.deletePositionLocked(pos)
}

func (pm *PositionManager) deletePositionLocked(pos *Position) {
	if !pm.isActiveLocked(pos) && !pm.isQueuedLocked(pos) {
		pm.log.Error("called remove with a position not in the registry")
		return
	}

	// step 1: clear from diverge/converge tracking
	pm.removeFromDCLocked(pos)

	// step 2: outstanding replies for this position must become no-ops
	if pm.adapter != nil {
		pm.adapter.Abort(pos)
	}

	// step 3: remove from maps and containers
	delete(pm.active, pos)
	delete(pm.queued, pos)
	delete(pm.all, pos)
	delete(pm.byOrderID, pos.OrderID)
	listed := pos.listedPrice
	if listed == "" {
		listed = pos.Price.String()
	}
	pm.marketLocked(pos.Market).RemoveOrderPrice(listed)
	atomic.StoreInt64(&pm.activeCount, int64(len(pm.active)))
}

// flipPositionLocked turns a filled ping-pong around: the replacement order
// posts the opposite side at the rung's current prices.
func (pm *PositionManager) flipPositionLocked(pos *Position) {
	if pos.OneTime {
		return
	}

	pos.Flip()

	if pos.Landmark {
		pm.addLandmarkPositionForLocked(pos)
		return
	}

	// prices are re-read from the rung in case slippage refreshed them
	data := pm.marketLocked(pos.Market).Rung(pos.LowestIndex())
	_, _ = pm.addPositionLocked(pos.Market, pos.Side, data.BuyPrice.String(), data.SellPrice.String(),
		data.OrderSize.String(), "active", "", pos.MarketIndices, false, true)
}

// FlipHiBuyPrice cancels the highest active buy (by price) for a short flip.
func (pm *PositionManager) FlipHiBuyPrice(marketName, tag string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.highestActiveBuyByPriceLocked(marketName)
	if pos == nil || !pm.isActiveLocked(pos) {
		return
	}
	pos.StrategyTag = tag
	pm.log.Info("queued short", "pos", pos.String())
	pm.cancelOrderLocked(pos, false, core.CancelForShortLong)
}

// FlipHiBuyIndex cancels the highest active buy (by index) for a short flip.
func (pm *PositionManager) FlipHiBuyIndex(marketName, tag string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.highestActiveBuyByIndexLocked(marketName)
	if pos == nil || !pm.isActiveLocked(pos) {
		return
	}
	pos.StrategyTag = tag
	pm.log.Info("queued short", "pos", pos.String())
	pm.cancelOrderLocked(pos, false, core.CancelForShortLong)
}

// FlipLoSellPrice cancels the lowest active sell (by price) for a long flip.
func (pm *PositionManager) FlipLoSellPrice(marketName, tag string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.lowestActiveSellByPriceLocked(marketName)
	if pos == nil || !pm.isActiveLocked(pos) {
		return
	}
	pos.StrategyTag = tag
	pm.log.Info("queued long", "pos", pos.String())
	pm.cancelOrderLocked(pos, false, core.CancelForShortLong)
}

// FlipLoSellIndex cancels the lowest active sell (by index) for a long flip.
func (pm *PositionManager) FlipLoSellIndex(marketName, tag string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.lowestActiveSellByIndexLocked(marketName)
	if pos == nil || !pm.isActiveLocked(pos) {
		return
	}
	pos.StrategyTag = tag
	pm.log.Info("queued long", "pos", pos.String())
	pm.cancelOrderLocked(pos, false, core.CancelForShortLong)
}

// HiBuyFlipPrice returns the sell price the highest active buy would flip to.
func (pm *PositionManager) HiBuyFlipPrice(marketName string) amount.Amount {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.highestActiveBuyByPriceLocked(marketName)
	if pos == nil {
		return amount.Zero()
	}
	return pos.SellPrice
}

// LoSellFlipPrice returns the buy price the lowest active sell would flip to.
func (pm *PositionManager) LoSellFlipPrice(marketName string) amount.Amount {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.lowestActiveSellByPriceLocked(marketName)
	if pos == nil {
		return amount.Zero()
	}
	return pos.BuyPrice
}
