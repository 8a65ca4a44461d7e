package engine

import (
	"context"
	"sort"
	"time"

	"pingpong/internal/core"
)

// CheckBuySellCount reconciles per-market order counts against the configured
// min/max: excess extremes are cancelled, missing rungs are appended at the
// next free index, landmark-sized when the market allows it. Loops until no
// market adds an order, yielding to adapter flow control between actions.
func (pm *PositionManager) CheckBuySellCount() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.checkBuySellCountLocked()
}

func (pm *PositionManager) checkBuySellCountLocked() {
	buys := make(map[string]int)
	sells := make(map[string]int)

	for pos := range pm.all {
		if pos.Market == "" || pos.Cancelling {
			continue
		}
		if pos.Side == core.SideBuy {
			buys[pos.Market]++
		} else {
			sells[pos.Market]++
		}
	}

	marketNames := make([]string, 0, len(pm.markets))
	for name := range pm.markets {
		marketNames = append(marketNames, name)
	}
	sort.Strings(marketNames)

	for {
		newOrders := 0

		for _, marketName := range marketNames {
			info := pm.marketLocked(marketName)
			orderMin := info.Settings.OrderMin
			orderMax := info.Settings.OrderMax
			buyCount := buys[marketName]
			sellCount := sells[marketName]

			// nothing to maintain before the index exists
			if info.Size() == 0 {
				continue
			}
			// a zero min/max disables automation for the market
			if orderMin <= 0 || orderMax <= 0 {
				continue
			}

			for buyCount > orderMax {
				pm.cancelLowestLocked(marketName)
				buys[marketName]--
				buyCount--

				if pm.adapter != nil && pm.adapter.YieldToFlowControl() {
					return
				}
			}

			if buyCount < orderMin {
				pm.setNextLowestLocked(marketName, core.SideBuy, false)
				buys[marketName]++
				newOrders++
			} else if info.Settings.OrderDC > 1 &&
				buyCount >= orderMin &&
				buyCount < orderMax-info.Settings.LandmarkThresh {
				pm.setNextLowestLocked(marketName, core.SideBuy, true)
				buys[marketName]++
				newOrders++
			}

			if pm.adapter != nil && pm.adapter.YieldToFlowControl() {
				return
			}

			for sellCount > orderMax {
				pm.cancelHighestLocked(marketName)
				sells[marketName]--
				sellCount--

				if pm.adapter != nil && pm.adapter.YieldToFlowControl() {
					return
				}
			}

			if sellCount < orderMin {
				pm.setNextHighestLocked(marketName, core.SideSell, false)
				sells[marketName]++
				newOrders++
			} else if info.Settings.OrderDC > 1 &&
				sellCount >= orderMin &&
				sellCount < orderMax-info.Settings.LandmarkThresh {
				pm.setNextHighestLocked(marketName, core.SideSell, true)
				sells[marketName]++
				newOrders++
			}

			if pm.adapter != nil && pm.adapter.YieldToFlowControl() {
				return
			}
		}

		if newOrders == 0 {
			return
		}
	}
}

// setNextLowestLocked appends an order at the next free index below the
// current lowest ping-pong. With landmark it greedily grows a contiguous
// block of exactly order_dc indices downward; an incomplete block is only
// accepted on the boundary of the grid.
func (pm *PositionManager) setNextLowestLocked(marketName string, side core.Side, landmark bool) {
	if side != core.SideBuy && side != core.SideSell {
		pm.log.Error("invalid order side")
		return
	}

	newIndex := int(^uint(0)>>1) - 2
	found := false
	for pos := range pm.all {
		if pos.OneTime || pos.Market != marketName {
			continue
		}
		if idx := pos.LowestIndex(); idx >= 0 && idx < newIndex {
			newIndex = idx
			found = true
		}
	}
	if !found {
		return
	}

	newIndex--
	if newIndex < 0 {
		return
	}

	info := pm.marketLocked(marketName)
	dcValue := info.Settings.OrderDC

	// count down until we find an index without a position
	for pm.positionByIndexLocked(marketName, newIndex) != nil ||
		pm.isIndexDivergingConvergingLocked(marketName, newIndex) {
		newIndex--
	}

	indices := []int{newIndex}
	if indices[0] < 0 {
		return
	}

	// grow the landmark block downward until out of bounds or complete
	for landmark && len(indices) < dcValue {
		next := indices[len(indices)-1] - 1

		if next < 0 {
			break
		}
		if pm.positionByIndexLocked(marketName, next) != nil ||
			pm.isIndexDivergingConvergingLocked(marketName, next) {
			indices = indices[:1]
			break
		}
		indices = append(indices, next)
	}

	// an incomplete landmark is only allowed at the bottom of the grid
	if landmark && len(indices) != dcValue && !containsInt(indices, 0) {
		return
	}
	// a one-rung boundary block is just a normal order
	if landmark && len(indices) == 1 {
		landmark = false
	}
	if !landmark && len(indices) > 1 {
		return
	}
	if len(indices) == 0 || indices[0] >= info.Size() {
		return
	}

	data := info.Rung(indices[0])
	pos, err := pm.addPositionLocked(marketName, side, data.BuyPrice.String(), data.SellPrice.String(),
		data.OrderSize.String(), "active", "", indices, landmark, true)
	if err != nil || pos == nil {
		return
	}

	// far from the spread: flag as a non-profitable api call
	pos.NewHiLo = true
	pm.log.Info("setting next lo", "pos", pos.String())
}

// setNextHighestLocked mirrors setNextLowestLocked above the current highest
// ping-pong index.
func (pm *PositionManager) setNextHighestLocked(marketName string, side core.Side, landmark bool) {
	if side != core.SideBuy && side != core.SideSell {
		pm.log.Error("invalid order side")
		return
	}

	newIndex := -1
	for pos := range pm.all {
		if pos.OneTime || pos.Market != marketName {
			continue
		}
		if idx := pos.HighestIndex(); idx > newIndex {
			newIndex = idx
		}
	}

	newIndex++
	if newIndex < 1 {
		return
	}

	info := pm.marketLocked(marketName)
	dcValue := info.Settings.OrderDC

	for pm.positionByIndexLocked(marketName, newIndex) != nil ||
		pm.isIndexDivergingConvergingLocked(marketName, newIndex) {
		newIndex++
	}

	indices := []int{newIndex}
	if indices[0] >= info.Size() {
		return
	}

	for landmark && len(indices) < dcValue {
		next := indices[len(indices)-1] + 1

		if next >= info.Size() {
			break
		}
		if pm.positionByIndexLocked(marketName, next) != nil ||
			pm.isIndexDivergingConvergingLocked(marketName, next) {
			indices = indices[:1]
			break
		}
		indices = append(indices, next)
	}

	// an incomplete landmark is only allowed at the top of the grid
	if landmark && len(indices) != dcValue && !containsInt(indices, info.Size()-1) {
		return
	}
	// a one-rung boundary block is just a normal order
	if landmark && len(indices) == 1 {
		landmark = false
	}
	if !landmark && len(indices) > 1 {
		return
	}
	if len(indices) == 0 || indices[0] >= info.Size() {
		return
	}

	data := info.Rung(indices[0])
	pos, err := pm.addPositionLocked(marketName, side, data.BuyPrice.String(), data.SellPrice.String(),
		data.OrderSize.String(), "active", "", indices, landmark, true)
	if err != nil || pos == nil {
		return
	}

	pos.NewHiLo = true
	pm.log.Info("setting next hi", "pos", pos.String())
}

// CheckTimeouts is the fast maintenance tick: count reconciliation first,
// then at most one timeout action (resubmit, recancel, slippage recovery or
// max-age cancel) before yielding.
func (pm *PositionManager) CheckTimeouts() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.checkBuySellCountLocked()

	if pm.adapter != nil {
		if pm.adapter.YieldToFlowControl() {
			return
		}
		if pm.adapter.QueuedCommands() > pm.settings.LimitTimeoutYield {
			return
		}
	}

	current := pm.now()

	// queued orders whose submit request went unanswered
	for pos := range pm.queued {
		if pos.OrderSetTime == 0 &&
			pos.OrderRequestTime > 0 &&
			pos.OrderRequestTime < current-pm.settings.RequestTimeout.Milliseconds() {
			pm.log.Info("order timeout detected, resending", "pos", pos.String())
			pm.submitLocked(pos, false)
			return
		}
	}

	for pos := range pm.active {
		// cancels that went unanswered
		if pos.Cancelling &&
			pos.OrderSetTime > 0 &&
			pos.OrderCancelTime > 0 &&
			pos.OrderCancelTime < current-pm.settings.CancelTimeout.Milliseconds() {
			pm.cancelOrderLocked(pos, false, pos.CancelReason)
			return
		}

		// slippage orders whose recovery timeout fired
		slippageTimeout := pm.marketLocked(pos.Market).Settings.SlippageTimeout.Milliseconds()
		if pos.Slippage && !pos.Cancelling &&
			pos.OrderSetTime > 0 &&
			slippageTimeout > 0 &&
			pos.OrderSetTime < current-slippageTimeout {
			if pm.tryMoveOrderLocked(pos) {
				// a better price exists; reset through a cancel
				pm.cancelOrderLocked(pos, false, core.CancelForSlippageReset)
				return
			}
			// nothing better; don't check again until a fresh timeout
			pos.OrderSetTime = current - pm.settings.SafetyDelayTime.Milliseconds()
		}

		// one-time orders past their max age
		if pos.OneTime &&
			pos.OrderSetTime > 0 &&
			pos.MaxAgeMinutes > 0 &&
			current > pos.OrderSetTime+int64(60000*pos.MaxAgeMinutes) {
			pm.cancelOrderLocked(pos, false, core.CancelForMaxAge)
			return
		}
	}
}

func (pm *PositionManager) cleanGraceTimesLocked() {
	if len(pm.orderGraceTimes) == 0 {
		return
	}

	current := pm.now()
	limit := pm.settings.StrayGraceTimeLimit.Milliseconds() * 2
	for orderID, seen := range pm.orderGraceTimes {
		if seen < current-limit {
			delete(pm.orderGraceTimes, orderID)
		}
	}
}

func (pm *PositionManager) checkMaintenanceLocked() {
	if pm.maintenanceTriggered || pm.settings.MaintenanceTime <= 0 ||
		pm.settings.MaintenanceTime > pm.now() {
		return
	}

	pm.log.Info("doing maintenance routine", "epoch", pm.settings.MaintenanceTime)

	if err := pm.saveMarketLocked("all", 0); err != nil {
		pm.log.Error("maintenance snapshot failed", "error", err)
	}
	pm.cancelLocalLocked("all")
	pm.maintenanceTriggered = true

	pm.log.Info("maintenance routine finished")
}

// Run drives the cooperative tick loops until ctx is done.
func (pm *PositionManager) Run(ctx context.Context, fastInterval, slowInterval time.Duration) error {
	if fastInterval <= 0 {
		fastInterval = time.Second
	}
	if slowInterval <= 0 {
		slowInterval = 30 * time.Second
	}

	fast := time.NewTicker(fastInterval)
	defer fast.Stop()
	slow := time.NewTicker(slowInterval)
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-fast.C:
			pm.CheckTimeouts()
		case <-slow.C:
			pm.CheckDivergeConverge()
		}
	}
}
