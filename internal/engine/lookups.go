package engine

import (
	"pingpong/internal/amount"
	"pingpong/internal/core"
)

// PositionByIndex returns the position owning rung idx on a market, nil if
// the rung is free.
func (pm *PositionManager) PositionByIndex(marketName string, idx int) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.positionByIndexLocked(marketName, idx)
}

func (pm *PositionManager) positionByIndexLocked(marketName string, idx int) *Position {
	for pos := range pm.all {
		if pos.Market == marketName && pos.CoversIndex(idx) {
			return pos
		}
	}
	return nil
}

// HighestBuyPrice returns the highest buy price among non-cancelling
// positions on a market.
func (pm *PositionManager) HighestBuyPrice(marketName string) amount.Amount {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var highest amount.Amount
	for pos := range pm.all {
		if pos.Side == core.SideBuy && !pos.Cancelling && pos.Market == marketName &&
			pos.BuyPrice.GreaterThan(highest) {
			highest = pos.BuyPrice
		}
	}
	return highest
}

// LowestSellPrice returns the lowest sell price among non-cancelling
// positions on a market.
func (pm *PositionManager) LowestSellPrice(marketName string) amount.Amount {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	lowest := amount.ALot
	for pos := range pm.all {
		if pos.Side == core.SideSell && !pos.Cancelling && pos.Market == marketName &&
			pos.SellPrice.LessThan(lowest) {
			lowest = pos.SellPrice
		}
	}
	return lowest
}

func (pm *PositionManager) isIndexDivergingConvergingLocked(marketName string, idx int) bool {
	for _, i := range pm.divergingConverging[marketName] {
		if i == idx {
			return true
		}
	}
	return false
}

// activeScanLocked runs fn over settled active positions for a market and
// side, skipping cancelling and unset positions.
func (pm *PositionManager) activeScanLocked(marketName string, side core.Side, fn func(*Position)) {
	for pos := range pm.active {
		if pos.Side != side || pos.Cancelling || pos.OrderID == "" || pos.Market != marketName {
			continue
		}
		fn(pos)
	}
}

func (pm *PositionManager) highestActiveBuyByIndexLocked(marketName string) *Position {
	var ret *Position
	best := -1
	pm.activeScanLocked(marketName, core.SideBuy, func(pos *Position) {
		if idx := pos.HighestIndex(); idx > best {
			best = idx
			ret = pos
		}
	})
	return ret
}

func (pm *PositionManager) highestActiveSellByIndexLocked(marketName string) *Position {
	var ret *Position
	best := -1
	pm.activeScanLocked(marketName, core.SideSell, func(pos *Position) {
		if idx := pos.HighestIndex(); idx > best {
			best = idx
			ret = pos
		}
	})
	return ret
}

func (pm *PositionManager) lowestActiveSellByIndexLocked(marketName string) *Position {
	var ret *Position
	best := int(^uint(0) >> 1)
	pm.activeScanLocked(marketName, core.SideSell, func(pos *Position) {
		if idx := pos.LowestIndex(); idx < best {
			best = idx
			ret = pos
		}
	})
	return ret
}

func (pm *PositionManager) lowestActiveBuyByIndexLocked(marketName string) *Position {
	var ret *Position
	best := int(^uint(0) >> 1)
	pm.activeScanLocked(marketName, core.SideBuy, func(pos *Position) {
		if idx := pos.LowestIndex(); idx < best {
			best = idx
			ret = pos
		}
	})
	return ret
}

func (pm *PositionManager) highestActiveBuyByPriceLocked(marketName string) *Position {
	var ret *Position
	best := amount.Zero()
	pm.activeScanLocked(marketName, core.SideBuy, func(pos *Position) {
		if ret == nil || pos.BuyPrice.GreaterThan(best) {
			best = pos.BuyPrice
			ret = pos
		}
	})
	return ret
}

func (pm *PositionManager) lowestActiveSellByPriceLocked(marketName string) *Position {
	var ret *Position
	best := amount.ALot
	pm.activeScanLocked(marketName, core.SideSell, func(pos *Position) {
		if pos.SellPrice.LessThan(best) {
			best = pos.SellPrice
			ret = pos
		}
	})
	return ret
}

// The ping-pong extremes exclude one-time orders so automatic maintenance
// never disturbs them.
func (pm *PositionManager) lowestActivePingPongLocked(marketName string) *Position {
	var ret *Position
	best := int(^uint(0) >> 1)
	for pos := range pm.all {
		if pos.OneTime || pos.Cancelling || pos.Market != marketName {
			continue
		}
		if idx := pos.LowestIndex(); idx >= 0 && idx < best {
			best = idx
			ret = pos
		}
	}
	return ret
}

func (pm *PositionManager) highestActivePingPongLocked(marketName string) *Position {
	var ret *Position
	best := -1
	for pos := range pm.all {
		if pos.OneTime || pos.Cancelling || pos.Market != marketName {
			continue
		}
		if idx := pos.HighestIndex(); idx > best {
			best = idx
			ret = pos
		}
	}
	return ret
}

// HighestActiveBuyByPrice returns the settled buy with the highest price.
func (pm *PositionManager) HighestActiveBuyByPrice(marketName string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.highestActiveBuyByPriceLocked(marketName)
}

// LowestActiveSellByPrice returns the settled sell with the lowest price.
func (pm *PositionManager) LowestActiveSellByPrice(marketName string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lowestActiveSellByPriceLocked(marketName)
}

// HighestActiveBuyByIndex returns the settled buy with the highest rung index.
func (pm *PositionManager) HighestActiveBuyByIndex(marketName string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.highestActiveBuyByIndexLocked(marketName)
}

// LowestActiveBuyByIndex returns the settled buy with the lowest rung index.
func (pm *PositionManager) LowestActiveBuyByIndex(marketName string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lowestActiveBuyByIndexLocked(marketName)
}

// HighestActiveSellByIndex returns the settled sell with the highest rung index.
func (pm *PositionManager) HighestActiveSellByIndex(marketName string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.highestActiveSellByIndexLocked(marketName)
}

// LowestActiveSellByIndex returns the settled sell with the lowest rung index.
func (pm *PositionManager) LowestActiveSellByIndex(marketName string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lowestActiveSellByIndexLocked(marketName)
}

// LowestActivePingPong returns the ping-pong covering the lowest rung index,
// excluding one-time orders.
func (pm *PositionManager) LowestActivePingPong(marketName string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lowestActivePingPongLocked(marketName)
}

// HighestActivePingPong returns the ping-pong covering the highest rung index,
// excluding one-time orders.
func (pm *PositionManager) HighestActivePingPong(marketName string) *Position {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.highestActivePingPongLocked(marketName)
}

// MarketOrderTotal counts positions on a market; with oneTimeOnly, only
// one-time orders.
func (pm *PositionManager) MarketOrderTotal(marketName string, oneTimeOnly bool) int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if marketName == "" {
		return 0
	}
	total := 0
	for pos := range pm.all {
		if oneTimeOnly && !pos.OneTime {
			continue
		}
		if pos.Market == marketName {
			total++
		}
	}
	return total
}

// BuyTotal counts buy positions on a market.
func (pm *PositionManager) BuyTotal(marketName string) int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	total := 0
	for pos := range pm.all {
		if pos.Side == core.SideBuy && pos.Market == marketName {
			total++
		}
	}
	return total
}

// SellTotal counts sell positions on a market.
func (pm *PositionManager) SellTotal(marketName string) int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	total := 0
	for pos := range pm.all {
		if pos.Side == core.SideSell && pos.Market == marketName {
			total++
		}
	}
	return total
}

// DumpInternal logs internal registry state for inspection.
func (pm *PositionManager) DumpInternal() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.log.Info("internal state",
		"all", len(pm.all),
		"queued", len(pm.queued),
		"active", len(pm.active),
		"dc_groups", len(pm.dcGroups),
		"diverging_converging", pm.divergingConverging,
		"grace_entries", len(pm.orderGraceTimes),
		"maintenance_triggered", pm.maintenanceTriggered)
}
