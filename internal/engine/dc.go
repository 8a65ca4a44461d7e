package engine

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pingpong/internal/core"
)

// dcGroup tracks a diverge/converge transition in flight: the positions being
// cancelled and the indices to re-place once every cancel confirms.
type dcGroup struct {
	market    string
	positions []*Position
	landmark  bool
	indices   []int
}

func (pm *PositionManager) removeDivergingIndexLocked(marketName string, idx int) {
	list := pm.divergingConverging[marketName]
	for i, v := range list {
		if v == idx {
			pm.divergingConverging[marketName] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// removeFromDCLocked clears a dying position out of the DC tracking maps.
// Indices still claimed by a pending group stay marked so nothing else can
// take them before the group resolves.
func (pm *PositionManager) removeFromDCLocked(pos *Position) {
	for i, group := range pm.dcGroups {
		if group.contains(pos) {
			pm.dcGroups = append(pm.dcGroups[:i], pm.dcGroups[i+1:]...)
			break
		}
	}
	for _, idx := range pos.MarketIndices {
		if pm.indexClaimedByGroupLocked(pos.Market, idx) {
			continue
		}
		pm.removeDivergingIndexLocked(pos.Market, idx)
	}
}

func (pm *PositionManager) indexClaimedByGroupLocked(marketName string, idx int) bool {
	for _, g := range pm.dcGroups {
		if g.market == marketName && containsInt(g.indices, idx) {
			return true
		}
	}
	return false
}

func (g *dcGroup) contains(pos *Position) bool {
	for _, p := range g.positions {
		if p == pos {
			return true
		}
	}
	return false
}

// finishDCCancelLocked runs when a position cancelled for DC confirms. Once
// the group's last cancel lands, the replacement orders are placed: one
// landmark spanning the recorded indices for a convergence, or one normal
// order per index for a divergence.
func (pm *PositionManager) finishDCCancelLocked(pos *Position) {
	var group *dcGroup
	for i, g := range pm.dcGroups {
		if g.contains(pos) {
			group = g
			pm.dcGroups = append(pm.dcGroups[:i], pm.dcGroups[i+1:]...)
			break
		}
	}
	if group == nil {
		return
	}

	for i, p := range group.positions {
		if p == pos {
			group.positions = append(group.positions[:i], group.positions[i+1:]...)
			break
		}
	}

	// cancels still outstanding: put the group back and wait
	if len(group.positions) > 0 {
		pm.dcGroups = append(pm.dcGroups, group)
		return
	}

	if pm.dcCounter != nil {
		kind := "diverge"
		if group.landmark {
			kind = "converge"
		}
		pm.dcCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("market", pos.Market),
			attribute.String("kind", kind),
		))
	}

	if group.landmark {
		// a single, converged landmark order
		for _, idx := range group.indices {
			pm.removeDivergingIndexLocked(pos.Market, idx)
		}
		pos.MarketIndices = append([]int(nil), group.indices...)
		pm.addLandmarkPositionForLocked(pos)
		return
	}

	// we diverged into multiple standard orders
	info := pm.marketLocked(pos.Market)
	for _, idx := range group.indices {
		pm.removeDivergingIndexLocked(pos.Market, idx)

		// the index may have been cleared underneath us
		if info.Size() == 0 {
			continue
		}
		data := info.Rung(idx)
		_, _ = pm.addPositionLocked(pos.Market, pos.Side, data.BuyPrice.String(), data.SellPrice.String(),
			data.OrderSize.String(), "active", "", []int{idx}, false, true)
	}
}

// CheckDivergeConverge classifies every settled ping-pong as a converge or
// diverge candidate relative to the highest-buy boundary, then executes at
// most one convergence per market and queues divergences, yielding to adapter
// flow control between markets.
func (pm *PositionManager) CheckDivergeConverge() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.checkMaintenanceLocked()
	pm.cleanGraceTimesLocked()

	if pm.adapter == nil {
		return
	}
	if pm.adapter.YieldToFlowControl() ||
		pm.adapter.QueuedCommands() >= pm.settings.LimitCommandsQueuedDCCheck {
		return
	}

	// highest buy index per market; everything classifies against it
	marketHiBuyIdx := make(map[string]int)
	for pos := range pm.all {
		if pos.OneTime {
			continue
		}
		if pos.Side == core.SideBuy {
			if hi := pos.HighestIndex(); hi > pm.lookupOr(marketHiBuyIdx, pos.Market, -1) {
				marketHiBuyIdx[pos.Market] = hi
			}
		}
	}

	convergeBuys := make(map[string][]int)
	convergeSells := make(map[string][]int)
	divergeBuys := make(map[string][]int)
	divergeSells := make(map[string][]int)

	for pos := range pm.all {
		if pos.OneTime {
			continue
		}

		info := pm.marketLocked(pos.Market)
		if info.Settings.OrderDC < 2 {
			continue
		}

		if pos.Cancelling || pos.OrderID == "" {
			continue
		}
		if !pm.settings.ShouldDCSlippageOrders && pos.Slippage {
			continue
		}

		firstIdx := pos.LowestIndex()
		if pm.isIndexDivergingConvergingLocked(pos.Market, firstIdx) {
			continue
		}

		if pos.Side == core.SideBuy {
			if containsInt(convergeBuys[pos.Market], firstIdx) || containsInt(divergeBuys[pos.Market], firstIdx) {
				continue
			}
			boundary := marketHiBuyIdx[pos.Market] - info.Settings.LandmarkStart
			hiIdx := pos.HighestIndex()

			if !pos.Landmark && hiIdx < boundary-info.Settings.OrderDCNice {
				convergeBuys[pos.Market] = append(convergeBuys[pos.Market], firstIdx)
			} else if pos.Landmark && hiIdx > boundary {
				divergeBuys[pos.Market] = append(divergeBuys[pos.Market], firstIdx)
			}
		} else {
			if containsInt(convergeSells[pos.Market], firstIdx) || containsInt(divergeSells[pos.Market], firstIdx) {
				continue
			}
			boundary := marketHiBuyIdx[pos.Market] + 1 + info.Settings.LandmarkStart
			loIdx := pos.LowestIndex()

			if !pos.Landmark && loIdx > boundary+info.Settings.OrderDCNice {
				convergeSells[pos.Market] = append(convergeSells[pos.Market], firstIdx)
			} else if pos.Landmark && loIdx < boundary {
				divergeSells[pos.Market] = append(divergeSells[pos.Market], firstIdx)
			}
		}
	}

	pm.convergeLocked(convergeBuys, core.SideBuy)
	pm.convergeLocked(convergeSells, core.SideSell)

	pm.divergeLocked(divergeBuys)
	pm.divergeLocked(divergeSells)
}

func (pm *PositionManager) lookupOr(m map[string]int, key string, def int) int {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

func containsInt(list []int, v int) bool {
	for _, i := range list {
		if i == v {
			return true
		}
	}
	return false
}

// convergeLocked scans each market's candidate indices for a contiguous run
// of order_dc rungs and, when found, cancels those positions into a pending
// landmark group. One convergence per market per tick.
func (pm *PositionManager) convergeLocked(marketMap map[string][]int, side core.Side) {
	indexOffset := 1
	if side == core.SideSell {
		indexOffset = -1
	}

	markets := sortedKeys(marketMap)
	for _, marketName := range markets {
		indices := append([]int(nil), marketMap[marketName]...)
		dcValue := pm.marketLocked(marketName).Settings.OrderDC

		if len(indices) < dcValue || dcValue < 2 {
			continue
		}

		// walk buys lo->hi, sells hi->lo
		if side == core.SideBuy {
			sort.Ints(indices)
		} else {
			sort.Sort(sort.Reverse(sort.IntSlice(indices)))
		}

		var newOrder []int
		for j := 0; j < len(indices); j++ {
			idx := indices[j]

			if len(newOrder) == 0 {
				newOrder = append(newOrder, idx)
			} else if idx == newOrder[len(newOrder)-1]+indexOffset {
				newOrder = append(newOrder, idx)
			} else {
				// non-sequential: drop the head and restart the scan
				indices = indices[1:]
				newOrder = newOrder[:0]
				if len(indices) > 0 {
					j = -1
					continue
				}
				break
			}

			if len(newOrder) == dcValue {
				pm.log.Info("converging", "market", marketName, "indices", newOrder)

				group := &dcGroup{market: marketName, landmark: true, indices: append([]int(nil), newOrder...)}
				for _, cancelIdx := range newOrder {
					pos := pm.positionByIndexLocked(marketName, cancelIdx)
					if pos == nil {
						continue
					}
					pm.cancelOrderLocked(pos, true, core.CancelForDC)
					group.positions = append(group.positions, pos)
					pm.divergingConverging[marketName] = append(pm.divergingConverging[marketName], cancelIdx)
				}
				pm.dcGroups = append(pm.dcGroups, group)
				break // one order per market
			}
		}

		if pm.adapter.YieldToFlowControl() ||
			pm.adapter.QueuedCommands() >= pm.settings.LimitCommandsQueuedDCCheck {
			return
		}
	}
}

// divergeLocked unwinds the lowest-indexed candidate landmark per market into
// a pending group of single orders.
func (pm *PositionManager) divergeLocked(marketMap map[string][]int) {
	markets := sortedKeys(marketMap)
	for _, marketName := range markets {
		indices := append([]int(nil), marketMap[marketName]...)
		if len(indices) == 0 {
			continue
		}
		sort.Ints(indices)

		pos := pm.positionByIndexLocked(marketName, indices[0])
		if pos == nil {
			continue
		}

		pm.log.Info("diverging", "market", marketName, "indices", pos.MarketIndices)

		pm.cancelOrderLocked(pos, true, core.CancelForDC)

		group := &dcGroup{
			market:    marketName,
			positions: []*Position{pos},
			landmark:  false,
			indices:   append([]int(nil), pos.MarketIndices...),
		}
		pm.divergingConverging[marketName] = append(pm.divergingConverging[marketName], pos.MarketIndices...)
		pm.dcGroups = append(pm.dcGroups, group)

		if pm.adapter.YieldToFlowControl() ||
			pm.adapter.QueuedCommands() >= pm.settings.LimitCommandsQueuedDCCheck {
			return
		}
	}
}

func sortedKeys(m map[string][]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
