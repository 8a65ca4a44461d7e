package engine

import (
	"math"

	"pingpong/internal/amount"
	"pingpong/internal/core"
)

// TryMoveOrder attempts a post-only price improvement against the tracked
// public book: a crossing price is pulled one tick inside the spread. A
// resting price moves in one step: a buy to one tick under the ask, capped at
// its rung default; a sell to one tick under the ask, never below its rung
// default. Returns true when the position's price changed.
func (pm *PositionManager) TryMoveOrder(pos *Position) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.tryMoveOrderLocked(pos)
}

func (pm *PositionManager) tryMoveOrderLocked(pos *Position) bool {
	info := pm.marketLocked(pos.Market)
	hiBuy := info.HighestBuy
	loSell := info.LowestSell

	// no ticker yet, nothing to move against
	if hiBuy.IsZeroOrLess() || loSell.IsZeroOrLess() {
		return false
	}

	ticksize := info.Settings.PriceTicksize
	if ticksize.IsZeroOrLess() {
		return false
	}

	if pos.Side == core.SideBuy {
		// a buy at or above the ask would cross; pull it one tick under
		if pos.BuyPrice.GreaterThanOrEqual(loSell) && loSell.GreaterThan(ticksize) {
			pos.BuyPrice = loSell.Sub(ticksize)
			pos.Slippage = true
			return true
		}

		// walk a slipped buy back inward, never past the rung default and
		// never out of the spread
		newBuy := pos.BuyPriceOriginal
		if inside := loSell.Sub(ticksize); inside.LessThan(newBuy) {
			newBuy = inside
		}

		if newBuy.GreaterThan(pos.BuyPrice) &&
			newBuy.IsGreaterThanZero() &&
			newBuy.LessThanOrEqual(pos.BuyPriceOriginal) &&
			newBuy.LessThan(loSell) {
			pos.BuyPrice = newBuy
			pos.Slippage = true
			return true
		}

		if pos.Slippage && pm.settings.Chatty {
			pm.log.Debug("couldn't find better buy price", "pos", pos.String(),
				"new", newBuy.String(), "original", pos.BuyPriceOriginal.String(),
				"hi_buy", hiBuy.String(), "lo_sell", loSell.String())
		}
		return false
	}

	// a sell at or below the bid would cross; push it one tick above
	if pos.SellPrice.LessThanOrEqual(hiBuy) {
		pos.SellPrice = hiBuy.Add(ticksize)
		pos.Slippage = true
		return true
	}

	// price the sell one tick inside the ask: up for improvement, down for
	// recovery, never below the rung default or the 2-tick floor
	newSell := loSell.Sub(ticksize)
	if !newSell.Equal(pos.SellPrice) &&
		newSell.GreaterThan(ticksize.MulInt(2)) &&
		newSell.GreaterThanOrEqual(pos.SellPriceOriginal) &&
		newSell.GreaterThan(hiBuy) {
		pos.SellPrice = newSell
		pos.Slippage = true
		return true
	}

	if pos.Slippage && pm.settings.Chatty {
		pm.log.Debug("couldn't find better sell price", "pos", pos.String(),
			"new", newSell.String(), "original", pos.SellPriceOriginal.String(),
			"hi_buy", hiBuy.String(), "lo_sell", loSell.String())
	}
	return false
}

// findBetterPriceLocked computes a replacement price for a position whose
// post-only submit was rejected. The first reset prices exactly one tick outside the
// other side of the public spread ("calculated"); every later reset adds the
// growing offset to the prior reset price ("additive").
func (pm *PositionManager) findBetterPriceLocked(pos *Position) {
	traits := core.ExchangeTraits{HasPostOnly: true, TickSlippage: true}
	if pm.adapter != nil {
		traits = pm.adapter.Traits()
	}
	if !traits.HasPostOnly {
		pm.log.Warn("venue has no post-only mode, skipping price recovery", "pos", pos.String())
		return
	}

	if !pm.isPositionLocked(pos) {
		return
	}

	isBuy := pos.Side == core.SideBuy
	info := pm.marketLocked(pos.Market)

	var ticksize amount.Amount
	if traits.TickSlippage {
		ticksize = info.Settings.PriceTicksize
		if pos.PriceResetCount > 0 {
			growth := int64(math.Floor(math.Pow(float64(pos.PriceResetCount), 1.110)))
			ticksize = ticksize.Add(ticksize.MulInt(growth))
		}
	} else {
		mul := traits.SlippageMultiplier[pos.Market]
		if isBuy {
			ticksize = pos.BuyPrice.Ratio(mul).Add(amount.Satoshi)
		} else {
			ticksize = pos.SellPrice.Ratio(mul).Add(amount.Satoshi)
		}
	}

	// tighten the tracked spread so we don't trade against ourselves
	if pm.settings.ShouldAdjustHiBuyLoSell && isBuy &&
		info.LowestSell.IsGreaterThanZero() && info.LowestSell.GreaterThan(pos.BuyPrice) {
		if pm.settings.Chatty {
			pm.log.Debug("lo-sell-adjust", "market", pos.Market,
				"buy", pos.BuyPrice.String(), "lo_sell", info.LowestSell.String())
		}
		info.LowestSell = pos.BuyPrice
	} else if pm.settings.ShouldAdjustHiBuyLoSell && !isBuy &&
		info.HighestBuy.IsGreaterThanZero() && info.HighestBuy.LessThan(pos.SellPrice) {
		if pm.settings.Chatty {
			pm.log.Debug("hi-buy-adjust", "market", pos.Market,
				"sell", pos.SellPrice.String(), "hi_buy", info.HighestBuy.String())
		}
		info.HighestBuy = pos.SellPrice
	}

	haggle := "additive"
	if isBuy {
		var newBuy amount.Amount
		if pos.PriceResetCount < 1 && info.LowestSell.IsGreaterThanZero() &&
			pm.settings.ShouldSlippageCalculated {
			newBuy = info.LowestSell.Sub(ticksize)
			haggle = "calculated"
		} else {
			newBuy = pos.BuyPrice.Sub(ticksize)
		}

		pm.log.Info("post-only price reset", "haggle", haggle, "buy", newBuy.String(),
			"ticksize", ticksize.String(), "pos", pos.String())
		pos.BuyPrice = newBuy
	} else {
		var newSell amount.Amount
		if pos.PriceResetCount < 1 && info.HighestBuy.IsGreaterThanZero() &&
			pm.settings.ShouldSlippageCalculated {
			newSell = info.HighestBuy.Add(ticksize)
			haggle = "calculated"
		} else {
			newSell = pos.SellPrice.Add(ticksize)
		}

		pm.log.Info("post-only price reset", "haggle", haggle, "sell", newSell.String(),
			"ticksize", ticksize.String(), "pos", pos.String())
		pos.SellPrice = newSell
	}

	pos.Slippage = true
	pos.PriceResetCount++

	// refresh the stray-order price index with the replaced price
	info.RemoveOrderPrice(pos.listedPrice)
	pos.ApplyOffset()
	pos.listedPrice = pos.Price.String()
	info.AddOrderPrice(pos.listedPrice)
}

// FindBetterPrice is the exported entry for the slippage recovery price step.
func (pm *PositionManager) FindBetterPrice(pos *Position) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.findBetterPriceLocked(pos)
}
