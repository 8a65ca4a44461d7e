// Package engine implements the position manager, fill pipeline, slippage
// recovery, diverge/converge and maintenance loops of the grid trader.
package engine

import (
	"fmt"

	"pingpong/internal/amount"
	"pingpong/internal/core"
	"pingpong/internal/market"
)

// Position is one queued or live order on a market. A normal position covers
// exactly one rung; a landmark covers order_dc consecutive rungs, or fewer
// when it is placed at the edge of the grid.
type Position struct {
	Market string
	Side   core.Side

	BuyPrice  amount.Amount
	SellPrice amount.Amount

	// The rung defaults, kept so slippage moves never walk past them.
	BuyPriceOriginal  amount.Amount
	SellPriceOriginal amount.Amount

	// Price is the side the order actually posts at.
	Price     amount.Amount
	Quantity  amount.Amount
	BtcAmount amount.Amount

	StrategyTag   string
	MarketIndices []int
	Landmark      bool
	OneTime       bool
	Taker         bool
	Slippage      bool
	Cancelling    bool
	NewHiLo       bool

	OrderID           string
	OrderRequestTime  int64
	OrderSetTime      int64
	OrderCancelTime   int64
	OrderGetOrderTime int64

	CancelReason    core.CancelReason
	MaxAgeMinutes   int
	PriceResetCount int

	info *market.Info

	// listedPrice is the exact entry this position holds in the market's
	// order-price multiset; removal must match what was inserted even if the
	// posted price changed since.
	listedPrice string
}

// newPosition builds a position over info's rungs. For landmarks the prices
// and size are derived from the covered rungs; the passed prices are ignored.
func newPosition(info *market.Info, side core.Side, buyPrice, sellPrice, orderSize amount.Amount,
	tag string, indices []int, landmark bool) *Position {

	pos := &Position{
		Market:        info.Name,
		Side:          side,
		BuyPrice:      buyPrice,
		SellPrice:     sellPrice,
		BtcAmount:     orderSize,
		StrategyTag:   tag,
		MarketIndices: append([]int(nil), indices...),
		Landmark:      landmark,
		info:          info,
	}

	if landmark {
		var buySum, sellSum, sizeSum amount.Amount
		counted := 0
		for _, idx := range indices {
			if idx < 0 || idx >= info.Size() {
				continue
			}
			rung := info.Rung(idx)
			buySum = buySum.Add(rung.BuyPrice)
			sellSum = sellSum.Add(rung.SellPrice)
			sizeSum = sizeSum.Add(rung.OrderSize)
			counted++
		}
		if counted == 0 {
			return nil
		}
		pos.BuyPrice = buySum.Div(amount.FromFloat(float64(counted)))
		pos.SellPrice = sellSum.Div(amount.FromFloat(float64(counted)))
		pos.BtcAmount = sizeSum
	}

	pos.BuyPriceOriginal = pos.BuyPrice
	pos.SellPriceOriginal = pos.SellPrice
	pos.ApplyOffset()
	return pos
}

// ApplyOffset recomputes the posted price and quantity from the current
// buy/sell prices, the market sentiment flag and the numeric offset.
func (p *Position) ApplyOffset() {
	settings := p.info.Settings

	size := p.BtcAmount
	if settings.MarketOffset > 0 {
		grow := 1.0 + settings.MarketOffset
		shrink := 1.0 - settings.MarketOffset
		// sentiment=true favors the buy side, false favors the sell side
		if (p.Side == core.SideBuy) == settings.MarketSentiment {
			size = p.BtcAmount.Ratio(grow)
		} else {
			size = p.BtcAmount.Ratio(shrink)
		}
	}

	if p.Side == core.SideBuy {
		p.Price = p.BuyPrice
	} else {
		p.Price = p.SellPrice
	}

	if p.Price.IsGreaterThanZero() {
		qty := size.Div(p.Price)
		if settings.QuantityTicksize.IsGreaterThanZero() {
			qty = qty.TruncatedByTicksize(settings.QuantityTicksize)
		}
		p.Quantity = qty
	}
}

// Flip switches the position to the opposite side. Prices for the replacement
// order come from the rung, not from here; this only settles the side and the
// posted price for logging.
func (p *Position) Flip() {
	p.Side = p.Side.Opposite()
	p.ApplyOffset()
}

// LowestIndex returns the lowest covered rung index, or -1 for one-time orders.
func (p *Position) LowestIndex() int {
	if len(p.MarketIndices) == 0 {
		return -1
	}
	lo := p.MarketIndices[0]
	for _, idx := range p.MarketIndices[1:] {
		if idx < lo {
			lo = idx
		}
	}
	return lo
}

// HighestIndex returns the highest covered rung index, or -1 for one-time orders.
func (p *Position) HighestIndex() int {
	if len(p.MarketIndices) == 0 {
		return -1
	}
	hi := p.MarketIndices[0]
	for _, idx := range p.MarketIndices[1:] {
		if idx > hi {
			hi = idx
		}
	}
	return hi
}

// CoversIndex reports whether the position owns rung idx.
func (p *Position) CoversIndex(idx int) bool {
	for _, i := range p.MarketIndices {
		if i == idx {
			return true
		}
	}
	return false
}

// String renders a compact order line for logs.
func (p *Position) String() string {
	kind := "pp"
	if p.OneTime {
		kind = "onetime"
	} else if p.Landmark {
		kind = "landmark"
	}
	return fmt.Sprintf("%s %s %s %s @ %s idx=%v id=%s", kind, p.Market, p.Side,
		p.BtcAmount.String(), p.Price.String(), p.MarketIndices, p.OrderID)
}
