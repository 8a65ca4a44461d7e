// Package market holds the per-market grid index and book state
package market

import (
	"time"

	"pingpong/internal/amount"
)

// PositionData is one rung of a market's grid: the buy/sell price pair and
// the size posted at that level. AlternateSize, when set, replaces OrderSize
// after the first fill on the rung.
type PositionData struct {
	BuyPrice      amount.Amount
	SellPrice     amount.Amount
	OrderSize     amount.Amount
	AlternateSize amount.Amount
	FillCount     int
}

// ResizeByAlternateSize swaps in the alternate size on the first fill and
// counts the fill.
func (d *PositionData) ResizeByAlternateSize() {
	if d.FillCount == 0 && d.AlternateSize.IsGreaterThanZero() {
		d.OrderSize = d.AlternateSize
	}
	d.FillCount++
}

// Settings are the configured grid parameters for one market.
type Settings struct {
	OrderMin        int
	OrderMax        int
	OrderDC         int
	OrderDCNice     int
	LandmarkStart   int
	LandmarkThresh  int
	MarketSentiment bool
	MarketOffset    float64

	PriceTicksize    amount.Amount
	QuantityTicksize amount.Amount
	SlippageTimeout  time.Duration

	// PERCENT_PRICE multipliers, only meaningful on venues that enforce it.
	PriceMinMul amount.Amount
	PriceMaxMul amount.Amount
}

// Info is the complete live state the engine keeps for one market: the rung
// index, the last observed public book, the configured settings, and the
// multiset of prices we currently have orders at (for stray-order matching).
type Info struct {
	Name string

	PositionIndex []PositionData

	HighestBuy amount.Amount
	LowestSell amount.Amount

	Settings Settings

	// OrderPrices is a multiset: one entry per queued or active position.
	OrderPrices []string
}

// NewInfo creates market state with the given settings.
func NewInfo(name string, settings Settings) *Info {
	return &Info{Name: name, Settings: settings}
}

// Append adds a rung to the end of the index and returns its index.
func (m *Info) Append(data PositionData) int {
	m.PositionIndex = append(m.PositionIndex, data)
	return len(m.PositionIndex) - 1
}

// Rung returns a copy of the rung at idx, or a zero rung when out of range.
func (m *Info) Rung(idx int) PositionData {
	if idx < 0 || idx >= len(m.PositionIndex) {
		return PositionData{}
	}
	return m.PositionIndex[idx]
}

// ResizeByAlternateSize applies the first-fill size swap to the rung at idx.
func (m *Info) ResizeByAlternateSize(idx int) {
	if idx < 0 || idx >= len(m.PositionIndex) {
		return
	}
	m.PositionIndex[idx].ResizeByAlternateSize()
}

// SetRungPrices updates a rung's price pair in place, preserving size state.
func (m *Info) SetRungPrices(idx int, buy, sell amount.Amount) {
	if idx < 0 || idx >= len(m.PositionIndex) {
		return
	}
	m.PositionIndex[idx].BuyPrice = buy
	m.PositionIndex[idx].SellPrice = sell
}

// Size returns the number of rungs.
func (m *Info) Size() int { return len(m.PositionIndex) }

// Clear drops the rung index and the order price multiset.
func (m *Info) Clear() {
	m.PositionIndex = nil
	m.OrderPrices = nil
}

// AddOrderPrice inserts one price occurrence into the multiset.
func (m *Info) AddOrderPrice(price string) {
	m.OrderPrices = append(m.OrderPrices, price)
}

// RemoveOrderPrice removes one occurrence of price, if present.
func (m *Info) RemoveOrderPrice(price string) {
	for i, p := range m.OrderPrices {
		if p == price {
			m.OrderPrices = append(m.OrderPrices[:i], m.OrderPrices[i+1:]...)
			return
		}
	}
}

// HasOrderPrice reports whether at least one order sits at price.
func (m *Info) HasOrderPrice(price string) bool {
	for _, p := range m.OrderPrices {
		if p == price {
			return true
		}
	}
	return false
}
