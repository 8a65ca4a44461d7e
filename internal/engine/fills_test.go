package engine_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/core"
)

func TestTickerFillFlips(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")
	rig.adapter.PopSubmitted()

	rig.clock.Advance(30 * time.Second)

	// the ask dropped through our buy price
	rig.pm.OnTicker(map[string]core.TickerInfo{
		testMarket: {Bid: mustAmount("0.90").Decimal(), Ask: mustAmount("0.95").Decimal()},
	}, rig.clock.Now())

	assert.Nil(t, rig.pm.PositionForOrderID("id1"))
	flipped := rig.adapter.Submitted()
	require.Len(t, flipped, 1)
	assert.Equal(t, core.SideSell, flipped[0].Side)
}

func TestTickerIgnoresFreshOrders(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")

	// inside the ticker safety delay nothing is classified
	rig.pm.OnTicker(map[string]core.TickerInfo{
		testMarket: {Bid: mustAmount("0.90").Decimal(), Ask: mustAmount("0.95").Decimal()},
	}, rig.clock.Now())

	assert.Same(t, pos, rig.pm.PositionForOrderID("id1"))
}

func TestTickerIgnoresCancellingPositions(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")
	rig.clock.Advance(30 * time.Second)

	rig.pm.CancelOrder(pos, true, core.CancelByUser)

	rig.pm.OnTicker(map[string]core.TickerInfo{
		testMarket: {Bid: mustAmount("0.90").Decimal(), Ask: mustAmount("0.95").Decimal()},
	}, rig.clock.Now())

	// still waiting for the explicit cancel reply, which may carry the fill
	assert.Same(t, pos, rig.pm.PositionForOrderID("id1"))
}

func TestPassiveTickerFeedNeverFills(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")
	rig.clock.Advance(30 * time.Second)

	rig.setTicker("0.90", "0.95")

	assert.Same(t, pos, rig.pm.PositionForOrderID("id1"))
	// but the book was tracked
	assert.Equal(t, "0.90000000", rig.pm.Market(testMarket).HighestBuy.String())
	assert.Equal(t, "0.95000000", rig.pm.Market(testMarket).LowestSell.String())
}

func TestOrderStatusFilled(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")
	rig.adapter.PopSubmitted()

	rig.pm.OnOrderStatus("id1", core.OrderStatusFilled, mustAmount("10"))

	assert.Nil(t, rig.pm.PositionForOrderID("id1"))
	flipped := rig.adapter.Submitted()
	require.Len(t, flipped, 1)
	assert.Equal(t, core.SideSell, flipped[0].Side)
}

func TestOrderStatusPartialThenCancelledIsFill(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")
	rig.adapter.PopSubmitted()

	rig.pm.OnOrderStatus("id1", core.OrderStatusCancelled, mustAmount("3"))

	flipped := rig.adapter.Submitted()
	require.Len(t, flipped, 1)
	assert.Equal(t, core.SideSell, flipped[0].Side)
}

func TestOrderStatusCleanCancelDoesNotFlip(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")
	rig.adapter.PopSubmitted()

	rig.pm.OnOrderStatus("id1", core.OrderStatusCancelled, mustAmount("0"))

	assert.Nil(t, rig.pm.PositionForOrderID("id1"))
	assert.Len(t, rig.adapter.Submitted(), 0)
}

func TestUnknownOpenOrderStatusIsCancelledRemotely(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	rig.pm.OnOrderStatus("ghost-id", core.OrderStatusOpen, mustAmount("0"))

	cancels := rig.adapter.Cancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, "ghost-id", cancels[0].OrderID)
	assert.Nil(t, cancels[0].Pos)
}

// Fill processing orders by buy/sell ratio ascending, one-time orders last.
func TestFillOrderingRatioThenOneTimeLast(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	// ratios: a=1/4=0.25, b=1/2=0.5, c=3/4=0.75
	posB, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	posC, err := rig.pm.AddPosition(testMarket, core.SideBuy, "3.00", "4.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	posA, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "4.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	oneTime, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "0", "10", "onetime", "", nil, false, true)
	require.NoError(t, err)

	rig.pm.OnNewOrder(posB, "idB")
	rig.pm.OnNewOrder(posC, "idC")
	rig.pm.OnNewOrder(posA, "idA")
	rig.pm.OnNewOrder(oneTime, "idO")
	rig.adapter.PopSubmitted()

	rig.clock.Advance(30 * time.Second)
	rig.pm.OnOpenOrders(nil, rig.clock.Now())

	// flips happen in ratio order; the one-time order never flips
	flipped := rig.adapter.Submitted()
	require.Len(t, flipped, 3)
	assert.Equal(t, posA.MarketIndices, flipped[0].MarketIndices)
	assert.Equal(t, posB.MarketIndices, flipped[1].MarketIndices)
	assert.Equal(t, posC.MarketIndices, flipped[2].MarketIndices)
	assert.Nil(t, rig.pm.PositionForOrderID("idO"))
}

func TestBlankOrderbookMitigation(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	for i := 0; i < 60; i++ {
		lo := fmt.Sprintf("%d.00", i+1)
		hi := fmt.Sprintf("%d.50", i+1)
		pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, lo, hi, "10", "active", "", nil, false, true)
		require.NoError(t, err)
		rig.pm.OnNewOrder(pos, fmt.Sprintf("id%d", i))
	}
	rig.adapter.PopSubmitted()
	rig.clock.Advance(30 * time.Second)

	// a blank snapshot with >50 active positions is treated as a glitch
	rig.pm.OnOpenOrders(nil, rig.clock.Now())

	assert.Len(t, rig.adapter.Submitted(), 0)
	assert.True(t, rig.pm.HasActivePositions())
}

func TestGetOrderProbeVenueSchedulesProbes(t *testing.T) {
	traits := core.ExchangeTraits{Name: "mock", GetOrderProbes: true}
	rig := newTestRig(t, traits, nil)

	var ids []string
	for i := 0; i < 8; i++ {
		lo := fmt.Sprintf("%d.00", i+1)
		hi := fmt.Sprintf("%d.50", i+1)
		pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, lo, hi, "10", "active", "", nil, false, true)
		require.NoError(t, err)
		id := fmt.Sprintf("id%d", i)
		rig.pm.OnNewOrder(pos, id)
		ids = append(ids, id)
	}
	rig.adapter.PopSubmitted()
	rig.clock.Advance(30 * time.Second)

	rig.pm.OnOpenOrders(nil, rig.clock.Now())

	// no direct fills; probes instead, capped at 5 per cycle
	assert.Len(t, rig.adapter.Submitted(), 0)
	assert.Len(t, rig.adapter.Probes(), 5)
	for _, id := range ids {
		// every position survives until its probe reports back
		assert.NotNil(t, rig.pm.PositionForOrderID(id))
	}

	// probing again immediately is rate limited per position
	rig.pm.OnOpenOrders(nil, rig.clock.Now())
	assert.Len(t, rig.adapter.Probes(), 8)
	rig.pm.OnOpenOrders(nil, rig.clock.Now())
	assert.Len(t, rig.adapter.Probes(), 8)
}

func TestAlternateSizeAppliedOnFirstFill(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10/20", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")
	rig.adapter.PopSubmitted()

	rig.pm.OnOrderStatus("id1", core.OrderStatusFilled, mustAmount("10"))

	rung := rig.pm.Market(testMarket).Rung(0)
	assert.Equal(t, "20.00000000", rung.OrderSize.String())
	assert.Equal(t, 1, rung.FillCount)

	// the flipped sell posts the alternate size
	flipped := rig.adapter.Submitted()
	require.Len(t, flipped, 1)
	assert.Equal(t, "20.00000000", flipped[0].BtcAmount.String())
}
