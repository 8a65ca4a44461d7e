package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/core"
	"pingpong/internal/engine"
)

func TestAddPositionAllocatesRungAndQueues(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, false)
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, []int{0}, pos.MarketIndices)
	assert.Equal(t, 1, rig.pm.Market(testMarket).Size())
	assert.True(t, rig.pm.HasQueuedPositions())
	assert.False(t, rig.pm.HasActivePositions())
	assert.Len(t, rig.adapter.Submitted(), 1)
	assert.True(t, rig.pm.Market(testMarket).HasOrderPrice(pos.Price.String()))
}

func TestAddPositionValidation(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	tests := []struct {
		name    string
		side    core.Side
		lo, hi  string
		size    string
		typ     string
		wantErr error
	}{
		{"unknown type", core.SideBuy, "1", "2", "1", "bogus", engine.ErrInvalidInput},
		{"empty price", core.SideBuy, "", "2", "1", "active", engine.ErrInvalidInput},
		{"invalid side", core.Side(9), "1", "2", "1", "active", engine.ErrInvalidInput},
		{"sell below buy", core.SideBuy, "2", "1", "1", "active", engine.ErrInvalidInput},
		{"zero price", core.SideBuy, "0", "2", "1", "active", engine.ErrInvalidInput},
		{"precision loss", core.SideBuy, "1.000000001", "2", "1", "active", engine.ErrPrecisionLoss},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := rig.pm.AddPosition(testMarket, tc.side, tc.lo, tc.hi, tc.size, tc.typ, "", nil, false, true)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	// no rungs or submissions leaked from the rejects
	assert.Equal(t, 0, rig.pm.Market(testMarket).Size())
	assert.Len(t, rig.adapter.Submitted(), 0)
}

func TestLandmarkOneTimeRejected(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	_, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1", "2", "1", "onetime", "", nil, true, true)
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestGhostReservesRungWithoutOrder(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "ghost", "", nil, false, true)
	require.NoError(t, err)
	assert.Nil(t, pos)

	assert.Equal(t, 1, rig.pm.Market(testMarket).Size())
	assert.Len(t, rig.adapter.Submitted(), 0)
	assert.False(t, rig.pm.HasQueuedPositions())
}

func TestAlternateSizeParsedIntoRung(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	_, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10/20", "active", "", nil, false, true)
	require.NoError(t, err)

	rung := rig.pm.Market(testMarket).Rung(0)
	assert.Equal(t, "10.00000000", rung.OrderSize.String())
	assert.Equal(t, "20.00000000", rung.AlternateSize.String())
}

// S1: add, activate, fill through a missing-order snapshot, flip to a sell on
// the same rung.
func TestOpenOrdersFillFlipsPosition(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, false)
	require.NoError(t, err)

	rig.pm.OnNewOrder(pos, "id1")
	assert.True(t, rig.pm.HasActivePositions())
	assert.Same(t, pos, rig.pm.PositionForOrderID("id1"))

	rig.adapter.PopSubmitted()
	rig.clock.Advance(30 * time.Second)

	rig.pm.OnOpenOrders(nil, rig.clock.Now())

	assert.Nil(t, rig.pm.PositionForOrderID("id1"))
	flipped := rig.adapter.Submitted()
	require.Len(t, flipped, 1)
	assert.Equal(t, core.SideSell, flipped[0].Side)
	assert.Equal(t, []int{0}, flipped[0].MarketIndices)
	assert.Equal(t, "2.00000000", flipped[0].SellPrice.String())
}

func TestOpenOrdersRespectsSafetyDelay(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, false)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")

	// too fresh to be declared filled
	rig.clock.Advance(time.Second)
	rig.pm.OnOpenOrders(nil, rig.clock.Now())

	assert.Same(t, pos, rig.pm.PositionForOrderID("id1"))
}

// S3: a taker more than 10% off the spread is rejected unless overridden.
func TestTakerSpreadGuard(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)
	rig.setTicker("1.95", "2.00")

	_, err := rig.pm.AddPosition(testMarket, core.SideBuy, "2.50", "2.50", "10", "onetime-taker", "", nil, false, true)
	assert.ErrorIs(t, err, engine.ErrSpreadViolation)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "2.50", "2.50", "10", "onetime-taker-override", "", nil, false, true)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Taker)
	assert.True(t, pos.OneTime)
}

func TestPercentPriceWindow(t *testing.T) {
	rig := newTestRig(t, core.ExchangeTraits{Name: "mock", EnforcePercentPrice: true, HasPostOnly: true, TickSlippage: true},
		func(_ *engine.Settings, ms *marketSettingsAlias) {
			ms.PriceMinMul = mustAmount("0.5")
			ms.PriceMaxMul = mustAmount("2.0")
		})
	rig.setTicker("2.00", "2.10")

	// buy limit = 2.00 * 0.5*1.2 = 1.20; a buy below it is rejected
	_, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "9.00", "10", "active", "", nil, false, true)
	assert.ErrorIs(t, err, engine.ErrExchangeLimit)

	// inside the window is accepted
	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.50", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	require.NotNil(t, pos)
}

func TestCancelWhileQueuedDefersUntilActivation(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)

	rig.pm.CancelOrder(pos, false, core.CancelForMaxAge)
	assert.Len(t, rig.adapter.Cancels(), 0, "queued cancel must defer")
	assert.True(t, pos.Cancelling)

	rig.pm.OnNewOrder(pos, "id1")
	cancels := rig.adapter.Cancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, "id1", cancels[0].OrderID)
	assert.Equal(t, core.CancelForMaxAge, pos.CancelReason)
}

func TestRemoveAbortsInFlightRequests(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(pos, "id1")

	rig.pm.Remove(pos)

	require.Len(t, rig.adapter.Aborted(), 1)
	assert.Same(t, pos, rig.adapter.Aborted()[0])
	assert.Nil(t, rig.pm.PositionForOrderID("id1"))
	assert.False(t, rig.pm.Market(testMarket).HasOrderPrice(pos.Price.String()))
	assert.False(t, rig.pm.HasActivePositions())
}

func TestSubmitErrorFatalRemoves(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)

	rig.pm.OnSubmitError(pos, "not enough balance")
	assert.False(t, rig.pm.HasQueuedPositions())
}

func TestSubmitErrorTransientKeepsQueued(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)

	rig.pm.OnSubmitError(pos, "gateway timeout")
	assert.True(t, rig.pm.HasQueuedPositions())
}

// S5: an external order matching a stale queued position is adopted instead
// of cancelled.
func TestStrayAdoption(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), func(s *engine.Settings, _ *marketSettingsAlias) {
		s.ShouldClearStrayOrders = true
	})

	pos, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)

	rig.clock.Advance(12 * time.Second)

	rig.pm.OnOpenOrders([]core.OrderInfo{{
		Market:    testMarket,
		Side:      core.SideBuy,
		Price:     pos.Price.String(),
		BtcAmount: pos.BtcAmount.String(),
		OrderID:   "ext1",
	}}, rig.clock.Now())

	assert.Same(t, pos, rig.pm.PositionForOrderID("ext1"))
	assert.True(t, rig.pm.HasActivePositions())
	assert.Len(t, rig.adapter.Cancels(), 0)
}

func TestStrayGraceThenCancel(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), func(s *engine.Settings, _ *marketSettingsAlias) {
		s.ShouldClearStrayOrders = true
		s.ShouldClearStrayOrdersAll = true
	})

	stray := []core.OrderInfo{{
		Market:    testMarket,
		Side:      core.SideBuy,
		Price:     "5.00000000",
		BtcAmount: "1.00000000",
		OrderID:   "stray1",
	}}

	// first sighting starts the grace timer
	rig.pm.OnOpenOrders(stray, rig.clock.Now())
	assert.Len(t, rig.adapter.Cancels(), 0)

	// after the grace window the stray is cancelled remotely
	rig.clock.Advance(11 * time.Minute)
	rig.pm.OnOpenOrders(stray, rig.clock.Now())

	cancels := rig.adapter.Cancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, "stray1", cancels[0].OrderID)
	assert.Nil(t, cancels[0].Pos)
}

func TestCancelAllRefusedWithLocalPositions(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	_, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)

	rig.pm.CancelAll("all")
	assert.Equal(t, 0, rig.adapter.BookPulls())
}

func TestCancelAllPassCancelsEverything(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	rig.pm.CancelAll("all")
	assert.Equal(t, 1, rig.adapter.BookPulls())

	rig.pm.OnOpenOrders([]core.OrderInfo{
		{Market: testMarket, Side: core.SideBuy, Price: "1.00000000", BtcAmount: "1", OrderID: "r1"},
		{Market: testMarket, Side: core.SideSell, Price: "3.00000000", BtcAmount: "1", OrderID: "r2"},
	}, rig.clock.Now())

	assert.Len(t, rig.adapter.Cancels(), 2)

	// the pass is one-shot
	rig.pm.OnOpenOrders([]core.OrderInfo{
		{Market: testMarket, Side: core.SideBuy, Price: "1.00000000", BtcAmount: "1", OrderID: "r3"},
	}, rig.clock.Now())
	assert.Len(t, rig.adapter.Cancels(), 2)
}

func TestCancelLocalDropsQueuedAndCancelsActive(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	queued, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "2.00", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	active, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.10", "2.10", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(active, "id1")

	rig.pm.CancelLocal(testMarket)

	assert.False(t, rig.pm.HasQueuedPositions())
	assert.True(t, queued.OrderID == "")
	require.Len(t, rig.adapter.Cancels(), 1)
	assert.Equal(t, "id1", rig.adapter.Cancels()[0].OrderID)
	assert.Equal(t, 0, rig.pm.Market(testMarket).Size(), "market index cleared")
}

// Invariant 5: the order-price multiset tracks the queued+active population
// through placement and fills.
func TestOrderPricesMultisetMatchesPopulation(t *testing.T) {
	rig := newTestRig(t, defaultTraits(), nil)

	for i := 0; i < 4; i++ {
		lo := mustAmount("1.00").Add(mustAmount("0.1").MulInt(int64(i)))
		hi := mustAmount("2.00").Add(mustAmount("0.1").MulInt(int64(i)))
		_, err := rig.pm.AddPosition(testMarket, core.SideBuy, lo.String(), hi.String(), "10", "active", "", nil, false, true)
		require.NoError(t, err)
	}
	rig.activateAll("ord")

	info := rig.pm.Market(testMarket)
	assert.Equal(t, rig.pm.MarketOrderTotal(testMarket, false), len(info.OrderPrices))

	// fill one and re-check after the flip replaces it
	rig.clock.Advance(30 * time.Second)
	rig.pm.OnOrderStatus("orda", core.OrderStatusFilled, mustAmount("10"))
	assert.Equal(t, rig.pm.MarketOrderTotal(testMarket, false), len(info.OrderPrices))
}
