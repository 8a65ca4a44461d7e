package engine_test

import (
	"sync/atomic"
	"testing"
	"time"

	"pingpong/internal/adapter/mock"
	"pingpong/internal/amount"
	"pingpong/internal/core"
	"pingpong/internal/engine"
	"pingpong/internal/market"
)

const testMarket = "TEST_BTC"

// marketSettingsAlias keeps test signatures short.
type marketSettingsAlias = market.Settings

func mustAmount(s string) amount.Amount { return amount.MustNew(s) }

// testLogger satisfies core.ILogger and swallows output.
type testLogger struct{}

func (testLogger) Debug(string, ...interface{})                      {}
func (testLogger) Info(string, ...interface{})                       {}
func (testLogger) Warn(string, ...interface{})                       {}
func (testLogger) Error(string, ...interface{})                      {}
func (testLogger) Fatal(string, ...interface{})                      {}
func (l testLogger) WithField(string, interface{}) core.ILogger      { return l }
func (l testLogger) WithFields(map[string]interface{}) core.ILogger  { return l }

// fakeClock is a controllable millisecond clock.
type fakeClock struct {
	ms int64
}

func newFakeClock() *fakeClock {
	return &fakeClock{ms: 1_600_000_000_000}
}

func (c *fakeClock) Now() int64 { return atomic.LoadInt64(&c.ms) }

func (c *fakeClock) Advance(d time.Duration) {
	atomic.AddInt64(&c.ms, d.Milliseconds())
}

func defaultMarketSettings() market.Settings {
	return market.Settings{
		OrderMin:         3,
		OrderMax:         5,
		OrderDC:          3,
		PriceTicksize:    amount.MustNew("0.00000001"),
		QuantityTicksize: amount.MustNew("0.00000001"),
		SlippageTimeout:  2 * time.Minute,
	}
}

type testRig struct {
	pm      *engine.PositionManager
	adapter *mock.Adapter
	clock   *fakeClock
}

func newTestRig(t *testing.T, traits core.ExchangeTraits, mutate func(*engine.Settings, *market.Settings)) *testRig {
	t.Helper()

	settings := engine.DefaultSettings()
	settings.DataDir = t.TempDir()

	marketSettings := defaultMarketSettings()
	if mutate != nil {
		mutate(&settings, &marketSettings)
	}

	pm := engine.NewPositionManager(settings, testLogger{}, nil)
	adapter := mock.New(traits)
	pm.SetAdapter(adapter)

	clock := newFakeClock()
	pm.SetClock(clock.Now)

	pm.SetMarketSettings(testMarket, marketSettings)

	return &testRig{pm: pm, adapter: adapter, clock: clock}
}

func defaultTraits() core.ExchangeTraits {
	return core.ExchangeTraits{Name: "mock", HasPostOnly: true, TickSlippage: true}
}

// activateAll drains submitted positions, assigning sequential order ids
// starting at base.
func (r *testRig) activateAll(base string) []*engine.Position {
	submitted := r.adapter.PopSubmitted()
	for i, pos := range submitted {
		r.pm.OnNewOrder(pos, base+string(rune('a'+i)))
	}
	return submitted
}

// setTicker pushes a passive quote so the engine tracks the book without
// classifying fills.
func (r *testRig) setTicker(bid, ask string) {
	r.pm.OnTicker(map[string]core.TickerInfo{
		testMarket: {
			Bid: amount.MustNew(bid).Decimal(),
			Ask: amount.MustNew(ask).Decimal(),
		},
	}, 0)
}
