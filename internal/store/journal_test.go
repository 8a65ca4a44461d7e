package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/core"
)

func newTestJournal(t *testing.T) *FillJournal {
	t.Helper()
	journal, err := NewFillJournal(filepath.Join(t.TempDir(), "fills.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func TestRecordAndRecent(t *testing.T) {
	journal := newTestJournal(t)
	ctx := context.Background()

	base := time.UnixMilli(1_600_000_000_000)
	for i := 0; i < 3; i++ {
		err := journal.Record(ctx, core.FillRecord{
			Market:    "BTC_DOGE",
			Side:      core.SideBuy,
			BuyPrice:  "1.00000000",
			SellPrice: "2.00000000",
			BtcAmount: "10.00000000",
			Source:    core.FillTicker,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	fills, err := journal.Recent(ctx, "BTC_DOGE", 10)
	require.NoError(t, err)
	require.Len(t, fills, 3)

	// newest first
	assert.Equal(t, base.Add(2*time.Second).UnixMilli(), fills[0].Timestamp.UnixMilli())
	assert.Equal(t, core.SideBuy, fills[0].Side)
	assert.Equal(t, core.FillTicker, fills[0].Source)
	assert.Equal(t, "1.00000000", fills[0].BuyPrice)
}

func TestRecentFiltersByMarket(t *testing.T) {
	journal := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, journal.Record(ctx, core.FillRecord{
		Market: "BTC_DOGE", Side: core.SideBuy, BuyPrice: "1", SellPrice: "2",
		BtcAmount: "1", Source: core.FillGetOrder, Timestamp: time.UnixMilli(1),
	}))
	require.NoError(t, journal.Record(ctx, core.FillRecord{
		Market: "BTC_XMR", Side: core.SideSell, BuyPrice: "1", SellPrice: "2",
		BtcAmount: "1", Source: core.FillStream, Landmark: true, Timestamp: time.UnixMilli(2),
	}))

	fills, err := journal.Recent(ctx, "BTC_XMR", 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Landmark)
	assert.Equal(t, core.SideSell, fills[0].Side)
}

func TestRecentLimit(t *testing.T) {
	journal := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, journal.Record(ctx, core.FillRecord{
			Market: "BTC_DOGE", Side: core.SideBuy, BuyPrice: "1", SellPrice: "2",
			BtcAmount: "1", Source: core.FillTicker, Timestamp: time.UnixMilli(int64(i)),
		}))
	}

	fills, err := journal.Recent(ctx, "BTC_DOGE", 2)
	require.NoError(t, err)
	assert.Len(t, fills, 2)
}
