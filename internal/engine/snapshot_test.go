package engine_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/core"
	"pingpong/internal/engine"
)

func TestSaveMarketWritesSetorderLines(t *testing.T) {
	var dataDir string
	rig := newTestRig(t, defaultTraits(), func(s *engine.Settings, ms *marketSettingsAlias) {
		ms.OrderMin = 0
		ms.OrderMax = 0
		dataDir = s.DataDir
	})

	buy, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "1.50", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(buy, "b0")
	sell, err := rig.pm.AddPosition(testMarket, core.SideSell, "2.00", "2.50", "10/20", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(sell, "s1")
	// a rung past the highest sell becomes a ghost sell
	_, err = rig.pm.AddPosition(testMarket, core.SideSell, "3.00", "3.50", "10", "ghost", "", nil, false, true)
	require.NoError(t, err)

	require.NoError(t, rig.pm.SaveMarket("all", 15))

	data, err := os.ReadFile(filepath.Join(dataDir, "index-all.txt"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)

	assert.Equal(t, "setorder "+testMarket+" buy 1.00000000 1.50000000 10.00000000 active", lines[0])
	assert.Equal(t, "setorder "+testMarket+" sell 2.00000000 2.50000000 10.00000000/20.00000000 active", lines[1])
	assert.Equal(t, "setorder "+testMarket+" sell 3.00000000 3.50000000 10.00000000 ghost", lines[2])
}

func TestLoadSnapshotRestoresGrid(t *testing.T) {
	var dataDir string
	rig := newTestRig(t, defaultTraits(), func(s *engine.Settings, ms *marketSettingsAlias) {
		ms.OrderMin = 0
		ms.OrderMax = 0
		dataDir = s.DataDir
	})

	path := filepath.Join(dataDir, "index-restore.txt")
	snapshot := strings.Join([]string{
		"setorder " + testMarket + " buy 1.00000000 1.50000000 10.00000000 active",
		"setorder " + testMarket + " sell 2.00000000 2.50000000 10.00000000/20.00000000 active",
		"setorder " + testMarket + " sell 3.00000000 3.50000000 10.00000000 ghost",
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))

	applied, err := rig.pm.LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, 3, applied)

	info := rig.pm.Market(testMarket)
	assert.Equal(t, 3, info.Size())
	assert.Equal(t, "20.00000000", info.Rung(1).AlternateSize.String())

	// actives were submitted, the ghost only reserved its rung
	assert.Len(t, rig.adapter.Submitted(), 2)
	assert.Equal(t, 2, rig.pm.MarketOrderTotal(testMarket, false))
}

func TestLoadSnapshotSkipsMalformedLines(t *testing.T) {
	var dataDir string
	rig := newTestRig(t, defaultTraits(), func(s *engine.Settings, _ *marketSettingsAlias) {
		dataDir = s.DataDir
	})

	path := filepath.Join(dataDir, "index-bad.txt")
	snapshot := strings.Join([]string{
		"# comment",
		"setorder " + testMarket + " sideways 1.0 1.5 10 active",
		"bogus line",
		"setorder " + testMarket + " buy 1.00000000 1.50000000 10.00000000 active",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(snapshot), 0o644))

	applied, err := rig.pm.LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, rig.pm.Market(testMarket).Size())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	var dataDir string
	rig := newTestRig(t, defaultTraits(), func(s *engine.Settings, ms *marketSettingsAlias) {
		ms.OrderMin = 0
		ms.OrderMax = 0
		dataDir = s.DataDir
	})

	buy, err := rig.pm.AddPosition(testMarket, core.SideBuy, "1.00", "1.50", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(buy, "b0")
	sell, err := rig.pm.AddPosition(testMarket, core.SideSell, "2.00", "2.50", "10", "active", "", nil, false, true)
	require.NoError(t, err)
	rig.pm.OnNewOrder(sell, "s1")

	require.NoError(t, rig.pm.SaveMarket(testMarket, 15))

	restored := newTestRig(t, defaultTraits(), func(s *engine.Settings, ms *marketSettingsAlias) {
		ms.OrderMin = 0
		ms.OrderMax = 0
	})
	applied, err := restored.pm.LoadSnapshot(filepath.Join(dataDir, "index-"+testMarket+".txt"))
	require.NoError(t, err)

	assert.Equal(t, 2, applied)
	assert.Equal(t, rig.pm.Market(testMarket).Size(), restored.pm.Market(testMarket).Size())
}
