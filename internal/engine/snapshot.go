package engine

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"pingpong/internal/core"
)

// snapshotMinOrders is the floor on the active window saved around the spread.
const snapshotMinOrders = 15

// SaveMarket serializes each rung of the matching markets as a setorder line
// so the grid can be restored after a restart. A rung is saved active iff a
// position holds it and it sits within numOrders of the lowest sell index;
// rungs above the highest active sell are recorded as ghost sells.
func (pm *PositionManager) SaveMarket(marketFilter string, numOrders int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.saveMarketLocked(marketFilter, numOrders)
}

func (pm *PositionManager) saveMarketLocked(marketFilter string, numOrders int) error {
	if marketFilter == "" {
		marketFilter = "all"
	}
	if numOrders < snapshotMinOrders {
		numOrders = snapshotMinOrders
	}

	path := filepath.Join(pm.settings.DataDir, fmt.Sprintf("index-%s.txt", marketFilter))
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("couldn't open savemarket file %s: %w", path, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	savedMarkets := 0

	for marketName, info := range pm.markets {
		if marketFilter != "all" && marketName != marketFilter {
			continue
		}
		if marketName == "" || info.Size() == 0 {
			continue
		}

		highestSellIdx := -1
		lowestSellIdx := int(^uint(0) >> 1)
		buys := make(map[int]struct{})
		sells := make(map[int]struct{})

		for pos := range pm.all {
			if pos.Market != marketName {
				continue
			}
			isSell := pos.Side == core.SideSell

			for _, idx := range pos.MarketIndices {
				if isSell {
					sells[idx] = struct{}{}
					if idx > highestSellIdx {
						highestSellIdx = idx
					}
					if idx < lowestSellIdx {
						lowestSellIdx = idx
					}
				} else {
					buys[idx] = struct{}{}
				}
			}
		}

		if len(buys) == 0 && len(sells) == 0 {
			pm.log.Error("couldn't find buy or sell indices for market", "market", marketName)
			continue
		}

		for idx := 0; idx < info.Size(); idx++ {
			data := info.Rung(idx)

			_, isBuyIdx := buys[idx]
			_, isSellIdx := sells[idx]

			isActive := (isSellIdx || isBuyIdx) &&
				idx > lowestSellIdx-numOrders &&
				idx < lowestSellIdx+numOrders

			isSell := isSellIdx || (idx > highestSellIdx && highestSellIdx >= 0)

			orderSize := data.OrderSize.String()
			if data.AlternateSize.IsGreaterThanZero() {
				orderSize += "/" + data.AlternateSize.String()
			}

			side := core.SideBuy
			if isSell {
				side = core.SideSell
			}
			state := "ghost"
			if isActive {
				state = "active"
			}

			fmt.Fprintf(writer, "setorder %s %s %s %s %s %s\n",
				marketName, side.String(), data.BuyPrice.String(), data.SellPrice.String(),
				orderSize, state)
		}

		savedMarkets++
		pm.log.Info("saved market", "market", marketName, "indices", info.Size())
	}

	if savedMarkets == 0 {
		pm.log.Info("no markets saved")
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("couldn't flush savemarket file %s: %w", path, err)
	}
	return nil
}

// LoadSnapshot replays a snapshot file's setorder lines into the grid:
// actives are placed, ghosts only reserve their rung. Returns the number of
// lines applied.
func (pm *PositionManager) LoadSnapshot(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("couldn't open snapshot file %s: %w", path, err)
	}
	defer file.Close()

	applied := 0
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 7 || fields[0] != "setorder" {
			pm.log.Warn("skipping malformed snapshot line", "line", line)
			continue
		}

		var side core.Side
		switch fields[2] {
		case "buy":
			side = core.SideBuy
		case "sell":
			side = core.SideSell
		default:
			pm.log.Warn("skipping snapshot line with bad side", "line", line)
			continue
		}

		typ := fields[6]
		if typ != "active" && typ != "ghost" {
			pm.log.Warn("skipping snapshot line with bad type", "line", line)
			continue
		}

		_, err := pm.AddPosition(fields[1], side, fields[3], fields[4], fields[5],
			typ, "", nil, false, true)
		if err != nil {
			pm.log.Warn("snapshot line rejected", "line", line, "error", err)
			continue
		}
		applied++
	}
	if err := scanner.Err(); err != nil {
		return applied, fmt.Errorf("reading snapshot file %s: %w", path, err)
	}

	return applied, nil
}
