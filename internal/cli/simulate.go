package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"arb-scanner/internal/app"
)

var (
	simulatePair   string
	simulatePrices []string
	simulateSize   float64
	simulateDepth  float64
	simulateChain  uint64
	simulateNotify bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "用固定价格跑一遍检测与模拟",
	RunE: func(cmd *cobra.Command, args []string) error {
		prices, err := parsePrices(simulatePrices)
		if err != nil {
			return err
		}
		if simulateSize < 0 || simulateDepth < 0 {
			return errors.New("--size 与 --depth 不能为负数")
		}

		_, err = getApp().Simulate(cmd.Context(), app.SimulateOptions{
			ChainID:      simulateChain,
			Pair:         simulatePair,
			Prices:       prices,
			TradeSizeEth: simulateSize,
			DepthHint:    simulateDepth,
			Notify:       simulateNotify,
		})
		return err
	},
}

// parsePrices 解析 source=value 形式的价格参数。
func parsePrices(raw []string) (map[string]float64, error) {
	prices := make(map[string]float64, len(raw))
	for _, entry := range raw {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --price %q, expected source=value", entry)
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --price %q: %w", entry, err)
		}
		if _, dup := prices[name]; dup {
			return nil, fmt.Errorf("duplicate --price for %s", name)
		}
		prices[name] = price
	}
	return prices, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "WETH/USDC", "Pair symbol BASE/QUOTE")
	simulateCmd.Flags().StringArrayVar(&simulatePrices, "price", nil, "Source price as source=value (repeatable)")
	simulateCmd.Flags().Float64Var(&simulateSize, "size", 0, "Trade size in ETH (defaults to pair config)")
	simulateCmd.Flags().Float64Var(&simulateDepth, "depth", 0, "Liquidity depth hint in ETH (defaults to pair config)")
	simulateCmd.Flags().Uint64Var(&simulateChain, "chain", 0, "Chain id (defaults to first configured chain)")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Send the best opportunity through configured alerting")
}
