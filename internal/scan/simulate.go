package scan

import (
	"sort"

	"github.com/shopspring/decimal"

	"arb-scanner/internal/fetcher"
)

// Detect compares every ordered pair of distinct sources quoting the same pair
// and keeps gaps of at least minGap. Quadratic in source count, which stays small.
func Detect(chainID uint64, quotes []fetcher.Quote, pair fetcher.Pair, minGap float64, block uint64) []Opportunity {
	threshold := decimal.NewFromFloat(minGap)
	var out []Opportunity
	for i, buy := range quotes {
		if !buy.Price.IsPositive() {
			continue
		}
		for j, sell := range quotes {
			if i == j || buy.Source == sell.Source || buy.Pair != sell.Pair {
				continue
			}
			gap := sell.Price.Sub(buy.Price).Div(buy.Price)
			if gap.LessThan(threshold) {
				continue
			}
			out = append(out, Opportunity{
				ID:                 OpportunityID(chainID, buy.Pair, buy.Source, sell.Source),
				ChainID:            chainID,
				Pair:               buy.Pair,
				BuyFrom:            buy.Source,
				SellTo:             sell.Source,
				BuyPrice:           buy.Price,
				SellPrice:          sell.Price,
				GrossGap:           gap.InexactFloat64(),
				NetGapEstimate:     gap.InexactFloat64(),
				TradeSizeEth:       pair.TradeSizeEth,
				LiquidityDepthHint: pair.LiquidityDepthHint,
				BlockNumber:        block,
			})
		}
	}
	return out
}

// CostModel holds the gas and threshold inputs shared by every simulation in a cycle.
type CostModel struct {
	GasPriceGwei float64
	GasLimit     uint64
	MinProfitEth float64
}

// GasCostEth = gasPrice(gwei) × 1e-9 × gasLimit.
func (c CostModel) GasCostEth() float64 {
	return c.GasPriceGwei * 1e-9 * float64(c.GasLimit)
}

// Slippage estimates price impact as tradeSize/depth, clamped to [0, MaxSlippage].
// An unknown depth is treated as the worst case.
func Slippage(tradeSize, depthHint float64) float64 {
	if tradeSize <= 0 {
		return 0
	}
	if depthHint <= 0 {
		return MaxSlippage
	}
	s := tradeSize / depthHint
	if s < 0 {
		return 0
	}
	if s > MaxSlippage {
		return MaxSlippage
	}
	return s
}

// Simulate applies the cost model to opp at opp.TradeSizeEth.
func Simulate(opp Opportunity, cost CostModel) Simulation {
	gasCost := cost.GasCostEth()
	gross := opp.GrossGap * opp.TradeSizeEth
	slip := Slippage(opp.TradeSizeEth, opp.LiquidityDepthHint)
	net := gross*(1-slip) - gasCost

	flags := []string{}
	if slip > highSlippageThreshold {
		flags = append(flags, FlagHighSlippage)
	}
	if net < 2*gasCost {
		flags = append(flags, FlagLowNetMargin)
	}
	if net <= 0 {
		flags = append(flags, FlagNegativeProfit)
	}

	return Simulation{
		OpportunityID:   opp.ID,
		GrossProfitEth:  gross,
		NetProfitEth:    net,
		GasCostEth:      gasCost,
		SlippagePercent: slip,
		PassesThreshold: net > 0 && net >= cost.MinProfitEth,
		RiskFlags:       flags,
	}
}

// Score ranks a simulation; higher is better.
func Score(sim Simulation) float64 {
	if sim.HasFlag(FlagNegativeProfit) {
		return NegativeScore
	}
	score := sim.NetProfitEth
	if sim.GasCostEth > 0 {
		score += 0.1 * (sim.NetProfitEth / sim.GasCostEth)
	}
	if sim.HasFlag(FlagHighSlippage) {
		score -= 0.25
	}
	if sim.HasFlag(FlagLowNetMargin) {
		score -= 0.05
	}
	return score
}

// Rank sorts by score descending; equal scores keep input order.
func Rank(opps []Opportunity, sims []Simulation) []Ranked {
	ranked := make([]Ranked, 0, len(opps))
	for i := range opps {
		ranked = append(ranked, Ranked{Opportunity: opps[i], Simulation: sims[i], Score: Score(sims[i])})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

func netGapEstimate(opp Opportunity, gasCost float64) float64 {
	if opp.TradeSizeEth <= 0 {
		return opp.GrossGap
	}
	return opp.GrossGap - gasCost/opp.TradeSizeEth
}
