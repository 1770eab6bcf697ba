package execution

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/scan"
)

func planFixture() (*scan.Report, PlanOptions) {
	pair := fetcher.Pair{
		ChainID: 1,
		Base:    fetcher.Token{Symbol: "WETH", Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18},
		Quote:   fetcher.Token{Symbol: "USDC", Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6},
	}
	opp := scan.Opportunity{
		ID:                 scan.OpportunityID(1, "WETH/USDC", "uni-v2", "uni-v3"),
		ChainID:            1,
		Pair:               "WETH/USDC",
		BuyFrom:            "uni-v2",
		SellTo:             "uni-v3",
		GrossGap:           0.0112,
		TradeSizeEth:       2,
		LiquidityDepthHint: 400,
	}
	sim := scan.Simulate(opp, scan.CostModel{GasPriceGwei: 20, GasLimit: 250000})
	report := &scan.Report{
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ChainID:       1,
		BlockNumber:   100,
		Opportunities: []scan.Opportunity{opp},
		Simulations:   []scan.Simulation{sim},
		Ranked:        scan.Rank([]scan.Opportunity{opp}, []scan.Simulation{sim}),
	}
	opts := PlanOptions{
		Executor: executorAddr,
		Venues: map[string]common.Address{
			"uni-v2": common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
			"uni-v3": common.HexToAddress("0xE592427A0AEce92De3Edee1F18E0157C05861564"),
		},
		Pairs:        map[string]fetcher.Pair{"WETH/USDC": pair},
		GasPriceGwei: 20,
	}
	return report, opts
}

func TestBuildPlanEncodesExecutorCall(t *testing.T) {
	report, opts := planFixture()
	plan, err := BuildPlan(report, report.Ranked[0], opts)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), plan.ChainID)
	assert.Equal(t, executorAddr, plan.To)
	assert.Equal(t, report.Ranked[0].Opportunity.ID, plan.OpportunityID)
	assert.Equal(t, HashReport(report), plan.ReportHash)
	assert.Equal(t, 50, plan.MaxSlippageBps)
	assert.Equal(t, 20.0, plan.MaxGasGwei)
	assert.True(t, plan.ExpectedNetProfitEth.IsPositive())

	method := executorABI.Methods["executeArb"]
	require.Equal(t, method.ID, []byte(plan.Data[:4]))
	args, err := method.Inputs.Unpack(plan.Data[4:])
	require.NoError(t, err)
	assert.Equal(t, opts.Pairs["WETH/USDC"].Base.Address, args[0].(common.Address))
	amountIn := args[2].(*big.Int)
	assert.Equal(t, "2000000000000000000", amountIn.String())
	assert.Equal(t, opts.Venues["uni-v2"], args[3].(common.Address))
	assert.Equal(t, opts.Venues["uni-v3"], args[4].(common.Address))
	minProfit := decimal.NewFromBigInt(args[5].(*big.Int), -18)
	assert.True(t, minProfit.LessThanOrEqual(plan.ExpectedNetProfitEth))
}

func TestBuildPlanRejectsUnusableOpportunities(t *testing.T) {
	report, opts := planFixture()

	noVenue := opts
	noVenue.Venues = map[string]common.Address{}
	_, err := BuildPlan(report, report.Ranked[0], noVenue)
	assert.Error(t, err)

	noExecutor := opts
	noExecutor.Executor = common.Address{}
	_, err = BuildPlan(report, report.Ranked[0], noExecutor)
	assert.Error(t, err)

	losing := report.Ranked[0]
	losing.Simulation.NetProfitEth = -0.1
	_, err = BuildPlan(report, losing, opts)
	assert.Error(t, err)
}

func TestHashReportIgnoresTimestampAndBlock(t *testing.T) {
	report, _ := planFixture()
	h1 := HashReport(report)

	later := *report
	later.Timestamp = report.Timestamp.Add(time.Hour)
	later.BlockNumber = 200
	assert.Equal(t, h1, HashReport(&later))

	moved := *report
	moved.Ranked = append([]scan.Ranked(nil), report.Ranked...)
	moved.Ranked[0].Opportunity.GrossGap = 0.0113
	assert.NotEqual(t, h1, HashReport(&moved))
}
