package execution

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/scan"
)

const executorABIJSON = `[{"inputs":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"address","name":"buyVenue","type":"address"},{"internalType":"address","name":"sellVenue","type":"address"},{"internalType":"uint256","name":"minProfit","type":"uint256"},{"internalType":"bytes32","name":"reportHash","type":"bytes32"}],"name":"executeArb","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var executorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(executorABIJSON))
	if err != nil {
		panic("failed to parse executor ABI: " + err.Error())
	}
	executorABI = parsed
}

// Plan is the fully specified, unsigned call proposed for one opportunity.
// ReportHash together with OpportunityID is the idempotency key.
type Plan struct {
	ChainID              uint64            `json:"chainId"`
	To                   common.Address    `json:"to"`
	Data                 hexutil.Bytes     `json:"data"`
	ValueEth             decimal.Decimal   `json:"valueEth"`
	ExpectedNetProfitEth decimal.Decimal   `json:"expectedNetProfitEth"`
	ExpectedGasCostEth   decimal.Decimal   `json:"expectedGasCostEth"`
	TradeSizeEth         float64           `json:"tradeSizeEth"`
	MaxGasGwei           float64           `json:"maxGasGwei"`
	MaxSlippageBps       int               `json:"maxSlippageBps"`
	ReportHash           string            `json:"reportHash"`
	OpportunityID        string            `json:"opportunityId"`
	Adapter              string            `json:"adapter"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

// PlanOptions supply what a scan report does not carry.
type PlanOptions struct {
	Executor common.Address
	// Venues maps quote source name to the on-chain contract that trades there.
	Venues map[string]common.Address
	// Pairs maps pair symbol to catalog entry for token addresses and decimals.
	Pairs        map[string]fetcher.Pair
	GasPriceGwei float64
}

// BuildPlan encodes an executeArb call for ranked.
func BuildPlan(report *scan.Report, ranked scan.Ranked, opts PlanOptions) (Plan, error) {
	if report == nil {
		return Plan{}, errors.New("plan: nil report")
	}
	opp := ranked.Opportunity
	sim := ranked.Simulation
	if sim.NetProfitEth <= 0 {
		return Plan{}, fmt.Errorf("plan: opportunity %s has no positive net profit", opp.ID)
	}
	if opts.Executor == (common.Address{}) {
		return Plan{}, errors.New("plan: executor contract not configured")
	}
	pair, ok := opts.Pairs[opp.Pair]
	if !ok {
		return Plan{}, fmt.Errorf("plan: unknown pair %s", opp.Pair)
	}
	buyVenue, ok := opts.Venues[opp.BuyFrom]
	if !ok {
		return Plan{}, fmt.Errorf("plan: source %s has no on-chain venue", opp.BuyFrom)
	}
	sellVenue, ok := opts.Venues[opp.SellTo]
	if !ok {
		return Plan{}, fmt.Errorf("plan: source %s has no on-chain venue", opp.SellTo)
	}

	amountIn := pair.AmountIn(decimal.NewFromFloat(opp.TradeSizeEth))
	netProfit := decimal.NewFromFloat(sim.NetProfitEth)
	minProfit := netProfit.Shift(pair.Base.Decimals).Floor().BigInt()
	reportHash := HashReport(report)

	data, err := executorABI.Pack("executeArb",
		pair.Base.Address, pair.Quote.Address, amountIn, buyVenue, sellVenue, minProfit, common.HexToHash(reportHash))
	if err != nil {
		return Plan{}, fmt.Errorf("plan: encode executeArb: %w", err)
	}

	return Plan{
		ChainID:              opp.ChainID,
		To:                   opts.Executor,
		Data:                 data,
		ValueEth:             decimal.Zero,
		ExpectedNetProfitEth: netProfit,
		ExpectedGasCostEth:   decimal.NewFromFloat(sim.GasCostEth),
		TradeSizeEth:         opp.TradeSizeEth,
		MaxGasGwei:           opts.GasPriceGwei,
		MaxSlippageBps:       int(math.Ceil(sim.SlippagePercent * 10_000)),
		ReportHash:           reportHash,
		OpportunityID:        opp.ID,
		Adapter:              "executeArb",
		Metadata: map[string]string{
			"pair":     opp.Pair,
			"buyFrom":  opp.BuyFrom,
			"sellTo":   opp.SellTo,
			"grossGap": decimal.NewFromFloat(opp.GrossGap).StringFixed(6),
			"block":    fmt.Sprint(report.BlockNumber),
		},
	}, nil
}

// HashReport is a keccak256 over the report's market content: chain, and per
// ranked opportunity its id and gap rounded to 1e-6. Timestamps and block
// numbers are excluded so an unchanged market hashes identically across cycles.
func HashReport(report *scan.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "chain=%d", report.ChainID)
	for _, r := range report.Ranked {
		fmt.Fprintf(&b, "|%s:%s", r.Opportunity.ID, decimal.NewFromFloat(r.Opportunity.GrossGap).StringFixed(6))
	}
	return crypto.Keccak256Hash([]byte(b.String())).Hex()
}

func ethToWei(v decimal.Decimal) *big.Int {
	return v.Shift(18).Floor().BigInt()
}

func weiToEth(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -18)
}

func weiToGwei(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -9).InexactFloat64()
}
