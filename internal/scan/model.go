package scan

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/fetcher"
)

// ErrTooFewSources is recorded on a report when fewer than two sources are configured.
var ErrTooFewSources = errors.New("scan: at least two quote sources required")

// Risk flags attached to a simulation.
const (
	FlagHighSlippage   = "HIGH_SLIPPAGE"
	FlagLowNetMargin   = "LOW_NET_MARGIN"
	FlagNegativeProfit = "NEGATIVE_PROFIT"
)

const (
	// MaxSlippage caps the estimated slippage fraction.
	MaxSlippage = 0.20
	// NegativeScore 是亏损机会的固定分数，保证排在最后。
	NegativeScore = -1e9

	highSlippageThreshold = 0.05
)

// opportunityNamespace scopes deterministic opportunity ids.
var opportunityNamespace = uuid.MustParse("6f1c2f0e-5b7a-4c8e-9d2a-3b1f0c4e7a91")

// Opportunity is a directional price gap between two sources on one pair.
type Opportunity struct {
	ID                 string          `json:"id"`
	ChainID            uint64          `json:"chainId"`
	Pair               string          `json:"pair"`
	BuyFrom            string          `json:"buyFrom"`
	SellTo             string          `json:"sellTo"`
	BuyPrice           decimal.Decimal `json:"buyPrice"`
	SellPrice          decimal.Decimal `json:"sellPrice"`
	GrossGap           float64         `json:"grossGap"`
	NetGapEstimate     float64         `json:"netGapEstimate"`
	TradeSizeEth       float64         `json:"tradeSizeEth"`
	LiquidityDepthHint float64         `json:"liquidityDepthHint"`
	BlockNumber        uint64          `json:"blockNumber"`
}

// OpportunityID is stable for the same chain, pair and direction.
func OpportunityID(chainID uint64, pair, buyFrom, sellTo string) string {
	name := fmt.Sprintf("%d|%s|%s|%s", chainID, pair, buyFrom, sellTo)
	return uuid.NewSHA1(opportunityNamespace, []byte(name)).String()
}

// Simulation is the cost model applied to one opportunity.
type Simulation struct {
	OpportunityID   string   `json:"opportunityId"`
	GrossProfitEth  float64  `json:"grossProfitEth"`
	NetProfitEth    float64  `json:"netProfitEth"`
	GasCostEth      float64  `json:"gasCostEth"`
	SlippagePercent float64  `json:"slippagePercent"`
	PassesThreshold bool     `json:"passesThreshold"`
	RiskFlags       []string `json:"riskFlags"`
}

// HasFlag reports whether flag was raised.
func (s Simulation) HasFlag(flag string) bool {
	for _, f := range s.RiskFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// Ranked joins an opportunity with its simulation and score.
type Ranked struct {
	Opportunity Opportunity `json:"opportunity"`
	Simulation  Simulation  `json:"simulation"`
	Score       float64     `json:"score"`
}

// Error is a pair- or source-scoped problem; it never aborts the scan.
type Error struct {
	Pair    string `json:"pair,omitempty"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

// Report is the output of one scan cycle.
type Report struct {
	Timestamp     time.Time       `json:"ts"`
	ChainID       uint64          `json:"chainId"`
	BlockNumber   uint64          `json:"blockNumber"`
	PairsScanned  int             `json:"pairsScanned"`
	Quotes        []fetcher.Quote `json:"quotes"`
	Opportunities []Opportunity   `json:"opportunities"`
	Simulations   []Simulation    `json:"simulations"`
	Ranked        []Ranked        `json:"rankedOpportunities"`
	Errors        []Error         `json:"errors"`
}

// Best returns the top ranked entry, if any.
func (r *Report) Best() (Ranked, bool) {
	if r == nil || len(r.Ranked) == 0 {
		return Ranked{}, false
	}
	return r.Ranked[0], true
}
