package execution

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ReasonCode is a stable, machine-readable outcome reason.
type ReasonCode string

// Policy reason codes, in evaluation order.
const (
	ReasonExecutionDisabled    ReasonCode = "EXECUTION_DISABLED"
	ReasonKillSwitchActive     ReasonCode = "KILL_SWITCH_ACTIVE"
	ReasonChainIDMismatch      ReasonCode = "CHAIN_ID_MISMATCH"
	ReasonNetProfitBelowMin    ReasonCode = "NET_PROFIT_BELOW_MIN"
	ReasonTradeSizeAboveMax    ReasonCode = "TRADE_SIZE_ABOVE_MAX"
	ReasonGasPriceAboveMax     ReasonCode = "GAS_PRICE_ABOVE_MAX"
	ReasonSlippageAboveMax     ReasonCode = "SLIPPAGE_ABOVE_MAX"
	ReasonDailyLossLimit       ReasonCode = "DAILY_LOSS_LIMIT_REACHED"
	ReasonCooldownActive       ReasonCode = "COOLDOWN_ACTIVE"
	ReasonReplayWindowActive   ReasonCode = "REPLAY_PROTECTION_WINDOW_ACTIVE"
	ReasonDestinationForbidden ReasonCode = "DESTINATION_NOT_ALLOWED"
)

// Outcome reason codes outside the policy.
const (
	ReasonSignerUnavailable ReasonCode = "SIGNER_UNAVAILABLE"
	ReasonRPCUnavailable    ReasonCode = "RPC_UNAVAILABLE"
	ReasonSimulationFailed  ReasonCode = "SIMULATION_FAILED"
	ReasonSendFailed        ReasonCode = "SEND_FAILED"
	ReasonTxReverted        ReasonCode = "TX_REVERTED"
	ReasonAwaitingReceipt   ReasonCode = "AWAITING_RECEIPT"
)

// PolicyConfig holds the risk caps. Zero caps are disabled, except where noted.
type PolicyConfig struct {
	Enabled             bool
	ChainID             uint64
	MinNetProfitEth     float64
	MaxTradeSizeEth     float64
	MaxGasGwei          float64
	MaxSlippageBps      int
	MaxDailyLossEth     float64
	Cooldown            time.Duration
	ReplayWindow        time.Duration
	AllowedDestinations []string
}

// PolicyInput is everything the pure evaluation needs. Filesystem and log
// lookups (kill switch, replay hits) are resolved by the caller.
type PolicyInput struct {
	Plan             Plan
	State            PolicyState
	Now              time.Time
	KillSwitchActive bool
	ReplayHit        bool
}

// Decision is the policy verdict.
type Decision struct {
	Allowed bool
	Status  Status
	Reason  ReasonCode
}

// Evaluate runs the checks in fixed order; the first failure wins.
func Evaluate(cfg PolicyConfig, in PolicyInput) Decision {
	block := func(reason ReasonCode) Decision {
		return Decision{Status: StatusBlocked, Reason: reason}
	}
	plan := in.Plan

	if !cfg.Enabled {
		return Decision{Status: StatusDisabled, Reason: ReasonExecutionDisabled}
	}
	if in.KillSwitchActive {
		return block(ReasonKillSwitchActive)
	}
	if plan.ChainID != cfg.ChainID {
		return block(ReasonChainIDMismatch)
	}
	if !plan.ExpectedNetProfitEth.IsPositive() || plan.ExpectedNetProfitEth.LessThan(decimal.NewFromFloat(cfg.MinNetProfitEth)) {
		return block(ReasonNetProfitBelowMin)
	}
	if cfg.MaxTradeSizeEth > 0 && plan.TradeSizeEth > cfg.MaxTradeSizeEth {
		return block(ReasonTradeSizeAboveMax)
	}
	if cfg.MaxGasGwei > 0 && plan.MaxGasGwei > cfg.MaxGasGwei {
		return block(ReasonGasPriceAboveMax)
	}
	if cfg.MaxSlippageBps > 0 && plan.MaxSlippageBps > cfg.MaxSlippageBps {
		return block(ReasonSlippageAboveMax)
	}
	if cfg.MaxDailyLossEth > 0 && in.State.DailyLossEth.GreaterThanOrEqual(decimal.NewFromFloat(cfg.MaxDailyLossEth)) {
		return block(ReasonDailyLossLimit)
	}
	if cfg.Cooldown > 0 && in.State.LastTradeAt > 0 && in.Now.Sub(in.State.LastTradeTime()) < cfg.Cooldown {
		return block(ReasonCooldownActive)
	}
	if in.ReplayHit {
		return block(ReasonReplayWindowActive)
	}
	if len(cfg.AllowedDestinations) > 0 && !destinationAllowed(cfg.AllowedDestinations, plan.To.Hex()) {
		return block(ReasonDestinationForbidden)
	}
	return Decision{Allowed: true, Status: StatusAllowed}
}

func destinationAllowed(allowed []string, to string) bool {
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimSpace(a), to) {
			return true
		}
	}
	return false
}
