package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Token 描述链上 ERC-20 代币。
type Token struct {
	ChainID  uint64
	Symbol   string
	Address  common.Address
	Decimals int32
}

// Pair is a static catalog entry. LiquidityDepthHint approximates depth in base
// units and only feeds slippage estimation.
type Pair struct {
	ChainID            uint64
	Base               Token
	Quote              Token
	Enabled            bool
	TradeSizeEth       float64
	LiquidityDepthHint float64
}

// Symbol returns "BASE/QUOTE".
func (p Pair) Symbol() string {
	return p.Base.Symbol + "/" + p.Quote.Symbol
}

// AmountIn converts a human trade size into base-token atoms.
func (p Pair) AmountIn(size decimal.Decimal) *big.Int {
	return size.Shift(p.Base.Decimals).Round(0).BigInt()
}

// Quote is one source's price for a pair in one scan cycle.
type Quote struct {
	Source      string          `json:"source"`
	Pair        string          `json:"pair"`
	ChainID     uint64          `json:"chainId"`
	AmountIn    decimal.Decimal `json:"amountIn"`
	AmountOut   decimal.Decimal `json:"amountOut"`
	Price       decimal.Decimal `json:"price"`
	BlockNumber uint64          `json:"blockNumber"`
	Timestamp   time.Time       `json:"timestamp"`
	Notes       string          `json:"notes,omitempty"`
}

// QuoteSource prices a swap of amountIn base atoms on pair as of block
// (0 = latest). Implementations must be safe for concurrent use.
type QuoteSource interface {
	Name() string
	Quote(ctx context.Context, pair Pair, amountIn *big.Int, block uint64) (Quote, error)
}

// ContractCaller is the read-only slice of an RPC connection the on-chain sources need.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// newQuote 根据原子单位计算人类可读的数量与价格。
func newQuote(source string, pair Pair, amountIn, amountOut *big.Int, block uint64, notes string) (Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%s: amount in must be positive", source)
	}
	if amountOut == nil || amountOut.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%s: %s returned zero output", source, pair.Symbol())
	}
	in := decimal.NewFromBigInt(amountIn, -pair.Base.Decimals)
	out := decimal.NewFromBigInt(amountOut, -pair.Quote.Decimals)
	return Quote{
		Source:      source,
		Pair:        pair.Symbol(),
		ChainID:     pair.ChainID,
		AmountIn:    in,
		AmountOut:   out,
		Price:       out.DivRound(in, 18),
		BlockNumber: block,
		Timestamp:   time.Now().UTC(),
		Notes:       notes,
	}, nil
}

func blockArg(block uint64) *big.Int {
	if block == 0 {
		return nil
	}
	return new(big.Int).SetUint64(block)
}
