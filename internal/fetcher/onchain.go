package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	v2RouterABIJSON = `[{"inputs":[{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"address[]","name":"path","type":"address[]"}],"name":"getAmountsOut","outputs":[{"internalType":"uint256[]","name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"}]`

	v3QuoterABIJSON = `[{"inputs":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],"name":"quoteExactInputSingle","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],"stateMutability":"nonpayable","type":"function"}]`
)

var (
	v2RouterABI abi.ABI
	v3QuoterABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(v2RouterABIJSON))
	if err != nil {
		panic("failed to parse V2 router ABI: " + err.Error())
	}
	v2RouterABI = parsed

	parsed, err = abi.JSON(strings.NewReader(v3QuoterABIJSON))
	if err != nil {
		panic("failed to parse V3 quoter ABI: " + err.Error())
	}
	v3QuoterABI = parsed
}

// V2Options parameterise a constant-product router source.
type V2Options struct {
	Name   string
	Router string
}

// V2 prices swaps through a Uniswap V2 style router's getAmountsOut.
type V2 struct {
	opts   V2Options
	router common.Address
	caller ContractCaller
	logger zerolog.Logger
}

// NewV2 builds a V2 router source.
func NewV2(opts V2Options, caller ContractCaller, logger zerolog.Logger) (*V2, error) {
	if !common.IsHexAddress(opts.Router) {
		return nil, fmt.Errorf("source %s: invalid router address", opts.Name)
	}
	if caller == nil {
		return nil, fmt.Errorf("source %s: contract caller required", opts.Name)
	}
	return &V2{
		opts:   opts,
		router: common.HexToAddress(opts.Router),
		caller: caller,
		logger: logger.With().Str("component", "v2_source").Str("source", opts.Name).Logger(),
	}, nil
}

func (s *V2) Name() string { return s.opts.Name }

// Quote calls getAmountsOut(amountIn, [base, quote]) at block.
func (s *V2) Quote(ctx context.Context, pair Pair, amountIn *big.Int, block uint64) (Quote, error) {
	path := []common.Address{pair.Base.Address, pair.Quote.Address}
	payload, err := v2RouterABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return Quote{}, err
	}

	res, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.router, Data: payload}, blockArg(block))
	if err != nil {
		return Quote{}, fmt.Errorf("%s getAmountsOut %s: %w", s.opts.Name, pair.Symbol(), err)
	}

	outputs, err := v2RouterABI.Unpack("getAmountsOut", res)
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 1 {
		return Quote{}, errors.New("unexpected getAmountsOut response")
	}
	amounts, ok := outputs[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return Quote{}, errors.New("failed to decode getAmountsOut output")
	}

	q, err := newQuote(s.opts.Name, pair, amountIn, amounts[len(amounts)-1], block, "v2 router")
	if err != nil {
		return Quote{}, err
	}
	s.logger.Debug().Str("pair", q.Pair).Str("price", q.Price.String()).Uint64("block", block).Msg("v2 quote")
	return q, nil
}

// V3Options parameterise a concentrated-liquidity quoter source.
type V3Options struct {
	Name    string
	Quoter  string
	FeeTier uint32
}

// V3 prices swaps through a Uniswap V3 Quoter's quoteExactInputSingle, invoked via eth_call.
type V3 struct {
	opts   V3Options
	quoter common.Address
	caller ContractCaller
	logger zerolog.Logger
}

// NewV3 builds a V3 quoter source. FeeTier defaults to 3000 (0.3%).
func NewV3(opts V3Options, caller ContractCaller, logger zerolog.Logger) (*V3, error) {
	if !common.IsHexAddress(opts.Quoter) {
		return nil, fmt.Errorf("source %s: invalid quoter address", opts.Name)
	}
	if caller == nil {
		return nil, fmt.Errorf("source %s: contract caller required", opts.Name)
	}
	if opts.FeeTier == 0 {
		opts.FeeTier = 3000
	}
	return &V3{
		opts:   opts,
		quoter: common.HexToAddress(opts.Quoter),
		caller: caller,
		logger: logger.With().Str("component", "v3_source").Str("source", opts.Name).Logger(),
	}, nil
}

func (s *V3) Name() string { return s.opts.Name }

// Quote calls quoteExactInputSingle with no price limit.
func (s *V3) Quote(ctx context.Context, pair Pair, amountIn *big.Int, block uint64) (Quote, error) {
	fee := new(big.Int).SetUint64(uint64(s.opts.FeeTier))
	payload, err := v3QuoterABI.Pack("quoteExactInputSingle",
		pair.Base.Address, pair.Quote.Address, fee, amountIn, big.NewInt(0))
	if err != nil {
		return Quote{}, err
	}

	res, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &s.quoter, Data: payload}, blockArg(block))
	if err != nil {
		return Quote{}, fmt.Errorf("%s quoteExactInputSingle %s: %w", s.opts.Name, pair.Symbol(), err)
	}

	outputs, err := v3QuoterABI.Unpack("quoteExactInputSingle", res)
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 1 {
		return Quote{}, errors.New("unexpected quoteExactInputSingle response")
	}
	amountOut, ok := outputs[0].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode quoteExactInputSingle output")
	}

	q, err := newQuote(s.opts.Name, pair, amountIn, amountOut, block, fmt.Sprintf("v3 quoter fee=%d", s.opts.FeeTier))
	if err != nil {
		return Quote{}, err
	}
	s.logger.Debug().Str("pair", q.Pair).Str("price", q.Price.String()).Uint64("block", block).Msg("v3 quote")
	return q, nil
}

var (
	_ QuoteSource = (*V2)(nil)
	_ QuoteSource = (*V3)(nil)
)
