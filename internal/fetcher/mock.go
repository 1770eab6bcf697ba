package fetcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Mock quotes from a fixed price table keyed by pair symbol ("WETH/USDC").
type Mock struct {
	name   string
	prices map[string]decimal.Decimal
}

// NewMock builds a fixed-price source.
func NewMock(name string, prices map[string]decimal.Decimal) *Mock {
	table := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		table[strings.ToUpper(k)] = v
	}
	return &Mock{name: name, prices: table}
}

func (m *Mock) Name() string { return m.name }

// Quote returns amountIn × price regardless of block.
func (m *Mock) Quote(ctx context.Context, pair Pair, amountIn *big.Int, block uint64) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	price, ok := m.prices[strings.ToUpper(pair.Symbol())]
	if !ok || !price.IsPositive() {
		return Quote{}, fmt.Errorf("%s: no price for %s", m.name, pair.Symbol())
	}
	in := decimal.NewFromBigInt(amountIn, 0)
	out := in.Shift(-pair.Base.Decimals).Mul(price).Shift(pair.Quote.Decimals).Round(0)
	return newQuote(m.name, pair, amountIn, out.BigInt(), block, "fixed price table")
}

var _ QuoteSource = (*Mock)(nil)
