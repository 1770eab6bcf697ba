package service

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/config"
	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/retry"
	"arb-scanner/internal/version"
)

// SourceFactory builds a chain's quote sources on top of the connection chosen
// for this cycle.
type SourceFactory func(caller fetcher.ContractCaller) ([]fetcher.QuoteSource, error)

// Pairs resolves the chain's pair catalog narrowed by profile.
func Pairs(cfg *config.Config, chainID uint64, profile config.ProfileConfig) ([]fetcher.Pair, error) {
	entries := cfg.PairsFor(chainID, profile)
	out := make([]fetcher.Pair, 0, len(entries))
	for _, p := range entries {
		base, ok := cfg.Token(chainID, p.Base)
		if !ok {
			return nil, fmt.Errorf("pair %s: unknown token %s on chain %d", p.Symbol(), p.Base, chainID)
		}
		quote, ok := cfg.Token(chainID, p.Quote)
		if !ok {
			return nil, fmt.Errorf("pair %s: unknown token %s on chain %d", p.Symbol(), p.Quote, chainID)
		}
		out = append(out, fetcher.Pair{
			ChainID:            chainID,
			Base:               token(base),
			Quote:              token(quote),
			Enabled:            p.Enabled,
			TradeSizeEth:       p.TradeSizeEth,
			LiquidityDepthHint: p.LiquidityDepthHint,
		})
	}
	return out, nil
}

func token(t config.TokenConfig) fetcher.Token {
	return fetcher.Token{
		ChainID:  t.ChainID,
		Symbol:   strings.ToUpper(t.Symbol),
		Address:  common.HexToAddress(t.Address),
		Decimals: t.Decimals,
	}
}

// PairIndex keys pairs by symbol for plan building.
func PairIndex(pairs []fetcher.Pair) map[string]fetcher.Pair {
	out := make(map[string]fetcher.Pair, len(pairs))
	for _, p := range pairs {
		out[p.Symbol()] = p
	}
	return out
}

// Venues maps source name to the address the executor contract trades through.
// Off-chain sources (cow, mock) without a venue are left out.
func Venues(sources []config.SourceConfig) map[string]common.Address {
	out := make(map[string]common.Address, len(sources))
	for _, s := range sources {
		if addr, ok := s.VenueAddress(); ok {
			out[s.Name] = addr
		}
	}
	return out
}

// NewSourceFactory returns the factory for a chain's configured sources.
func NewSourceFactory(sources []config.SourceConfig, policy retry.Policy, logger zerolog.Logger) SourceFactory {
	return func(caller fetcher.ContractCaller) ([]fetcher.QuoteSource, error) {
		out := make([]fetcher.QuoteSource, 0, len(sources))
		for _, s := range sources {
			src, err := buildSource(s, caller, policy, logger)
			if err != nil {
				return nil, err
			}
			out = append(out, src)
		}
		return out, nil
	}
}

func buildSource(s config.SourceConfig, caller fetcher.ContractCaller, policy retry.Policy, logger zerolog.Logger) (fetcher.QuoteSource, error) {
	switch s.Kind {
	case config.SourceMock:
		prices := make(map[string]decimal.Decimal, len(s.Prices))
		for pair, price := range s.Prices {
			prices[pair] = decimal.NewFromFloat(price)
		}
		return fetcher.NewMock(s.Name, prices), nil
	case config.SourceV2:
		return fetcher.NewV2(fetcher.V2Options{Name: s.Name, Router: s.Router}, caller, logger)
	case config.SourceV3:
		return fetcher.NewV3(fetcher.V3Options{Name: s.Name, Quoter: s.Quoter, FeeTier: s.FeeTier}, caller, logger)
	case config.SourceCow:
		return fetcher.NewCow(fetcher.CowOptions{
			Name:         s.Name,
			BaseURL:      s.BaseURL,
			PriceQuality: s.PriceQuality,
			Timeout:      s.Timeout,
			UserAgent:    version.UserAgent(),
			Policy:       policy,
		}, logger), nil
	default:
		return nil, fmt.Errorf("source %s: unsupported kind %q", s.Name, s.Kind)
	}
}
