// Package scan aggregates quotes per pair, detects cross-source gaps and ranks
// them after the gas and slippage cost model.
package scan

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/redact"
)

// BlockReader resolves the current chain height.
type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Request describes one scan cycle on one chain.
type Request struct {
	ChainID        uint64
	Pairs          []fetcher.Pair
	Sources        []fetcher.QuoteSource
	MinProfitGap   float64
	MinProfitEth   float64
	GasPriceGwei   float64
	GasLimit       uint64
	MaxConcurrency int
	// BlockTag is "latest"/"" (one height read per cycle) or an explicit
	// decimal or 0x-prefixed block number.
	BlockTag string
}

// Options parameterise a Scanner.
type Options struct {
	Blocks BlockReader
	Now    func() time.Time
}

// Scanner runs scan cycles.
type Scanner struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a scanner.
func New(opts Options, logger zerolog.Logger) *Scanner {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{opts: opts, logger: logger.With().Str("component", "scanner").Logger()}
}

type pairResult struct {
	quotes []fetcher.Quote
	opps   []Opportunity
	errs   []Error
}

// Run scans every enabled pair of req.ChainID against a single block reference.
// Pair and source failures land in Report.Errors; only a failure to resolve the
// block reference or a cancelled context fails the call.
func (s *Scanner) Run(ctx context.Context, req Request) (*Report, error) {
	block, err := s.resolveBlock(ctx, req.BlockTag)
	if err != nil {
		return nil, fmt.Errorf("resolve block reference: %w", err)
	}

	pairs := make([]fetcher.Pair, 0, len(req.Pairs))
	for _, p := range req.Pairs {
		if p.Enabled && (req.ChainID == 0 || p.ChainID == req.ChainID) {
			pairs = append(pairs, p)
		}
	}

	report := &Report{
		Timestamp:     s.opts.Now().UTC(),
		ChainID:       req.ChainID,
		BlockNumber:   block,
		PairsScanned:  len(pairs),
		Quotes:        []fetcher.Quote{},
		Opportunities: []Opportunity{},
		Simulations:   []Simulation{},
		Ranked:        []Ranked{},
		Errors:        []Error{},
	}
	if len(req.Sources) < 2 {
		report.Errors = append(report.Errors, Error{Message: fmt.Sprintf("%s (have %d)", ErrTooFewSources, len(req.Sources))})
	}

	results := make([]pairResult, len(pairs))
	workers := max(1, min(req.MaxConcurrency, len(pairs)))
	var cursor atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1) - 1)
				if i >= len(pairs) {
					return nil
				}
				if err := gctx.Err(); err != nil {
					return err
				}
				results[i] = s.scanPair(gctx, req, pairs[i], block)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cost := CostModel{GasPriceGwei: req.GasPriceGwei, GasLimit: req.GasLimit, MinProfitEth: req.MinProfitEth}
	gasCost := cost.GasCostEth()
	for _, res := range results {
		report.Quotes = append(report.Quotes, res.quotes...)
		report.Errors = append(report.Errors, res.errs...)
		for _, opp := range res.opps {
			opp.NetGapEstimate = netGapEstimate(opp, gasCost)
			report.Opportunities = append(report.Opportunities, opp)
			report.Simulations = append(report.Simulations, Simulate(opp, cost))
		}
	}
	report.Ranked = Rank(report.Opportunities, report.Simulations)

	s.logger.Info().
		Uint64("chain_id", req.ChainID).
		Uint64("block", block).
		Int("pairs", len(pairs)).
		Int("opportunities", len(report.Opportunities)).
		Int("errors", len(report.Errors)).
		Msg("scan completed")

	return report, nil
}

// scanPair queries every source concurrently; completion order does not matter
// because quotes are stored by source index.
func (s *Scanner) scanPair(ctx context.Context, req Request, pair fetcher.Pair, block uint64) pairResult {
	var res pairResult
	if pair.TradeSizeEth <= 0 {
		res.errs = append(res.errs, Error{Pair: pair.Symbol(), Message: "trade size must be positive"})
		return res
	}
	amountIn := pair.AmountIn(decimal.NewFromFloat(pair.TradeSizeEth))

	quotes := make([]*fetcher.Quote, len(req.Sources))
	errs := make([]error, len(req.Sources))
	var wg sync.WaitGroup
	for i, src := range req.Sources {
		wg.Add(1)
		go func(i int, src fetcher.QuoteSource) {
			defer wg.Done()
			q, err := src.Quote(ctx, pair, amountIn, block)
			if err != nil {
				errs[i] = err
				return
			}
			quotes[i] = &q
		}(i, src)
	}
	wg.Wait()

	for i, src := range req.Sources {
		if errs[i] != nil {
			msg := redact.Message(errs[i])
			res.errs = append(res.errs, Error{Pair: pair.Symbol(), Source: src.Name(), Message: msg})
			s.logger.Warn().Str("pair", pair.Symbol()).Str("source", src.Name()).Str("reason", msg).Msg("quote failed")
			continue
		}
		res.quotes = append(res.quotes, *quotes[i])
	}

	if len(res.quotes) < 2 {
		res.errs = append(res.errs, Error{
			Pair:    pair.Symbol(),
			Message: fmt.Sprintf("skipped: %d successful quote(s), need 2", len(res.quotes)),
		})
		return res
	}

	res.opps = Detect(pair.ChainID, res.quotes, pair, req.MinProfitGap, block)
	return res
}

func (s *Scanner) resolveBlock(ctx context.Context, tag string) (uint64, error) {
	tag = strings.TrimSpace(strings.ToLower(tag))
	if tag != "" && tag != "latest" {
		if strings.HasPrefix(tag, "0x") {
			return strconv.ParseUint(tag[2:], 16, 64)
		}
		return strconv.ParseUint(tag, 10, 64)
	}
	if s.opts.Blocks == nil {
		return 0, nil
	}
	return s.opts.Blocks.BlockNumber(ctx)
}
