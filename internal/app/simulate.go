package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/alerting"
	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/scan"
)

// SimulateOptions feed fixed prices through detection and simulation.
type SimulateOptions struct {
	ChainID uint64
	Pair    string
	// Prices maps source name to price in quote per base.
	Prices       map[string]float64
	TradeSizeEth float64
	DepthHint    float64
	Notify       bool
}

// Simulate 用给定价格跑一遍检测、模拟和排序，不访问任何 RPC。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (*scan.Report, error) {
	if len(opts.Prices) < 2 {
		return nil, errors.New("at least two --price source=value entries are required")
	}

	pair, err := a.simulatedPair(opts)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(opts.Prices))
	for name := range opts.Prices {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make([]fetcher.QuoteSource, 0, len(names))
	for _, name := range names {
		price := opts.Prices[name]
		if price <= 0 {
			return nil, fmt.Errorf("price for %s must be positive", name)
		}
		sources = append(sources, fetcher.NewMock(name, map[string]decimal.Decimal{pair.Symbol(): decimal.NewFromFloat(price)}))
	}

	sc := a.Config.Scan
	scanner := scan.New(scan.Options{}, a.Logger)
	report, err := scanner.Run(ctx, scan.Request{
		ChainID:        pair.ChainID,
		Pairs:          []fetcher.Pair{pair},
		Sources:        sources,
		MinProfitGap:   sc.MinProfitGap,
		MinProfitEth:   sc.MinProfitEth,
		GasPriceGwei:   sc.GasPriceGwei,
		GasLimit:       sc.GasLimit,
		MaxConcurrency: 1,
	})
	if err != nil {
		return nil, err
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Rank\tBuy\tSell\tGap%\tGross ETH\tGas ETH\tSlippage%\tNet ETH\tScore\tPasses\tFlags")
	for i, r := range report.Ranked {
		o, s := r.Opportunity, r.Simulation
		fmt.Fprintf(writer, "%d\t%s\t%s\t%.4f\t%.6f\t%.6f\t%.2f\t%.6f\t%.4f\t%t\t%s\n",
			i+1, o.BuyFrom, o.SellTo, o.GrossGap*100, s.GrossProfitEth, s.GasCostEth, s.SlippagePercent*100,
			s.NetProfitEth, r.Score, s.PassesThreshold, strings.Join(s.RiskFlags, ","))
	}
	writer.Flush()
	if len(report.Ranked) == 0 {
		fmt.Fprintf(a.Out, "no gap above %.4f%%\n", sc.MinProfitGap*100)
	}

	if opts.Notify {
		best, ok := report.Best()
		if !ok {
			return report, nil
		}
		notifier := a.newNotifier()
		if notifier == nil {
			return report, errors.New("未配置任何告警通道")
		}
		note := alerting.Notification{
			Kind:          alerting.KindOpportunity,
			Timestamp:     time.Now().UTC(),
			ChainID:       pair.ChainID,
			Opportunity:   &best,
			AdditionalMsg: "(simulated)",
		}
		if err := notifier.Notify(ctx, note); err != nil {
			return report, err
		}
	}
	return report, nil
}

// simulatedPair 优先使用配置中的交易对，否则按 18/6 位小数构造一个临时交易对。
func (a *App) simulatedPair(opts SimulateOptions) (fetcher.Pair, error) {
	parts := strings.Split(strings.ToUpper(opts.Pair), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fetcher.Pair{}, fmt.Errorf("pair must look like BASE/QUOTE, got %q", opts.Pair)
	}

	chainID := opts.ChainID
	if chainID == 0 && len(a.Config.Chains) > 0 {
		chainID = a.Config.Chains[0].ID
	}

	pair := fetcher.Pair{
		ChainID:            chainID,
		Base:               fetcher.Token{ChainID: chainID, Symbol: parts[0], Decimals: 18},
		Quote:              fetcher.Token{ChainID: chainID, Symbol: parts[1], Decimals: 6},
		Enabled:            true,
		TradeSizeEth:       1,
		LiquidityDepthHint: 0,
	}
	for _, p := range a.Config.Pairs {
		if p.ChainID == chainID && p.Symbol() == parts[0]+"/"+parts[1] {
			pair.TradeSizeEth = p.TradeSizeEth
			pair.LiquidityDepthHint = p.LiquidityDepthHint
			if t, ok := a.Config.Token(chainID, p.Base); ok {
				pair.Base = fetcher.Token{ChainID: chainID, Symbol: parts[0], Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
			}
			if t, ok := a.Config.Token(chainID, p.Quote); ok {
				pair.Quote = fetcher.Token{ChainID: chainID, Symbol: parts[1], Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
			}
			break
		}
	}
	if opts.TradeSizeEth > 0 {
		pair.TradeSizeEth = opts.TradeSizeEth
	}
	if opts.DepthHint > 0 {
		pair.LiquidityDepthHint = opts.DepthHint
	}
	return pair, nil
}
