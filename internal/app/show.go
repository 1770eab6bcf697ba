package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"arb-scanner/internal/storage"
)

// Show prints recent archived scans (or executions). Without a database it
// falls back to scan-latest.json.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}
	if store == nil {
		if opts.Executions {
			return fmt.Errorf("database not configured; cannot show executions")
		}
		return a.showLatestFile()
	}

	if opts.Executions {
		return a.showExecutions(ctx, store.ListRecentExecutions, opts.Limit)
	}

	scans, err := store.ListRecentScans(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(scans) == 0 {
		fmt.Fprintln(a.Out, "no scans found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChain\tBlock\tPairs\tOpps\tPassing\tErrors\tBest\tNet ETH\tScore")
	for _, s := range scans {
		best := "-"
		if s.BestPair != "" {
			best = fmt.Sprintf("%s %s->%s", s.BestPair, s.BestBuy, s.BestSell)
		}
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\t%.4f\n",
			s.CycleTS.UTC().Format(time.RFC3339),
			s.ChainID,
			s.BlockNumber,
			s.PairsScanned,
			s.Opportunities,
			s.Passing,
			s.ErrorCount,
			best,
			formatDecimal(s.BestNetProfitEth, 6),
			s.BestScore,
		)
	}
	writer.Flush()
	return nil
}

func (a *App) showLatestFile() error {
	latest, err := a.artifacts().Latest()
	if err != nil {
		return err
	}
	if latest == nil {
		fmt.Fprintln(a.Out, "no scans found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChain\tBlock\tOpps\tErrors\tBest\tNet ETH")
	for _, r := range latest.Reports {
		best, net := "-", "-"
		if b, ok := r.Best(); ok {
			best = fmt.Sprintf("%s %s->%s", b.Opportunity.Pair, b.Opportunity.BuyFrom, b.Opportunity.SellTo)
			net = fmt.Sprintf("%.6f", b.Simulation.NetProfitEth)
		}
		fmt.Fprintf(writer, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.Timestamp.UTC().Format(time.RFC3339), r.ChainID, r.BlockNumber, len(r.Opportunities), len(r.Errors), best, net)
	}
	writer.Flush()
	if latest.Execution != nil {
		fmt.Fprintf(a.Out, "execution: %s %s (stage %s)\n", latest.Execution.Status, latest.Execution.Reason, latest.Execution.Stage)
	}
	return nil
}

func (a *App) showExecutions(ctx context.Context, list func(context.Context, int) ([]storage.ExecutionRecord, error), limit int) error {
	records, err := list(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no executions found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tChain\tStatus\tStage\tReason\tTx\tPnL ETH\tError")
	for _, r := range records {
		pnl := "-"
		if r.RealizedPnlEth != nil {
			pnl = formatDecimal(*r.RealizedPnlEth, 6)
		}
		fmt.Fprintf(writer, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.UTC().Format(time.RFC3339), r.ChainID, r.Status, r.Stage, r.Reason, r.TxHash, pnl, sanitizeInline(r.Error))
	}
	writer.Flush()
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
