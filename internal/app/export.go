package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"arb-scanner/internal/storage"
)

// Export renders archived scan summaries as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.ActiveProfile().Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	scans, err := store.ListScansBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(scans) == 0 {
		a.Logger.Info().Msg("no scans found for export window")
		return nil
	}

	downsampled := downsampleScans(scans, opts.MaxPoints)
	a.Logger.Info().Int("total", len(scans)).Int("exported", len(downsampled)).Msg("exporting scans")

	if opts.CSVPath != "" {
		if err := writeScansCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeScansPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleScans(scans []storage.ScanSummary, max int) []storage.ScanSummary {
	if max <= 0 || len(scans) <= max {
		return scans
	}
	if max == 1 {
		return scans[len(scans)-1:]
	}

	result := make([]storage.ScanSummary, 0, max)
	step := float64(len(scans)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(scans) {
			idx = len(scans) - 1
		}
		result = append(result, scans[idx])
	}
	return result
}

func writeScansCSV(path string, scans []storage.ScanSummary) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"cycle_ts", "chain_id", "block_number", "pairs_scanned", "opportunities", "passing", "errors", "best_pair", "best_buy", "best_sell", "best_net_profit_eth", "best_score"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range scans {
		record := []string{
			s.CycleTS.UTC().Format(time.RFC3339),
			strconv.FormatUint(s.ChainID, 10),
			strconv.FormatUint(s.BlockNumber, 10),
			strconv.Itoa(s.PairsScanned),
			strconv.Itoa(s.Opportunities),
			strconv.Itoa(s.Passing),
			strconv.Itoa(s.ErrorCount),
			s.BestPair,
			s.BestBuy,
			s.BestSell,
			s.BestNetProfitEth.String(),
			strconv.FormatFloat(s.BestScore, 'f', 6, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writeScansPNG 每条链一条净利润曲线，机会数量画在副轴。
func writeScansPNG(path string, scans []storage.ScanSummary) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	type series struct {
		x      []time.Time
		profit []float64
		opps   []float64
	}
	byChain := make(map[uint64]*series)
	var order []uint64
	for _, s := range scans {
		cs, ok := byChain[s.ChainID]
		if !ok {
			cs = &series{}
			byChain[s.ChainID] = cs
			order = append(order, s.ChainID)
		}
		cs.x = append(cs.x, s.CycleTS)
		cs.profit = append(cs.profit, s.BestNetProfitEth.InexactFloat64())
		cs.opps = append(cs.opps, float64(s.Opportunities))
	}

	var all []chart.Series
	for _, id := range order {
		cs := byChain[id]
		// go-chart 需要至少两个点才能画线。
		if len(cs.x) < 2 {
			continue
		}
		label := strconv.FormatUint(id, 10)
		all = append(all,
			chart.TimeSeries{Name: "Best net ETH (chain " + label + ")", XValues: cs.x, YValues: cs.profit},
			chart.TimeSeries{Name: "Opportunities (chain " + label + ")", XValues: cs.x, YValues: cs.opps, YAxis: chart.YAxisSecondary},
		)
	}
	if len(all) == 0 {
		return errors.New("not enough data points to render a chart")
	}

	profitFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Best net profit (ETH)",
			ValueFormatter: profitFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name: "Opportunities",
		},
		Series: all,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
