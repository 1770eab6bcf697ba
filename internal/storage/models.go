package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"arb-scanner/internal/execution"
	"arb-scanner/internal/scan"
)

// ScanSummary is one archived scan cycle for one chain.
type ScanSummary struct {
	ID               int64
	CycleTS          time.Time
	ChainID          uint64
	BlockNumber      uint64
	PairsScanned     int
	Opportunities    int
	Passing          int
	ErrorCount       int
	BestPair         string
	BestBuy          string
	BestSell         string
	BestNetProfitEth decimal.Decimal
	BestScore        float64
	Report           json.RawMessage
	CreatedAt        time.Time
}

// ExecutionRecord archives one execution outcome.
type ExecutionRecord struct {
	ID             int64
	AttemptID      string
	ChainID        uint64
	OpportunityID  string
	ReportHash     string
	Status         string
	Stage          string
	Reason         string
	TxHash         string
	RealizedPnlEth *decimal.Decimal
	Error          string
	CreatedAt      time.Time
}

// SummaryFromReport 把扫描报告压缩成归档行，完整报告以 JSON 附带。
func SummaryFromReport(report *scan.Report) (ScanSummary, error) {
	raw, err := json.Marshal(report)
	if err != nil {
		return ScanSummary{}, fmt.Errorf("marshal scan report: %w", err)
	}

	sum := ScanSummary{
		CycleTS:       report.Timestamp,
		ChainID:       report.ChainID,
		BlockNumber:   report.BlockNumber,
		PairsScanned:  report.PairsScanned,
		Opportunities: len(report.Opportunities),
		ErrorCount:    len(report.Errors),
		Report:        raw,
	}
	for _, sim := range report.Simulations {
		if sim.PassesThreshold {
			sum.Passing++
		}
	}
	if best, ok := report.Best(); ok {
		sum.BestPair = best.Opportunity.Pair
		sum.BestBuy = best.Opportunity.BuyFrom
		sum.BestSell = best.Opportunity.SellTo
		sum.BestNetProfitEth = decimal.NewFromFloat(best.Simulation.NetProfitEth)
		sum.BestScore = best.Score
	}
	return sum, nil
}

// RecordFromResult maps an execution result onto an archive row.
func RecordFromResult(chainID uint64, reportHash string, res execution.SendResult) ExecutionRecord {
	return ExecutionRecord{
		AttemptID:      res.AttemptID,
		ChainID:        chainID,
		OpportunityID:  res.OpportunityID,
		ReportHash:     reportHash,
		Status:         string(res.Status),
		Stage:          string(res.Stage),
		Reason:         string(res.Reason),
		TxHash:         res.TxHash,
		RealizedPnlEth: res.RealizedPnlEth,
		Error:          res.Error,
	}
}
