package execution

import (
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

// PendingTx is a submitted transaction without an observed receipt.
type PendingTx struct {
	TxHash               string          `json:"txHash"`
	ChainID              uint64          `json:"chainId"`
	ReportHash           string          `json:"reportHash"`
	OpportunityID        string          `json:"opportunityId"`
	AttemptID            string          `json:"attemptId"`
	To                   string          `json:"to"`
	Nonce                uint64          `json:"nonce"`
	GasPriceWei          string          `json:"gasPriceWei"`
	ExpectedNetProfitEth decimal.Decimal `json:"expectedNetProfitEth"`
	ExpectedGasCostEth   decimal.Decimal `json:"expectedGasCostEth"`
	SentAtMs             int64           `json:"sentAtMs"`
	StuckAlertedAtMs     int64           `json:"stuckAlertedAtMs,omitempty"`
}

// StuckCheck is the outcome of one watchdog pass.
type StuckCheck struct {
	Triggered bool        `json:"triggered"`
	Stuck     []PendingTx `json:"stuck"`
}

// CheckStuck flags every record older than timeout that has not been flagged
// yet. Flagged records stay in the slice (mutated in place); a record is never
// flagged twice.
func CheckStuck(records []PendingTx, now time.Time, timeout time.Duration) StuckCheck {
	res := StuckCheck{Stuck: []PendingTx{}}
	if timeout <= 0 {
		return res
	}
	nowMs := now.UnixMilli()
	for i := range records {
		r := &records[i]
		if r.StuckAlertedAtMs != 0 {
			continue
		}
		if nowMs-r.SentAtMs > timeout.Milliseconds() {
			r.StuckAlertedAtMs = nowMs
			res.Stuck = append(res.Stuck, *r)
		}
	}
	res.Triggered = len(res.Stuck) > 0
	return res
}

type pendingStore struct {
	path string
}

func newPendingStore(dir string) *pendingStore {
	return &pendingStore{path: filepath.Join(dir, PendingFile)}
}

func (s *pendingStore) list() ([]PendingTx, error) {
	var records []PendingTx
	if _, err := ReadJSON(s.path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *pendingStore) save(records []PendingTx) error {
	if records == nil {
		records = []PendingTx{}
	}
	return WriteJSONAtomic(s.path, records)
}

func (s *pendingStore) add(rec PendingTx) error {
	records, err := s.list()
	if err != nil {
		return err
	}
	return s.save(append(records, rec))
}

func (s *pendingStore) remove(txHash string) error {
	records, err := s.list()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if r.TxHash != txHash {
			kept = append(kept, r)
		}
	}
	return s.save(kept)
}
