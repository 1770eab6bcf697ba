package execution

import (
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// PolicyState is the persisted risk ledger. PnL accumulators reset at the UTC
// date boundary; failure counters and last-trade pointers carry over.
type PolicyState struct {
	Date                string          `json:"date"`
	DailyPnlEth         decimal.Decimal `json:"dailyPnlEth"`
	DailyLossEth        decimal.Decimal `json:"dailyLossEth"`
	LastTradeAt         int64           `json:"lastTradeAt,omitempty"`
	LastTxHash          string          `json:"lastTxHash,omitempty"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
}

// Rollover resets the daily accumulators when now falls on a new UTC date.
// It reports whether anything changed.
func (s *PolicyState) Rollover(now time.Time) bool {
	today := now.UTC().Format(dateLayout)
	if s.Date == today {
		return false
	}
	s.Date = today
	s.DailyPnlEth = decimal.Zero
	s.DailyLossEth = decimal.Zero
	return true
}

// RecordPnL adds realized to the daily PnL. Losses only ever grow the loss accumulator.
func (s *PolicyState) RecordPnL(realized decimal.Decimal) {
	s.DailyPnlEth = s.DailyPnlEth.Add(realized)
	if realized.IsNegative() {
		s.DailyLossEth = s.DailyLossEth.Add(realized.Neg())
	}
}

// LastTradeTime converts LastTradeAt (unix ms) to a time.
func (s PolicyState) LastTradeTime() time.Time {
	if s.LastTradeAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.LastTradeAt).UTC()
}

type stateStore struct {
	path string
}

func newStateStore(dir string) *stateStore {
	return &stateStore{path: filepath.Join(dir, StateFile)}
}

// load returns the persisted state, rolled over to now.
func (s *stateStore) load(now time.Time) (PolicyState, bool, error) {
	var st PolicyState
	if _, err := ReadJSON(s.path, &st); err != nil {
		return PolicyState{}, false, err
	}
	changed := st.Rollover(now)
	return st, changed, nil
}

func (s *stateStore) save(st PolicyState) error {
	return WriteJSONAtomic(s.path, st)
}
