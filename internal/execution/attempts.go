package execution

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the externally reported outcome of an execution attempt.
type Status string

const (
	StatusAllowed   Status = "allowed"
	StatusDisabled  Status = "disabled"
	StatusBlocked   Status = "blocked"
	StatusSimFailed Status = "sim_failed"
	StatusSent      Status = "sent"
	StatusError     Status = "error"
)

// Stage is a step of one attempt. Stages only move forward:
// evaluated -> blocked, or evaluated -> simulated -> submitting -> sent -> confirmed|error,
// or simulated -> sim_failed.
type Stage string

const (
	StageEvaluated  Stage = "evaluated"
	StageBlocked    Stage = "blocked"
	StageSimulated  Stage = "simulated"
	StageSimFailed  Stage = "sim_failed"
	StageSubmitting Stage = "submitting"
	StageSent       Stage = "sent"
	StageConfirmed  Stage = "confirmed"
	StageError      Stage = "error"
)

// Attempt is one line of attempts.jsonl.
type Attempt struct {
	ID            string     `json:"id"`
	TimestampMs   int64      `json:"ts"`
	Stage         Stage      `json:"stage"`
	Status        Status     `json:"status,omitempty"`
	Reason        ReasonCode `json:"reason,omitempty"`
	ChainID       uint64     `json:"chainId"`
	ReportHash    string     `json:"reportHash"`
	OpportunityID string     `json:"opportunityId"`
	Nonce         *uint64    `json:"nonce,omitempty"`
	TxHash        string     `json:"txHash,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// TxLogEntry is one line of txlog.jsonl.
type TxLogEntry struct {
	TimestampMs    int64            `json:"ts"`
	AttemptID      string           `json:"attemptId"`
	ChainID        uint64           `json:"chainId"`
	TxHash         string           `json:"txHash,omitempty"`
	Nonce          uint64           `json:"nonce"`
	Status         Status           `json:"status"`
	Stage          Stage            `json:"stage"`
	GasUsed        uint64           `json:"gasUsed,omitempty"`
	GasCostEth     *decimal.Decimal `json:"gasCostEth,omitempty"`
	RealizedPnlEth *decimal.Decimal `json:"realizedPnlEth,omitempty"`
	Error          string           `json:"error,omitempty"`
}

type attemptLog struct {
	path  string
	txlog string
}

func newAttemptLog(dir string) *attemptLog {
	return &attemptLog{path: filepath.Join(dir, AttemptsFile), txlog: filepath.Join(dir, TxLogFile)}
}

func newAttemptID() string {
	return uuid.NewString()
}

func (l *attemptLog) append(a Attempt) error {
	return appendJSONL(l.path, a)
}

func (l *attemptLog) appendTx(e TxLogEntry) error {
	return appendJSONL(l.txlog, e)
}

func (l *attemptLog) list() ([]Attempt, error) {
	return readJSONL[Attempt](l.path)
}

// recentSubmission scans backward for a write-ahead submission of the same
// (reportHash, opportunityID) newer than window. The log is chronological, so
// the scan stops at the first record outside the window.
func (l *attemptLog) recentSubmission(reportHash, opportunityID string, window time.Duration, now time.Time) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	attempts, err := l.list()
	if err != nil {
		return false, err
	}
	cutoff := now.Add(-window).UnixMilli()
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.TimestampMs < cutoff {
			break
		}
		if a.Stage == StageSubmitting && a.ReportHash == reportHash && a.OpportunityID == opportunityID {
			return true, nil
		}
	}
	return false, nil
}
