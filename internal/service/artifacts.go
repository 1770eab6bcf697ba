package service

import (
	"path/filepath"
	"time"

	"arb-scanner/internal/execution"
	"arb-scanner/internal/rpc"
	"arb-scanner/internal/scan"
)

// Files written under the reports root every cycle.
const (
	HealthFile     = "health.json"
	LatestScanFile = "scan-latest.json"
	ExecutionDir   = "execution"
)

// ChainHealth is the RPC view of one chain during a cycle.
type ChainHealth struct {
	ChainID     uint64             `json:"chainId"`
	Name        string             `json:"name"`
	OK          bool               `json:"ok"`
	Selected    string             `json:"selected,omitempty"`
	BlockNumber uint64             `json:"blockNumber,omitempty"`
	Error       string             `json:"error,omitempty"`
	Endpoints   []rpc.HealthRecord `json:"endpoints"`
}

// HealthSnapshot is written every cycle, including cycles that fail entirely,
// so an operator can always see why the last cycle went wrong.
type HealthSnapshot struct {
	Timestamp time.Time     `json:"ts"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
	Chains    []ChainHealth `json:"chains"`
}

// CycleReport bundles the scan reports of one cycle.
type CycleReport struct {
	Timestamp time.Time             `json:"ts"`
	Bucket    time.Time             `json:"bucket"`
	Reports   []*scan.Report        `json:"reports"`
	Execution *execution.SendResult `json:"execution,omitempty"`
	Tick      *execution.TickResult `json:"tick,omitempty"`
}

// Artifacts reads and writes the cycle files under a reports root.
type Artifacts struct {
	dir string
}

// NewArtifacts roots artifact files at dir.
func NewArtifacts(dir string) *Artifacts {
	return &Artifacts{dir: dir}
}

// Dir returns the reports root.
func (a *Artifacts) Dir() string { return a.dir }

// ExecutionDir is where the execution engine keeps its state files.
func (a *Artifacts) ExecutionDir() string { return filepath.Join(a.dir, ExecutionDir) }

// WriteHealth atomically replaces health.json.
func (a *Artifacts) WriteHealth(snap HealthSnapshot) error {
	return execution.WriteJSONAtomic(filepath.Join(a.dir, HealthFile), snap)
}

// WriteLatest atomically replaces scan-latest.json.
func (a *Artifacts) WriteLatest(report CycleReport) error {
	return execution.WriteJSONAtomic(filepath.Join(a.dir, LatestScanFile), report)
}

// Health reads health.json; (nil, nil) when it does not exist yet.
func (a *Artifacts) Health() (*HealthSnapshot, error) {
	var snap HealthSnapshot
	ok, err := execution.ReadJSON(filepath.Join(a.dir, HealthFile), &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// Latest reads scan-latest.json; (nil, nil) when it does not exist yet.
func (a *Artifacts) Latest() (*CycleReport, error) {
	var report CycleReport
	ok, err := execution.ReadJSON(filepath.Join(a.dir, LatestScanFile), &report)
	if err != nil || !ok {
		return nil, err
	}
	return &report, nil
}
