package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"arb-scanner/internal/alerting"
	"arb-scanner/internal/execution"
	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/metrics"
	"arb-scanner/internal/publish"
	"arb-scanner/internal/redact"
	"arb-scanner/internal/rpc"
	"arb-scanner/internal/scan"
	"arb-scanner/internal/scheduler"
	"arb-scanner/internal/storage"
)

// ErrNoReports is returned when no chain produced a scan report in a cycle.
var ErrNoReports = errors.New("no chain produced a scan report")

// Providers is the slice of rpc.Manager the service drives.
type Providers interface {
	GetBestProvider(ctx context.Context) (*rpc.Provider, error)
	CheckAllHealth(ctx context.Context) []rpc.HealthRecord
	Recycle()
}

// Chain is one scanned chain.
type Chain struct {
	ID        uint64
	Name      string
	Providers Providers
	Pairs     []fetcher.Pair
	Sources   SourceFactory
	// Venues 仅执行链需要。
	Venues map[string]common.Address
}

// ScanParams are the per-cycle scan thresholds shared by every chain.
type ScanParams struct {
	MinProfitGap   float64
	MinProfitEth   float64
	GasPriceGwei   float64
	GasLimit       uint64
	MaxConcurrency int
	BlockTag       string
}

// Options wire the service's collaborators. Everything except Chains and
// Artifacts is optional.
type Options struct {
	Chains    []Chain
	Scan      ScanParams
	Artifacts *Artifacts
	Scheduler *scheduler.Scheduler
	// Watchdog 仅用于导出连续失败次数指标。
	Watchdog *scheduler.Watchdog

	Engine      *execution.Engine
	ExecChainID uint64
	Executor    common.Address

	Archive     storage.ScanArchive
	ExecArchive storage.ExecutionArchive
	Locker      storage.AdvisoryLocker
	LockKey     int64
	Publisher   publish.Publisher

	Notifier      alerting.Notifier
	AlertsOn      bool
	AlertMinScore float64

	Now func() time.Time
}

// Service runs scan cycles across chains and feeds their results to
// persistence, publication, alerting and execution.
type Service struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs the scanning service.
func New(opts Options, logger zerolog.Logger) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Locker == nil {
		if l, ok := opts.Archive.(storage.AdvisoryLocker); ok {
			opts.Locker = l
		}
	}
	return &Service{opts: opts, logger: logger.With().Str("component", "service").Logger()}
}

// Run begins the operator loop.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.opts.Scheduler.Run(ctx, func(ctx context.Context, bucket time.Time) error {
		err := s.ProcessBucket(ctx, bucket)
		if wd := s.opts.Watchdog; wd != nil {
			// watchdog 在周期返回后才记账，这里提前反映本次结果。
			if err != nil {
				metrics.ConsecutiveFailures.Set(float64(wd.Failures() + 1))
			} else {
				metrics.ConsecutiveFailures.Set(0)
			}
		}
		return err
	})
}

// ProcessBucket 执行一个调度周期：扫描、落盘、告警、执行。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		metrics.CyclesTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := time.Now()
	_, err = s.Cycle(ctx, bucket, true)
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CyclesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.CyclesTotal.WithLabelValues("ok").Inc()
	return nil
}

// ScanOnce runs a single scan cycle without executing or polling receipts.
func (s *Service) ScanOnce(ctx context.Context) (*CycleReport, error) {
	return s.Cycle(ctx, s.opts.Now(), false)
}

// Recycle drops every chain's connections and health cache.
func (s *Service) Recycle() {
	for _, c := range s.opts.Chains {
		c.Providers.Recycle()
	}
	s.logger.Warn().Int("chains", len(s.opts.Chains)).Msg("rpc pools recycled")
}

// CheckHealth probes every endpoint of every chain.
func (s *Service) CheckHealth(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{Timestamp: s.opts.Now(), Chains: make([]ChainHealth, len(s.opts.Chains))}
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range s.opts.Chains {
		g.Go(func() error {
			records := c.Providers.CheckAllHealth(gctx)
			metrics.ObserveHealth(c.ID, records)
			ch := ChainHealth{ChainID: c.ID, Name: c.Name, Endpoints: records}
			for _, r := range records {
				if r.OK {
					ch.OK = true
					if r.BlockNumber > ch.BlockNumber {
						ch.BlockNumber = r.BlockNumber
					}
				}
			}
			if !ch.OK {
				ch.Error = rpc.ErrNoHealthyEndpoint.Error()
			}
			snap.Chains[i] = ch
			return nil
		})
	}
	_ = g.Wait()
	snap.OK = len(snap.Chains) > 0
	for _, ch := range snap.Chains {
		snap.OK = snap.OK && ch.OK
	}
	return snap
}

type chainOutcome struct {
	health ChainHealth
	report *scan.Report
	conn   *rpc.Conn
}

// Cycle scans every chain once. health.json is written whatever the outcome;
// scan-latest.json only when at least one chain produced a report. With execute
// set, the best passing opportunity on the execution chain is handed to the
// engine and pending transactions are polled.
func (s *Service) Cycle(ctx context.Context, bucket time.Time, execute bool) (*CycleReport, error) {
	outcomes := make([]chainOutcome, len(s.opts.Chains))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range s.opts.Chains {
		g.Go(func() error {
			outcomes[i] = s.scanChain(gctx, c, s.opts.Scan.BlockTag)
			return nil
		})
	}
	_ = g.Wait()

	now := s.opts.Now()
	snap := HealthSnapshot{Timestamp: now, Chains: make([]ChainHealth, 0, len(outcomes))}
	cycle := &CycleReport{Timestamp: now, Bucket: bucket, Reports: []*scan.Report{}}
	var failures []string
	for _, o := range outcomes {
		snap.Chains = append(snap.Chains, o.health)
		if o.report != nil {
			cycle.Reports = append(cycle.Reports, o.report)
		} else {
			failures = append(failures, fmt.Sprintf("chain %d: %s", o.health.ChainID, o.health.Error))
		}
	}
	snap.OK = len(cycle.Reports) > 0
	if !snap.OK {
		snap.Error = ErrNoReports.Error()
		if len(failures) > 0 {
			snap.Error += ": " + strings.Join(failures, "; ")
		}
	}
	if err := s.opts.Artifacts.WriteHealth(snap); err != nil {
		s.logger.Error().Err(err).Msg("failed to write health snapshot")
	}
	if !snap.OK {
		// 卡单检查不依赖 RPC，扫描全部失败时照常执行。
		if execute {
			s.tick(ctx, now)
		}
		return nil, errors.New(snap.Error)
	}

	for _, report := range cycle.Reports {
		s.handleReport(ctx, report, now)
	}

	if execute {
		for _, o := range outcomes {
			if o.report != nil && o.report.ChainID == s.opts.ExecChainID {
				cycle.Execution = s.executeBest(ctx, o.report, s.chainByID(o.report.ChainID), o.conn)
			}
		}
		cycle.Tick = s.tick(ctx, now)
	}

	if err := s.opts.Artifacts.WriteLatest(*cycle); err != nil {
		s.logger.Error().Err(err).Msg("failed to write latest scan report")
	}
	return cycle, nil
}

// ScanAt scans one chain pinned to a historical block and archives the
// summary. Nothing is published, alerted or executed.
func (s *Service) ScanAt(ctx context.Context, chainID, block uint64) (*scan.Report, error) {
	c, ok := s.chain(chainID)
	if !ok {
		return nil, fmt.Errorf("chain %d not configured", chainID)
	}
	out := s.scanChain(ctx, c, strconv.FormatUint(block, 10))
	if out.report == nil {
		return nil, fmt.Errorf("scan chain %d at block %d: %s", chainID, block, out.health.Error)
	}
	if s.opts.Archive != nil {
		summary, err := storage.SummaryFromReport(out.report)
		if err != nil {
			return out.report, err
		}
		if _, err := s.opts.Archive.InsertScanSummary(ctx, summary); err != nil {
			return out.report, fmt.Errorf("archive block %d: %w", block, err)
		}
	}
	return out.report, nil
}

func (s *Service) chain(id uint64) (Chain, bool) {
	for _, c := range s.opts.Chains {
		if c.ID == id {
			return c, true
		}
	}
	return Chain{}, false
}

func (s *Service) chainByID(id uint64) Chain {
	c, _ := s.chain(id)
	return c
}

func (s *Service) scanChain(ctx context.Context, c Chain, blockTag string) chainOutcome {
	out := chainOutcome{health: ChainHealth{ChainID: c.ID, Name: c.Name}}
	logger := s.logger.With().Uint64("chain_id", c.ID).Logger()

	provider, err := c.Providers.GetBestProvider(ctx)
	if err != nil {
		out.health.Error = redact.Message(err)
		out.health.Endpoints = c.Providers.CheckAllHealth(ctx)
		metrics.ObserveHealth(c.ID, out.health.Endpoints)
		logger.Error().Err(err).Msg("no usable rpc endpoint")
		return out
	}
	out.health.Endpoints = provider.AllHealth
	out.health.Selected = provider.Endpoint.Name
	out.health.BlockNumber = provider.Health.BlockNumber
	out.health.OK = true
	out.conn = provider.Conn
	metrics.ObserveHealth(c.ID, provider.AllHealth)

	sources, err := c.Sources(provider.Conn)
	if err != nil {
		out.health.Error = redact.Message(err)
		logger.Error().Err(err).Msg("failed to build quote sources")
		return out
	}

	scanner := scan.New(scan.Options{Blocks: provider.Conn, Now: s.opts.Now}, s.logger)
	report, err := scanner.Run(ctx, scan.Request{
		ChainID:        c.ID,
		Pairs:          c.Pairs,
		Sources:        sources,
		MinProfitGap:   s.opts.Scan.MinProfitGap,
		MinProfitEth:   s.opts.Scan.MinProfitEth,
		GasPriceGwei:   s.opts.Scan.GasPriceGwei,
		GasLimit:       s.opts.Scan.GasLimit,
		MaxConcurrency: s.opts.Scan.MaxConcurrency,
		BlockTag:       blockTag,
	})
	if err != nil {
		out.health.Error = redact.Message(err)
		logger.Error().Err(err).Str("endpoint", provider.Endpoint.Name).Msg("scan failed")
		return out
	}
	out.report = report

	event := logger.Info().
		Uint64("block", report.BlockNumber).
		Int("pairs", report.PairsScanned).
		Int("opportunities", len(report.Opportunities)).
		Int("errors", len(report.Errors))
	if best, ok := report.Best(); ok {
		event = event.Str("best_pair", best.Opportunity.Pair).Float64("best_net_eth", best.Simulation.NetProfitEth)
	}
	event.Msg("scan complete")
	return out
}

func (s *Service) handleReport(ctx context.Context, report *scan.Report, now time.Time) {
	metrics.ObserveReport(report)

	if s.opts.Archive != nil {
		summary, err := storage.SummaryFromReport(report)
		if err != nil {
			s.logger.Error().Err(err).Uint64("chain_id", report.ChainID).Msg("failed to summarise report")
		} else if _, err := s.opts.Archive.InsertScanSummary(ctx, summary); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
			s.logger.Error().Err(err).Uint64("chain_id", report.ChainID).Msg("failed to archive scan report")
		}
	}

	if s.opts.Publisher != nil {
		if err := s.opts.Publisher.Publish(ctx, report); err != nil {
			s.logger.Error().Err(err).Uint64("chain_id", report.ChainID).Msg("failed to publish scan report")
		}
	}

	if best, ok := report.Best(); ok && best.Simulation.PassesThreshold && best.Score >= s.opts.AlertMinScore {
		s.notify(ctx, alerting.Notification{
			Kind:        alerting.KindOpportunity,
			Timestamp:   now,
			ChainID:     report.ChainID,
			Opportunity: &best,
		})
	}
}

func (s *Service) executeBest(ctx context.Context, report *scan.Report, chain Chain, conn *rpc.Conn) *execution.SendResult {
	if s.opts.Engine == nil || conn == nil {
		return nil
	}
	var candidate *scan.Ranked
	for i := range report.Ranked {
		if report.Ranked[i].Simulation.PassesThreshold {
			candidate = &report.Ranked[i]
			break
		}
	}
	if candidate == nil {
		return nil
	}

	plan, err := execution.BuildPlan(report, *candidate, execution.PlanOptions{
		Executor:     s.opts.Executor,
		Venues:       chain.Venues,
		Pairs:        PairIndex(chain.Pairs),
		GasPriceGwei: s.opts.Scan.GasPriceGwei,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("opportunity_id", candidate.Opportunity.ID).Msg("no executable plan")
		return nil
	}

	res, err := s.opts.Engine.Execute(ctx, plan)
	if err != nil {
		s.logger.Error().Err(err).Str("attempt_id", res.AttemptID).Msg("execution state persistence failed")
	}
	s.recordExecution(ctx, report.ChainID, plan.ReportHash, res)
	return &res
}

func (s *Service) recordExecution(ctx context.Context, chainID uint64, reportHash string, res execution.SendResult) {
	metrics.ObserveExecution(res)
	s.logger.Info().
		Str("status", string(res.Status)).
		Str("reason", string(res.Reason)).
		Str("stage", string(res.Stage)).
		Str("tx_hash", res.TxHash).
		Msg("execution result")

	if s.opts.ExecArchive != nil {
		if _, err := s.opts.ExecArchive.InsertExecution(ctx, storage.RecordFromResult(chainID, reportHash, res)); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
			s.logger.Error().Err(err).Msg("failed to archive execution result")
		}
	}

	// 被策略拦截或未启用的结果每个周期都会出现，不告警。
	if res.Status == execution.StatusBlocked || res.Status == execution.StatusDisabled {
		return
	}
	s.notify(ctx, alerting.Notification{
		Kind:      alerting.KindExecution,
		Timestamp: s.opts.Now(),
		ChainID:   chainID,
		Execution: &res,
	})
}

func (s *Service) tick(ctx context.Context, now time.Time) *execution.TickResult {
	if s.opts.Engine == nil {
		return nil
	}
	res, err := s.opts.Engine.Tick(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("pending transaction tick failed")
	}
	for _, final := range res.Finalized {
		s.recordExecution(ctx, s.opts.ExecChainID, final.ReportHash, final)
	}
	for i := range res.Stuck {
		stuck := res.Stuck[i]
		s.notify(ctx, alerting.Notification{
			Kind:      alerting.KindStuck,
			Timestamp: now,
			ChainID:   stuck.ChainID,
			Stuck:     &stuck,
		})
	}

	if snap, err := s.opts.Engine.Status(); err == nil {
		metrics.PendingTransactions.Set(float64(len(snap.Pending)))
		metrics.KillSwitchActive.Set(metrics.BoolGauge(snap.KillSwitchActive))
	}
	return &res
}

func (s *Service) notify(ctx context.Context, note alerting.Notification) {
	if !s.opts.AlertsOn || s.opts.Notifier == nil {
		return
	}
	if err := s.opts.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("kind", string(note.Kind)).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotConfigured) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
