package service

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-scanner/internal/alerting"
	"arb-scanner/internal/config"
	"arb-scanner/internal/execution"
	"arb-scanner/internal/fetcher"
	"arb-scanner/internal/retry"
	"arb-scanner/internal/rpc"
	"arb-scanner/internal/scan"
	"arb-scanner/internal/storage"
)

type fakeClient struct {
	chainID uint64
	block   uint64
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).SetUint64(f.chainID), nil
}
func (f *fakeClient) BlockNumber(context.Context) (uint64, error) { return f.block, nil }
func (f *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 0, nil }
func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error)  { return 0, nil }
func (f *fakeClient) SuggestGasPrice(context.Context) (*big.Int, error)             { return big.NewInt(1), nil }
func (f *fakeClient) SendTransaction(context.Context, *types.Transaction) error     { return nil }
func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}
func (f *fakeClient) Close() {}

type downProviders struct {
	recycled int
}

func (d *downProviders) GetBestProvider(context.Context) (*rpc.Provider, error) {
	return nil, errors.New("rpc: no healthy endpoint (1 checked): primary: dial https://node.example/v3/secret refused")
}

func (d *downProviders) CheckAllHealth(context.Context) []rpc.HealthRecord {
	return []rpc.HealthRecord{{EndpointName: "primary", OK: false, Error: "refused"}}
}

func (d *downProviders) Recycle() { d.recycled++ }

type memArchive struct {
	mu        sync.Mutex
	summaries []storage.ScanSummary
	execs     []storage.ExecutionRecord
}

func (m *memArchive) InsertScanSummary(_ context.Context, s storage.ScanSummary) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return int64(len(m.summaries)), nil
}
func (m *memArchive) ListScansBetween(context.Context, time.Time, time.Time) ([]storage.ScanSummary, error) {
	return m.summaries, nil
}
func (m *memArchive) ListRecentScans(context.Context, int) ([]storage.ScanSummary, error) {
	return m.summaries, nil
}
func (m *memArchive) InsertExecution(_ context.Context, rec storage.ExecutionRecord) (storage.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, rec)
	return rec, nil
}
func (m *memArchive) ListRecentExecutions(context.Context, int) ([]storage.ExecutionRecord, error) {
	return m.execs, nil
}

type memPublisher struct {
	reports []*scan.Report
}

func (p *memPublisher) Publish(_ context.Context, r *scan.Report) error {
	p.reports = append(p.reports, r)
	return nil
}

type memNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *memNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

type heldLocker struct{}

func (heldLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	return nil, false, nil
}

var (
	weth = fetcher.Token{ChainID: 1, Symbol: "WETH", Address: common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"), Decimals: 18}
	usdc = fetcher.Token{ChainID: 1, Symbol: "USDC", Address: common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"), Decimals: 6}
)

func liveChain(t *testing.T) Chain {
	t.Helper()
	mgr := rpc.NewManager(rpc.Options{
		Endpoints:       []rpc.Endpoint{{Name: "primary", URL: "https://node.example"}},
		ExpectedChainID: 1,
		HealthTTL:       time.Minute,
		Policy:          retry.Policy{Attempts: 1, Timeout: time.Second},
		Dial: func(context.Context, string) (rpc.Client, error) {
			return &fakeClient{chainID: 1, block: 19_000_000}, nil
		},
	}, zerolog.Nop())
	t.Cleanup(mgr.Close)

	sources := []config.SourceConfig{
		{Name: "dex-a", ChainID: 1, Kind: config.SourceMock, Venue: "0x1111111111111111111111111111111111111111", Prices: map[string]float64{"weth/usdc": 2500}},
		{Name: "dex-b", ChainID: 1, Kind: config.SourceMock, Venue: "0x2222222222222222222222222222222222222222", Prices: map[string]float64{"weth/usdc": 2550}},
	}
	return Chain{
		ID:        1,
		Name:      "ethereum",
		Providers: mgr,
		Pairs:     []fetcher.Pair{{ChainID: 1, Base: weth, Quote: usdc, Enabled: true, TradeSizeEth: 1, LiquidityDepthHint: 1000}},
		Sources:   NewSourceFactory(sources, retry.DefaultPolicy(), zerolog.Nop()),
		Venues:    Venues(sources),
	}
}

func scanParams() ScanParams {
	return ScanParams{MinProfitGap: 0.005, MinProfitEth: 0.001, GasPriceGwei: 1, GasLimit: 21000, MaxConcurrency: 2}
}

func TestCycleFeedsArchivePublisherAndAlerts(t *testing.T) {
	dir := t.TempDir()
	archive := &memArchive{}
	pub := &memPublisher{}
	notifier := &memNotifier{}
	engine := execution.New(execution.Options{
		Policy:         execution.PolicyConfig{Enabled: false, ChainID: 1},
		Dir:            filepath.Join(dir, ExecutionDir),
		KillSwitchFile: filepath.Join(dir, ExecutionDir, "KILL_SWITCH"),
	}, zerolog.Nop())

	svc := New(Options{
		Chains:      []Chain{liveChain(t)},
		Scan:        scanParams(),
		Artifacts:   NewArtifacts(dir),
		Engine:      engine,
		ExecChainID: 1,
		Executor:    common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Archive:     archive,
		ExecArchive: archive,
		Publisher:   pub,
		Notifier:    notifier,
		AlertsOn:    true,
	}, zerolog.Nop())

	bucket := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cycle, err := svc.Cycle(context.Background(), bucket, true)
	require.NoError(t, err)
	require.Len(t, cycle.Reports, 1)

	report := cycle.Reports[0]
	assert.Equal(t, uint64(19_000_000), report.BlockNumber)
	best, ok := report.Best()
	require.True(t, ok, "应检测到机会")
	assert.Equal(t, "dex-a", best.Opportunity.BuyFrom)
	assert.Equal(t, "dex-b", best.Opportunity.SellTo)
	assert.True(t, best.Simulation.PassesThreshold)

	require.Len(t, archive.summaries, 1)
	require.Len(t, pub.reports, 1)
	require.Len(t, notifier.notes, 1, "禁用执行不应产生执行告警")
	assert.Equal(t, alerting.KindOpportunity, notifier.notes[0].Kind)

	// 执行未启用时策略返回 disabled，结果仍然归档。
	require.NotNil(t, cycle.Execution)
	assert.Equal(t, execution.StatusDisabled, cycle.Execution.Status)
	assert.Equal(t, execution.ReasonExecutionDisabled, cycle.Execution.Reason)
	require.Len(t, archive.execs, 1)
	require.NotNil(t, cycle.Tick)

	arts := NewArtifacts(dir)
	health, err := arts.Health()
	require.NoError(t, err)
	require.NotNil(t, health)
	assert.True(t, health.OK)
	require.Len(t, health.Chains, 1)
	assert.Equal(t, "primary", health.Chains[0].Selected)

	latest, err := arts.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Bucket.Equal(bucket))
	require.Len(t, latest.Reports, 1)
}

func TestScanOnceNeverExecutes(t *testing.T) {
	dir := t.TempDir()
	engine := execution.New(execution.Options{
		Policy: execution.PolicyConfig{Enabled: true, ChainID: 1},
		Dir:    filepath.Join(dir, ExecutionDir),
	}, zerolog.Nop())
	svc := New(Options{
		Chains:      []Chain{liveChain(t)},
		Scan:        scanParams(),
		Artifacts:   NewArtifacts(dir),
		Engine:      engine,
		ExecChainID: 1,
		Executor:    common.HexToAddress("0x3333333333333333333333333333333333333333"),
	}, zerolog.Nop())

	cycle, err := svc.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Nil(t, cycle.Execution)
	assert.Nil(t, cycle.Tick)

	_, err = os.Stat(filepath.Join(dir, ExecutionDir, execution.AttemptsFile))
	assert.True(t, os.IsNotExist(err), "scan 模式不应写入执行记录")
}

func TestCycleTotalFailureStillWritesHealth(t *testing.T) {
	dir := t.TempDir()
	down := &downProviders{}
	svc := New(Options{
		Chains:    []Chain{{ID: 1, Name: "ethereum", Providers: down}},
		Scan:      scanParams(),
		Artifacts: NewArtifacts(dir),
	}, zerolog.Nop())

	_, err := svc.Cycle(context.Background(), time.Now(), true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrNoReports.Error())
	assert.NotContains(t, err.Error(), "secret", "错误中不应出现 RPC 地址")

	health, err := NewArtifacts(dir).Health()
	require.NoError(t, err)
	require.NotNil(t, health)
	assert.False(t, health.OK)
	require.Len(t, health.Chains, 1)
	assert.False(t, health.Chains[0].OK)
	assert.Len(t, health.Chains[0].Endpoints, 1)
	assert.False(t, strings.Contains(health.Chains[0].Error, "node.example"))

	latest, err := NewArtifacts(dir).Latest()
	require.NoError(t, err)
	assert.Nil(t, latest, "全部失败时不应写 scan-latest.json")

	svc.Recycle()
	assert.Equal(t, 1, down.recycled)
}

func TestCycleTotalFailureStillFlagsStuckTransactions(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	execDir := filepath.Join(dir, ExecutionDir)
	killFile := filepath.Join(execDir, "KILL_SWITCH")

	overdue := []execution.PendingTx{{
		TxHash:     "0x" + strings.Repeat("ab", 32),
		ChainID:    1,
		ReportHash: "0xabc",
		Nonce:      7,
		SentAtMs:   now.Add(-10 * time.Minute).UnixMilli(),
	}}
	require.NoError(t, execution.WriteJSONAtomic(filepath.Join(execDir, execution.PendingFile), overdue))

	engine := execution.New(execution.Options{
		Policy:         execution.PolicyConfig{Enabled: true, ChainID: 1},
		Dir:            execDir,
		KillSwitchFile: killFile,
		PendingTimeout: time.Minute,
		Now:            func() time.Time { return now },
	}, zerolog.Nop())
	notifier := &memNotifier{}
	svc := New(Options{
		Chains:      []Chain{{ID: 1, Name: "ethereum", Providers: &downProviders{}}},
		Scan:        scanParams(),
		Artifacts:   NewArtifacts(dir),
		Engine:      engine,
		ExecChainID: 1,
		Notifier:    notifier,
		AlertsOn:    true,
		Now:         func() time.Time { return now },
	}, zerolog.Nop())

	_, err := svc.Cycle(context.Background(), now, true)
	require.Error(t, err, "所有链失败时周期仍然报错")

	_, err = os.Stat(killFile)
	require.NoError(t, err, "RPC 全部不可用时卡单仍应触发 kill switch")
	assert.True(t, engine.KillSwitch().Active())
	require.Len(t, notifier.notes, 1)
	assert.Equal(t, alerting.KindStuck, notifier.notes[0].Kind)
}

func TestProcessBucketSkipsWhenLockHeld(t *testing.T) {
	dir := t.TempDir()
	down := &downProviders{}
	svc := New(Options{
		Chains:    []Chain{{ID: 1, Providers: down}},
		Artifacts: NewArtifacts(dir),
		Locker:    heldLocker{},
		LockKey:   42,
	}, zerolog.Nop())

	require.NoError(t, svc.ProcessBucket(context.Background(), time.Now()))
	health, err := NewArtifacts(dir).Health()
	require.NoError(t, err)
	assert.Nil(t, health, "锁被占用时不应运行周期")
}

func TestCheckHealth(t *testing.T) {
	svc := New(Options{
		Chains:    []Chain{liveChain(t), {ID: 10, Name: "optimism", Providers: &downProviders{}}},
		Artifacts: NewArtifacts(t.TempDir()),
	}, zerolog.Nop())

	snap := svc.CheckHealth(context.Background())
	require.Len(t, snap.Chains, 2)
	assert.True(t, snap.Chains[0].OK)
	assert.Equal(t, uint64(19_000_000), snap.Chains[0].BlockNumber)
	assert.False(t, snap.Chains[1].OK)
	assert.False(t, snap.OK)
}

func TestScanAtPinsBlockAndArchives(t *testing.T) {
	archive := &memArchive{}
	svc := New(Options{
		Chains:    []Chain{liveChain(t)},
		Scan:      scanParams(),
		Artifacts: NewArtifacts(t.TempDir()),
		Archive:   archive,
	}, zerolog.Nop())

	report, err := svc.ScanAt(context.Background(), 1, 18_500_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(18_500_000), report.BlockNumber)
	require.Len(t, archive.summaries, 1)
	assert.Equal(t, uint64(18_500_000), archive.summaries[0].BlockNumber)

	_, err = svc.ScanAt(context.Background(), 56, 1)
	assert.Error(t, err, "未配置的链应报错")
}
