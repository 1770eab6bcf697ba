package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	mu           sync.Mutex
	callErr      error
	sendErr      error
	gasPrice     *big.Int
	pendingNonce uint64
	mine         bool
	status       uint64
	gasUsed      uint64
	sent         []*types.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{gasPrice: big.NewInt(20_000_000_000), mine: true, status: types.ReceiptStatusSuccessful, gasUsed: 100_000}
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.callErr != nil {
		return 0, f.callErr
	}
	return 150_000, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return f.gasPrice, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	return f.pendingNonce, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mine {
		return nil, ethereum.NotFound
	}
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return &types.Receipt{Status: f.status, GasUsed: f.gasUsed, EffectiveGasPrice: tx.GasPrice(), TxHash: hash}, nil
		}
	}
	return nil, ethereum.NotFound
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner("0x" + hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return s
}

type harness struct {
	engine *Engine
	chain  *fakeChain
	clock  *clock
	dir    string
	kill   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		chain: newFakeChain(),
		clock: &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		dir:   filepath.Join(dir, "execution"),
		kill:  filepath.Join(dir, "KILL_SWITCH"),
	}
	policy := testPolicy()
	policy.Cooldown = 0
	h.engine = New(Options{
		Policy:         policy,
		Dir:            h.dir,
		KillSwitchFile: h.kill,
		PendingTimeout: time.Minute,
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Signer:         testSigner(t),
		Chain:          func(ctx context.Context) (Chain, error) { return h.chain, nil },
		Now:            h.clock.Now,
	}, zerolog.Nop())
	return h
}

func TestExecuteConfirmedBooksPnL(t *testing.T) {
	h := newHarness(t)
	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)

	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, StageConfirmed, res.Stage)
	require.NotEmpty(t, res.TxHash)
	require.NotNil(t, res.RealizedPnlEth)
	// 0.05 + 0.005 - 100000 × 20 gwei
	assert.True(t, res.RealizedPnlEth.Equal(decimal.RequireFromString("0.053")), res.RealizedPnlEth.String())

	snap, err := h.engine.Status()
	require.NoError(t, err)
	assert.Empty(t, snap.Pending)
	assert.Equal(t, res.TxHash, snap.State.LastTxHash)
	assert.True(t, snap.State.DailyPnlEth.Equal(decimal.RequireFromString("0.053")))
	assert.True(t, snap.State.DailyLossEth.IsZero())
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, StageConfirmed, snap.LastResult.Stage)

	for _, name := range []string{StateFile, NonceFile, PendingFile, AttemptsFile, TxLogFile} {
		_, err := os.Stat(filepath.Join(h.dir, name))
		assert.NoError(t, err, name)
	}

	attempts, err := readJSONL[Attempt](filepath.Join(h.dir, AttemptsFile))
	require.NoError(t, err)
	var stages []Stage
	for _, a := range attempts {
		stages = append(stages, a.Stage)
	}
	assert.Equal(t, []Stage{StageEvaluated, StageSimulated, StageSubmitting, StageSent, StageConfirmed}, stages)
}

func TestExecuteReplayBlockedInsideWindow(t *testing.T) {
	h := newHarness(t)
	plan := testPlan()

	first, err := h.engine.Execute(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, StatusSent, first.Status)

	h.clock.Advance(time.Minute)
	second, err := h.engine.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, second.Status)
	assert.Equal(t, ReasonReplayWindowActive, second.Reason)
	assert.Len(t, h.chain.sent, 1)

	h.clock.Advance(10 * time.Minute)
	third, err := h.engine.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, third.Status, "窗口外应再次允许")
	require.Len(t, h.chain.sent, 2)
	assert.Greater(t, h.chain.sent[1].Nonce(), h.chain.sent[0].Nonce())
}

func TestExecuteKillSwitchBlocksEverything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.KillSwitch().Engage("test", h.clock.Now()))

	plan := testPlan()
	plan.ChainID = 999
	res, err := h.engine.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, ReasonKillSwitchActive, res.Reason)
	assert.Empty(t, h.chain.sent)

	require.NoError(t, h.engine.KillSwitch().Disengage())
	res, err = h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
}

func TestExecuteSimulationFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.chain.callErr = errors.New("execution reverted: no profit")

	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusSimFailed, res.Status)
	assert.Equal(t, ReasonSimulationFailed, res.Reason)
	assert.Empty(t, h.chain.sent)

	snap, _ := h.engine.Status()
	assert.Equal(t, 1, snap.State.ConsecutiveFailures)

	hit, err := h.engine.attempts.recentSubmission(testPlan().ReportHash, testPlan().OpportunityID, time.Hour, h.clock.Now())
	require.NoError(t, err)
	assert.False(t, hit, "模拟失败不应占用重放窗口")
}

func TestExecuteGasAbovePlanCapFailsSimulation(t *testing.T) {
	h := newHarness(t)
	h.chain.gasPrice = big.NewInt(80_000_000_000)

	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusSimFailed, res.Status)
	assert.Equal(t, ReasonGasPriceAboveMax, res.Reason)
}

func TestExecuteRevertRecordsLoss(t *testing.T) {
	h := newHarness(t)
	h.chain.status = types.ReceiptStatusFailed

	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ReasonTxReverted, res.Reason)

	snap, _ := h.engine.Status()
	assert.True(t, snap.State.DailyLossEth.Equal(decimal.RequireFromString("0.002")), snap.State.DailyLossEth.String())
	assert.Equal(t, 1, snap.State.ConsecutiveFailures)
	assert.Len(t, h.chain.sent, 1, "回滚交易不自动重试")
}

func TestExecuteSendFailureReleasesNonce(t *testing.T) {
	h := newHarness(t)
	h.chain.sendErr = errors.New("insufficient funds for gas")

	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ReasonSendFailed, res.Reason)

	addr := h.engine.opts.Signer.Address()
	next, err := h.engine.nonces.Next(1, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), next)
}

type flakySigner struct {
	*Signer
	err error
}

func (f *flakySigner) Sign(tx *types.Transaction, chainID uint64) (*types.Transaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.Signer.Sign(tx, chainID)
}

func TestExecuteSignFailureDoesNotHoldReplayWindow(t *testing.T) {
	h := newHarness(t)
	signer := &flakySigner{Signer: testSigner(t), err: errors.New("hsm unavailable")}
	h.engine.opts.Signer = signer

	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.Equal(t, ReasonSendFailed, res.Reason)
	assert.Empty(t, h.chain.sent)

	attempts, err := readJSONL[Attempt](filepath.Join(h.dir, AttemptsFile))
	require.NoError(t, err)
	for _, a := range attempts {
		assert.NotEqual(t, StageSubmitting, a.Stage, "签名失败不应留下 submitting 记录")
	}

	// 签名恢复后同一机会可以立即重试，nonce 已回收。
	signer.err = nil
	h.clock.Advance(time.Second)
	retried, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusSent, retried.Status)
	require.Len(t, h.chain.sent, 1)
	assert.Equal(t, uint64(0), h.chain.sent[0].Nonce())
}

func TestExecuteDisabledReportsDisabled(t *testing.T) {
	h := newHarness(t)
	h.engine.opts.Policy.Enabled = false

	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, res.Status)
	assert.Equal(t, ReasonExecutionDisabled, res.Reason)
}

func TestExecuteWithoutSigner(t *testing.T) {
	h := newHarness(t)
	h.engine.opts.Signer = nil

	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	assert.Equal(t, ReasonSignerUnavailable, res.Reason)
}

func TestTickStuckScenario(t *testing.T) {
	h := newHarness(t)
	h.chain.mine = false

	res, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)
	require.Equal(t, StatusSent, res.Status)
	assert.Equal(t, StageSent, res.Stage)
	assert.Equal(t, ReasonAwaitingReceipt, res.Reason)

	h.clock.Advance(61 * time.Second)
	tick, err := h.engine.Tick(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.True(t, tick.Triggered)
	require.Len(t, tick.Stuck, 1)
	assert.Equal(t, res.TxHash, tick.Stuck[0].TxHash)
	assert.True(t, h.engine.KillSwitch().Active())

	h.clock.Advance(5 * time.Second)
	tick, err = h.engine.Tick(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.False(t, tick.Triggered)
	assert.Empty(t, tick.Stuck)

	snap, _ := h.engine.Status()
	require.Len(t, snap.Pending, 1, "卡住的交易保留在 pending 中")
	assert.NotZero(t, snap.Pending[0].StuckAlertedAtMs)

	// 收据到达后从 pending 移除并记账。
	h.chain.mine = true
	tick, err = h.engine.Tick(context.Background(), h.clock.Now())
	require.NoError(t, err)
	require.Len(t, tick.Finalized, 1)
	assert.Equal(t, StageConfirmed, tick.Finalized[0].Stage)
	assert.Equal(t, "0xabc", tick.Finalized[0].ReportHash, "确认结果应带上报告哈希")
	snap, _ = h.engine.Status()
	assert.Empty(t, snap.Pending)
}

func TestTickWithoutChainStillFlagsStuck(t *testing.T) {
	h := newHarness(t)
	h.chain.mine = false
	_, err := h.engine.Execute(context.Background(), testPlan())
	require.NoError(t, err)

	h.engine.opts.Chain = func(ctx context.Context) (Chain, error) { return nil, errors.New("no healthy endpoint") }
	h.clock.Advance(2 * time.Minute)
	tick, err := h.engine.Tick(context.Background(), h.clock.Now())
	require.NoError(t, err)
	assert.True(t, tick.Triggered)
}
