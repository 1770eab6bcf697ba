// Package execution gates every outbound transaction behind a layered policy,
// a persisted nonce allocator, a replay guard and a stuck-transaction watchdog.
// State lives in JSON files under one directory and every write is an atomic
// rename; the operator loop runs one attempt at a time.
package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"arb-scanner/internal/redact"
	"arb-scanner/internal/retry"
)

// Chain is the RPC surface the engine needs; *rpc.Conn satisfies it.
type Chain interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ChainFunc resolves the connection to use for this attempt.
type ChainFunc func(ctx context.Context) (Chain, error)

// Options parameterise an Engine.
type Options struct {
	Policy         PolicyConfig
	Dir            string
	KillSwitchFile string
	PendingTimeout time.Duration
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	Signer         TxSigner
	Chain          ChainFunc
	Now            func() time.Time
}

// SendResult is the outcome of Execute, consumed by status reporting.
type SendResult struct {
	Status         Status           `json:"status"`
	Reason         ReasonCode       `json:"reason,omitempty"`
	Stage          Stage            `json:"stage"`
	AttemptID      string           `json:"attemptId"`
	OpportunityID  string           `json:"opportunityId"`
	ReportHash     string           `json:"reportHash,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	LastTradeAt    int64            `json:"lastTradeAt,omitempty"`
	RealizedPnlEth *decimal.Decimal `json:"realizedPnlEth,omitempty"`
	Error          string           `json:"error,omitempty"`
}

// TickResult is the outcome of one watchdog pass.
type TickResult struct {
	StuckCheck
	Finalized []SendResult `json:"finalized"`
}

// Snapshot is the read-only status view.
type Snapshot struct {
	Enabled          bool        `json:"enabled"`
	ChainID          uint64      `json:"chainId"`
	Signer           string      `json:"signer,omitempty"`
	KillSwitchActive bool        `json:"killSwitchActive"`
	KillSwitchReason string      `json:"killSwitchReason,omitempty"`
	State            PolicyState `json:"state"`
	Pending          []PendingTx `json:"pending"`
	LastResult       *SendResult `json:"lastResult,omitempty"`
	PendingTimeout   string      `json:"pendingTimeout"`
}

// Engine runs execution attempts.
type Engine struct {
	opts     Options
	logger   zerolog.Logger
	state    *stateStore
	nonces   *NonceStore
	attempts *attemptLog
	pending  *pendingStore
	kill     *KillSwitch

	mu sync.Mutex

	resMu sync.Mutex
	last  *SendResult
}

// New constructs an engine rooted at opts.Dir.
func New(opts Options, logger zerolog.Logger) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 10 * time.Minute
	}
	return &Engine{
		opts:     opts,
		logger:   logger.With().Str("component", "execution").Logger(),
		state:    newStateStore(opts.Dir),
		nonces:   NewNonceStore(opts.Dir, opts.Now),
		attempts: newAttemptLog(opts.Dir),
		pending:  newPendingStore(opts.Dir),
		kill:     NewKillSwitch(opts.KillSwitchFile),
	}
}

// KillSwitch exposes the engine's sentinel.
func (e *Engine) KillSwitch() *KillSwitch { return e.kill }

// Execute evaluates, simulates and, when everything passes, signs and sends
// plan. The returned error is reserved for state persistence failures; every
// other outcome is described by SendResult.
func (e *Engine) Execute(ctx context.Context, plan Plan) (SendResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.execute(ctx, plan)
	e.remember(res)
	return res, err
}

func (e *Engine) execute(ctx context.Context, plan Plan) (SendResult, error) {
	now := e.opts.Now()
	attempt := Attempt{
		ID:            newAttemptID(),
		ChainID:       plan.ChainID,
		ReportHash:    plan.ReportHash,
		OpportunityID: plan.OpportunityID,
	}
	res := SendResult{AttemptID: attempt.ID, OpportunityID: plan.OpportunityID, ReportHash: plan.ReportHash}
	log := e.logger.With().Str("attempt", attempt.ID).Str("opportunity", plan.OpportunityID).Logger()

	st, changed, err := e.state.load(now)
	if err != nil {
		return e.fail(res, err)
	}
	if changed {
		if err := e.state.save(st); err != nil {
			return e.fail(res, err)
		}
	}

	replayHit, err := e.attempts.recentSubmission(plan.ReportHash, plan.OpportunityID, e.opts.Policy.ReplayWindow, now)
	if err != nil {
		return e.fail(res, err)
	}
	decision := Evaluate(e.opts.Policy, PolicyInput{
		Plan:             plan,
		State:            st,
		Now:              now,
		KillSwitchActive: e.kill.Active(),
		ReplayHit:        replayHit,
	})
	if err := e.record(attempt, StageEvaluated, decision.Status, decision.Reason, ""); err != nil {
		return e.fail(res, err)
	}
	if !decision.Allowed {
		res.Status, res.Reason, res.Stage = decision.Status, decision.Reason, StageBlocked
		log.Info().Str("status", string(decision.Status)).Str("reason", string(decision.Reason)).Msg("execution not allowed")
		return res, e.record(attempt, StageBlocked, decision.Status, decision.Reason, "")
	}

	if e.opts.Signer == nil {
		res.Status, res.Reason, res.Stage, res.Error = StatusError, ReasonSignerUnavailable, StageError, ErrNoSigner.Error()
		return res, e.record(attempt, StageError, StatusError, ReasonSignerUnavailable, ErrNoSigner.Error())
	}
	from := e.opts.Signer.Address()

	chain, err := e.chain(ctx)
	if err != nil {
		return e.simFailed(res, attempt, &st, ReasonRPCUnavailable, err)
	}

	// 只读模拟：eth_call + estimateGas，失败则本次尝试终止。
	msg := ethereum.CallMsg{From: from, To: &plan.To, Value: ethToWei(plan.ValueEth), Data: plan.Data}
	if _, err := chain.CallContract(ctx, msg, nil); err != nil {
		return e.simFailed(res, attempt, &st, ReasonSimulationFailed, err)
	}
	gas, err := chain.EstimateGas(ctx, msg)
	if err != nil {
		return e.simFailed(res, attempt, &st, ReasonSimulationFailed, err)
	}
	gasPrice, err := chain.SuggestGasPrice(ctx)
	if err != nil {
		return e.simFailed(res, attempt, &st, ReasonSimulationFailed, err)
	}
	if live := weiToGwei(gasPrice); plan.MaxGasGwei > 0 && live > plan.MaxGasGwei {
		return e.simFailed(res, attempt, &st, ReasonGasPriceAboveMax,
			fmt.Errorf("network gas price %.2f gwei above plan cap %.2f", live, plan.MaxGasGwei))
	}
	if err := e.record(attempt, StageSimulated, StatusAllowed, "", ""); err != nil {
		return e.fail(res, err)
	}

	pendingNonce, err := chain.PendingNonceAt(ctx, from)
	if err != nil {
		return e.simFailed(res, attempt, &st, ReasonRPCUnavailable, err)
	}
	nonce, err := e.nonces.Reserve(plan.ChainID, from, pendingNonce)
	if err != nil {
		return e.fail(res, err)
	}

	attempt.Nonce = &nonce
	gasLimit := gas + gas/5
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &plan.To,
		Value:    ethToWei(plan.ValueEth),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     plan.Data,
	})
	signed, err := e.opts.Signer.Sign(tx, plan.ChainID)
	if err != nil {
		if relErr := e.nonces.Release(plan.ChainID, from, nonce); relErr != nil {
			log.Warn().Err(relErr).Msg("release nonce failed")
		}
		return e.sendFailed(res, attempt, &st, nonce, err)
	}

	// write-ahead：广播前落盘，崩溃后重放保护依然生效。
	if err := e.record(attempt, StageSubmitting, StatusAllowed, "", ""); err != nil {
		return e.fail(res, err)
	}

	if err := chain.SendTransaction(ctx, signed); err != nil {
		// 超时时交易可能已到达节点，此时不能回收 nonce。
		if retry.KindOf(err) != retry.KindTimeout {
			if relErr := e.nonces.Release(plan.ChainID, from, nonce); relErr != nil {
				log.Warn().Err(relErr).Msg("release nonce failed")
			}
		}
		return e.sendFailed(res, attempt, &st, nonce, err)
	}

	txHash := signed.Hash().Hex()
	sentAt := e.opts.Now()
	rec := PendingTx{
		TxHash:               txHash,
		ChainID:              plan.ChainID,
		ReportHash:           plan.ReportHash,
		OpportunityID:        plan.OpportunityID,
		AttemptID:            attempt.ID,
		To:                   plan.To.Hex(),
		Nonce:                nonce,
		GasPriceWei:          gasPrice.String(),
		ExpectedNetProfitEth: plan.ExpectedNetProfitEth,
		ExpectedGasCostEth:   plan.ExpectedGasCostEth,
		SentAtMs:             sentAt.UnixMilli(),
	}
	if err := e.pending.add(rec); err != nil {
		return e.fail(res, err)
	}
	st.LastTradeAt = sentAt.UnixMilli()
	st.LastTxHash = txHash
	if err := e.state.save(st); err != nil {
		return e.fail(res, err)
	}
	attempt.TxHash = txHash
	if err := e.record(attempt, StageSent, StatusSent, "", ""); err != nil {
		return e.fail(res, err)
	}
	if err := e.attempts.appendTx(TxLogEntry{
		TimestampMs: sentAt.UnixMilli(), AttemptID: attempt.ID, ChainID: plan.ChainID,
		TxHash: txHash, Nonce: nonce, Status: StatusSent, Stage: StageSent,
	}); err != nil {
		return e.fail(res, err)
	}
	log.Info().Str("tx_hash", txHash).Uint64("nonce", nonce).Uint64("gas", gasLimit).Msg("transaction sent")

	res.Status, res.Stage, res.TxHash, res.LastTradeAt = StatusSent, StageSent, txHash, st.LastTradeAt

	receipt, err := e.waitReceipt(ctx, chain, signed.Hash())
	if err != nil {
		res.Reason = ReasonAwaitingReceipt
		log.Warn().Str("tx_hash", txHash).Err(err).Msg("no receipt yet; left pending")
		return res, nil
	}
	final, err := e.finalize(rec, receipt)
	if err != nil {
		return e.fail(res, err)
	}
	final.LastTradeAt = st.LastTradeAt
	return final, nil
}

func (e *Engine) chain(ctx context.Context) (Chain, error) {
	if e.opts.Chain == nil {
		return nil, errors.New("no chain connection configured")
	}
	return e.opts.Chain(ctx)
}

func (e *Engine) record(a Attempt, stage Stage, status Status, reason ReasonCode, msg string) error {
	a.TimestampMs = e.opts.Now().UnixMilli()
	a.Stage = stage
	a.Status = status
	a.Reason = reason
	a.Error = msg
	return e.attempts.append(a)
}

func (e *Engine) fail(res SendResult, err error) (SendResult, error) {
	res.Status = StatusError
	res.Stage = StageError
	res.Error = redact.Message(err)
	return res, fmt.Errorf("execution state: %w", err)
}

func (e *Engine) simFailed(res SendResult, a Attempt, st *PolicyState, reason ReasonCode, cause error) (SendResult, error) {
	msg := redact.Message(cause)
	st.ConsecutiveFailures++
	if err := e.state.save(*st); err != nil {
		return e.fail(res, err)
	}
	res.Status, res.Reason, res.Stage, res.Error = StatusSimFailed, reason, StageSimFailed, msg
	e.logger.Warn().Str("attempt", a.ID).Str("reason", string(reason)).Str("error", msg).Msg("simulation failed")
	return res, e.record(a, StageSimFailed, StatusSimFailed, reason, msg)
}

func (e *Engine) sendFailed(res SendResult, a Attempt, st *PolicyState, nonce uint64, cause error) (SendResult, error) {
	msg := redact.Message(cause)
	st.ConsecutiveFailures++
	if err := e.state.save(*st); err != nil {
		return e.fail(res, err)
	}
	if err := e.attempts.appendTx(TxLogEntry{
		TimestampMs: e.opts.Now().UnixMilli(), AttemptID: a.ID, ChainID: a.ChainID,
		Nonce: nonce, Status: StatusError, Stage: StageError, Error: msg,
	}); err != nil {
		return e.fail(res, err)
	}
	res.Status, res.Reason, res.Stage, res.Error = StatusError, ReasonSendFailed, StageError, msg
	e.logger.Error().Str("attempt", a.ID).Str("error", msg).Msg("send failed")
	return res, e.record(a, StageError, StatusError, ReasonSendFailed, msg)
}

func (e *Engine) waitReceipt(ctx context.Context, chain Chain, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := chain.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug().Str("tx_hash", hash.Hex()).Err(err).Msg("receipt lookup failed")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finalize books a mined transaction: realized PnL into policy state, the
// pending record removed, attempt and tx log appended.
func (e *Engine) finalize(rec PendingTx, receipt *types.Receipt) (SendResult, error) {
	now := e.opts.Now()
	res := SendResult{AttemptID: rec.AttemptID, OpportunityID: rec.OpportunityID, ReportHash: rec.ReportHash, TxHash: rec.TxHash}

	price := receipt.EffectiveGasPrice
	if price == nil || price.Sign() == 0 {
		price, _ = new(big.Int).SetString(rec.GasPriceWei, 10)
	}
	gasCost := decimal.Zero
	if price != nil {
		gasCost = weiToEth(new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price))
	}

	st, _, err := e.state.load(now)
	if err != nil {
		return e.fail(res, err)
	}

	var realized decimal.Decimal
	if receipt.Status == types.ReceiptStatusSuccessful {
		realized = rec.ExpectedNetProfitEth.Add(rec.ExpectedGasCostEth).Sub(gasCost)
		st.ConsecutiveFailures = 0
		res.Status, res.Stage = StatusSent, StageConfirmed
	} else {
		realized = gasCost.Neg()
		st.ConsecutiveFailures++
		res.Status, res.Stage, res.Reason = StatusError, StageError, ReasonTxReverted
	}
	st.RecordPnL(realized)
	res.RealizedPnlEth = &realized
	res.LastTradeAt = st.LastTradeAt

	if err := e.state.save(st); err != nil {
		return e.fail(res, err)
	}
	if err := e.pending.remove(rec.TxHash); err != nil {
		return e.fail(res, err)
	}
	nonce := rec.Nonce
	a := Attempt{ID: rec.AttemptID, ChainID: rec.ChainID, ReportHash: rec.ReportHash, OpportunityID: rec.OpportunityID, Nonce: &nonce, TxHash: rec.TxHash}
	if err := e.record(a, res.Stage, res.Status, res.Reason, ""); err != nil {
		return e.fail(res, err)
	}
	if err := e.attempts.appendTx(TxLogEntry{
		TimestampMs: now.UnixMilli(), AttemptID: rec.AttemptID, ChainID: rec.ChainID, TxHash: rec.TxHash,
		Nonce: rec.Nonce, Status: res.Status, Stage: res.Stage, GasUsed: receipt.GasUsed,
		GasCostEth: &gasCost, RealizedPnlEth: &realized,
	}); err != nil {
		return e.fail(res, err)
	}

	e.logger.Info().
		Str("tx_hash", rec.TxHash).
		Str("stage", string(res.Stage)).
		Str("realized_pnl_eth", realized.String()).
		Msg("transaction finalized")
	return res, nil
}

// Tick polls receipts for pending transactions and flags overdue ones. Any new
// stuck transaction engages the kill switch.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := TickResult{StuckCheck: StuckCheck{Stuck: []PendingTx{}}, Finalized: []SendResult{}}
	records, err := e.pending.list()
	if err != nil {
		return result, err
	}
	if len(records) == 0 {
		return result, nil
	}

	if chain, err := e.chain(ctx); err == nil {
		remaining := records[:0]
		for _, rec := range records {
			receipt, rerr := chain.TransactionReceipt(ctx, common.HexToHash(rec.TxHash))
			if rerr != nil || receipt == nil {
				if rerr != nil && !errors.Is(rerr, ethereum.NotFound) {
					e.logger.Warn().Str("tx_hash", rec.TxHash).Err(rerr).Msg("receipt lookup failed")
				}
				remaining = append(remaining, rec)
				continue
			}
			final, ferr := e.finalize(rec, receipt)
			if ferr != nil {
				return result, ferr
			}
			result.Finalized = append(result.Finalized, final)
			e.remember(final)
		}
		records = remaining
	} else {
		e.logger.Warn().Err(err).Msg("no chain connection for receipt polling")
	}

	check := CheckStuck(records, now, e.opts.PendingTimeout)
	result.StuckCheck = check
	if !check.Triggered {
		return result, nil
	}
	if err := e.pending.save(records); err != nil {
		return result, err
	}
	for _, s := range check.Stuck {
		e.logger.Error().
			Str("tx_hash", s.TxHash).
			Uint64("nonce", s.Nonce).
			Dur("age", now.Sub(time.UnixMilli(s.SentAtMs))).
			Msg("transaction stuck; engaging kill switch")
	}
	if err := e.kill.Engage(fmt.Sprintf("stuck transaction %s", check.Stuck[0].TxHash), now); err != nil {
		return result, fmt.Errorf("engage kill switch: %w", err)
	}
	return result, nil
}

// Status returns a snapshot without waiting for an in-flight attempt.
func (e *Engine) Status() (Snapshot, error) {
	st, _, err := e.state.load(e.opts.Now())
	if err != nil {
		return Snapshot{}, err
	}
	pending, err := e.pending.list()
	if err != nil {
		return Snapshot{}, err
	}
	if pending == nil {
		pending = []PendingTx{}
	}
	snap := Snapshot{
		Enabled:          e.opts.Policy.Enabled,
		ChainID:          e.opts.Policy.ChainID,
		KillSwitchActive: e.kill.Active(),
		KillSwitchReason: e.kill.Reason(),
		State:            st,
		Pending:          pending,
		PendingTimeout:   e.opts.PendingTimeout.String(),
	}
	if e.opts.Signer != nil {
		snap.Signer = e.opts.Signer.Address().Hex()
	}
	e.resMu.Lock()
	if e.last != nil {
		last := *e.last
		snap.LastResult = &last
	}
	e.resMu.Unlock()
	return snap, nil
}

func (e *Engine) remember(res SendResult) {
	e.resMu.Lock()
	e.last = &res
	e.resMu.Unlock()
}
