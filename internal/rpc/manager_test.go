package rpc

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arb-scanner/internal/retry"
)

type fakeClient struct {
	chainID uint64
	block   uint64
	err     error
	delay   time.Duration

	calls  atomic.Int32
	closed atomic.Bool
}

func (f *fakeClient) pause(ctx context.Context) error {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := f.pause(ctx); err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(f.chainID), nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := f.pause(ctx); err != nil {
		return 0, err
	}
	return f.block, nil
}

func (f *fakeClient) BalanceAt(ctx context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return big.NewInt(1), f.pause(ctx)
}

func (f *fakeClient) CallContract(ctx context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return []byte{1}, f.pause(ctx)
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	return 7, f.pause(ctx)
}

func (f *fakeClient) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 21000, f.pause(ctx)
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), f.pause(ctx)
}

func (f *fakeClient) SendTransaction(ctx context.Context, _ *types.Transaction) error {
	return f.pause(ctx)
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, _ common.Hash) (*types.Receipt, error) {
	return nil, f.pause(ctx)
}

func (f *fakeClient) Close() { f.closed.Store(true) }

func newTestManager(clients map[string]*fakeClient, endpoints []Endpoint) *Manager {
	return NewManager(Options{
		Endpoints: endpoints,
		HealthTTL: time.Minute,
		Policy:    retry.Policy{Attempts: 2, Timeout: time.Second, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Dial: func(ctx context.Context, rawURL string) (Client, error) {
			c, ok := clients[rawURL]
			if !ok {
				return nil, errors.New("dial " + rawURL + ": unknown host")
			}
			return c, nil
		},
	}, zerolog.Nop())
}

func TestGetBestProviderSkipsFailingEndpoint(t *testing.T) {
	clients := map[string]*fakeClient{
		"https://bad.example/key123": {err: errors.New("connection refused")},
		"https://good.example":       {chainID: 1, block: 100},
	}
	m := newTestManager(clients, []Endpoint{
		{Name: "primary", URL: "https://bad.example/key123", Priority: 0},
		{Name: "backup", URL: "https://good.example", Priority: 1},
	})
	defer m.Close()

	p, err := m.GetBestProvider(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backup", p.Endpoint.Name)
	assert.Equal(t, uint64(100), p.Health.BlockNumber)
	require.Len(t, p.AllHealth, 2)
	assert.False(t, p.AllHealth[0].OK)
	assert.NotContains(t, p.AllHealth[0].Error, "bad.example")
}

func TestGetBestProviderAllUnhealthyNamesEveryEndpoint(t *testing.T) {
	clients := map[string]*fakeClient{
		"https://a.example/v2/SECRETKEY": {err: errors.New("503 service unavailable")},
	}
	m := newTestManager(clients, []Endpoint{
		{Name: "alpha", URL: "https://a.example/v2/SECRETKEY"},
		{Name: "beta", URL: "https://b.example/v2/SECRETKEY"},
	})
	defer m.Close()

	_, err := m.GetBestProvider(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHealthyEndpoint))
	msg := err.Error()
	assert.Contains(t, msg, "alpha: ")
	assert.Contains(t, msg, "beta: ")
	assert.Contains(t, msg, "503")
	assert.False(t, strings.Contains(msg, "SECRETKEY"), msg)
}

func TestGetBestProviderOrdering(t *testing.T) {
	clients := map[string]*fakeClient{
		"u1": {chainID: 1, block: 100},
		"u2": {chainID: 1, block: 105},
		"u3": {chainID: 1, block: 500},
	}
	m := newTestManager(clients, []Endpoint{
		{Name: "low-block", URL: "u1", Priority: 0},
		{Name: "high-block", URL: "u2", Priority: 0},
		{Name: "lower-priority", URL: "u3", Priority: 5},
	})
	defer m.Close()

	p, err := m.GetBestProvider(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "high-block", p.Endpoint.Name)
}

func TestExpectedChainIDMismatchIsUnhealthy(t *testing.T) {
	clients := map[string]*fakeClient{"u1": {chainID: 5, block: 1}}
	m := newTestManager(clients, []Endpoint{{Name: "wrong", URL: "u1"}})
	m.opts.ExpectedChainID = 1
	defer m.Close()

	rec := m.CheckHealth(context.Background(), m.opts.Endpoints[0], true)
	assert.False(t, rec.OK)
	assert.Contains(t, rec.Error, "expected 1")
}

func TestCheckHealthCachesUntilStale(t *testing.T) {
	fc := &fakeClient{chainID: 1, block: 10}
	now := time.Unix(1_700_000_000, 0)
	m := newTestManager(map[string]*fakeClient{"u": fc}, []Endpoint{{Name: "n", URL: "u"}})
	m.opts.Now = func() time.Time { return now }
	defer m.Close()

	ep := m.opts.Endpoints[0]
	m.CheckHealth(context.Background(), ep, false)
	first := fc.calls.Load()
	m.CheckHealth(context.Background(), ep, false)
	assert.Equal(t, first, fc.calls.Load(), "TTL 内应命中缓存")

	m.CheckHealth(context.Background(), ep, true)
	assert.Greater(t, fc.calls.Load(), first, "force 应重新探测")

	afterForce := fc.calls.Load()
	now = now.Add(2 * time.Minute)
	m.CheckHealth(context.Background(), ep, false)
	assert.Greater(t, fc.calls.Load(), afterForce, "过期后应重新探测")
}

func TestCheckAllHealthRunsInParallel(t *testing.T) {
	clients := map[string]*fakeClient{
		"u1": {chainID: 1, block: 1, delay: 100 * time.Millisecond},
		"u2": {chainID: 1, block: 1, delay: 100 * time.Millisecond},
		"u3": {chainID: 1, block: 1, delay: 100 * time.Millisecond},
	}
	m := newTestManager(clients, []Endpoint{{Name: "a", URL: "u1"}, {Name: "b", URL: "u2"}, {Name: "c", URL: "u3"}})
	defer m.Close()

	start := time.Now()
	recs := m.CheckAllHealth(context.Background())
	elapsed := time.Since(start)

	require.Len(t, recs, 3)
	for _, r := range recs {
		assert.True(t, r.OK)
	}
	// 每个端点串行两次调用约 200ms；并行时总耗时不应接近 600ms。
	assert.Less(t, elapsed, 450*time.Millisecond)
}

func TestCloseAndRecycleReleaseConnections(t *testing.T) {
	fc := &fakeClient{chainID: 1, block: 1}
	m := newTestManager(map[string]*fakeClient{"u": fc}, []Endpoint{{Name: "n", URL: "u"}})

	_, err := m.GetBestProvider(context.Background())
	require.NoError(t, err)

	m.Recycle()
	assert.True(t, fc.closed.Load())

	fc.closed.Store(false)
	_, err = m.GetBestProvider(context.Background())
	require.NoError(t, err)

	m.Close()
	assert.True(t, fc.closed.Load())

	_, err = m.GetBestProvider(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConnRetriesReads(t *testing.T) {
	flaky := &flakyClient{fakeClient: fakeClient{chainID: 1, block: 9}, failures: 1}
	conn := newConn("n", flaky, retry.Policy{Attempts: 3, Timeout: time.Second, BaseDelay: time.Millisecond}, time.Second, nil)

	out, err := conn.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, out)
	assert.Equal(t, int32(2), flaky.attempts.Load())

	flaky.failures = 5
	flaky.attempts.Store(0)
	err = conn.SendTransaction(context.Background(), types.NewTx(&types.LegacyTx{}))
	require.Error(t, err)
	assert.Equal(t, int32(1), flaky.attempts.Load(), "发送交易不得重试")
}

type flakyClient struct {
	fakeClient
	failures int32
	attempts atomic.Int32
}

func (f *flakyClient) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if f.attempts.Add(1) <= f.failures {
		return nil, errors.New("429 too many requests")
	}
	return []byte{1}, nil
}

func (f *flakyClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.attempts.Add(1) <= f.failures {
		return errors.New("503")
	}
	return nil
}
