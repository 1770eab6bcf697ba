package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"arb-scanner/internal/config"
	"arb-scanner/internal/execution"
	"arb-scanner/internal/scan"
)

func TestNilStoreIsNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()

	_, err := s.InsertScanSummary(ctx, ScanSummary{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = s.TryAdvisoryLock(ctx, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, s.EnsureSchema(ctx), ErrNotConfigured)

	_, err = NewPool(ctx, config.DatabaseConfig{})
	assert.True(t, errors.Is(err, ErrNotConfigured), "DSN 为空时归档关闭")
}

func TestSummaryFromReport(t *testing.T) {
	opp := scan.Opportunity{ID: "o1", ChainID: 1, Pair: "WETH/USDC", BuyFrom: "a", SellTo: "b", GrossGap: 0.02, TradeSizeEth: 1, LiquidityDepthHint: 1000}
	sim := scan.Simulate(opp, scan.CostModel{GasPriceGwei: 10, GasLimit: 200000})
	report := &scan.Report{
		Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ChainID:       1,
		BlockNumber:   42,
		PairsScanned:  3,
		Opportunities: []scan.Opportunity{opp},
		Simulations:   []scan.Simulation{sim},
		Ranked:        scan.Rank([]scan.Opportunity{opp}, []scan.Simulation{sim}),
		Errors:        []scan.Error{{Pair: "WBTC/USDC", Source: "c", Message: "timeout"}},
	}

	sum, err := SummaryFromReport(report)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sum.BlockNumber)
	assert.Equal(t, 3, sum.PairsScanned)
	assert.Equal(t, 1, sum.Opportunities)
	assert.Equal(t, 1, sum.ErrorCount)
	assert.Equal(t, "a", sum.BestBuy)
	assert.Equal(t, "b", sum.BestSell)
	assert.True(t, sum.BestNetProfitEth.IsPositive())
	assert.Contains(t, string(sum.Report), `"rankedOpportunities"`)
}

// 需要 Docker，默认跳过：ARBSCAN_PG_TESTS=1 go test ./internal/storage/...
func TestStoreAgainstPostgres(t *testing.T) {
	if os.Getenv("ARBSCAN_PG_TESTS") != "1" {
		t.Skip("set ARBSCAN_PG_TESTS=1 to run PostgreSQL integration tests")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "arb",
				"POSTGRES_PASSWORD": "arb",
				"POSTGRES_DB":       "arb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := NewPool(ctx, config.DatabaseConfig{
		DSN:          fmt.Sprintf("postgres://arb:arb@%s:%s/arb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 4,
	})
	require.NoError(t, err)
	store := NewStore(pool)
	t.Cleanup(store.Close)

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "建表应可重复执行")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := store.InsertScanSummary(ctx, ScanSummary{
			CycleTS:          base.Add(time.Duration(i) * time.Minute),
			ChainID:          1,
			BlockNumber:      uint64(100 + i),
			PairsScanned:     2,
			BestNetProfitEth: decimal.RequireFromString("0.0125"),
			Report:           []byte(`{"chainId":1}`),
		})
		require.NoError(t, err)
	}
	// 同一周期重复写入按 upsert 处理。
	_, err = store.InsertScanSummary(ctx, ScanSummary{CycleTS: base, ChainID: 1, BlockNumber: 999})
	require.NoError(t, err)

	recent, err := store.ListRecentScans(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(102), recent[0].BlockNumber)

	window, err := store.ListScansBetween(ctx, base, base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, uint64(999), window[0].BlockNumber)
	assert.True(t, window[1].BestNetProfitEth.Equal(decimal.RequireFromString("0.0125")))

	pnl := decimal.RequireFromString("-0.002")
	rec, err := store.InsertExecution(ctx, RecordFromResult(1, "0xabc", execution.SendResult{
		Status:         execution.StatusError,
		Stage:          execution.StageError,
		Reason:         execution.ReasonTxReverted,
		AttemptID:      "att-1",
		OpportunityID:  "opp-1",
		TxHash:         "0xdead",
		RealizedPnlEth: &pnl,
	}))
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)

	execs, err := store.ListRecentExecutions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.NotNil(t, execs[0].RealizedPnlEth)
	assert.True(t, execs[0].RealizedPnlEth.Equal(pnl))
	assert.Equal(t, "TX_REVERTED", execs[0].Reason)

	unlock, ok, err := store.TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	require.True(t, ok)

	other, err := pgxpool.New(ctx, fmt.Sprintf("postgres://arb:arb@%s:%s/arb?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	defer other.Close()
	_, held, err := NewStore(other).TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.False(t, held, "锁被持有时其他会话拿不到")

	unlock()
	unlock2, again, err := NewStore(other).TryAdvisoryLock(ctx, 4242)
	require.NoError(t, err)
	assert.True(t, again)
	unlock2()
}
