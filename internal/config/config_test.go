package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
app:
  profile: Fast
  reports_dir: /tmp/arb-reports
chains:
  - id: 1
    name: mainnet
    endpoints:
      - name: primary
        url: https://rpc.example.org/v3/secret
        priority: 0
      - name: backup
        url: https://backup.example.org
        priority: 1
tokens:
  - {chain_id: 1, symbol: WETH, address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", decimals: 18}
  - {chain_id: 1, symbol: USDC, address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", decimals: 6}
pairs:
  - {chain_id: 1, base: weth, quote: usdc, enabled: true, trade_size_eth: 1.5, liquidity_depth_hint: 500}
sources:
  - name: table-a
    chain_id: 1
    kind: mock
    prices:
      WETH/USDC: 2500
  - name: uni-v2
    chain_id: 1
    kind: v2
    router: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"
profiles:
  fast:
    pairs: [WETH/USDC]
    concurrency: 2
    interval: 10s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/arb-reports", cfg.App.ReportsDir)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 15*time.Second, cfg.RPC.HealthTTL)
	assert.Equal(t, uint64(250000), cfg.Scan.GasLimit)
	assert.Equal(t, 30*time.Minute, cfg.Execution.ReplayWindow)
	require.Len(t, cfg.Chains, 1)
	require.Len(t, cfg.Chains[0].Endpoints, 2)
	assert.Equal(t, "backup", cfg.Chains[0].Endpoints[1].Name)

	prof := cfg.ActiveProfile()
	assert.Equal(t, []uint64{1}, prof.Chains)
	assert.Equal(t, 2, prof.Concurrency)
	assert.Equal(t, 10*time.Second, prof.Interval)

	pairs := cfg.PairsFor(1, prof)
	require.Len(t, pairs, 1)
	assert.Equal(t, "WETH/USDC", pairs[0].Symbol())

	srcs := cfg.SourcesFor(1)
	require.Len(t, srcs, 2)
	var mockPrice float64
	for k, v := range srcs[0].Prices {
		if strings.EqualFold(k, "WETH/USDC") {
			mockPrice = v
		}
	}
	assert.Equal(t, 2500.0, mockPrice)

	venue, ok := srcs[1].VenueAddress()
	assert.True(t, ok)
	assert.Equal(t, "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D", venue.Hex())
	_, ok = srcs[0].VenueAddress()
	assert.False(t, ok)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ARBSCAN_SCAN_MIN_PROFIT_GAP", "0.02")
	t.Setenv("ARBSCAN_EXECUTION_ALLOWED_DESTINATIONS", "0x01,0x02")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, 0.02, cfg.Scan.MinProfitGap)
	assert.Equal(t, []string{"0x01", "0x02"}, cfg.Execution.AllowedDestinations)
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cases := map[string]func(c *Config){
		"no chains":          func(c *Config) { c.Chains = nil },
		"duplicate endpoint": func(c *Config) { c.Chains[0].Endpoints[1].Name = "primary" },
		"unknown token":      func(c *Config) { c.Pairs[0].Quote = "DAI" },
		"zero gas limit":     func(c *Config) { c.Scan.GasLimit = 0 },
		"bad source kind":    func(c *Config) { c.Sources[0].Kind = "curve" },
		"missing profile":    func(c *Config) { c.App.Profile = "slow" },
		"execution without key": func(c *Config) {
			c.Execution.Enabled = true
			c.Execution.ChainID = 1
			c.Execution.ExecutorContract = "0x00000000000000000000000000000000000000e1"
		},
		"execution on unknown chain": func(c *Config) {
			c.Execution.Enabled = true
			c.Execution.ChainID = 10
			c.Execution.PrivateKey = "k"
			c.Execution.ExecutorContract = "0x00000000000000000000000000000000000000e1"
		},
		"telegram without token": func(c *Config) { c.Alerting.Telegram.Enabled = true },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleYAML))
			require.NoError(t, err)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFailsOnInvalidFile(t *testing.T) {
	_, err := Load(writeConfig(t, "chains: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain")
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 10}}
	if cfg.ResolveMaxPoints(0) != 10 {
		t.Fatal("无覆盖时应使用配置默认值")
	}
	if cfg.ResolveMaxPoints(3) != 3 {
		t.Fatal("应优先使用命令行覆盖")
	}
}
