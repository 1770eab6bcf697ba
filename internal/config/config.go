package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"arb-scanner/internal/logging"
	"arb-scanner/internal/rpc"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig                `mapstructure:"app"`
	Logging   logging.Config           `mapstructure:"logging"`
	Database  DatabaseConfig           `mapstructure:"database"`
	Redis     RedisConfig              `mapstructure:"redis"`
	Status    StatusConfig             `mapstructure:"status"`
	Scheduler SchedulerConfig          `mapstructure:"scheduler"`
	Watchdog  WatchdogConfig           `mapstructure:"watchdog"`
	RPC       RPCConfig                `mapstructure:"rpc"`
	Chains    []ChainConfig            `mapstructure:"chains"`
	Tokens    []TokenConfig            `mapstructure:"tokens"`
	Pairs     []PairConfig             `mapstructure:"pairs"`
	Sources   []SourceConfig           `mapstructure:"sources"`
	Profiles  map[string]ProfileConfig `mapstructure:"profiles"`
	Scan      ScanConfig               `mapstructure:"scan"`
	Execution ExecutionConfig          `mapstructure:"execution"`
	Alerting  AlertingConfig           `mapstructure:"alerting"`
	Export    ExportConfig             `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Profile     string `mapstructure:"profile"`
	ReportsDir  string `mapstructure:"reports_dir"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Empty DSN disables the archive.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig 控制扫描报告的发布。URL 为空时不发布。
type RedisConfig struct {
	URL     string        `mapstructure:"url"`
	Key     string        `mapstructure:"key"`
	Channel string        `mapstructure:"channel"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// StatusConfig enables the HTTP status API when Listen is set.
type StatusConfig struct {
	Listen string `mapstructure:"listen"`
}

// SchedulerConfig governs the operator loop cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// WatchdogConfig tunes backoff after failed cycles.
type WatchdogConfig struct {
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	RecycleThreshold int           `mapstructure:"recycle_threshold"`
}

// RPCConfig applies to every endpoint connection.
type RPCConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Attempts    int           `mapstructure:"attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      float64       `mapstructure:"jitter"`
	HealthTTL   time.Duration `mapstructure:"health_ttl"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	Burst       int           `mapstructure:"burst"`
}

// ChainConfig lists the RPC endpoints of one chain.
type ChainConfig struct {
	ID        uint64         `mapstructure:"id"`
	Name      string         `mapstructure:"name"`
	Endpoints []rpc.Endpoint `mapstructure:"endpoints"`
}

// TokenConfig is one catalog token.
type TokenConfig struct {
	ChainID  uint64 `mapstructure:"chain_id"`
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

// PairConfig is one catalog pair; Base/Quote reference token symbols.
type PairConfig struct {
	ChainID            uint64  `mapstructure:"chain_id"`
	Base               string  `mapstructure:"base"`
	Quote              string  `mapstructure:"quote"`
	Enabled            bool    `mapstructure:"enabled"`
	TradeSizeEth       float64 `mapstructure:"trade_size_eth"`
	LiquidityDepthHint float64 `mapstructure:"liquidity_depth_hint"`
}

// Symbol returns "BASE/QUOTE".
func (p PairConfig) Symbol() string {
	return strings.ToUpper(p.Base) + "/" + strings.ToUpper(p.Quote)
}

// Source kinds.
const (
	SourceMock = "mock"
	SourceV2   = "v2"
	SourceV3   = "v3"
	SourceCow  = "cow"
)

// SourceConfig describes one quote source on one chain.
type SourceConfig struct {
	Name    string `mapstructure:"name"`
	ChainID uint64 `mapstructure:"chain_id"`
	Kind    string `mapstructure:"kind"`
	Router  string `mapstructure:"router"`
	Quoter  string `mapstructure:"quoter"`
	FeeTier uint32 `mapstructure:"fee_tier"`
	// Venue 是执行合约调用该来源时使用的地址，缺省为 router。
	Venue        string             `mapstructure:"venue"`
	BaseURL      string             `mapstructure:"base_url"`
	PriceQuality string             `mapstructure:"price_quality"`
	Timeout      time.Duration      `mapstructure:"timeout"`
	Prices       map[string]float64 `mapstructure:"prices"`
}

// VenueAddress returns the executor-facing address of the source, if any.
func (s SourceConfig) VenueAddress() (common.Address, bool) {
	raw := s.Venue
	if raw == "" {
		raw = s.Router
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// ProfileConfig narrows what the operator loop scans.
type ProfileConfig struct {
	Chains      []uint64      `mapstructure:"chains"`
	Pairs       []string      `mapstructure:"pairs"`
	Concurrency int           `mapstructure:"concurrency"`
	Interval    time.Duration `mapstructure:"interval"`
}

// ScanConfig are the scan engine inputs.
type ScanConfig struct {
	MinProfitGap   float64 `mapstructure:"min_profit_gap"`
	MinProfitEth   float64 `mapstructure:"min_profit_eth"`
	GasPriceGwei   float64 `mapstructure:"gas_price_gwei"`
	GasLimit       uint64  `mapstructure:"gas_limit"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
	BlockTag       string  `mapstructure:"block_tag"`
}

// ExecutionConfig gates on-chain submission.
type ExecutionConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	ChainID             uint64        `mapstructure:"chain_id"`
	PrivateKey          string        `mapstructure:"private_key"`
	ExecutorContract    string        `mapstructure:"executor_contract"`
	MinNetProfitEth     float64       `mapstructure:"min_net_profit_eth"`
	MaxTradeSizeEth     float64       `mapstructure:"max_trade_size_eth"`
	MaxGasGwei          float64       `mapstructure:"max_gas_gwei"`
	MaxSlippageBps      int           `mapstructure:"max_slippage_bps"`
	MaxDailyLossEth     float64       `mapstructure:"max_daily_loss_eth"`
	Cooldown            time.Duration `mapstructure:"cooldown"`
	ReplayWindow        time.Duration `mapstructure:"replay_window"`
	KillSwitchFile      string        `mapstructure:"kill_switch_file"`
	AllowedDestinations []string      `mapstructure:"allowed_destinations"`
	PendingTimeout      time.Duration `mapstructure:"pending_timeout"`
	ConfirmTimeout      time.Duration `mapstructure:"confirm_timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	MinScore float64        `mapstructure:"min_score"`
	Timeout  time.Duration  `mapstructure:"timeout"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARBSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "arbscan")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.profile", "")
	v.SetDefault("app.reports_dir", "reports")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key", "arbscan:scan:latest")
	v.SetDefault("redis.channel", "arbscan:scans")
	v.SetDefault("redis.ttl", "10m")

	v.SetDefault("status.listen", "")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x61726273))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("watchdog.base_backoff", "5s")
	v.SetDefault("watchdog.max_backoff", "5m")
	v.SetDefault("watchdog.recycle_threshold", 3)

	v.SetDefault("rpc.timeout", "8s")
	v.SetDefault("rpc.attempts", 3)
	v.SetDefault("rpc.base_delay", "250ms")
	v.SetDefault("rpc.max_delay", "4s")
	v.SetDefault("rpc.jitter", 0.3)
	v.SetDefault("rpc.health_ttl", "15s")
	v.SetDefault("rpc.send_timeout", "20s")
	v.SetDefault("rpc.rate_limit", 0)
	v.SetDefault("rpc.burst", 1)

	v.SetDefault("scan.min_profit_gap", 0.005)
	v.SetDefault("scan.min_profit_eth", 0.0)
	v.SetDefault("scan.gas_price_gwei", 20.0)
	v.SetDefault("scan.gas_limit", 250000)
	v.SetDefault("scan.max_concurrency", 4)
	v.SetDefault("scan.block_tag", "")

	v.SetDefault("execution.enabled", false)
	v.SetDefault("execution.chain_id", 0)
	v.SetDefault("execution.private_key", "")
	v.SetDefault("execution.executor_contract", "")
	v.SetDefault("execution.min_net_profit_eth", 0.01)
	v.SetDefault("execution.max_trade_size_eth", 1.0)
	v.SetDefault("execution.max_gas_gwei", 80.0)
	v.SetDefault("execution.max_slippage_bps", 100)
	v.SetDefault("execution.max_daily_loss_eth", 0.1)
	v.SetDefault("execution.cooldown", "5m")
	v.SetDefault("execution.replay_window", "30m")
	v.SetDefault("execution.kill_switch_file", "reports/execution/KILL_SWITCH")
	v.SetDefault("execution.allowed_destinations", []string{})
	v.SetDefault("execution.pending_timeout", "10m")
	v.SetDefault("execution.confirm_timeout", "2m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_score", 0.0)
	v.SetDefault("alerting.timeout", "10s")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks; any error is fatal at startup.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.App.ReportsDir == "" {
		return fmt.Errorf("app.reports_dir 必须配置")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	seenChains := make(map[uint64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ID == 0 {
			return fmt.Errorf("chain %q: id must be set", ch.Name)
		}
		if seenChains[ch.ID] {
			return fmt.Errorf("chain %d configured twice", ch.ID)
		}
		seenChains[ch.ID] = true
		if len(ch.Endpoints) == 0 {
			return fmt.Errorf("chain %d: at least one endpoint required", ch.ID)
		}
		names := make(map[string]bool, len(ch.Endpoints))
		for _, ep := range ch.Endpoints {
			if ep.Name == "" || ep.URL == "" {
				return fmt.Errorf("chain %d: endpoint name and url are required", ch.ID)
			}
			if names[ep.Name] {
				return fmt.Errorf("chain %d: duplicate endpoint name %q", ch.ID, ep.Name)
			}
			names[ep.Name] = true
		}
	}

	for _, p := range c.Pairs {
		if !seenChains[p.ChainID] {
			return fmt.Errorf("pair %s: chain %d not configured", p.Symbol(), p.ChainID)
		}
		if _, ok := c.Token(p.ChainID, p.Base); !ok {
			return fmt.Errorf("pair %s: unknown token %s on chain %d", p.Symbol(), p.Base, p.ChainID)
		}
		if _, ok := c.Token(p.ChainID, p.Quote); !ok {
			return fmt.Errorf("pair %s: unknown token %s on chain %d", p.Symbol(), p.Quote, p.ChainID)
		}
		if p.TradeSizeEth <= 0 {
			return fmt.Errorf("pair %s: trade_size_eth must be greater than zero", p.Symbol())
		}
	}
	for _, t := range c.Tokens {
		if !common.IsHexAddress(t.Address) {
			return fmt.Errorf("token %s: invalid address", t.Symbol)
		}
	}

	sourceNames := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		key := fmt.Sprintf("%d:%s", s.ChainID, s.Name)
		if s.Name == "" || sourceNames[key] {
			return fmt.Errorf("source names must be unique and non-empty per chain (%q)", s.Name)
		}
		sourceNames[key] = true
		switch s.Kind {
		case SourceMock, SourceV2, SourceV3, SourceCow:
		default:
			return fmt.Errorf("source %s: unknown kind %q", s.Name, s.Kind)
		}
	}

	if c.App.Profile != "" {
		if _, ok := c.Profiles[strings.ToLower(c.App.Profile)]; !ok {
			return fmt.Errorf("app.profile %q not defined", c.App.Profile)
		}
	}

	if c.Scan.GasLimit == 0 {
		return fmt.Errorf("scan.gas_limit must be greater than zero")
	}
	if c.Scan.MinProfitGap < 0 {
		return fmt.Errorf("scan.min_profit_gap cannot be negative")
	}

	if c.Execution.Enabled {
		if c.Execution.PrivateKey == "" {
			return fmt.Errorf("execution.private_key 必须配置")
		}
		if !common.IsHexAddress(c.Execution.ExecutorContract) {
			return fmt.Errorf("execution.executor_contract must be a valid address")
		}
		if c.Execution.ChainID == 0 {
			return fmt.Errorf("execution.chain_id 必须配置")
		}
		if !seenChains[c.Execution.ChainID] {
			return fmt.Errorf("execution.chain_id %d is not a configured chain", c.Execution.ChainID)
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// Token looks up a catalog token by chain and symbol (case-insensitive).
func (c *Config) Token(chainID uint64, symbol string) (TokenConfig, bool) {
	for _, t := range c.Tokens {
		if t.ChainID == chainID && strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// Chain looks up a configured chain.
func (c *Config) Chain(id uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// ActiveProfile resolves app.profile, falling back to every chain and pair
// with the scan/scheduler defaults.
func (c *Config) ActiveProfile() ProfileConfig {
	// viper 会把 map 的键统一转成小写。
	p := c.Profiles[strings.ToLower(c.App.Profile)]
	if len(p.Chains) == 0 {
		for _, ch := range c.Chains {
			p.Chains = append(p.Chains, ch.ID)
		}
	}
	if p.Concurrency <= 0 {
		p.Concurrency = c.Scan.MaxConcurrency
	}
	if p.Interval <= 0 {
		p.Interval = c.Scheduler.Interval
	}
	return p
}

// PairsFor returns the catalog pairs of a chain narrowed by the profile's
// pair list (empty = all).
func (c *Config) PairsFor(chainID uint64, profile ProfileConfig) []PairConfig {
	allow := make(map[string]bool, len(profile.Pairs))
	for _, s := range profile.Pairs {
		allow[strings.ToUpper(s)] = true
	}
	var out []PairConfig
	for _, p := range c.Pairs {
		if p.ChainID != chainID {
			continue
		}
		if len(allow) > 0 && !allow[p.Symbol()] {
			continue
		}
		out = append(out, p)
	}
	return out
}

// SourcesFor returns the sources configured on a chain.
func (c *Config) SourcesFor(chainID uint64) []SourceConfig {
	var out []SourceConfig
	for _, s := range c.Sources {
		if s.ChainID == chainID {
			out = append(out, s)
		}
	}
	return out
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
