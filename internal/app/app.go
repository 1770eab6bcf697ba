package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"arb-scanner/internal/alerting"
	"arb-scanner/internal/config"
	"arb-scanner/internal/execution"
	"arb-scanner/internal/publish"
	"arb-scanner/internal/retry"
	"arb-scanner/internal/rpc"
	"arb-scanner/internal/scheduler"
	"arb-scanner/internal/service"
	"arb-scanner/internal/statusapi"
	"arb-scanner/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out 接收命令的表格/JSON 输出。
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) rpcPolicy() retry.Policy {
	c := a.Config.RPC
	return retry.Policy{
		Attempts:  c.Attempts,
		Timeout:   c.Timeout,
		BaseDelay: c.BaseDelay,
		MaxDelay:  c.MaxDelay,
		Jitter:    c.Jitter,
	}
}

func (a *App) newManager(chain config.ChainConfig) *rpc.Manager {
	c := a.Config.RPC
	return rpc.NewManager(rpc.Options{
		Endpoints:       chain.Endpoints,
		ExpectedChainID: chain.ID,
		HealthTTL:       c.HealthTTL,
		Policy:          a.rpcPolicy(),
		SendTimeout:     c.SendTimeout,
		RateLimit:       c.RateLimit,
		Burst:           c.Burst,
	}, a.Logger.With().Uint64("chain_id", chain.ID).Logger())
}

// chainSet holds one rpc manager per scanned chain.
type chainSet struct {
	chains   []service.Chain
	managers map[uint64]*rpc.Manager
}

func (c *chainSet) Close() {
	for _, m := range c.managers {
		m.Close()
	}
}

// newChains builds the scanned chains of the active profile.
func (a *App) newChains() (*chainSet, error) {
	profile := a.Config.ActiveProfile()
	set := &chainSet{managers: make(map[uint64]*rpc.Manager)}
	for _, id := range profile.Chains {
		cc, ok := a.Config.Chain(id)
		if !ok {
			set.Close()
			return nil, fmt.Errorf("profile references unknown chain %d", id)
		}
		pairs, err := service.Pairs(a.Config, id, profile)
		if err != nil {
			set.Close()
			return nil, err
		}
		sources := a.Config.SourcesFor(id)
		mgr := a.newManager(cc)
		set.managers[id] = mgr
		set.chains = append(set.chains, service.Chain{
			ID:        id,
			Name:      cc.Name,
			Providers: mgr,
			Pairs:     pairs,
			Sources:   service.NewSourceFactory(sources, a.rpcPolicy(), a.Logger),
			Venues:    service.Venues(sources),
		})
	}
	if len(set.chains) == 0 {
		return nil, errors.New("no chains selected by profile")
	}
	return set, nil
}

func (a *App) artifacts() *service.Artifacts {
	return service.NewArtifacts(a.Config.App.ReportsDir)
}

// newEngine builds the execution engine. The engine always exists so status
// and kill switch commands work; submission stays gated by policy.
func (a *App) newEngine(chains *chainSet) (*execution.Engine, error) {
	ec := a.Config.Execution
	var signer execution.TxSigner
	if ec.PrivateKey != "" {
		s, err := execution.NewSigner(ec.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("load execution signer: %w", err)
		}
		signer = s
	}

	var chainFn execution.ChainFunc
	if chains != nil {
		if mgr, ok := chains.managers[ec.ChainID]; ok {
			chainFn = func(ctx context.Context) (execution.Chain, error) {
				p, err := mgr.GetBestProvider(ctx)
				if err != nil {
					return nil, err
				}
				return p.Conn, nil
			}
		}
	}

	return execution.New(execution.Options{
		Policy: execution.PolicyConfig{
			Enabled:             ec.Enabled,
			ChainID:             ec.ChainID,
			MinNetProfitEth:     ec.MinNetProfitEth,
			MaxTradeSizeEth:     ec.MaxTradeSizeEth,
			MaxGasGwei:          ec.MaxGasGwei,
			MaxSlippageBps:      ec.MaxSlippageBps,
			MaxDailyLossEth:     ec.MaxDailyLossEth,
			Cooldown:            ec.Cooldown,
			ReplayWindow:        ec.ReplayWindow,
			AllowedDestinations: ec.AllowedDestinations,
		},
		Dir:            a.artifacts().ExecutionDir(),
		KillSwitchFile: a.killSwitchPath(),
		PendingTimeout: ec.PendingTimeout,
		ConfirmTimeout: ec.ConfirmTimeout,
		Signer:         signer,
		Chain:          chainFn,
	}, a.Logger), nil
}

func (a *App) killSwitchPath() string {
	if p := a.Config.Execution.KillSwitchFile; p != "" {
		return p
	}
	return filepath.Join(a.artifacts().ExecutionDir(), "KILL_SWITCH")
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openPublisher(ctx context.Context) (publish.Publisher, func(), error) {
	rc := a.Config.Redis
	if rc.URL == "" {
		return nil, nil, nil
	}
	client, err := publish.NewClient(rc.URL)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	pub := publish.NewRedisPublisher(client, publish.Options{KeyPrefix: rc.Key, Channel: rc.Channel, TTL: rc.TTL}, a.Logger)
	return pub, func() { _ = client.Close() }, nil
}

// deps are the collaborators shared by run and scan.
type deps struct {
	chains  *chainSet
	engine  *execution.Engine
	store   *storage.Store
	closers []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// serviceOptions wires everything the scan service needs. withStore also opens
// the optional archive and publisher.
func (a *App) serviceOptions(ctx context.Context, withStore bool) (service.Options, *deps, error) {
	d := &deps{}
	chains, err := a.newChains()
	if err != nil {
		return service.Options{}, nil, err
	}
	d.chains = chains
	d.closers = append(d.closers, chains.Close)

	engine, err := a.newEngine(chains)
	if err != nil {
		d.Close()
		return service.Options{}, nil, err
	}
	d.engine = engine

	profile := a.Config.ActiveProfile()
	sc := a.Config.Scan
	opts := service.Options{
		Chains: chains.chains,
		Scan: service.ScanParams{
			MinProfitGap:   sc.MinProfitGap,
			MinProfitEth:   sc.MinProfitEth,
			GasPriceGwei:   sc.GasPriceGwei,
			GasLimit:       sc.GasLimit,
			MaxConcurrency: profile.Concurrency,
			BlockTag:       sc.BlockTag,
		},
		Artifacts:     a.artifacts(),
		Engine:        engine,
		ExecChainID:   a.Config.Execution.ChainID,
		LockKey:       a.Config.Scheduler.AdvisoryLockKey,
		Notifier:      a.newNotifier(),
		AlertsOn:      a.Config.Alerting.Enabled,
		AlertMinScore: a.Config.Alerting.MinScore,
	}
	if common.IsHexAddress(a.Config.Execution.ExecutorContract) {
		opts.Executor = common.HexToAddress(a.Config.Execution.ExecutorContract)
	}

	if withStore {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			d.Close()
			return service.Options{}, nil, err
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; archive disabled")
		} else {
			d.store = store
			d.closers = append(d.closers, closeStore)
			if err := store.EnsureSchema(ctx); err != nil {
				d.Close()
				return service.Options{}, nil, err
			}
			opts.Archive = store
			opts.ExecArchive = store
			opts.Locker = store
		}

		pub, closePub, err := a.openPublisher(ctx)
		if err != nil {
			a.Logger.Error().Err(err).Msg("redis unavailable; publication disabled")
		} else if pub != nil {
			opts.Publisher = pub
			d.closers = append(d.closers, closePub)
		}
	}

	return opts, d, nil
}

// Run executes the long-running operator loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, d, err := a.serviceOptions(ctx, true)
	if err != nil {
		return err
	}
	defer d.Close()

	wd := scheduler.NewWatchdog(scheduler.WatchdogOptions{
		BaseBackoff:      a.Config.Watchdog.BaseBackoff,
		MaxBackoff:       a.Config.Watchdog.MaxBackoff,
		RecycleThreshold: a.Config.Watchdog.RecycleThreshold,
	})
	var svc *service.Service
	opts.Watchdog = wd
	opts.Scheduler = scheduler.New(scheduler.Options{
		Interval:     a.Config.ActiveProfile().Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Watchdog:     wd,
		OnRecycle:    func() { svc.Recycle() },
	}, a.Logger)
	svc = service.New(opts, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info().
			Str("profile", a.Config.App.Profile).
			Int("chains", len(opts.Chains)).
			Bool("execution", a.Config.Execution.Enabled).
			Msg("starting operator loop")
		return svc.Run(gctx)
	})
	if listen := a.Config.Status.Listen; listen != "" {
		server := statusapi.New(statusapi.Options{
			Listen:    listen,
			Artifacts: opts.Artifacts,
			Execution: d.engine,
		}, a.Logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("operator loop terminated with error")
		return err
	}

	a.Logger.Info().Msg("operator loop stopped")
	return nil
}

// ExportOptions hold parameters for exporting archived scans.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	Executions bool
}

// BackfillOptions configure a historical block-range scan.
type BackfillOptions struct {
	ChainID   uint64
	FromBlock uint64
	ToBlock   uint64
	Step      uint64
	DryRun    bool
}
