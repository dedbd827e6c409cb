package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"option-settlement-pipeline/internal/alerting"
	"option-settlement-pipeline/internal/config"
	"option-settlement-pipeline/internal/consensus"
	"option-settlement-pipeline/internal/engine"
	"option-settlement-pipeline/internal/feed"
	"option-settlement-pipeline/internal/orchestrator"
	"option-settlement-pipeline/internal/scheduler"
	"option-settlement-pipeline/internal/service"
	"option-settlement-pipeline/internal/settlement"
	"option-settlement-pipeline/internal/storage"

	"github.com/shopspring/decimal"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFeeds() []feed.Feed {
	feeds := make([]feed.Feed, 0, len(a.Config.Feeds.Exchanges)+1)
	for _, fc := range a.Config.Feeds.Exchanges {
		feeds = append(feeds, feed.NewExchange(feed.ExchangeOptions{
			Name:      fc.Name,
			BaseURL:   fc.BaseURL,
			Pair:      fc.Pair,
			Timeout:   fc.Timeout,
			UserAgent: fc.UserAgent,
		}, a.Logger))
	}
	if a.Config.Feeds.Onchain.Enabled {
		oc := a.Config.Feeds.Onchain
		feeds = append(feeds, feed.NewOnchain(feed.OnchainOptions{
			Name:              oc.Name,
			RPCURL:            oc.RPCURL,
			AggregatorAddress: oc.AggregatorAddress,
			Decimals:          oc.Decimals,
			Timeout:           oc.RequestTimeout,
		}, a.Logger))
	}
	return feeds
}

// newEngine selects the external emulator when configured, falling back to
// the in-process reference engine.
func (a *App) newEngine() engine.Engine {
	if a.Config.Engine.EmulatorPath != "" {
		return engine.NewEmulator(engine.EmulatorOptions{
			BinaryPath: a.Config.Engine.EmulatorPath,
			Programs:   a.Config.Engine.Programs,
			Timeout:    a.Config.Engine.Timeout,
		}, a.Logger)
	}
	return &engine.Reference{}
}

func (a *App) newAggregator() *consensus.Aggregator {
	return consensus.NewAggregator(consensus.Params{
		Quorum:       a.Config.Consensus.Quorum,
		MaxDeviation: decimal.NewFromFloat(a.Config.Consensus.MaxDeviationPct).Div(decimal.NewFromInt(100)),
		Window:       a.Config.Consensus.Window,
	}, a.Logger)
}

func (a *App) newOrchestrator(eng engine.Engine) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Options{
		StepBudget:         a.Config.Engine.StepBudget,
		StepBudgetCap:      a.Config.Engine.StepBudgetCap,
		MemoryBudget:       a.Config.Engine.MemoryBudget,
		CheckpointInterval: a.Config.Trace.CheckpointInterval,
	}, eng, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
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

func (a *App) newService(store *storage.Store, sched *scheduler.Scheduler) *service.Service {
	ledger := settlement.NewLocalLedger(0)
	deps := service.Deps{
		Scheduler:    sched,
		Feeds:        a.newFeeds(),
		Aggregator:   a.newAggregator(),
		Orchestrator: a.newOrchestrator(a.newEngine()),
		Verifier:     &engine.Reference{},
		Settlements:  settlement.NewManager(ledger, a.Logger),
		Ledger:       ledger,
		Notifier:     a.newNotifier(),
	}
	if store != nil {
		deps.ConsensusStore = store
		deps.ContractStore = store
		deps.SettlementStore = store
		deps.DisputeStore = store
		deps.Locker = store
	}
	return service.New(a.Config, deps, a.Logger)
}

// Run executes the long-running settlement pipeline.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Epoch.Interval,
		AlignToStart: a.Config.Epoch.AlignToEpoch,
		StartupDelay: a.Config.Epoch.StartupDelay,
	}, a.Logger)

	svc := a.newService(store, sched)

	a.Logger.Info().Msg("starting settlement pipeline")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}

	a.Logger.Info().Msg("settlement pipeline stopped")
	return nil
}

// Settle settles one contract on demand against the latest consensus price.
func (a *App) Settle(ctx context.Context, contractID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot settle")
	}
	if closeStore != nil {
		defer closeStore()
	}

	svc := a.newService(store, nil)
	epoch := time.Now().UTC().Truncate(a.Config.Epoch.Interval)
	return svc.SettleContract(ctx, contractID, epoch)
}

// ExportOptions hold parameters for exporting consensus history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SimulateOptions describe one in-process settlement run.
type SimulateOptions struct {
	OptionType string
	Strike     decimal.Decimal
	Spot       decimal.Decimal
	Quantity   decimal.Decimal
}
