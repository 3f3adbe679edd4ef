// Package application wires the orchestration core's components together
// (C1 interaction store, C2 capability registry, C3 provider adapters, C4
// router, C5 swarm queue/message bus/decomposer/executor) and exposes the
// stable public API surface callers embed against.
package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/orchestrator-core/internal/domain/swarm"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/config"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/hooks"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/interaction"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm/anthropic"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm/openai"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/queue"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/registry"
	"github.com/ngoclaw/orchestrator-core/pkg/safego"
)

// defaultHooksBufferSize bounds the lifecycle-event dispatch channel.
const defaultHooksBufferSize = 256

// defaultStaleSweepMinutes is how often the background sweep loop looks for
// tasks claimed but never completed, used when QueueConfig.StaleMinutes is
// unset.
const defaultStaleSweepMinutes = 15

// retentionSweepEvery is how often the sweep loop also reclaims rows from
// fully-completed swarms, relative to the stale-claim check interval.
const retentionSweepEvery = 4

// App is the dependency-injection container for the orchestration core. It
// owns every component's lifecycle and exposes the operations named in the
// library's public surface.
type App struct {
	config *config.Config
	logger *zap.Logger

	interactionStore *interaction.Store
	registry         *registry.Registry
	router           *llm.Router

	queueDB      interface{ Close() error }
	Tasks        *queue.TaskStore
	Messages     *queue.MessageBus
	Hooks        *hooks.Bus
	Decomposer   *swarm.Decomposer
	Executor     *swarm.Executor

	stopSweep chan struct{}
}

// New builds the full component graph from cfg. Both provider adapters are
// always registered; missing credentials do not fail startup and surface
// only as an error from the first call that needs them.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := config.Bootstrap(logger); err != nil {
		logger.Warn("bootstrap failed (non-fatal)", zap.Error(err))
	}

	app := &App{
		config:    cfg,
		logger:    logger,
		stopSweep: make(chan struct{}),
	}

	if err := app.initCallLog(); err != nil {
		return nil, fmt.Errorf("failed to init interaction store: %w", err)
	}
	if err := app.initRouter(); err != nil {
		return nil, fmt.Errorf("failed to init llm router: %w", err)
	}
	if err := app.initSwarm(); err != nil {
		return nil, fmt.Errorf("failed to init swarm queue: %w", err)
	}

	return app, nil
}

func (app *App) initCallLog() error {
	app.registry = registry.New(pricingOverrides(app.config.Pricing))

	store, err := interaction.Open(app.config.Interaction.Path, app.config.Interaction.QueueCapacity, app.registry, app.logger)
	if err != nil {
		return err
	}
	app.interactionStore = store
	return nil
}

func pricingOverrides(cfg map[string]config.PricingConfig) map[string]registry.Pricing {
	if len(cfg) == 0 {
		return nil
	}
	out := make(map[string]registry.Pricing, len(cfg))
	for model, p := range cfg {
		out[model] = registry.Pricing{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
	}
	return out
}

func (app *App) initRouter() error {
	app.router = llm.NewRouter(app.registry, app.interactionStore, app.logger)
	app.router.SetBreakerDefaults(
		app.config.Router.CircuitFailureThreshold,
		time.Duration(app.config.Router.CircuitRecoveryTimeoutSeconds)*time.Second,
	)

	anthropicCfg := app.config.Providers.Anthropic
	app.router.RegisterProvider(anthropic.New(anthropic.Config{
		APIKey:      anthropicCfg.APIKey,
		BaseURL:     anthropicCfg.BaseURL,
		AuthFile:    anthropicCfg.AuthFile,
		OAuthURL:    anthropicCfg.OAuthURL,
		ClientID:    anthropicCfg.ClientID,
		SkipSmoke:   anthropicCfg.SkipSmoke,
		HTTPTimeout: anthropicCfg.HTTPTimeout,
	}, app.interactionStore, app.logger))

	openaiCfg := app.config.Providers.OpenAI
	app.router.RegisterProvider(openai.New(openai.Config{
		BaseURL:     openaiCfg.BaseURL,
		AuthFile:    openaiCfg.AuthFile,
		OAuthURL:    openaiCfg.OAuthURL,
		ClientID:    openaiCfg.ClientID,
		SkipSmoke:   openaiCfg.SkipSmoke,
		HTTPTimeout: openaiCfg.HTTPTimeout,
	}, app.interactionStore, app.logger))

	app.router.Configure(llm.StrategyDefaults{
		MinSuccessRate:         app.config.Router.MinSuccessRate,
		BalancedMinSuccessRate: app.config.Router.BalancedMinSuccessRate,
		MinSampleSize:          app.config.Router.MinSampleSize,
		StatsHoursBack:         app.config.Router.StatsHoursBack,
		Fallbacks:              app.config.Router.Fallbacks,
	})

	return nil
}

func (app *App) initSwarm() error {
	db, err := queue.Open(queue.DBConfig{Type: app.config.Database.Type, DSN: app.config.Database.DSN})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err == nil {
		app.queueDB = sqlDB
	}

	app.Hooks = hooks.NewBus(app.logger, defaultHooksBufferSize)
	app.Tasks = queue.NewTaskStore(db, app.Hooks)
	app.Messages = queue.NewMessageBus(db)
	app.Decomposer = swarm.NewDecomposer(app.router)
	app.Executor = swarm.NewExecutor(app.Tasks, app.Decomposer, app.router, app.Hooks, app.logger)

	return nil
}

// Start launches the background stale-task sweep. It does not block.
func (app *App) Start(ctx context.Context) error {
	staleMinutes := app.config.Queue.StaleMinutes
	if staleMinutes <= 0 {
		staleMinutes = defaultStaleSweepMinutes
	}
	retentionDays := app.config.Queue.RetentionDays

	safego.Go(app.logger, "stale-task-sweep", func() {
		app.runStaleSweep(ctx, staleMinutes, retentionDays)
	})
	app.logger.Info("orchestration core started")
	return nil
}

func (app *App) runStaleSweep(ctx context.Context, staleMinutes, retentionDays int) {
	ticker := time.NewTicker(time.Duration(staleMinutes) * time.Minute)
	defer ticker.Stop()
	var tick int
	for {
		select {
		case <-ctx.Done():
			return
		case <-app.stopSweep:
			return
		case <-ticker.C:
			tick++
			app.sweepStaleTasks(staleMinutes)
			if retentionDays > 0 && tick%retentionSweepEvery == 0 {
				app.sweepCompletedSwarms(retentionDays)
			}
		}
	}
}

func (app *App) sweepStaleTasks(staleMinutes int) {
	stale, err := app.Tasks.GetStaleTasks(staleMinutes)
	if err != nil {
		app.logger.Warn("stale task sweep failed", zap.Error(err))
		return
	}
	for _, t := range stale {
		if err := app.Tasks.ResetTask(t.ID); err != nil {
			app.logger.Warn("failed to reset stale task", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	if len(stale) > 0 {
		app.logger.Info("reset stale tasks", zap.Int("count", len(stale)))
	}
}

func (app *App) sweepCompletedSwarms(retentionDays int) {
	n, err := app.Tasks.CleanCompletedSwarms(retentionDays)
	if err != nil {
		app.logger.Warn("completed-swarm retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		app.logger.Info("reclaimed completed swarm rows", zap.Int64("count", n))
	}
}

// Stop tears down background work and closes every owned resource.
func (app *App) Stop(ctx context.Context) error {
	close(app.stopSweep)
	app.Hooks.Close()

	if app.queueDB != nil {
		if err := app.queueDB.Close(); err != nil {
			app.logger.Error("failed to close swarm/message db", zap.Error(err))
		}
	}
	if app.interactionStore != nil {
		if err := app.interactionStore.Close(); err != nil {
			app.logger.Error("failed to close interaction store", zap.Error(err))
		}
	}

	app.logger.Info("orchestration core stopped")
	return nil
}

// Router returns the shared LLM router (runLlm, runClaude, runOpenAI,
// routedLlm, resolveModel, getModelStats, configureRouter).
func (app *App) Router() *llm.Router { return app.router }

// Registry returns the capability registry (C2).
func (app *App) Registry() *registry.Registry { return app.registry }

// InteractionStore returns the call-log store (C1).
func (app *App) InteractionStore() *interaction.Store { return app.interactionStore }

// Logger returns the shared logger.
func (app *App) Logger() *zap.Logger { return app.logger }

// Config returns the resolved configuration.
func (app *App) Config() *config.Config { return app.config }
