package cli

import (
	"context"
	"fmt"
	"time"

	"admitflow/internal/config"
	"admitflow/internal/integrations"
	"admitflow/internal/metrics"
	"admitflow/internal/scheduler"
	"admitflow/internal/services"
	"admitflow/internal/store"
	"admitflow/internal/workflow"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app 持有一次进程生命周期内的全部组件
type app struct {
	cfg       *config.Config
	logger    *logrus.Logger
	db        *gorm.DB
	store     *store.Store
	portal    *integrations.Portal
	caller    *integrations.HTTPCaller
	engine    *workflow.Engine
	service   *services.WorkflowService
	scheduler *scheduler.Scheduler
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logrus.StandardLogger(), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	db, err := store.Open(cfg.Database, cfg.Monitoring.Tracing.Enabled)
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	if err := st.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	portal := integrations.NewPortal(db, logger)
	caps, caller := integrations.Capabilities(cfg, portal, st, logger)

	renderer, err := workflow.NewRenderer(cfg.Engine.TemplateDir)
	if err != nil {
		return nil, err
	}
	dispatcher := workflow.NewDispatcher(cfg.Engine.ActionTimeout, logger)
	workflow.RegisterDefaultHandlers(dispatcher, caps, renderer, time.Now)

	engine := workflow.NewEngine(st, st, portal, dispatcher, workflow.Options{
		MaxRetryAttempts: cfg.Engine.MaxRetryAttempts,
		Logger:           logger,
	})
	engine.AddObserver(workflow.ObserverFunc(metrics.ObserveExecution))

	svc := services.NewWorkflowService(st, engine, services.Settings{
		ExecutionTimeoutSeconds: int(cfg.Engine.ActionTimeout / time.Second),
		MaxRetryAttempts:        cfg.Engine.MaxRetryAttempts,
	}, logger)

	sched := scheduler.New(st, scheduler.Options{
		PollInterval: cfg.Scheduler.PollInterval,
		ClaimTimeout: cfg.Scheduler.ClaimTimeout,
		BatchSize:    cfg.Scheduler.BatchSize,
		Logger:       logger,
	})
	scheduler.RegisterDefaultHandlers(sched, engine, portal)

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     st,
		portal:    portal,
		caller:    caller,
		engine:    engine,
		service:   svc,
		scheduler: sched,
	}, nil
}

func (a *app) Close() {
	sqlDB, err := a.db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		a.logger.Warnf("close database: %v", err)
	}
}
