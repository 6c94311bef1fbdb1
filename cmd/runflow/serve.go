package main

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/urfave/cli/v3"

	"github.com/haatos/runflow/internal"
	"github.com/haatos/runflow/internal/action"
	"github.com/haatos/runflow/internal/engine"
	"github.com/haatos/runflow/internal/executor"
	"github.com/haatos/runflow/internal/handler"
	"github.com/haatos/runflow/internal/log"
	"github.com/haatos/runflow/internal/secrets"
	"github.com/haatos/runflow/internal/service"
	"github.com/haatos/runflow/internal/settings"
	"github.com/haatos/runflow/internal/store"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the CI server",
		Action: serve,
		Description: `
Environment variables:
	RUNFLOW_PORT                  (default: :8080)
	RUNFLOW_DB_PATH               (default: file:runflow.sqlite)
	RUNFLOW_WORKFLOWS_DIR         (default: .runflow/workflows)
	RUNFLOW_CONFIG_PATH           (default: config.json)
	RUNFLOW_LOG_LEVEL             (default: info)
	RUNFLOW_WEBHOOK_KEY
	RUNFLOW_ENCRYPTION_KEY        (generated into .env when unset)
	RUNFLOW_RATE_LIMIT            (default: 20 requests per second)
	RUNFLOW_SECRETS_PROVIDER      (sqlite or vault, default: sqlite)
	RUNFLOW_SECRETS_VAULT_ADDR
	RUNFLOW_SECRETS_VAULT_TOKEN
	RUNFLOW_SECRETS_VAULT_MOUNT   (default: secret)
	RUNFLOW_SECRETS_VAULT_PREFIX  (default: runflow)
`,
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	s, err := loadSettings(ctx)
	if err != nil {
		return err
	}
	logger := log.New("server")
	ctx = log.IntoContext(ctx, logger)

	config, err := internal.InitializeConfiguration(s.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	db, err := openDatabases(s)
	if err != nil {
		return err
	}
	defer db.Close()

	runStore := store.NewRunSQLiteStore(db.rdb, db.rwdb)
	cancelled, err := runStore.CancelUnfinishedRuns(ctx, "server restarted")
	if err != nil {
		return fmt.Errorf("failed to cancel unfinished runs: %w", err)
	}
	if cancelled > 0 {
		logger.Warn("cancelled runs left unfinished by the previous server", "count", cancelled)
	}

	jobSecrets, err := secretStore(s, db)
	if err != nil {
		return fmt.Errorf("failed to set up secrets: %w", err)
	}

	pool := executor.Pool{}
	if len(config.Agents) > 0 {
		pool = append(pool, &executor.SSHProvisioner{Agents: config.Agents})
	}
	pool = append(pool, &executor.LocalProvisioner{Root: config.WorkspaceRoot})

	runner := &executor.JobRunner{
		Provisioner: pool,
		Actions:     action.NewRegistry(),
		Secrets:     jobSecrets,
		Masker:      &secrets.Masker{},
		StepTimeout: config.StepTimeout(),
	}
	eng := &engine.Engine{Executor: runner, MaxParallel: config.MaxParallelJobs}
	broker := service.NewOutputBroker()
	runQueue := service.NewRunQueue(runStore, eng, broker, config.QueueSize)
	runner.Reporter = runQueue
	eng.Reporter = runQueue
	go runQueue.Run()

	scheduler, err := service.NewScheduler()
	if err != nil {
		return err
	}
	workflowService := service.NewWorkflowService(
		s.WorkflowsDir,
		runStore,
		runQueue,
		scheduler,
		internal.DefaultPageSize,
	)
	if err := workflowService.Load(); err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	if err := service.ScheduleRunCleanUp(
		scheduler,
		runStore,
		config.RunRetention(),
		logger.With("component", "retention"),
	); err != nil {
		return err
	}
	scheduler.Start()

	if s.WebhookKey == "" {
		logger.Warn("RUNFLOW_WEBHOOK_KEY is not set, the API accepts unauthenticated requests")
	}

	e := setupEcho(s)
	handler.SetupWorkflowRoutes(
		e.Group("/api"),
		handler.NewWorkflowHandler(workflowService, broker),
		s.WebhookKey,
	)

	return internal.GracefulShutdown(ctx, e, s.Port,
		runQueue.Shutdown,
		func(context.Context) error { return scheduler.Shutdown() },
	)
}

func setupEcho(s *settings.AppSettings) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.ErrorHandler
	e.Validator = handler.NewValidator()
	e.Use(
		middleware.Recover(),
		handler.RequestLogger(log.New("http")),
		middleware.CORSWithConfig(internal.GetCORSConfig()),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig(s.RateLimit)),
	)
	return e
}
