package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsflow/internal/adapters"
	"opsflow/internal/config"
	"opsflow/internal/engine"
	"opsflow/internal/logging"
	"opsflow/internal/scheduler"
	"opsflow/internal/store"
)

func main() {
	var (
		configFile = flag.String("config", "", "optional config file (env vars win)")
		logLevel   = flag.String("log-level", "", "override log level (debug|info|warn|error)")
	)
	flag.Parse()

	if err := run(*configFile, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "opsflow-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, logLevelOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if logLevelOverride != "" {
		cfg.LogLevel = logLevelOverride
	}

	logger := logging.NewConsoleLogger("opsflow-worker", logging.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	workflows := store.NewWorkflowStore(db)
	executions := store.NewExecutionStore(db)
	approvals := store.NewApprovalStore(db)
	schedules := store.NewScheduleStore(db)
	records := store.NewRecordStore(db)

	schedSvc := scheduler.New(schedules, logger, nil)
	execLog := logging.NewExecutionLogger(executions, logger)

	eng := engine.New(
		workflows, executions, approvals, schedSvc, records,
		adapters.NewNoopEmailSink(logger), adapters.NewNoopSmsSink(logger),
		execLog, logger, nil, nil,
		engine.Config{
			MaxNodeVisits:      cfg.MaxNodeVisits,
			DefaultNodeTimeout: time.Duration(cfg.NodeTimeoutSeconds) * time.Second,
			RetryAttempts:      cfg.RetryAttempts,
			RetryDelay:         cfg.RetryDelay(),
		},
	)

	worker := scheduler.NewWorker(schedSvc, eng, workflows, logger, nil, scheduler.WorkerConfig{
		PollInterval:  cfg.PollInterval(),
		BatchSize:     cfg.BatchSize,
		MaxConcurrent: cfg.MaxConcurrentExecutions,
	})

	logger.Info("starting scheduler worker (poll %s, batch %d, concurrency %d)",
		cfg.PollInterval(), cfg.BatchSize, cfg.MaxConcurrentExecutions)

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("scheduler worker stopped")
	return nil
}
