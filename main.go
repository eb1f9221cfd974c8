package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "jorbd/app/configs"
	"jorbd/app/core/contextreset"
	"jorbd/app/core/orchestrator/agent"
	"jorbd/app/core/orchestrator/db"
	"jorbd/app/core/orchestrator/jorb"
	"jorbd/app/core/orchestrator/oracle"
	"jorbd/app/core/orchestrator/switchboard"
	"jorbd/app/core/runtime"
	"jorbd/app/core/scheduler"
	"jorbd/app/core/transport"
	"jorbd/app/pkg/logger"
)

func main() {
	if err := logger.Init("output/logs"); err != nil {
		os.Stderr.WriteString("failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Info("jorbd starting...")

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	database, err := db.NewSQLiteDB(cfg.Storage.DataDir)
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("Database initialized")

	store := jorb.NewStore(database)

	orc, err := oracle.New(cfg.Oracle.Backend, os.Getenv(cfg.Oracle.APIKeyEnv), cfg.Oracle.Model, cfg.Oracle.MaxTokens)
	if err != nil {
		logger.Error("Failed to build oracle: %v", err)
		os.Exit(1)
	}

	state, err := runtime.LoadState(cfg.Storage.StateFile)
	if err != nil {
		logger.Error("Failed to load state file: %v", err)
		os.Exit(1)
	}

	dispatcher := transport.NewDispatcher()
	for _, channel := range []string{"sms", "telegram", "email"} {
		dispatcher.Register(channel, &transport.LogSender{Channel: channel})
	}
	notifier := &transport.LogNotifier{}

	board := switchboard.New(orc, store, cfg.Oracle.TimeoutSec)
	runner := agent.NewRunner(agent.Config{
		Name:               cfg.Agent.Name,
		EchoWindowSec:      cfg.Agent.EchoWindowSec,
		StaleAfterHours:    cfg.Agent.StaleAfterHours,
		MaxLifetimeDays:    cfg.Agent.MaxLifetimeDays,
		MaxMessagesPerHour: cfg.Agent.MaxMessagesPerHour,
		RecentMessageLimit: cfg.Agent.RecentMessageLimit,
		OracleTimeoutSec:   cfg.Oracle.TimeoutSec,
		OwnerRecipient:     cfg.Agent.OwnerRecipient,
		OwnerChannel:       cfg.Agent.OwnerChannel,
	}, store, board, orc, dispatcher, notifier)

	progressLog := contextreset.NewProgressLog(cfg.Storage.ProgressLogFile)
	compactor := contextreset.NewService(store, orc, state, progressLog, cfg.Reset.IntervalDays, cfg.Agent.RecentMessageLimit)
	runner.SetActivityRecorder(compactor.RecordActivity)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobScheduler := scheduler.New()
	err = runtime.RegisterLoops(jobScheduler, runtime.LoopDeps{
		Store:     store,
		Runner:    runner,
		Compactor: compactor,
		State:     state,
		Notifier:  notifier,
	}, cfg.Scheduler)
	if err != nil {
		logger.Error("Failed to register loops: %v", err)
		os.Exit(1)
	}

	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobScheduler.Stop(10 * time.Second); err != nil {
			logger.Error("Scheduler shutdown timeout: %v", err)
		}
	}()

	logger.Info("jorbd is running (heartbeat, digest, maintenance, worker)")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Shutting down...", sig)
	cancel()
}
