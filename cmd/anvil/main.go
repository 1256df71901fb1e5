package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/anvil/internal/action"
	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/definition"
	"github.com/seantiz/anvil/internal/engine"
	"github.com/seantiz/anvil/internal/notify"
	"github.com/seantiz/anvil/internal/output"
	"github.com/seantiz/anvil/internal/queue"
	"github.com/seantiz/anvil/internal/services"
	"github.com/seantiz/anvil/internal/store"
)

// drainTimeout bounds how long running executions get to finish on shutdown.
const drainTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("anvil: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"queue", cfg.QueueBackend,
	)
	for _, w := range cfg.Warnings {
		logger.Warn("config value ignored", "detail", w)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	registry := action.NewRegistry()
	if err := action.RegisterBuiltins(registry); err != nil {
		log.Fatalf("failed to register builtin actions: %v", err)
	}

	catalog := definition.NewCatalog()
	n, err := catalog.LoadDir(cfg.WorkflowDir)
	if err != nil {
		log.Fatalf("failed to load workflows: %v", err)
	}
	logger.Info("workflows loaded", "dir", cfg.WorkflowDir, "count", n)

	checker := services.NewValidator(logger)
	checker.Register(services.Service{Name: "database", Check: services.PingCheck(db)})

	queueOpts := []queue.Option{
		queue.WithConcurrency(cfg.QueueConcurrency),
		queue.WithLogger(logger),
	}
	if cfg.QueueRate > 0 {
		queueOpts = append(queueOpts, queue.WithRateLimit(cfg.QueueRate, cfg.QueueConcurrency))
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case config.QueueRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		rq := queue.NewRedisQueue(client, "", queueOpts...)
		checker.Register(services.Service{Name: "redis", Check: services.PingCheck(rq)})
		q = rq
	default:
		q = queue.NewMemoryQueue(queueOpts...)
	}

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if cfg.NotifyWebhook != "" {
		hook := notify.NewWebhook(cfg.NotifyWebhook)
		notifiers = append(notifiers, hook)
		checker.Register(services.Service{Name: "webhook", Optional: true, Check: services.PingCheck(hook)})
	}

	eng := engine.NewEngine(db, registry, q, logger,
		engine.WithConfig(engine.Config{
			WorkflowTimeout:    cfg.WorkflowTimeout,
			StepTimeout:        cfg.StepTimeout,
			ActionTimeouts:     cfg.ActionTimeouts,
			ReviewTimeout:      cfg.ReviewTimeout,
			MaxStepRepetitions: cfg.MaxStepRepetitions,
			DisableRecovery:    !cfg.RecoverRuns,
		}),
		engine.WithCatalog(catalog),
		engine.WithServices(checker),
		engine.WithNotifier(notifiers),
		engine.WithOutputs(output.NewGenerator(cfg.OutputDir)),
	)
	if err := eng.Start(); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger, api.WithHealthChecks(checker))
	runErr := srv.Run()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		logger.Warn("engine did not drain", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
