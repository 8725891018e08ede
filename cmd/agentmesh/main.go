package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/agentmesh/internal/api"
	"github.com/nidhogg/agentmesh/internal/config"
	"github.com/nidhogg/agentmesh/internal/orchestrator"
	"github.com/nidhogg/agentmesh/internal/provider"
	"github.com/nidhogg/agentmesh/internal/queue"
	"github.com/nidhogg/agentmesh/internal/routing"
	pgstore "github.com/nidhogg/agentmesh/internal/store"
	"github.com/nidhogg/agentmesh/internal/task"
)

func main() {
	feature := flag.String("feature", "", "run the feature workflow for this description and exit")
	flag.Parse()

	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/agentmesh.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot, _ := zap.NewDevelopment()
		boot.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}

	logger, err := cfg.Server.Logger()
	if err != nil {
		boot, _ := zap.NewDevelopment()
		boot.Fatal("failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("Starting agentmesh...", zap.String("config", cfgPath), zap.String("log_level", cfg.Server.LogLevel))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize provider gateway
	gwCfg := provider.DefaultConfig()
	gwCfg.PreferredProvider = cfg.Router.PreferredProvider
	gwCfg.FallbackEnabled = cfg.Router.Fallback()
	gwCfg.MaxRetries = cfg.Router.MaxRetries
	gwCfg.Strategy = routing.Strategy(cfg.Router.Strategy)
	gwCfg.SmallRequestChars = cfg.Router.SmallRequestChars
	if d := cfg.Router.HealthCooldown.Std(); d > 0 {
		gwCfg.HealthCooldown = d
	}
	gateway := provider.NewGateway(gwCfg, logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.ProviderConfig{
			ID: pc.ID, Type: pc.Type, Name: pc.Name, Class: provider.Class(pc.Class),
			Endpoint: pc.Endpoint, APIKey: pc.APIKey,
			Models: pc.Models, DefaultModel: pc.DefaultModel, Extra: pc.Extra,
		}
		switch pc.Type {
		case "openai":
			gateway.Register(provider.NewOpenAIProvider(provCfg, logger), provCfg.Class)
		case "anthropic":
			gateway.Register(provider.NewAnthropicProvider(provCfg, logger), provCfg.Class)
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}

	// Initialize PostgreSQL store, falling back to process memory
	var (
		pgStore   *pgstore.Store
		repo      queue.Repository         = queue.NewMemoryRepository()
		capSource routing.CapabilitySource = routing.StaticSource(cfg.Capabilities)
		decisions routing.DecisionLog      = routing.NewMemoryDecisionLog()
	)
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(ctx, cfg.Database.Postgres.MigrationsDir); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			for i := range cfg.Capabilities {
				if err := ps.SaveCapability(ctx, &cfg.Capabilities[i]); err != nil {
					logger.Warn("seed capability failed", zap.String("id", cfg.Capabilities[i].ID), zap.Error(err))
				}
			}
			pgStore = ps
			repo, capSource, decisions = ps, ps, ps
		}
	}

	registry := routing.NewRegistry(capSource, logger)
	selector := routing.NewSelector(registry, decisions, logger)
	tasks := queue.NewManager(repo, logger)
	for _, id := range task.AllAgents {
		if _, err := tasks.Agent(ctx, id); err == nil {
			continue
		}
		if err := tasks.RegisterAgent(ctx, &task.Agent{ID: id, Name: id}); err != nil {
			logger.Warn("register agent failed", zap.String("agent", id), zap.Error(err))
		}
	}

	// Initialize agent runtime
	dispatcher := orchestrator.NewDispatcher(tasks, selector, gateway, logger)
	scheduler := orchestrator.NewScheduler(ctx, dispatcher, cfg.Orchestrator.PoolSize, logger)

	var notifier orchestrator.Notifier = orchestrator.Notifiers{orchestrator.LogNotifier{Logger: logger}, scheduler}
	var bus *orchestrator.MessageBus
	if cfg.Database.Redis.URL != "" {
		b, busErr := orchestrator.NewMessageBus(ctx, cfg.Database.Redis.URL, logger)
		if busErr != nil {
			logger.Warn("Redis unavailable, delivering agent messages in process", zap.Error(busErr))
		} else {
			bus = b
			notifier = bus
			for _, id := range task.AllAgents {
				if err := scheduler.Consume(ctx, bus, id); err != nil {
					logger.Fatal("failed to join agent stream", zap.String("agent", id), zap.Error(err))
				}
			}
			logger.Info("Agent message bus initialized")
		}
	}

	orch := orchestrator.New(tasks, notifier, orchestrator.Config{
		PollInterval:      cfg.Orchestrator.PollInterval.Std(),
		StepTimeout:       cfg.Orchestrator.StepTimeout.Std(),
		MaxParallel:       cfg.Orchestrator.MaxParallel,
		BusyThreshold:     cfg.Orchestrator.BusyThreshold,
		UnresponsiveAfter: cfg.Orchestrator.UnresponsiveAfter.Std(),
	}, logger)

	if *feature != "" {
		res := orch.ExecuteWorkflow(ctx, orchestrator.NewFeatureWorkflow(*feature))
		out, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(out))
		stop()
		scheduler.Wait()
		if res.Status != orchestrator.WorkflowCompleted {
			os.Exit(1)
		}
		return
	}

	if every := cfg.Orchestrator.RebalanceInterval.Std(); every > 0 {
		go runEvery(ctx, every, func() {
			if _, err := orch.RebalanceWorkload(ctx); err != nil {
				logger.Warn("rebalance failed", zap.Error(err))
			}
		})
	}
	go runEvery(ctx, time.Minute, func() { gateway.CheckHealth(ctx) })

	// Build HTTP handler
	handler := api.NewHandler(tasks, orch, gateway, selector, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("agentmesh listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agentmesh...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	stop()
	scheduler.Wait()
	if bus != nil {
		bus.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

// runEvery calls fn on every tick until ctx is done.
func runEvery(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
