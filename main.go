package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xiaot623/agentrun/internal/adapter/llm"
	"github.com/xiaot623/agentrun/internal/adapter/marketdata"
	"github.com/xiaot623/agentrun/internal/adapter/sandbox"
	"github.com/xiaot623/agentrun/internal/adapter/statusbus"
	"github.com/xiaot623/agentrun/internal/completeness"
	"github.com/xiaot623/agentrun/internal/config"
	"github.com/xiaot623/agentrun/internal/repository"
	"github.com/xiaot623/agentrun/internal/service"
	"github.com/xiaot623/agentrun/internal/tools"
	handler "github.com/xiaot623/agentrun/internal/transport/http"
	"github.com/xiaot623/agentrun/internal/transport/rpc"
	"github.com/xiaot623/agentrun/policy"
)

func main() {
	if err := run(); err != nil {
		slog.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: time.DateTime,
	})))

	slog.Info("starting run engine",
		"http_port", cfg.HTTPPort,
		"internal_port", cfg.InternalPort,
		"rpc_port", cfg.RPCPort,
		"database", cfg.DatabaseURL,
		"mode", cfg.Mode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Optional shared Redis for the completeness cache and status events
	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
	}

	// External collaborators
	gateway := sandbox.NewGateway(sandbox.NewClient(cfg.SandboxURL, cfg.SandboxTimeout))
	market := marketdata.NewClient(cfg.MarketDataURL)

	var cache completeness.Cache = completeness.NewMemoryCache()
	if redisClient != nil {
		cache = completeness.NewRedisCache(redisClient, "agentrun")
	}
	evaluator := completeness.NewEvaluator(market, cache, completeness.Options{
		CompleteTTL:   cfg.CompleteTTL,
		IncompleteTTL: cfg.IncompleteTTL,
		GapTTL:        cfg.GapTTL,
		GapRetryAfter: cfg.GapRetryAfter,
	})

	// Tool registry
	registry := tools.NewRegistry()
	if err := tools.RegisterMarket(registry, market, evaluator, tools.MarketOptions{
		MaxParallelSearch: cfg.MaxParallelSearch,
		MaxParallelDaily:  cfg.MaxParallelDaily,
	}); err != nil {
		return err
	}
	if err := tools.RegisterSandbox(registry, gateway, int(cfg.SandboxTimeout.Seconds())); err != nil {
		return err
	}

	// Plan and summary generator
	chat := llm.NewChatClient(cfg.IsMock(), cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.GeneratorTimeout)
	generator := llm.NewGenerator(chat, cfg.LLMModel, registry.Names())

	// Step policy
	policyEngine, err := policy.Load(ctx, cfg.StepPolicyPath)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	// Status events
	var publisher statusbus.Publisher = statusbus.Noop{}
	if redisClient != nil {
		p, err := statusbus.NewRedisPublisher(ctx, cfg.RedisAddr, statusbus.WithClient(redisClient))
		if err != nil {
			slog.Warn("status bus unavailable, events stay local", "error", err)
		} else {
			publisher = p
		}
	}

	// Initialize service
	svc := service.New(service.Deps{
		Store:     db,
		Tools:     registry,
		Planner:   generator,
		Sandbox:   gateway,
		Policy:    policyEngine,
		Publisher: publisher,
	}, cfg)

	sweeper, err := svc.NewSweeper(ctx)
	if err != nil {
		return err
	}
	sweeper.Start()

	externalServer := handler.NewExternalServer(svc, cfg.AutoAdvance)
	internalServer := handler.NewInternalServer(svc)
	rpcServer, err := rpc.NewServer(svc, cfg.AutoAdvance)
	if err != nil {
		return err
	}

	errCh := make(chan error, 3)

	// Start external server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := externalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("external server: %w", err)
		}
	}()

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("internal server: %w", err)
		}
	}()

	// Start RPC server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		if err := rpcServer.Start(addr); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down run engine")
	case runErr = <-errCh:
		slog.Error("server failed, shutting down", "error", runErr)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := externalServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown external server gracefully", "error", err)
	}
	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown internal server gracefully", "error", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("failed to shutdown rpc server gracefully", "error", err)
	}
	sweeper.Stop()
	svc.Wait()
	if err := publisher.Close(); err != nil {
		slog.Warn("failed to close status bus", "error", err)
	}

	slog.Info("run engine stopped")
	return runErr
}
