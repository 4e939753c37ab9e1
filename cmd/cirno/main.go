package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/daiyosei/cirno-go/internal/config"
	"github.com/daiyosei/cirno-go/internal/gateway"
	"github.com/daiyosei/cirno-go/internal/logger"
	"github.com/daiyosei/cirno-go/internal/memory"
	"github.com/daiyosei/cirno-go/internal/orchestrator"
	"github.com/daiyosei/cirno-go/internal/provider"
	"github.com/daiyosei/cirno-go/internal/throttle"
	"github.com/daiyosei/cirno-go/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := provider.NewRegistry(cfg.Providers)

	store := memory.NewStore(cfg.Memory)
	defer store.Close()

	mgr := tools.NewManager()
	mgr.Register(tools.NewWebSearch(registry))
	mgr.Register(tools.NewFetchPage())
	mcpClients := tools.RegisterMCPServers(ctx, mgr, cfg.MCP)
	defer func() {
		for _, c := range mcpClients {
			if err := c.Close(); err != nil {
				logger.L.Warn("MCP client close error", "error", err)
			}
		}
	}()

	limiter := throttle.NewLimiter(cfg.Throttle)
	client := gateway.NewClient(cfg.Gateway)
	orch := orchestrator.New(cfg.Bot, cfg.Orch, registry, store, mgr, limiter, client)

	logger.L.Info("starting", "bot", cfg.Bot.Name, "gateway", cfg.Gateway.URL(), "providers", len(cfg.Providers))

	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.L.Error("gateway client stopped", "error", err)
			stop()
		}
	}()

	orch.Run(ctx, client.Events())
	logger.L.Info("shutdown complete")
}
