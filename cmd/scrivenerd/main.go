// scrivenerd runs the AI writing assistant service: it bridges Stream Chat
// conversations to the OpenAI Assistants API, managing one streaming agent
// per conversation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/threadworks/scrivener/internal/agent"
	"github.com/threadworks/scrivener/internal/chat/getstream"
	"github.com/threadworks/scrivener/internal/config"
	openaiengine "github.com/threadworks/scrivener/internal/engine/openai"
	"github.com/threadworks/scrivener/internal/gateway"
	"github.com/threadworks/scrivener/internal/observability"
	"github.com/threadworks/scrivener/internal/tools"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scrivenerd:", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()

	streamClient, err := getstream.NewServerClient(getstream.Config{
		APIKey:    cfg.Stream.APIKey,
		APISecret: cfg.Stream.APISecret,
		BaseURL:   cfg.Stream.BaseURL,
		WSURL:     cfg.Stream.WSURL,
	}, logger)
	if err != nil {
		return err
	}

	assistantEngine, err := openaiengine.New(openaiengine.Config{
		APIKey:  cfg.OpenAI.APIKey,
		BaseURL: cfg.OpenAI.BaseURL,
	})
	if err != nil {
		return err
	}

	toolRegistry := tools.NewRegistry(logger, metrics)
	toolRegistry.Register(tools.NewWebSearch(tools.WebSearchConfig{
		APIKey: cfg.Tools.TavilyAPIKey,
	}, logger))

	agents := agent.NewRegistry(agent.RegistryConfig{
		Transport:     streamClient,
		Engine:        assistantEngine,
		Tools:         toolRegistry,
		Logger:        logger,
		Metrics:       metrics,
		Model:         cfg.OpenAI.Model,
		Temperature:   cfg.OpenAI.Temperature,
		IdleTimeout:   cfg.Agents.IdleTimeout,
		SweepInterval: cfg.Agents.SweepInterval,
		MaxToolCycles: cfg.Agents.MaxToolCycles,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go agents.RunSweeper(ctx)

	server := gateway.NewServer(cfg.Server.Addr, agents, streamClient, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}
	agents.DisposeAll(shutdownCtx)
	return nil
}
