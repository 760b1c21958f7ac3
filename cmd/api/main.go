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

	"github.com/joho/godotenv"

	"github.com/zhouzirui/llm-hub/backend/internal/config"
	"github.com/zhouzirui/llm-hub/backend/internal/database"
	"github.com/zhouzirui/llm-hub/backend/internal/handler"
	"github.com/zhouzirui/llm-hub/backend/internal/handler/chat"
	"github.com/zhouzirui/llm-hub/backend/internal/handler/socket"
	"github.com/zhouzirui/llm-hub/backend/internal/logging"
	"github.com/zhouzirui/llm-hub/backend/internal/metrics"
	"github.com/zhouzirui/llm-hub/backend/internal/relay"
	"github.com/zhouzirui/llm-hub/backend/internal/service/auth"
	"github.com/zhouzirui/llm-hub/backend/internal/service/completion"
	"github.com/zhouzirui/llm-hub/backend/internal/service/conversation"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Warn("no .env file loaded, continuing with system environment variables only", "error", envErr)
	}

	st, backend, err := database.Open(ctx, cfg.Database.URI)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	logger.Info("database connected", "backend", backend)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Error("close database failed", "error", err)
		}
	}()

	collector := metrics.New()

	authSvc, err := auth.NewService(st, auth.Config{Secret: cfg.Auth.Secret, Expiration: cfg.Auth.Expiration}, logger)
	if err != nil {
		return fmt.Errorf("init auth service: %w", err)
	}
	convSvc := conversation.NewService(st, logger)

	deps := handler.Dependencies{
		Environment:    cfg.App.Environment,
		AllowedOrigins: cfg.CORS.Origins,
		Logger:         logger,
		Metrics:        collector,
		Auth:           authSvc,
		Conversations:  convSvc,
		Chat: chat.Config{
			Persist:         cfg.Relay.Persist,
			HistoryLimit:    cfg.Relay.HistoryLimit,
			UpstreamTimeout: cfg.LLM.UpstreamTimeout,
		},
	}

	// Initialize AI service
	if cfg.LLM.Enabled() {
		chatModel, err := cfg.LLM.NewChatModel(ctx, config.WithLogger(logger))
		if err != nil {
			logger.Warn("failed to initialize AI service, continuing without chat", "provider", cfg.LLM.Provider, "error", err)
		} else {
			client := completion.NewService(chatModel, completion.Config{
				Model:        cfg.LLM.Model,
				SystemPrompt: cfg.LLM.SystemPrompt,
			}, logger)
			relays := relay.NewService(client, convSvc, relay.Config{
				Persist:         cfg.Relay.Persist,
				HistoryLimit:    cfg.Relay.HistoryLimit,
				UpstreamTimeout: cfg.LLM.UpstreamTimeout,
				TurnsPerMinute:  cfg.Relay.TurnsPerMinute,
			}, collector, logger)

			deps.Completion = client
			deps.Relays = relays
			deps.Socket = socket.NewWebSocketHandler(authSvc, relays, cfg.CORS.Origins, collector, logger)
			logger.Info("AI service initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
		}
	} else {
		logger.Warn("LLM credentials not configured, chat endpoints will answer 503", "provider", cfg.LLM.Provider)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler.NewRouter(deps),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if deps.Socket != nil {
		srv.RegisterOnShutdown(deps.Socket.Shutdown)
	}

	logger.Info("LLM hub backend listening", "addr", cfg.Server.Addr, "environment", cfg.App.Environment)
	if err := runServer(ctx, srv); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
