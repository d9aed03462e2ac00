package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/parley-im/parley/internal/adapter/driven/gateway/ws"
	repo "github.com/parley-im/parley/internal/adapter/driven/persistence/memory"
	handler "github.com/parley-im/parley/internal/adapter/driving/http"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/core/service"
)

func main() {
	configPath := pflag.String("config", "", "path to JSON config file")
	listen := pflag.String("listen", "", "listen address, overrides config")
	pflag.Parse()

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Caller().Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	messageRepo := repo.NewMessageRepository()
	hub := ws.NewHub()

	chatService := service.NewChatService(messageRepo, hub)
	h := handler.NewHandler(chatService, hub)

	go hub.Run()

	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: h.NewRouter(),
	}

	go func() {
		l.Info().Str("addr", cfg.Server.Listen).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	<-quit
	l.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	l.Info().Msg("Server exited")
}
