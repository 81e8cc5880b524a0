// Package main запускает HTTP-сервер сервиса покупки номеров.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/virtnum/otpbuyer/internal/config"
	"github.com/virtnum/otpbuyer/internal/fivesim"
	"github.com/virtnum/otpbuyer/internal/handler"
	"github.com/virtnum/otpbuyer/internal/repository"
	"github.com/virtnum/otpbuyer/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	client := fivesim.NewClient(cfg.FivesimAddress, cfg.FivesimAPIKey)
	if !client.Configured() {
		sugar.Warnw("5sim API key is not set, running in guest-only mode: catalog works, purchases will fail")
	} else {
		// Сверяем доступность аккаунта 5sim на старте.
		ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
		profile, err := client.GetBalance(ctx)
		cancel()
		if err != nil {
			sugar.Warnw("5sim profile check failed", "error", err.Error())
		} else {
			sugar.Infow("5sim account", "balance", profile.Balance, "rating", profile.Rating)
		}
	}

	svc := service.NewService(repo, client, cfg.OrderTTLMinutes)
	defer svc.Close()

	h := handler.NewHandler(svc, logger)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting otpbuyer server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
