// Package main запускает HTTP-сервер диспетчерской.
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

	"github.com/fieldops/dispatch/internal/clock"
	"github.com/fieldops/dispatch/internal/config"
	"github.com/fieldops/dispatch/internal/filestore"
	"github.com/fieldops/dispatch/internal/handler"
	"github.com/fieldops/dispatch/internal/metrics"
	"github.com/fieldops/dispatch/internal/middleware"
	"github.com/fieldops/dispatch/internal/repository"
	"github.com/fieldops/dispatch/internal/repository/memory"
	"github.com/fieldops/dispatch/internal/schedule"
	"github.com/fieldops/dispatch/internal/service"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	if cfg.LogLevel == "debug" {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	business, err := config.LoadBusiness(cfg.ConfigFile)
	if err != nil {
		sugar.Fatalw("business configuration error", "error", err.Error())
	}

	loc, err := cfg.Location()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var store service.Store
	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI, loc)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		store = repo
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory store")
		store = memory.New()
	}

	m := metrics.New()

	opts := service.DefaultOptions()
	opts.Schedule = schedule.Defaults{
		WorkStart:    business.WorkStart,
		WorkEnd:      business.WorkEnd,
		SlotDuration: business.SlotDuration,
		MaxSlots:     business.MaxSlots,
	}
	if err := opts.Schedule.Validate(); err != nil {
		sugar.Fatalw("schedule configuration error", "error", err.Error())
	}
	opts.WarrantyFine = business.WarrantyFine
	opts.MaxPhotos = business.MaxPhotos
	opts.MaxPhotoBytes = business.MaxPhotoBytes
	opts.Metrics = m
	if cfg.FilestoreAddress != "" {
		opts.Photos = filestore.NewClient(cfg.FilestoreAddress)
	}

	clk := clock.NewSystem(loc)
	svc := service.NewService(store, clk, logger, opts)
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AdminEmail != "" && cfg.AdminPassword != "" {
		if err := svc.EnsureAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
			sugar.Fatalw("admin bootstrap error", "error", err.Error())
		}
	}

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, sessions will not survive restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, m.Handler(), clk)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая очистка слотов и пересчёт уровней
	g.Go(func() error {
		svc.StartMaintenance(ctx, cfg.MaintenanceInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting dispatch server", "addr", cfg.RunAddress, "timezone", loc.String())
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
