package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"lawlibrary/internal/config"
	"lawlibrary/internal/handlers"
	"lawlibrary/internal/logger"
	"lawlibrary/internal/notifier"
	"lawlibrary/internal/repositories"
	"lawlibrary/internal/scheduler"
	"lawlibrary/internal/services"
)

const serviceName = "lawlibrary"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Service: serviceName}).Fatal("invalid configuration", "error", err)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: serviceName})

	db, err := repositories.Open(cfg.Database.URL, repositories.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}, log)
	if err != nil {
		log.Fatal("database unavailable", "error", err)
	}
	if cfg.Database.AutoMigrate {
		if err := repositories.Migrate(db); err != nil {
			log.Fatal("migration failed", "error", err)
		}
		log.Info("schema migrated")
	}
	store := repositories.NewStore(db)

	n, err := notifier.Open(notifier.KafkaConfig{
		Brokers: cfg.Notify.KafkaBrokers,
		Topic:   cfg.Notify.KafkaTopic,
	}, log)
	if err != nil {
		log.Fatal("notifier unavailable", "error", err)
	}
	defer n.Close()

	fines := services.NewFineCalculator(cfg.Lending.FinePerDay)
	jobService := services.NewJobService(store, fines, n, log, nil)

	dispatcher := notifier.NewDispatcher(jobService.NotifyBookAvailabilityFor, notifier.DispatcherConfig{
		QueueSize: cfg.Notify.QueueSize,
		Workers:   cfg.Notify.Workers,
	}, log)

	lendingService := services.NewLendingService(store, fines, dispatcher, log, services.LendingConfig{
		LoanPeriodDays: cfg.Lending.LoanPeriodDays,
	})
	catalogService := services.NewCatalogService(store, log)

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(handlers.Deps{
		Lending:   lendingService,
		Catalog:   catalogService,
		Jobs:      jobService,
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		Log:       log,
		Health:    repositories.Ping(db),
	})

	var sched *scheduler.Scheduler
	if cfg.Jobs.Interval > 0 {
		sched = scheduler.New(jobService, cfg.Jobs.Interval, log)
		sched.Start(context.Background())
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Server.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
	case sig := <-shutdown:
		log.Info("shutdown signal received", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		if err := srv.Shutdown(ctx); err != nil {
			log.Error("server shutdown failed", "error", err)
			_ = srv.Close()
		}
		cancel()
	}

	if sched != nil {
		sched.Stop()
	}
	dispatcher.Close()
	log.Info("server stopped")
}
