// Command jobs runs the overdue scan and the availability scan once and exits.
// It is meant for cron-style deployments with JOBS_INTERVAL=0 on the server.
package main

import (
	"context"
	"flag"
	"time"

	"lawlibrary/internal/config"
	"lawlibrary/internal/logger"
	"lawlibrary/internal/notifier"
	"lawlibrary/internal/repositories"
	"lawlibrary/internal/services"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "upper bound for the whole run")
	skipOverdue := flag.Bool("skip-overdue", false, "do not run the overdue scan")
	skipAvailability := flag.Bool("skip-availability", false, "do not run the availability scan")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{Service: "lawlibrary-jobs"}).Fatal("invalid configuration", "error", err)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: "lawlibrary-jobs"})

	db, err := repositories.Open(cfg.Database.URL, repositories.PoolConfig{MaxOpenConns: 4}, log)
	if err != nil {
		log.Fatal("database unavailable", "error", err)
	}

	n, err := notifier.Open(notifier.KafkaConfig{
		Brokers: cfg.Notify.KafkaBrokers,
		Topic:   cfg.Notify.KafkaTopic,
	}, log)
	if err != nil {
		log.Fatal("notifier unavailable", "error", err)
	}
	defer n.Close()

	jobs := services.NewJobService(
		repositories.NewStore(db),
		services.NewFineCalculator(cfg.Lending.FinePerDay),
		n,
		log,
		nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	failed := false
	if !*skipOverdue {
		count, err := jobs.CheckOverdueBooks(ctx)
		if err != nil {
			log.Error("overdue job failed", "error", err)
			failed = true
		} else {
			log.Info("overdue job done", "processed", count)
		}
	}
	if !*skipAvailability {
		count, err := jobs.NotifyBookAvailability(ctx)
		if err != nil {
			log.Error("availability job failed", "error", err)
			failed = true
		} else {
			log.Info("availability job done", "notified", count)
		}
	}

	if failed {
		n.Close()
		cancel()
		log.Fatal("jobs finished with errors")
	}
}
