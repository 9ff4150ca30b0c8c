package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"farewatch/config"
	"farewatch/models"
	"farewatch/pkg/logger"
	"farewatch/pkg/metrics"
	"farewatch/scheduler"
	"farewatch/services/dispatch"
	"farewatch/services/evaluator"
	"farewatch/services/feedarchive"
	"farewatch/services/observations"
	"farewatch/services/quality"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Environment)
	defer log.Sync()
	log.Info("starting farewatch core", "environment", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := config.InitDB()
	if err != nil {
		log.Fatal("failed to initialize database", "error", err)
	}
	if err := models.MigrateWatchModels(db); err != nil {
		log.Fatal("watch migration failed", "error", err)
	}
	if err := models.MigrateObservationModels(db); err != nil {
		log.Fatal("observation migration failed", "error", err)
	}

	mongoClient, mongoDB, err := config.InitMongo(ctx)
	if err != nil {
		log.Fatal("failed to initialize mongodb", "error", err)
	}

	m := metrics.NewMetrics("farewatch")
	archive := feedarchive.NewArchive(mongoDB, log)
	store := observations.NewStore(db, archive, log, m)
	scorer := quality.NewScorer(db, log)

	notifier := dispatch.NewWebhookNotifier(cfg.NotifyDispatcherURL, cfg.DispatchTimeout)
	payments := dispatch.NewWebhookPayments(cfg.PaymentDispatcherURL, cfg.DispatchTimeout)
	eval := evaluator.New(db, notifier, payments, log, m, cfg.DispatchTimeout)

	policy := scheduler.NewPolicyStore(cfg.PolicyFile)
	sched := scheduler.New(db, store, archive, eval, scorer, notifier, policy,
		cfg.SweepWorkers, log, m)
	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("metrics server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("received signal", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", "error", err)
	}

	sched.Stop()
	cancel()

	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Error("mongodb disconnect error", "error", err)
	}

	log.Info("farewatch core stopped")
}
