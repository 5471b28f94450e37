package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"express-audit/internal/check"
	"express-audit/internal/config"
	"express-audit/internal/queue"
	"express-audit/internal/registry"
	"express-audit/internal/store"
	"express-audit/internal/telemetry"
	workerproc "express-audit/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)

	resolver := &registry.Resolver{
		Lookuper:       registry.NewClient(cfg.RegistryBaseURL, cfg.UserAgent, cfg.RegistryHTTPTimeout),
		MaxAttempts:    cfg.RegistryMaxAttempts,
		BackoffInitial: cfg.RegistryBackoffInitial,
		BackoffMax:     cfg.RegistryBackoffMax,
	}
	fetcher := check.NewFetcher(cfg.FetchTimeout, cfg.UserAgent)

	pipeline := workerproc.NewPipeline(cfg, st, fetcher, resolver, q)
	runner := workerproc.NewRunner(cfg, q, st, pipeline)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started with audit_timeout=%s registry_max_attempts=%d", cfg.AuditTimeout, cfg.RegistryMaxAttempts)
	if err := runner.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
