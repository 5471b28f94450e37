package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"express-audit/internal/api"
	"express-audit/internal/config"
	"express-audit/internal/queue"
	"express-audit/internal/ratelimit"
	"express-audit/internal/registry"
	"express-audit/internal/report"
	"express-audit/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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
	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// Manual lookups run synchronously inside a request, so they get a much
	// tighter retry budget than the background pipeline.
	manualResolver := &registry.Resolver{
		Lookuper:       registry.NewClient(cfg.RegistryBaseURL, cfg.UserAgent, cfg.RegistryHTTPTimeout),
		MaxAttempts:    2,
		BackoffInitial: time.Second,
		BackoffMax:     2 * time.Second,
	}

	reports, err := report.NewStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("init report storage: %v", err)
	}

	server := api.New(cfg, st, q, limiter, manualResolver, reports)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
