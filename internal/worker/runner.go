package worker

import (
	"context"
	"log"
	"time"

	"express-audit/internal/config"
	"express-audit/internal/models"
	"express-audit/internal/telemetry"
)

// AuditQueue is the claiming surface of the Redis queue.
type AuditQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, token string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// Runner is the worker loop: it reclaims expired leases, claims queued
// audits, and hands each one to the pipeline. The MarkRunning guard in the
// store keeps at most one worker active per token even if Redis redelivers.
type Runner struct {
	cfg      config.Config
	queue    AuditQueue
	store    AuditStore
	pipeline *Pipeline
}

// NewRunner wires the worker loop.
func NewRunner(cfg config.Config, q AuditQueue, st AuditStore, p *Pipeline) *Runner {
	return &Runner{cfg: cfg, queue: q, store: st, pipeline: p}
}

// Run processes audits until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			log.Printf("reclaimed %d expired leases", len(reclaimed))
		}
		if depth, err := r.queue.Depth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		token, err := r.queue.DequeueWithLease(ctx)
		if err != nil {
			log.Printf("dequeue: %v", err)
			sleep(ctx, r.cfg.WorkerPollInterval)
			continue
		}
		if token == "" {
			sleep(ctx, r.cfg.WorkerPollInterval)
			continue
		}

		r.process(ctx, token)
	}
}

func (r *Runner) process(ctx context.Context, token string) {
	defer func() {
		if err := r.queue.Ack(ctx, token); err != nil {
			log.Printf("audit %s: ack: %v", token, err)
		}
	}()

	audit, err := r.store.GetAudit(ctx, token)
	if err != nil {
		log.Printf("audit %s: load: %v", token, err)
		return
	}
	if audit.Status != models.StatusPending {
		// Redelivered token for an audit some worker already owns or
		// finished; drop it.
		return
	}

	claimed, err := r.store.MarkRunning(ctx, token)
	if err != nil {
		log.Printf("audit %s: claim: %v", token, err)
		return
	}
	if !claimed {
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := r.pipeline.Run(ctx, audit); err != nil {
		log.Printf("%v", err)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
