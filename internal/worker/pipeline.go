package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"express-audit/internal/check"
	"express-audit/internal/config"
	"express-audit/internal/models"
	"express-audit/internal/registry"
	"express-audit/internal/scoring"
	"express-audit/internal/telemetry"
)

// AuditStore is the persistence surface the pipeline drives. Satisfied by
// *store.Store and by fakes in tests.
type AuditStore interface {
	GetAudit(ctx context.Context, token string) (models.Audit, error)
	MarkRunning(ctx context.Context, token string) (bool, error)
	AppendStageResult(ctx context.Context, token string, res models.StageResult) error
	SetRegistryAttempt(ctx context.Context, token string, attempt int) error
	Complete(ctx context.Context, token string, score int, severity string) error
	MarkFailed(ctx context.Context, token, reason string) error
}

// SnapshotFetcher downloads the target site. Satisfied by *check.Fetcher.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*check.Snapshot, error)
}

// LeaseExtender keeps an in-flight queue lease alive while the registry
// stage waits out its backoff. May be nil when no queue is involved.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, token string, extension time.Duration) error
}

// Pipeline executes one audit end to end: fetch the site, run the stages in
// order, aggregate the score. Stages within one audit are strictly
// sequential; later stages consume facts extracted by earlier ones.
type Pipeline struct {
	cfg      config.Config
	store    AuditStore
	fetcher  SnapshotFetcher
	resolver *registry.Resolver
	weights  scoring.Weights
	leases   LeaseExtender
}

// NewPipeline assembles the audit pipeline.
func NewPipeline(cfg config.Config, st AuditStore, fetcher SnapshotFetcher, resolver *registry.Resolver, leases LeaseExtender) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		fetcher:  fetcher,
		resolver: resolver,
		weights:  scoring.DefaultWeights(),
		leases:   leases,
	}
}

// Run drives a claimed audit to a terminal state. The caller must have
// transitioned the audit to running already. Returns an error only for
// logging; every outcome, including failure, is persisted here.
func (p *Pipeline) Run(ctx context.Context, audit models.Audit) error {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AuditTimeout)
	defer cancel()

	snap, err := p.fetcher.Fetch(ctx, audit.WebsiteURL)
	if err != nil {
		// DNS failure, refused connection, or timeout on the initial fetch is
		// the one unrecoverable class: the audit fails, the caller submits a
		// new one.
		reason := fetchFailureReason(err)
		if markErr := p.store.MarkFailed(context.WithoutCancel(ctx), audit.Token, reason); markErr != nil {
			log.Printf("audit %s: mark failed: %v", audit.Token, markErr)
		}
		telemetry.AuditsFailed.Inc()
		return fmt.Errorf("audit %s: %s", audit.Token, reason)
	}

	facts := &check.PageFacts{}
	stages := p.stages(ctx, audit)
	results := make([]models.StageResult, 0, len(stages))

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return p.failTimeout(audit, started)
		}

		res := stage.Run(ctx, snap, facts)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return p.failTimeout(audit, started)
		}

		if err := p.store.AppendStageResult(ctx, audit.Token, res); err != nil {
			if markErr := p.store.MarkFailed(context.WithoutCancel(ctx), audit.Token, "internal error recording stage result"); markErr != nil {
				log.Printf("audit %s: mark failed: %v", audit.Token, markErr)
			}
			telemetry.AuditsFailed.Inc()
			return fmt.Errorf("audit %s: append %s result: %w", audit.Token, res.StageName, err)
		}
		telemetry.StageOutcomes.WithLabelValues(res.StageName, res.Outcome).Inc()
		if res.Evidence.Registry != nil {
			telemetry.RegistryResults.WithLabelValues(res.Evidence.Registry.Status).Inc()
		}
		results = append(results, res)
	}

	sum := scoring.Aggregate(results, p.weights)
	if err := p.store.Complete(ctx, audit.Token, sum.Score, sum.Severity); err != nil {
		return fmt.Errorf("audit %s: complete: %w", audit.Token, err)
	}

	telemetry.AuditsCompleted.Inc()
	telemetry.AuditDuration.Observe(time.Since(started).Seconds())
	log.Printf("audit %s: completed score=%d severity=%s in %s", audit.Token, sum.Score, sum.Severity, time.Since(started).Round(time.Millisecond))
	return nil
}

// stages builds the ordered stage list for one audit run. The registry stage
// is constructed per run: its attempt callback persists the live counter and
// keeps the queue lease ahead of the backoff waits.
func (p *Pipeline) stages(ctx context.Context, audit models.Audit) []check.Stage {
	onAttempt := func(attempt int) {
		telemetry.RegistryAttempts.Inc()
		if err := p.store.SetRegistryAttempt(ctx, audit.Token, attempt); err != nil {
			log.Printf("audit %s: set registry attempt: %v", audit.Token, err)
		}
		if p.leases != nil {
			if err := p.leases.ExtendLease(ctx, audit.Token, p.cfg.VisibilityTimeout); err != nil {
				log.Printf("audit %s: extend lease: %v", audit.Token, err)
			}
		}
	}

	return []check.Stage{
		check.ConnectionStage(),
		check.SSLStage(),
		check.PrivacyPolicyStage(),
		check.CookieBannerStage(),
		check.ConsentFormsStage(),
		check.CompanyDetailsStage(),
		check.HostingStage(),
		&check.RegistryStage{Resolver: p.resolver, OnAttempt: onAttempt},
	}
}

func (p *Pipeline) failTimeout(audit models.Audit, started time.Time) error {
	reason := fmt.Sprintf("audit timed out after %s", p.cfg.AuditTimeout)
	if err := p.store.MarkFailed(context.Background(), audit.Token, reason); err != nil {
		log.Printf("audit %s: mark failed: %v", audit.Token, err)
	}
	telemetry.AuditsFailed.Inc()
	telemetry.AuditDuration.Observe(time.Since(started).Seconds())
	return fmt.Errorf("audit %s: %s", audit.Token, reason)
}

func fetchFailureReason(err error) string {
	var fe *check.FetchError
	if errors.As(err, &fe) {
		return "site unreachable: " + fe.Err.Error()
	}
	return "site unreachable: " + err.Error()
}
