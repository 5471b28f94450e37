package registry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"express-audit/internal/models"
)

// Lookuper is the single-attempt registry query surface, satisfied by *Client
// and by fakes in tests.
type Lookuper interface {
	Lookup(ctx context.Context, inn, companyName string) (models.RegistryCheck, error)
}

// Resolver wraps a Lookuper with bounded retries and exponential backoff.
// Transient registry failures are retried up to MaxAttempts; exhaustion
// resolves to a pending check rather than an error, since "verify manually"
// is a legitimate audit outcome.
type Resolver struct {
	Lookuper       Lookuper
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Sleep is replaceable in tests; defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Resolve runs the lookup, reporting every attempt through onAttempt before
// it is made so callers can surface live "attempt N of M" progress. It never
// returns an error for registry trouble; only context cancellation aborts it.
func (r *Resolver) Resolve(ctx context.Context, inn, companyName string, onAttempt func(attempt int)) (models.RegistryCheck, error) {
	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	// Nothing to search by: short-circuit without consuming attempts.
	if inn == "" && companyName == "" {
		check, _ := r.Lookuper.Lookup(ctx, "", "")
		return check, nil
	}

	var lastReason string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if onAttempt != nil {
			onAttempt(attempt)
		}

		check, err := r.Lookuper.Lookup(ctx, inn, companyName)
		if err == nil {
			return check, nil
		}

		var transient *TransientError
		if !errors.As(err, &transient) {
			// Definitive protocol failure: treat like exhaustion below.
			lastReason = err.Error()
			break
		}
		lastReason = transient.Reason

		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, backoffWithJitter(r.BackoffInitial, r.BackoffMax, attempt)); err != nil {
			return models.RegistryCheck{}, err
		}
	}

	return models.RegistryCheck{
		Status:     models.RegistryPending,
		Confidence: models.ConfidenceNone,
		UsedKey:    usedKeyFor(inn),
		Details:    "registry unavailable, manual verification required: " + lastReason,
	}, nil
}

func usedKeyFor(inn string) string {
	if inn != "" {
		return models.UsedKeyINN
	}
	return models.UsedKeyName
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
