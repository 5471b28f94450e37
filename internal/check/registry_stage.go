package check

import (
	"context"

	"express-audit/internal/models"
	"express-audit/internal/registry"
)

// RegistryStage resolves whether the site operator is listed in the RKN
// personal-data-operator registry. Unlike other stages it may block across
// several retry attempts; onAttempt fires before each one so the audit record
// can expose live attempt counters to pollers.
type RegistryStage struct {
	Resolver  *registry.Resolver
	OnAttempt func(attempt int)
}

func (s *RegistryStage) Name() string { return StageRegistry }

func (s *RegistryStage) Run(ctx context.Context, _ *Snapshot, facts *PageFacts) models.StageResult {
	checkRes, err := s.Resolver.Resolve(ctx, facts.INN, facts.CompanyName, s.OnAttempt)
	if err != nil {
		// Only context cancellation reaches here; the audit deadline will
		// surface it. Record the ambiguity rather than dropping the stage.
		checkRes = models.RegistryCheck{
			Status:     models.RegistryPending,
			Confidence: models.ConfidenceNone,
			UsedKey:    models.UsedKeyNone,
			Details:    "registry lookup interrupted: " + err.Error(),
		}
	}
	return models.StageResult{
		StageName: StageRegistry,
		Outcome:   RegistryOutcome(checkRes),
		Evidence: models.Evidence{
			Details:  checkRes.Details,
			Registry: &checkRes,
		},
	}
}

// RegistryOutcome maps a registry check onto the common stage outcome scale.
// Ambiguous results (pending, not_checked) are warnings: the audit finishes,
// the user is told to verify manually or supply an INN.
func RegistryOutcome(c models.RegistryCheck) string {
	switch c.Status {
	case models.RegistryPassed:
		return models.OutcomePassed
	case models.RegistryFailed:
		return models.OutcomeFailed
	default:
		return models.OutcomeWarning
	}
}
