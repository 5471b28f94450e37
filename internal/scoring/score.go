package scoring

import (
	"math"

	"express-audit/internal/models"
)

// Severity thresholds. A score at or above SeverityLowFloor is compliant
// enough to be framed as low risk; below SeverityMediumFloor it is critical.
const (
	SeverityLowFloor    = 80
	SeverityMediumFloor = 50
)

// warning outcomes earn half of the stage weight.
const warningCredit = 0.5

// Weights is the per-stage scoring policy. Heavier stages reflect checks that
// matter more under 152-FZ (SSL, policy presence) than cosmetic ones.
type Weights map[string]int

// DefaultWeights returns the review-approved policy table. Stages missing
// from the table contribute nothing to the score.
func DefaultWeights() Weights {
	return Weights{
		"connection":      5,
		"ssl":             20,
		"privacy_policy":  20,
		"cookie_banner":   10,
		"consent_forms":   15,
		"company_details": 5,
		"hosting":         5,
		"rkn_registry":    20,
	}
}

// Summary is the aggregated outcome of a finished audit.
type Summary struct {
	Score        int
	Severity     string
	PassedCount  int
	WarningCount int
	FailedCount  int
}

// Aggregate folds stage results into a 0-100 score and tallies. It is a pure
// function of its inputs: earned weight over possible weight, rounded to the
// nearest integer.
func Aggregate(results []models.StageResult, weights Weights) Summary {
	var sum Summary
	var earned, possible float64

	for _, r := range results {
		w := float64(weights[r.StageName])
		possible += w
		switch r.Outcome {
		case models.OutcomePassed:
			earned += w
			sum.PassedCount++
		case models.OutcomeWarning:
			earned += w * warningCredit
			sum.WarningCount++
		case models.OutcomeFailed:
			sum.FailedCount++
		}
	}

	if possible > 0 {
		sum.Score = int(math.Round(earned / possible * 100))
	}
	sum.Severity = Severity(sum.Score)
	return sum
}

// Severity buckets a score into low/medium/high risk.
func Severity(score int) string {
	switch {
	case score >= SeverityLowFloor:
		return models.SeverityLow
	case score >= SeverityMediumFloor:
		return models.SeverityMedium
	default:
		return models.SeverityHigh
	}
}
