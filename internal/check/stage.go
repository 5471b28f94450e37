package check

import (
	"context"

	"express-audit/internal/models"
)

// Stage is one compliance check over a fetched snapshot. Stages never return
// Go errors: a check that does not pass is a failed StageResult, and the
// pipeline moves on.
type Stage interface {
	Name() string
	Run(ctx context.Context, snap *Snapshot, facts *PageFacts) models.StageResult
}

// PageFacts carries data extracted by earlier stages to later ones. The
// company_details stage fills it; the registry stage consumes it.
type PageFacts struct {
	INN         string
	OGRN        string
	CompanyName string
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, snap *Snapshot, facts *PageFacts) models.StageResult
}

func (s StageFunc) Name() string { return s.StageName }

func (s StageFunc) Run(ctx context.Context, snap *Snapshot, facts *PageFacts) models.StageResult {
	return s.Fn(ctx, snap, facts)
}

func result(name, outcome string, ev models.Evidence) models.StageResult {
	return models.StageResult{StageName: name, Outcome: outcome, Evidence: ev}
}
