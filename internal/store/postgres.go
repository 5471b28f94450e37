package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"express-audit/internal/models"
)

// ErrNotFound is returned when no audit exists for a token.
var ErrNotFound = errors.New("audit not found")

// Store wraps pgxpool for Postgres persistence of audits and their
// per-stage results.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateAudit inserts a pending audit with a freshly generated bearer token.
// The token is the only external handle, so it must be unguessable; a v4 UUID
// carries 122 random bits.
func (s *Store) CreateAudit(ctx context.Context, websiteURL string, registryMaxAttempts int) (models.Audit, error) {
	if registryMaxAttempts <= 0 {
		registryMaxAttempts = 5
	}
	token := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audits (token, website_url, status, stage_index, registry_max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, $5)
	`, token, websiteURL, models.StatusPending, registryMaxAttempts, now)
	if err != nil {
		return models.Audit{}, fmt.Errorf("insert audit: %w", err)
	}

	return models.Audit{
		Token:               token,
		WebsiteURL:          websiteURL,
		Status:              models.StatusPending,
		RegistryMaxAttempts: registryMaxAttempts,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// GetAudit fetches an audit row by token.
func (s *Store) GetAudit(ctx context.Context, token string) (models.Audit, error) {
	return scanAudit(s.pool.QueryRow(ctx, auditSelect+` WHERE token = $1`, token))
}

const auditSelect = `
	SELECT token, website_url, status, stage_index,
	       passed_count, warning_count, failed_count,
	       registry_attempt, registry_max_attempts,
	       score_percent, severity, last_error,
	       created_at, updated_at, completed_at
	FROM audits`

// Snapshot returns the audit and its stage results as one consistent read.
// Pollers must never observe a stage_index ahead of the results list, so both
// reads happen inside a single transaction.
func (s *Store) Snapshot(ctx context.Context, token string) (models.Audit, []models.StageResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return models.Audit{}, nil, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx)

	audit, err := scanAudit(tx.QueryRow(ctx, auditSelect+` WHERE token = $1`, token))
	if err != nil {
		return models.Audit{}, nil, err
	}

	results, err := queryStageResults(ctx, tx, token)
	if err != nil {
		return models.Audit{}, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Audit{}, nil, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return audit, results, nil
}

// MarkRunning claims a pending audit for execution. The pending guard makes
// the transition idempotent against duplicate queue deliveries: the second
// worker sees claimed=false and drops the message.
func (s *Store) MarkRunning(ctx context.Context, token string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audits SET status = $2, updated_at = NOW()
		WHERE token = $1 AND status = $3
	`, token, models.StatusRunning, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendStageResult records one stage outcome: the result row, the stage
// cursor, and the matching tally move together in a single transaction so
// concurrent pollers always see counts that equal the result list.
func (s *Store) AppendStageResult(ctx context.Context, token string, res models.StageResult) error {
	evidence, err := json.Marshal(res.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	var tallyColumn string
	switch res.Outcome {
	case models.OutcomePassed:
		tallyColumn = "passed_count"
	case models.OutcomeWarning:
		tallyColumn = "warning_count"
	case models.OutcomeFailed:
		tallyColumn = "failed_count"
	default:
		return fmt.Errorf("unknown stage outcome %q", res.Outcome)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_stage_results (token, position, stage_name, outcome, evidence, created_at)
		SELECT token, stage_index, $2, $3, $4, NOW() FROM audits WHERE token = $1 AND status = $5
	`, token, res.StageName, res.Outcome, evidence, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("insert stage result: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE audits
		SET stage_index = stage_index + 1, `+tallyColumn+` = `+tallyColumn+` + 1, updated_at = NOW()
		WHERE token = $1 AND status = $2
	`, token, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("advance stage cursor: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("audit %s is not running", token)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stage result: %w", err)
	}
	return nil
}

// SetRegistryAttempt publishes the live registry retry counter, clamped to
// the configured ceiling.
func (s *Store) SetRegistryAttempt(ctx context.Context, token string, attempt int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits
		SET registry_attempt = LEAST($2, registry_max_attempts), updated_at = NOW()
		WHERE token = $1 AND status = $3
	`, token, attempt, models.StatusRunning)
	return err
}

// Complete freezes a running audit with its final score. The running guard
// makes terminal state immutable: a second call is a no-op error.
func (s *Store) Complete(ctx context.Context, token string, score int, severity string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE audits
		SET status = $2, score_percent = $3, severity = $4, last_error = NULL,
		    completed_at = NOW(), updated_at = NOW()
		WHERE token = $1 AND status = $5
	`, token, models.StatusCompleted, score, severity, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete audit: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("audit %s is not running", token)
	}
	return nil
}

// MarkFailed transitions an audit to the terminal failed state. Completed
// audits are never demoted.
func (s *Store) MarkFailed(ctx context.Context, token, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audits
		SET status = $2, last_error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE token = $1 AND status IN ($4, $5)
	`, token, models.StatusFailed, reason, models.StatusPending, models.StatusRunning)
	return err
}

// ReplaceRegistryStage swaps the registry stage result of a completed audit
// after a manual INN submission, recomputing tallies and the final score in
// the same transaction. Only the registry stage is re-scored; every other
// stage result is untouched.
func (s *Store) ReplaceRegistryStage(ctx context.Context, token, stageName string, res models.StageResult, score int, severity string) error {
	evidence, err := json.Marshal(res.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE audit_stage_results SET outcome = $3, evidence = $4
		WHERE token = $1 AND stage_name = $2
	`, token, stageName, res.Outcome, evidence)
	if err != nil {
		return fmt.Errorf("replace stage result: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("audit %s has no %s stage", token, stageName)
	}

	_, err = tx.Exec(ctx, `
		UPDATE audits a
		SET passed_count  = r.passed,
		    warning_count = r.warned,
		    failed_count  = r.failed,
		    score_percent = $2,
		    severity      = $3,
		    updated_at    = NOW()
		FROM (
			SELECT COUNT(*) FILTER (WHERE outcome = 'passed')  AS passed,
			       COUNT(*) FILTER (WHERE outcome = 'warning') AS warned,
			       COUNT(*) FILTER (WHERE outcome = 'failed')  AS failed
			FROM audit_stage_results WHERE token = $1
		) r
		WHERE a.token = $1 AND a.status = $4
	`, token, score, severity, models.StatusCompleted)
	if err != nil {
		return fmt.Errorf("rescore audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rescore: %w", err)
	}
	return nil
}

func queryStageResults(ctx context.Context, tx pgx.Tx, token string) ([]models.StageResult, error) {
	rows, err := tx.Query(ctx, `
		SELECT stage_name, outcome, evidence, created_at
		FROM audit_stage_results WHERE token = $1 ORDER BY position
	`, token)
	if err != nil {
		return nil, fmt.Errorf("query stage results: %w", err)
	}
	defer rows.Close()

	var results []models.StageResult
	for rows.Next() {
		var r models.StageResult
		var evidence []byte
		if err := rows.Scan(&r.StageName, &r.Outcome, &evidence, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		if err := json.Unmarshal(evidence, &r.Evidence); err != nil {
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanAudit(row pgx.Row) (models.Audit, error) {
	var a models.Audit
	var score pgtype.Int4
	var severity, lastErr pgtype.Text
	var completedAt pgtype.Timestamptz

	err := row.Scan(&a.Token, &a.WebsiteURL, &a.Status, &a.StageIndex,
		&a.PassedCount, &a.WarningCount, &a.FailedCount,
		&a.RegistryAttempt, &a.RegistryMaxAttempts,
		&score, &severity, &lastErr,
		&a.CreatedAt, &a.UpdatedAt, &completedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Audit{}, ErrNotFound
	}
	if err != nil {
		return models.Audit{}, fmt.Errorf("scan audit: %w", err)
	}

	if score.Valid {
		v := int(score.Int32)
		a.ScorePercent = &v
	}
	a.Severity = textPtr(severity)
	a.LastError = textPtr(lastErr)
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	return a, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
