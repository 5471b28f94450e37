package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"express-audit/internal/check"
	"express-audit/internal/config"
	"express-audit/internal/models"
	"express-audit/internal/registry"
	"express-audit/internal/scoring"
)

// fakeStore mirrors the store's transition guards and asserts the tally
// invariant on every mutation.
type fakeStore struct {
	mu      sync.Mutex
	t       *testing.T
	audit   models.Audit
	results []models.StageResult
}

func newFakeStore(t *testing.T, url string) *fakeStore {
	return &fakeStore{
		t: t,
		audit: models.Audit{
			Token:               "tok-test",
			WebsiteURL:          url,
			Status:              models.StatusPending,
			RegistryMaxAttempts: 5,
		},
	}
}

func (f *fakeStore) GetAudit(_ context.Context, token string) (models.Audit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if token != f.audit.Token {
		return models.Audit{}, errors.New("not found")
	}
	return f.audit, nil
}

func (f *fakeStore) MarkRunning(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audit.Status != models.StatusPending {
		return false, nil
	}
	f.audit.Status = models.StatusRunning
	return true, nil
}

func (f *fakeStore) AppendStageResult(_ context.Context, _ string, res models.StageResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audit.Status != models.StatusRunning {
		return fmt.Errorf("audit is not running")
	}
	f.results = append(f.results, res)
	f.audit.StageIndex++
	switch res.Outcome {
	case models.OutcomePassed:
		f.audit.PassedCount++
	case models.OutcomeWarning:
		f.audit.WarningCount++
	case models.OutcomeFailed:
		f.audit.FailedCount++
	default:
		return fmt.Errorf("unknown outcome %q", res.Outcome)
	}
	// Counts must equal the result list at every observable state.
	require.Equal(f.t, len(f.results), f.audit.PassedCount+f.audit.WarningCount+f.audit.FailedCount)
	require.Equal(f.t, len(f.results), f.audit.StageIndex)
	return nil
}

func (f *fakeStore) SetRegistryAttempt(_ context.Context, _ string, attempt int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.LessOrEqual(f.t, attempt, f.audit.RegistryMaxAttempts)
	f.audit.RegistryAttempt = attempt
	return nil
}

func (f *fakeStore) Complete(_ context.Context, _ string, score int, severity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audit.Status != models.StatusRunning {
		return fmt.Errorf("audit is not running")
	}
	f.audit.Status = models.StatusCompleted
	f.audit.ScorePercent = &score
	f.audit.Severity = &severity
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, _ string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.audit.Terminal() {
		return nil
	}
	f.audit.Status = models.StatusFailed
	f.audit.LastError = &reason
	return nil
}

func (f *fakeStore) snapshot() (models.Audit, []models.StageResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audit, append([]models.StageResult(nil), f.results...)
}

type fakeFetcher struct {
	html string
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) (*check.Snapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(f.html))
	if err != nil {
		return nil, err
	}
	return &check.Snapshot{
		RequestedURL: rawURL,
		FinalURL:     rawURL,
		StatusCode:   200,
		Doc:          doc,
		Text:         doc.Text(),
		Addresses:    []string{"203.0.113.10"},
	}, nil
}

type fakeLookuper struct {
	check models.RegistryCheck
	err   error
	calls int
}

func (f *fakeLookuper) Lookup(_ context.Context, inn, name string) (models.RegistryCheck, error) {
	f.calls++
	if f.err != nil {
		return models.RegistryCheck{}, f.err
	}
	if inn == "" && name == "" {
		return models.RegistryCheck{
			Status:              models.RegistryNotChecked,
			Confidence:          models.ConfidenceNone,
			UsedKey:             models.UsedKeyNone,
			NeedsCompanyDetails: true,
		}, nil
	}
	return f.check, nil
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func newTestPipeline(st AuditStore, fetcher SnapshotFetcher, lk registry.Lookuper) *Pipeline {
	cfg := config.Config{
		AuditTimeout:      10 * time.Second,
		VisibilityTimeout: time.Minute,
	}
	resolver := &registry.Resolver{Lookuper: lk, MaxAttempts: 5, Sleep: noSleep}
	return NewPipeline(cfg, st, fetcher, resolver, nil)
}

func runClaimed(t *testing.T, p *Pipeline, st *fakeStore) {
	t.Helper()
	claimed, err := st.MarkRunning(context.Background(), st.audit.Token)
	require.NoError(t, err)
	require.True(t, claimed)
	audit, _ := st.snapshot()
	_ = p.Run(context.Background(), audit)
}

// Scenario A: plain-HTTP site with no privacy policy finishes with a
// critical score, not a failed job.
func TestPipelineNonCompliantSiteCompletes(t *testing.T) {
	st := newFakeStore(t, "http://example.ru")
	fetcher := &fakeFetcher{html: `<html><body><p>Добро пожаловать</p></body></html>`}
	p := newTestPipeline(st, fetcher, &fakeLookuper{})

	runClaimed(t, p, st)

	audit, results := st.snapshot()
	assert.Equal(t, models.StatusCompleted, audit.Status)
	assert.Len(t, results, 8)
	assert.GreaterOrEqual(t, audit.FailedCount, 2)
	require.NotNil(t, audit.ScorePercent)
	assert.Less(t, *audit.ScorePercent, 50)
	require.NotNil(t, audit.Severity)
	assert.Equal(t, models.SeverityHigh, *audit.Severity)
}

// Scenario B: unreachable site fails the whole audit; no score is ever set.
func TestPipelineFetchFailureFailsAudit(t *testing.T) {
	st := newFakeStore(t, "https://no-such-host.example")
	fetcher := &fakeFetcher{err: &check.FetchError{URL: "https://no-such-host.example", Err: errors.New("no such host")}}
	p := newTestPipeline(st, fetcher, &fakeLookuper{})

	runClaimed(t, p, st)

	audit, results := st.snapshot()
	assert.Equal(t, models.StatusFailed, audit.Status)
	assert.Empty(t, results)
	assert.Nil(t, audit.ScorePercent)
	require.NotNil(t, audit.LastError)
	assert.Contains(t, *audit.LastError, "unreachable")
}

// Scenario C: INN in the footer matching a registered operator resolves the
// registry stage on the first attempt.
func TestPipelineRegistryMatchByINN(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	fetcher := &fakeFetcher{html: `<html><body>
		<a href="/privacy">Политика конфиденциальности</a>
		<footer>ООО «Пример» ИНН: 7707083893</footer>
	</body></html>`}
	lk := &fakeLookuper{check: models.RegistryCheck{
		Status:     models.RegistryPassed,
		Confidence: models.ConfidenceHigh,
		UsedKey:    models.UsedKeyINN,
	}}
	p := newTestPipeline(st, fetcher, lk)

	runClaimed(t, p, st)

	audit, results := st.snapshot()
	assert.Equal(t, models.StatusCompleted, audit.Status)
	assert.Equal(t, 1, audit.RegistryAttempt)
	assert.Equal(t, 1, lk.calls)

	reg := results[len(results)-1].Evidence.Registry
	require.NotNil(t, reg)
	assert.Equal(t, models.RegistryPassed, reg.Status)
	assert.Equal(t, models.UsedKeyINN, reg.UsedKey)
	assert.False(t, reg.NeedsCompanyDetails)
}

// Scenario D: no requisites on the page short-circuits the registry stage
// without consuming attempts.
func TestPipelineRegistryNotChecked(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	fetcher := &fakeFetcher{html: `<html><body><p>Сайт без реквизитов</p></body></html>`}
	p := newTestPipeline(st, fetcher, &fakeLookuper{})

	runClaimed(t, p, st)

	audit, results := st.snapshot()
	assert.Equal(t, models.StatusCompleted, audit.Status)
	assert.Equal(t, 0, audit.RegistryAttempt)

	reg := results[len(results)-1].Evidence.Registry
	require.NotNil(t, reg)
	assert.Equal(t, models.RegistryNotChecked, reg.Status)
	assert.True(t, reg.NeedsCompanyDetails)
}

// Registry exhaustion is a soft outcome: the stage resolves pending and the
// attempt counter stops at the ceiling.
func TestPipelineRegistryExhaustion(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	fetcher := &fakeFetcher{html: `<html><body><footer>ИНН: 7707083893</footer></body></html>`}
	lk := &fakeLookuper{err: &registry.TransientError{Reason: "HTTP 502"}}
	p := newTestPipeline(st, fetcher, lk)

	runClaimed(t, p, st)

	audit, results := st.snapshot()
	assert.Equal(t, models.StatusCompleted, audit.Status)
	assert.Equal(t, audit.RegistryMaxAttempts, audit.RegistryAttempt)
	assert.Equal(t, 5, lk.calls)

	reg := results[len(results)-1].Evidence.Registry
	require.NotNil(t, reg)
	assert.Equal(t, models.RegistryPending, reg.Status)
}

func TestPipelineTimeoutFailsAudit(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	fetcher := &fakeFetcher{html: `<html><body></body></html>`}
	p := newTestPipeline(st, fetcher, &fakeLookuper{})
	p.cfg.AuditTimeout = time.Nanosecond

	runClaimed(t, p, st)

	audit, _ := st.snapshot()
	assert.Equal(t, models.StatusFailed, audit.Status)
	assert.Nil(t, audit.ScorePercent)
	require.NotNil(t, audit.LastError)
	assert.Contains(t, *audit.LastError, "timed out")
}

// Terminal state is immutable: a second completion attempt is rejected.
func TestPipelineTerminalStateFrozen(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	fetcher := &fakeFetcher{html: `<html><body></body></html>`}
	p := newTestPipeline(st, fetcher, &fakeLookuper{})

	runClaimed(t, p, st)

	audit, _ := st.snapshot()
	require.Equal(t, models.StatusCompleted, audit.Status)
	firstScore := *audit.ScorePercent

	err := st.Complete(context.Background(), audit.Token, 0, models.SeverityHigh)
	assert.Error(t, err)

	audit, _ = st.snapshot()
	assert.Equal(t, firstScore, *audit.ScorePercent)
}

// Aggregation of the recorded results must reproduce the persisted score.
func TestPipelineScoreMatchesAggregator(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	fetcher := &fakeFetcher{html: `<html><body>
		<a href="/privacy">Политика конфиденциальности</a>
		<div>Мы используем cookie <button>Принять</button></div>
	</body></html>`}
	p := newTestPipeline(st, fetcher, &fakeLookuper{})

	runClaimed(t, p, st)

	audit, results := st.snapshot()
	require.Equal(t, models.StatusCompleted, audit.Status)
	sum := scoring.Aggregate(results, scoring.DefaultWeights())
	assert.Equal(t, sum.Score, *audit.ScorePercent)
	assert.Equal(t, sum.Severity, *audit.Severity)
}
