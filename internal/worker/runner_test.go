package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"express-audit/internal/config"
	"express-audit/internal/models"
	"express-audit/internal/registry"
)

type fakeQueue struct {
	acked []string
}

func (f *fakeQueue) DequeueWithLease(_ context.Context) (string, error) { return "", nil }
func (f *fakeQueue) Ack(_ context.Context, token string) error {
	f.acked = append(f.acked, token)
	return nil
}
func (f *fakeQueue) RequeueExpired(_ context.Context, _ time.Time, _ int64) ([]string, error) {
	return nil, nil
}
func (f *fakeQueue) Depth(_ context.Context) (int64, error) { return 0, nil }

func newTestRunner(st *fakeStore, q *fakeQueue) *Runner {
	cfg := config.Config{
		AuditTimeout:       10 * time.Second,
		WorkerPollInterval: time.Millisecond,
	}
	fetcher := &fakeFetcher{html: `<html><body></body></html>`}
	resolver := &registry.Resolver{Lookuper: &fakeLookuper{}, MaxAttempts: 5, Sleep: noSleep}
	pipeline := NewPipeline(cfg, st, fetcher, resolver, nil)
	return NewRunner(cfg, q, st, pipeline)
}

func TestProcessRunsPendingAudit(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	q := &fakeQueue{}
	r := newTestRunner(st, q)

	r.process(context.Background(), "tok-test")

	audit, _ := st.snapshot()
	assert.Equal(t, models.StatusCompleted, audit.Status)
	assert.Equal(t, []string{"tok-test"}, q.acked)
}

// A redelivered token whose audit already ran is acked and dropped, never
// executed twice.
func TestProcessSkipsNonPendingAudit(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	q := &fakeQueue{}
	r := newTestRunner(st, q)

	r.process(context.Background(), "tok-test")
	audit, results := st.snapshot()
	require.Equal(t, models.StatusCompleted, audit.Status)
	firstLen := len(results)

	r.process(context.Background(), "tok-test")
	audit, results = st.snapshot()
	assert.Equal(t, models.StatusCompleted, audit.Status)
	assert.Len(t, results, firstLen)
	assert.Len(t, q.acked, 2)
}

func TestProcessUnknownTokenAcked(t *testing.T) {
	st := newFakeStore(t, "https://example.ru")
	q := &fakeQueue{}
	r := newTestRunner(st, q)

	r.process(context.Background(), "tok-unknown")

	audit, _ := st.snapshot()
	assert.Equal(t, models.StatusPending, audit.Status)
	assert.Equal(t, []string{"tok-unknown"}, q.acked)
}
