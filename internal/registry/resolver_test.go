package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"express-audit/internal/models"
)

type scriptedLookuper struct {
	responses []func() (models.RegistryCheck, error)
	calls     int
}

func (s *scriptedLookuper) Lookup(_ context.Context, _, _ string) (models.RegistryCheck, error) {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return s.responses[idx]()
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func pass() (models.RegistryCheck, error) {
	return models.RegistryCheck{Status: models.RegistryPassed, Confidence: models.ConfidenceHigh, UsedKey: models.UsedKeyINN}, nil
}

func transient() (models.RegistryCheck, error) {
	return models.RegistryCheck{}, &TransientError{Reason: "HTTP 502"}
}

func TestResolveFirstAttemptSuccess(t *testing.T) {
	lk := &scriptedLookuper{responses: []func() (models.RegistryCheck, error){pass}}
	r := &Resolver{Lookuper: lk, MaxAttempts: 5, Sleep: noSleep}

	var attempts []int
	check, err := r.Resolve(context.Background(), "7707083893", "", func(n int) { attempts = append(attempts, n) })
	require.NoError(t, err)
	assert.Equal(t, models.RegistryPassed, check.Status)
	assert.Equal(t, []int{1}, attempts)
	assert.Equal(t, 1, lk.calls)
}

func TestResolveRetriesThenSucceeds(t *testing.T) {
	lk := &scriptedLookuper{responses: []func() (models.RegistryCheck, error){transient, transient, pass}}
	r := &Resolver{Lookuper: lk, MaxAttempts: 5, Sleep: noSleep}

	var attempts []int
	check, err := r.Resolve(context.Background(), "7707083893", "", func(n int) { attempts = append(attempts, n) })
	require.NoError(t, err)
	assert.Equal(t, models.RegistryPassed, check.Status)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

// Exhausting all attempts is a soft outcome: pending, never an error.
func TestResolveExhaustionResolvesPending(t *testing.T) {
	lk := &scriptedLookuper{responses: []func() (models.RegistryCheck, error){transient}}
	r := &Resolver{Lookuper: lk, MaxAttempts: 5, Sleep: noSleep}

	var last int
	check, err := r.Resolve(context.Background(), "7707083893", "", func(n int) { last = n })
	require.NoError(t, err)
	assert.Equal(t, models.RegistryPending, check.Status)
	assert.Equal(t, models.UsedKeyINN, check.UsedKey)
	assert.Equal(t, 5, last)
	assert.Equal(t, 5, lk.calls)
}

func TestResolveNoIdentifiersShortCircuits(t *testing.T) {
	client := NewClient("http://registry.invalid", "test", time.Second)
	r := &Resolver{Lookuper: client, MaxAttempts: 5, Sleep: noSleep}

	called := false
	check, err := r.Resolve(context.Background(), "", "", func(int) { called = true })
	require.NoError(t, err)
	assert.False(t, called, "short-circuit must not consume attempts")
	assert.Equal(t, models.RegistryNotChecked, check.Status)
	assert.True(t, check.NeedsCompanyDetails)
}

func TestResolveContextCancellation(t *testing.T) {
	lk := &scriptedLookuper{responses: []func() (models.RegistryCheck, error){transient}}
	r := &Resolver{Lookuper: lk, MaxAttempts: 5}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, "7707083893", "", nil)
	require.Error(t, err)
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	for attempt := 1; attempt <= 6; attempt++ {
		b := backoffWithJitter(base, max, attempt)
		assert.GreaterOrEqual(t, b, base/2, "attempt %d", attempt)
		assert.LessOrEqual(t, b, max, "attempt %d", attempt)
	}
}
