package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groomline/internal/config"
	"groomline/internal/domain"
)

func fastRetries(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Store.RetryBackoff = config.Duration(1000)
	cfg.Store.MaxRetries = 3
	e, err := New(Options{Config: cfg})
	require.NoError(t, err)
	return e
}

func TestRetryRecoversFromConflicts(t *testing.T) {
	e := fastRetries(t)
	calls := 0
	v, err := retry(context.Background(), e, "test", func() (int, error) {
		calls++
		if calls < 3 {
			return 0, domain.ConflictError{EntityID: "a", Expected: 1, Actual: 2}
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	e := fastRetries(t)
	calls := 0
	_, err := retry(context.Background(), e, "test", func() (int, error) {
		calls++
		return 0, domain.ConflictError{EntityID: "a"}
	})
	assert.True(t, domain.IsConflict(err))
	assert.Equal(t, 4, calls)
}

func TestRetryStopsOnOtherErrors(t *testing.T) {
	e := fastRetries(t)
	boom := errors.New("boom")
	calls := 0
	_, err := retry(context.Background(), e, "test", func() (int, error) {
		calls++
		return 0, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestLockItemsIsOrdered(t *testing.T) {
	e := fastRetries(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 100 {
			e.lockItems("b", "a")()
		}
	}()
	for range 100 {
		e.lockItems("a", "b")()
	}
	<-done
}
