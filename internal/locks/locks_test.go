package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groomline/internal/domain"
	"groomline/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager() (*Manager, *events.Log) {
	log := events.NewLog(nil)
	return NewManager(log, Options{DefaultTTL: time.Minute, MaxTTL: time.Hour}), log
}

func TestConcurrentExclusiveFailFast(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	start := make(chan struct{})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []domain.Lock
		blocked []domain.BlockedError
	)
	for _, holder := range []string{"agent-a", "agent-b"} {
		wg.Add(1)
		go func(holder string) {
			defer wg.Done()
			<-start
			l, err := m.Acquire(ctx, Request{ResourceID: "file:auth.py", HolderID: holder, Mode: domain.LockExclusive})
			mu.Lock()
			defer mu.Unlock()
			var be domain.BlockedError
			switch {
			case err == nil:
				granted = append(granted, l)
			case errors.As(err, &be):
				blocked = append(blocked, be)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(holder)
	}
	close(start)
	wg.Wait()
	require.Len(t, granted, 1)
	require.Len(t, blocked, 1)
	assert.Equal(t, granted[0].HolderID, blocked[0].CurrentHolder)
	assert.Equal(t, domain.LockExclusive, blocked[0].Mode)
}

func TestMutualExclusionWithWaiters(t *testing.T) {
	m, log := newTestManager()
	ctx := context.Background()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := m.Acquire(ctx, Request{ResourceID: "env:staging", HolderID: string(rune('a' + i)), Wait: 5 * time.Second})
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, m.Release(ctx, l.Token, l.HolderID))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
	assert.Len(t, log.Range(events.Query{Type: events.LockAcquired}), 8)
	assert.Len(t, log.Range(events.Query{Type: events.LockReleased}), 8)
	assert.Empty(t, m.Holders("env:staging"))
}

func TestSharedLocksCoexist(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(events.NewLog(nil), Options{DefaultTTL: time.Minute, Now: clock.Now})
	ctx := context.Background()
	_, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "a", Mode: domain.LockShared})
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = m.Acquire(ctx, Request{ResourceID: "r", HolderID: "b", Mode: domain.LockShared})
	require.NoError(t, err)
	assert.Len(t, m.Holders("r"), 2)

	_, err = m.Acquire(ctx, Request{ResourceID: "r", HolderID: "c", Mode: domain.LockExclusive})
	var be domain.BlockedError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "a", be.CurrentHolder)

	// b cannot upgrade while a shares the resource
	_, err = m.Acquire(ctx, Request{ResourceID: "r", HolderID: "b", Mode: domain.LockExclusive})
	require.ErrorAs(t, err, &be)
}

func TestUpgradeAndRefresh(t *testing.T) {
	m, log := newTestManager()
	ctx := context.Background()
	shared, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "a", Mode: domain.LockShared})
	require.NoError(t, err)
	up, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "a", Mode: domain.LockExclusive})
	require.NoError(t, err)
	assert.Equal(t, shared.Token, up.Token)
	assert.Equal(t, domain.LockExclusive, up.Mode)
	require.Len(t, m.Holders("r"), 1)

	again, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "a", Mode: domain.LockShared})
	require.NoError(t, err)
	assert.Equal(t, domain.LockExclusive, again.Mode)

	acts := []any{}
	for _, e := range log.Range(events.Query{Type: events.LockAcquired}) {
		acts = append(acts, e.Payload["action"])
	}
	assert.Equal(t, []any{"granted", "upgraded", "refreshed"}, acts)
}

func TestExpiredLockIsReleased(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	log := events.NewLog(nil)
	m := NewManager(log, Options{DefaultTTL: time.Minute, MaxTTL: time.Hour, Now: clock.Now})
	ctx := context.Background()
	crashed, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "crashed", TTL: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, crashed.ExpiresAt.Sub(crashed.AcquiredAt))

	clock.Advance(31 * time.Second)
	_, ok := m.Lookup(crashed.Token)
	assert.False(t, ok)
	l, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "next"})
	require.NoError(t, err)
	assert.Equal(t, "next", l.HolderID)
	assert.Len(t, log.Range(events.Query{Type: events.LockExpired}), 1)

	var nf domain.NotFoundError
	assert.ErrorAs(t, m.Release(ctx, crashed.Token, "crashed"), &nf)
}

func TestTTLIsClamped(t *testing.T) {
	m, _ := newTestManager()
	l, err := m.Acquire(context.Background(), Request{ResourceID: "r", HolderID: "a", TTL: 48 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, l.ExpiresAt.Sub(l.AcquiredAt))
}

func TestWaitTimesOut(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "a"})
	require.NoError(t, err)
	_, err = m.Acquire(ctx, Request{ResourceID: "r", HolderID: "b", Wait: 20 * time.Millisecond})
	var lt domain.LockTimeoutError
	require.ErrorAs(t, err, &lt)
	assert.Equal(t, "a", lt.CurrentHolder)
	assert.True(t, domain.IsRetryable(err))
}

func TestReleaseRequiresHolder(t *testing.T) {
	m, log := newTestManager()
	ctx := context.Background()
	held, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "a"})
	require.NoError(t, err)

	var nh domain.NotHolderError
	require.ErrorAs(t, m.Release(ctx, held.Token, "b"), &nh)
	assert.Equal(t, "a", nh.HolderID)
	assert.Equal(t, "b", nh.Caller)
	_, ok := m.Lookup(held.Token)
	assert.True(t, ok)
	assert.Empty(t, log.Range(events.Query{Type: events.LockReleased}))

	require.NoError(t, m.Release(ctx, held.Token, "a"))
	_, ok = m.Lookup(held.Token)
	assert.False(t, ok)
}

func TestWaiterWakesOnRelease(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	held, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "a"})
	require.NoError(t, err)
	got := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, Request{ResourceID: "r", HolderID: "b", Wait: 5 * time.Second})
		got <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.Release(ctx, held.Token, "a"))
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not wake")
	}
	assert.Equal(t, "b", m.Holders("r")[0].HolderID)
}

func TestAcquireAllRollsBack(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	_, err := m.Acquire(ctx, Request{ResourceID: "file:b", HolderID: "other"})
	require.NoError(t, err)
	_, err = m.AcquireAll(ctx, []Request{
		{ResourceID: "file:c", HolderID: "me"},
		{ResourceID: "file:a", HolderID: "me"},
		{ResourceID: "file:b", HolderID: "me"},
	})
	require.Error(t, err)
	assert.Empty(t, m.Holders("file:a"))
	assert.Empty(t, m.Holders("file:c"))

	got, err := m.AcquireAll(ctx, []Request{{ResourceID: "file:z", HolderID: "me"}, {ResourceID: "file:y", HolderID: "me"}})
	require.NoError(t, err)
	assert.Equal(t, "file:y", got[0].ResourceID)
}

func TestSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewManager(events.NewLog(nil), Options{DefaultTTL: time.Minute, Now: clock.Now})
	ctx := context.Background()
	for _, r := range []string{"a", "b"} {
		_, err := m.Acquire(ctx, Request{ResourceID: r, HolderID: "h"})
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Minute)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestValidation(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Acquire(context.Background(), Request{HolderID: "a"})
	var ve domain.ValidationError
	require.ErrorAs(t, err, &ve)
	_, err = m.Acquire(context.Background(), Request{ResourceID: "r", HolderID: "a", Mode: "weird"})
	require.ErrorAs(t, err, &ve)
}
