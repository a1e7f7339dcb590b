package groomer

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"groomline/internal/config"
	"groomline/internal/dedup"
	"groomline/internal/domain"
	"groomline/internal/events"
	"groomline/internal/scoring"
	"groomline/internal/store"
	"groomline/internal/workflow"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	store   *store.Store
	machine *workflow.Machine
	groomer *Groomer
	state   *MemoryState
	clock   *clock
	cfg     *config.Config
}

func newTestEnv(t *testing.T, cfg *config.Config, compare dedup.Comparator) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	c := &clock{t: t0}
	log := events.NewLog(nil)
	log.Now = c.Now
	s, err := store.Open(log, store.Options{Now: c.Now})
	require.NoError(t, err)
	m := workflow.NewMachine(s, cfg, workflow.Options{Now: c.Now})
	state := &MemoryState{}
	g, err := New(Deps{
		Store:    s,
		Detector: dedup.New(cfg.Duplicates, compare, nil),
		Machine:  m,
		Resolve:  resolver(s),
		Config:   func() *config.Config { return cfg },
		Scores:   scoring.NewCache(0),
		State:    state,
		Now:      c.Now,
	})
	require.NoError(t, err)
	return &testEnv{store: s, machine: m, groomer: g, state: state, clock: c, cfg: cfg}
}

func resolver(s *store.Store) Resolver {
	return func(ctx context.Context, it domain.WorkItem, res dedup.Result, actor string) (bool, error) {
		match, ok := s.Head().Item(res.MatchID)
		if !ok {
			return false, nil
		}
		if res.Action == dedup.ActionLink {
			if slices.Contains(it.LinkedTo, match.ID) {
				return false, nil
			}
			it.LinkedTo = domain.AddToSet(it.LinkedTo, match.ID)
			match.LinkedTo = domain.AddToSet(match.LinkedTo, it.ID)
			_, err := s.Put(ctx, store.Put{Actor: actor, Type: events.ItemLinked, Items: []domain.WorkItem{it, match}})
			return err == nil, err
		}
		canonical, absorbed, changed := dedup.Merge(match, it)
		if !changed {
			return false, nil
		}
		_, err := s.Put(ctx, store.Put{Actor: actor, Type: events.ItemMerged, Items: []domain.WorkItem{canonical, absorbed}})
		return err == nil, err
	}
}

func (e *testEnv) submit(t *testing.T, id, title string) domain.WorkItem {
	t.Helper()
	now := e.clock.Now()
	it := domain.WorkItem{
		ID: id, Title: title, Status: domain.StatusNew, CreatedAt: now, LastActivityAt: now,
		Provenance: []domain.Source{{Ref: "src-" + id, CustomerValue: 0.5, SubmittedAt: now}},
		Factors:    domain.Factors{CustomerValue: 0.5},
	}
	_, err := e.store.Put(context.Background(), store.Put{Actor: "alice", Items: []domain.WorkItem{it}})
	require.NoError(t, err)
	got, ok := e.store.Head().Item(id)
	require.True(t, ok)
	return got
}

func (e *testEnv) item(t *testing.T, id string) domain.WorkItem {
	t.Helper()
	it, ok := e.store.Head().Item(id)
	require.True(t, ok, "item %s", id)
	return it
}

func fixed(v float64) dedup.Comparator {
	return func(context.Context, string, string) (float64, error) { return v, nil }
}

func TestRunOnceGroomsArrivals(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	e.submit(t, "a", "Rotate database credentials")
	b := e.submit(t, "b", "Paint the bikeshed blue")

	rep, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Groomed)
	assert.Equal(t, 2, rep.Promoted)
	assert.Zero(t, rep.Merged+rep.Linked)
	assert.False(t, rep.Partial)
	assert.Equal(t, b.CreatedVersion, rep.Watermark)
	assert.Equal(t, 2, rep.Scored)
	assert.LessOrEqual(t, rep.MinScore, rep.MedianScore)
	assert.LessOrEqual(t, rep.MedianScore, rep.MaxScore)

	assert.Equal(t, domain.StatusReady, e.item(t, "a").Status)
	assert.Equal(t, domain.StatusReady, e.item(t, "b").Status)
	wm, _ := e.state.LoadWatermark(context.Background())
	assert.Equal(t, b.CreatedVersion, wm)
	assert.Len(t, e.store.Log().Range(events.Query{Type: events.GroomCompleted}), 1)
}

func TestRunOnceWithoutArrivalsIsNoOp(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	e.submit(t, "a", "Rotate database credentials")
	_, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	head := e.store.Log().Head()

	rep, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Idle())
	assert.Equal(t, head, e.store.Log().Head())
	assert.Equal(t, e.item(t, "a").CreatedVersion, rep.Watermark)
}

func TestDuplicatesMergedOnce(t *testing.T) {
	e := newTestEnv(t, nil, fixed(0.97))
	e.submit(t, "a", "Add OAuth login")
	e.clock.Advance(time.Minute)
	e.submit(t, "b", "Add Oauth Login support")

	rep, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Merged)
	// b is merged while a is groomed and skipped afterwards
	assert.Equal(t, 1, rep.Groomed)

	a, b := e.item(t, "a"), e.item(t, "b")
	assert.Equal(t, "a", b.CanonicalID)
	assert.Equal(t, domain.StatusArchived, b.Status)
	assert.Len(t, a.Provenance, 2)
	assert.Equal(t, domain.StatusReady, a.Status)
	assert.Len(t, e.store.Log().Range(events.Query{Type: events.ItemMerged}), 1)

	rep, err = e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Idle())
}

func TestWatermarkResumesFromState(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	a := e.submit(t, "a", "Rotate database credentials")
	e.submit(t, "b", "Paint the bikeshed blue")
	require.NoError(t, e.state.SaveWatermark(context.Background(), a.CreatedVersion, t0))

	rep, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Groomed)
	assert.Equal(t, domain.StatusNew, e.item(t, "a").Status)
	assert.Equal(t, domain.StatusReady, e.item(t, "b").Status)
}

func TestStaleItemsAreArchived(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	e.submit(t, "open", "Rotate database credentials")
	e.submit(t, "fresh", "Paint the bikeshed blue")
	_, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)

	e.clock.Advance(e.cfg.Grooming.Staleness.D() + time.Hour)
	fresh := e.item(t, "fresh")
	fresh.LastActivityAt = e.clock.Now()
	_, err = e.store.Put(context.Background(), store.Put{Items: []domain.WorkItem{fresh}})
	require.NoError(t, err)

	rep, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Archived)

	open := e.item(t, "open")
	assert.Equal(t, domain.StatusArchived, open.Status)
	assert.True(t, strings.HasPrefix(open.CloseReason, "stale"), open.CloseReason)
	assert.Equal(t, domain.StatusReady, e.item(t, "fresh").Status)

	var triggers []string
	for _, ev := range e.store.Log().ForEntity("open") {
		if ev.Type == events.ItemTransitioned {
			triggers = append(triggers, ev.Payload["trigger"].(string))
		}
	}
	assert.Equal(t, []string{"mark_ready", "cancel", "archive"}, triggers)
}

func TestGateDeadlinesEscalateThenExpire(t *testing.T) {
	e := newTestEnv(t, nil, nil)
	it := e.submit(t, "risky", "Replace the payment provider")
	it.Status = domain.StatusReady
	it.Risk = domain.RiskHigh
	_, err := e.store.Put(context.Background(), store.Put{Items: []domain.WorkItem{it}})
	require.NoError(t, err)
	_, err = e.machine.Apply(context.Background(), workflow.Request{ItemID: "risky", Trigger: workflow.StartWork, Actor: "bob"})
	require.NoError(t, err)
	require.True(t, e.item(t, "risky").Gate.Pending())

	e.clock.Advance(e.cfg.Workflow.GateTimeout.D() + time.Minute)
	rep, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.GatesEscalated)
	assert.Zero(t, rep.GatesExpired)

	e.clock.Advance(e.cfg.Workflow.EscalationGrace.D())
	rep, err = e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.GatesExpired)
	got := e.item(t, "risky")
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "gate timed out", got.CloseReason)
}

func TestBudgetStopsBetweenItems(t *testing.T) {
	cfg := config.Default()
	cfg.Grooming.Budget = config.Duration(30 * time.Millisecond)
	slow := func(ctx context.Context, a, b string) (float64, error) {
		if !strings.Contains(a, "again") {
			return 0, nil
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}
	e := newTestEnv(t, cfg, slow)
	first := e.submit(t, "a", "Rotate database credentials")
	e.submit(t, "b", "Rotate database credentials again")

	rep, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Partial)
	assert.Equal(t, first.CreatedVersion, rep.Watermark)
	assert.Equal(t, domain.StatusReady, e.item(t, "a").Status)
	assert.Equal(t, domain.StatusNew, e.item(t, "b").Status)
}

func TestBudgetStopInsideOneWriteKeepsGroup(t *testing.T) {
	cfg := config.Default()
	cfg.Grooming.Budget = config.Duration(30 * time.Millisecond)
	var stall atomic.Bool
	stall.Store(true)
	slow := func(ctx context.Context, a, b string) (float64, error) {
		if !stall.Load() || !strings.Contains(a, "again") {
			return 0, nil
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}
	e := newTestEnv(t, cfg, slow)
	now := e.clock.Now()
	var batch []domain.WorkItem
	for id, title := range map[string]string{"a": "Rotate database credentials", "b": "Rotate database credentials again"} {
		batch = append(batch, domain.WorkItem{ID: id, Title: title, Status: domain.StatusNew, CreatedAt: now, LastActivityAt: now})
	}
	_, err := e.store.Put(context.Background(), store.Put{Actor: "alice", Items: batch})
	require.NoError(t, err)
	created := e.item(t, "a").CreatedVersion
	require.Equal(t, created, e.item(t, "b").CreatedVersion)

	rep, err := e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Partial)
	assert.Zero(t, rep.Watermark)
	assert.Equal(t, domain.StatusNew, e.item(t, "b").Status)

	stall.Store(false)
	rep, err = e.groomer.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Partial)
	assert.Equal(t, created, rep.Watermark)
	assert.Equal(t, domain.StatusReady, e.item(t, "a").Status)
	assert.Equal(t, domain.StatusReady, e.item(t, "b").Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	e := newTestEnv(t, nil, nil)
	reports := make(chan Report, 4)
	e.groomer.d.OnReport = func(r Report) { reports <- r }
	e.submit(t, "a", "Rotate database credentials")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.groomer.Run(ctx) }()

	e.groomer.Trigger()
	select {
	case rep := <-reports:
		assert.Equal(t, 1, rep.Groomed)
	case <-time.After(5 * time.Second):
		t.Fatal("no grooming report")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("groomer did not stop")
	}
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 0.5, Median([]float64{0.1, 0.5, 0.9}))
	assert.InDelta(t, 0.4, Median([]float64{0.1, 0.3, 0.5, 0.9}), 1e-12)
}
