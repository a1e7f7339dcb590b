package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"groomline/internal/config"
	"groomline/internal/dedup"
	"groomline/internal/domain"
	"groomline/internal/engine"
	"groomline/internal/events"
	"groomline/internal/locks"
	"groomline/internal/store"
	"groomline/internal/workflow"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

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
	Engine *engine.Engine
	Ctx    context.Context
	Clock  *clock
}

func newTestEnv(t *testing.T, opts ...func(*engine.Options)) testEnv {
	t.Helper()
	c := &clock{t: t0}
	var n atomic.Int64
	o := engine.Options{
		Now:   c.Now,
		NewID: func() string { return fmt.Sprintf("item-%d", n.Add(1)) },
	}
	for _, fn := range opts {
		fn(&o)
	}
	eng, err := engine.New(o)
	require.NoError(t, err)
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: c}
}

func withComparator(c dedup.Comparator) func(*engine.Options) {
	return func(o *engine.Options) { o.Comparator = c }
}

func fixed(v float64) dedup.Comparator {
	return func(context.Context, string, string) (float64, error) { return v, nil }
}

func (env testEnv) submit(t *testing.T, s engine.Submission) engine.SubmitResult {
	t.Helper()
	if s.Actor == "" {
		s.Actor = "tester"
	}
	res, err := env.Engine.Submit(env.Ctx, s)
	require.NoError(t, err)
	return res
}

func (env testEnv) item(t *testing.T, id string) domain.WorkItem {
	t.Helper()
	e, err := env.Engine.GetItem(env.Ctx, id)
	require.NoError(t, err)
	return e.Item
}

func (env testEnv) transition(t *testing.T, id string, trigger workflow.Trigger) workflow.Applied {
	t.Helper()
	a, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ItemID: id, Trigger: string(trigger), Actor: "tester"})
	require.NoError(t, err)
	return a
}

func source(ref string, v float64) []domain.Source {
	return []domain.Source{{Ref: ref, CustomerValue: v}}
}

func TestBlockerOutranksBlockedOnUnblockImpact(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Design storage schema"})
	env.submit(t, engine.Submission{ID: "b", Title: "Write import job", BlockedBy: []string{"a"}})

	a, err := env.Engine.GetItem(env.Ctx, "a")
	require.NoError(t, err)
	b, err := env.Engine.GetItem(env.Ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, a.Item.Blocks)
	assert.Greater(t, a.Score.Breakdown.UnblockImpact, b.Score.Breakdown.UnblockImpact)
}

func TestSubmitMergesNearDuplicate(t *testing.T) {
	env := newTestEnv(t, withComparator(fixed(0.97)))
	first := env.submit(t, engine.Submission{ID: "a", Title: "Add OAuth login", Provenance: source("ticket-1", 0.6)})
	require.True(t, first.Accepted)
	env.Clock.Advance(time.Minute)

	res := env.submit(t, engine.Submission{ID: "b", Title: "Add Oauth Login support", Provenance: source("ticket-2", 0.5)})
	assert.False(t, res.Accepted)
	assert.Equal(t, "a", res.ID)
	assert.Equal(t, dedup.ActionMerge, res.Duplicate.Action)
	assert.GreaterOrEqual(t, res.Duplicate.Similarity, 0.85)
	assert.Len(t, res.Item.Provenance, 2)
	// noisy-or of 0.6 and 0.5
	assert.InDelta(t, 0.8, res.Item.Factors.CustomerValue, 1e-9)

	b := env.item(t, "b")
	assert.Equal(t, "a", b.CanonicalID)
	assert.Equal(t, domain.StatusArchived, b.Status)
	assert.Len(t, env.Engine.Events(env.Ctx, events.Query{Type: events.ItemMerged}), 1)
}

func TestSubmitLinksRelatedItem(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Add OAuth login"})
	res := env.submit(t, engine.Submission{ID: "b", Title: "Add Oauth Login support"})
	require.True(t, res.Accepted)
	assert.Equal(t, dedup.ActionLink, res.Duplicate.Action)
	assert.Equal(t, []string{"a"}, res.Item.LinkedTo)
	assert.Equal(t, []string{"b"}, env.item(t, "a").LinkedTo)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	var verr domain.ValidationError

	_, err := env.Engine.Submit(env.Ctx, engine.Submission{Title: "  "})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "title", verr.Field)

	_, err = env.Engine.Submit(env.Ctx, engine.Submission{Title: "x", Provenance: source("r", 1.5)})
	require.ErrorAs(t, err, &verr)

	env.submit(t, engine.Submission{ID: "a", Title: "Rotate database credentials"})
	_, err = env.Engine.Submit(env.Ctx, engine.Submission{ID: "a", Title: "Something else entirely"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "id", verr.Field)

	res := env.submit(t, engine.Submission{Title: "Generated identifier"})
	assert.Equal(t, "item-1", res.ID)
}

func TestLearningEstimatorIsClamped(t *testing.T) {
	env := newTestEnv(t, func(o *engine.Options) {
		o.Learning = func(context.Context, domain.WorkItem) (float64, error) { return 3, nil }
	})
	res := env.submit(t, engine.Submission{ID: "a", Title: "Try new profiler"})
	assert.Equal(t, 1.0, res.Item.Factors.LearningValue)
}

func TestHighRiskStartWaitsForGate(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Replace auth provider", Risk: domain.RiskHigh})
	env.transition(t, "a", workflow.MarkReady)

	a := env.transition(t, "a", workflow.StartWork)
	assert.Equal(t, domain.StatusWaitingForReview, a.Item.Status)
	require.NotNil(t, a.Item.Gate)
	assert.Equal(t, domain.GatePending, a.Item.Gate.Status)
	assert.Equal(t, "ArchitectureReview", a.Item.Gate.Name)

	_, err := env.Engine.DecideGate(env.Ctx, "a", "ArchitectureReview", "rejected", "architect", "too risky this quarter")
	require.NoError(t, err)
	got := env.item(t, "a")
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, domain.GateRejected, got.Gate.Status)
}

func TestApprovedGateContinuesIntoProgress(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Replace auth provider", Risk: domain.RiskHigh})
	env.transition(t, "a", workflow.MarkReady)
	env.transition(t, "a", workflow.StartWork)

	_, err := env.Engine.DecideGate(env.Ctx, "a", "ArchitectureReview", "approved", "intern", "")
	var forbidden domain.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	_, err = env.Engine.DecideGate(env.Ctx, "a", "ArchitectureReview", "maybe", "architect", "")
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	a, err := env.Engine.DecideGate(env.Ctx, "a", "ArchitectureReview", "approved", "architect", "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, a.Item.Status)
}

func TestTransitionRejectsInvalidTriggers(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Tidy release notes"})

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ItemID: "a", Trigger: "complete"})
	var invalid domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StatusNew, invalid.From)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ItemID: "a", Trigger: "merge"})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ItemID: "a", Trigger: "explode"})
	require.ErrorAs(t, err, &verr)

	_, err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ItemID: "missing", Trigger: "cancel"})
	var nf domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Tidy release notes"})
	for _, tr := range []workflow.Trigger{workflow.MarkReady, workflow.StartWork, workflow.SubmitForReview, workflow.RequestChanges,
		workflow.StartWork, workflow.SubmitForReview, workflow.Approve, workflow.Complete, workflow.Archive} {
		env.transition(t, "a", tr)
	}
	assert.Equal(t, domain.StatusArchived, env.item(t, "a").Status)

	hist, err := env.Engine.GetHistory(env.Ctx, "a")
	require.NoError(t, err)
	require.Len(t, hist, 10)
	assert.Equal(t, events.ItemCreated, hist[0].Type)
	for i := 1; i < len(hist); i++ {
		assert.Greater(t, hist[i].Seq, hist[i-1].Seq)
	}
}

func TestReadAtReturnsPastBacklog(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Rotate database credentials"})
	env.submit(t, engine.Submission{ID: "b", Title: "Paint the bikeshed"})
	v1 := env.Engine.Snapshot()
	before := env.Engine.GetBacklog(env.Ctx, engine.BacklogQuery{})

	env.submit(t, engine.Submission{ID: "c", Title: "Upgrade compiler toolchain"})
	env.submit(t, engine.Submission{ID: "d", Title: "Document on-call rotation"})
	env.submit(t, engine.Submission{ID: "e", Title: "Benchmark cache eviction"})
	env.transition(t, "a", workflow.Cancel)

	past, err := env.Engine.ReadAt(env.Ctx, v1, engine.BacklogQuery{})
	require.NoError(t, err)
	assert.Equal(t, v1, past.Version)
	if diff := cmp.Diff(ids(before), ids(past)); diff != "" {
		t.Fatalf("backlog at %d changed (-want +got):\n%s", v1, diff)
	}
	assert.Len(t, env.Engine.GetBacklog(env.Ctx, engine.BacklogQuery{}).Entries, 4)

	_, err = env.Engine.ReadAt(env.Ctx, env.Engine.Snapshot()+10, engine.BacklogQuery{})
	var vnf domain.VersionNotFoundError
	require.ErrorAs(t, err, &vnf)
}

func ids(b engine.Backlog) []string {
	out := make([]string, 0, len(b.Entries))
	for _, e := range b.Entries {
		out = append(out, e.Item.ID)
	}
	return out
}

func TestBacklogFiltersAndLimit(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Rotate database credentials", RequiredSkills: []string{"ops"}, Provenance: source("r1", 0.9)})
	env.submit(t, engine.Submission{ID: "b", Title: "Paint the bikeshed", RequiredSkills: []string{"design"}})
	env.submit(t, engine.Submission{ID: "c", Title: "Upgrade compiler toolchain", RequiredSkills: []string{"ops"}})

	got := env.Engine.GetBacklog(env.Ctx, engine.BacklogQuery{Filter: store.Filter{Skill: "ops"}})
	assert.ElementsMatch(t, []string{"a", "c"}, ids(got))

	top := env.Engine.GetBacklog(env.Ctx, engine.BacklogQuery{Limit: 1})
	require.Len(t, top.Entries, 1)
	assert.Equal(t, "a", top.Entries[0].Item.ID)
}

func TestPullNextSkipsGatedAndChecksSkills(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterWorker(env.Ctx, engine.WorkerSpec{ID: "w1", Skills: []string{"go"}, Actor: "tester"})
	require.NoError(t, err)

	env.submit(t, engine.Submission{ID: "z", Title: "Replace auth provider", RequiredSkills: []string{"go"}, Risk: domain.RiskHigh,
		LearningValue: 1, Provenance: source("r1", 0.9)})
	env.submit(t, engine.Submission{ID: "x", Title: "Fix flaky scheduler test", RequiredSkills: []string{"go"}})
	env.submit(t, engine.Submission{ID: "y", Title: "Port parser to rust", RequiredSkills: []string{"rust"}})
	for _, id := range []string{"x", "y", "z"} {
		env.transition(t, id, workflow.MarkReady)
	}

	p, err := env.Engine.PullNext(env.Ctx, "w1", "")
	require.NoError(t, err)
	assert.Equal(t, "x", p.Item.ID)
	assert.Equal(t, domain.StatusInProgress, p.Item.Status)
	assert.Equal(t, "w1", p.Item.AssignedTo)
	assert.Equal(t, []string{"z"}, p.Gated)
	assert.Equal(t, domain.StatusWaitingForReview, env.item(t, "z").Status)

	w := env.Engine.Workers(env.Ctx)
	require.Len(t, w, 1)
	assert.Equal(t, []string{"x"}, w[0].Assigned)
	assert.InDelta(t, 1.0/8, w[0].Capacity, 1e-9)

	_, err = env.Engine.PullNext(env.Ctx, "w1", "")
	var none domain.NoSuitableWorkError
	require.ErrorAs(t, err, &none)
	assert.Equal(t, "w1", none.WorkerID)

	// approved past the gate and unassigned, z is pullable again
	_, err = env.Engine.DecideGate(env.Ctx, "z", "ArchitectureReview", "approved", "architect", "")
	require.NoError(t, err)
	p, err = env.Engine.PullNext(env.Ctx, "w1", "")
	require.NoError(t, err)
	assert.Equal(t, "z", p.Item.ID)
	assert.Equal(t, "w1", p.Item.AssignedTo)
}

func TestPullNextUnknownWorker(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.PullNext(env.Ctx, "ghost", "")
	var nf domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestPullNextRespectsBlockers(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterWorker(env.Ctx, engine.WorkerSpec{ID: "w1"})
	require.NoError(t, err)
	env.submit(t, engine.Submission{ID: "a", Title: "Design storage schema"})
	env.submit(t, engine.Submission{ID: "b", Title: "Write import job", BlockedBy: []string{"a"}, LearningValue: 1})
	env.transition(t, "b", workflow.MarkReady)

	_, err = env.Engine.PullNext(env.Ctx, "w1", "")
	var none domain.NoSuitableWorkError
	require.ErrorAs(t, err, &none)

	env.transition(t, "a", workflow.Cancel)
	p, err := env.Engine.PullNext(env.Ctx, "w1", "")
	require.NoError(t, err)
	assert.Equal(t, "b", p.Item.ID)
}

func TestDependencyCycleRejected(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Design storage schema"})
	env.submit(t, engine.Submission{ID: "b", Title: "Write import job"})

	_, err := env.Engine.AddDependency(env.Ctx, "a", "b", "tester")
	require.NoError(t, err)
	head := env.Engine.Snapshot()

	_, err = env.Engine.AddDependency(env.Ctx, "b", "a", "tester")
	var cycle domain.CycleDetectedError
	require.ErrorAs(t, err, &cycle)
	assert.Equal(t, head, env.Engine.Snapshot())
	assert.Empty(t, env.item(t, "a").BlockedBy)
	assert.Equal(t, []string{"a"}, env.item(t, "b").BlockedBy)

	_, err = env.Engine.RemoveDependency(env.Ctx, "b", "a", "tester")
	var nf domain.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = env.Engine.RemoveDependency(env.Ctx, "a", "b", "tester")
	require.NoError(t, err)
	assert.Empty(t, env.item(t, "b").BlockedBy)
}

func TestConcurrentExclusiveLocks(t *testing.T) {
	env := newTestEnv(t)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		got     []domain.Lock
		blocked []domain.BlockedError
	)
	for _, holder := range []string{"w1", "w2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := env.Engine.AcquireLock(env.Ctx, locks.Request{ResourceID: "file:auth.py", HolderID: holder, Mode: domain.LockExclusive})
			mu.Lock()
			defer mu.Unlock()
			var be domain.BlockedError
			switch {
			case err == nil:
				got = append(got, l)
			case errors.As(err, &be):
				blocked = append(blocked, be)
			default:
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, got, 1)
	require.Len(t, blocked, 1)
	assert.Equal(t, got[0].HolderID, blocked[0].CurrentHolder)

	require.NoError(t, env.Engine.ReleaseLock(env.Ctx, got[0].Token, got[0].HolderID))
	_, err := env.Engine.AcquireLock(env.Ctx, locks.Request{ResourceID: "file:auth.py", HolderID: "w3", Mode: domain.LockExclusive})
	require.NoError(t, err)
}

func TestAcquireLocksAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AcquireLock(env.Ctx, locks.Request{ResourceID: "file:b", HolderID: "w1", Mode: domain.LockExclusive})
	require.NoError(t, err)

	_, err = env.Engine.AcquireLocks(env.Ctx, []locks.Request{
		{ResourceID: "file:a", HolderID: "w2", Mode: domain.LockExclusive},
		{ResourceID: "file:b", HolderID: "w2", Mode: domain.LockExclusive},
	})
	var be domain.BlockedError
	require.ErrorAs(t, err, &be)
	assert.Empty(t, env.Engine.Locks.Holders("file:a"))
}

func TestManualMerge(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Rotate database credentials", Provenance: source("r1", 0.5)})
	env.Clock.Advance(time.Hour)
	env.submit(t, engine.Submission{ID: "b", Title: "Paint the bikeshed", Provenance: source("r2", 0.5)})
	_, err := env.Engine.RegisterWorker(env.Ctx, engine.WorkerSpec{ID: "w1"})
	require.NoError(t, err)
	env.transition(t, "b", workflow.MarkReady)
	_, err = env.Engine.PullNext(env.Ctx, "w1", "")
	require.NoError(t, err)

	// argument order does not matter: the earlier item survives
	canonical, err := env.Engine.Merge(env.Ctx, "b", "a", "tester")
	require.NoError(t, err)
	assert.Equal(t, "a", canonical.ID)
	assert.Len(t, canonical.Provenance, 2)

	b := env.item(t, "b")
	assert.Equal(t, "a", b.CanonicalID)
	assert.Equal(t, domain.StatusArchived, b.Status)
	assert.Empty(t, b.AssignedTo)
	w := env.Engine.Workers(env.Ctx)
	require.Len(t, w, 1)
	assert.Empty(t, w[0].Assigned)

	_, err = env.Engine.Merge(env.Ctx, "a", "a", "tester")
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGroomPromotesArrivals(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, engine.Submission{ID: "a", Title: "Rotate database credentials"})
	env.submit(t, engine.Submission{ID: "b", Title: "Paint the bikeshed"})

	rep, err := env.Engine.Groom(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Groomed)
	assert.Equal(t, 2, rep.Promoted)
	assert.Equal(t, domain.StatusReady, env.item(t, "a").Status)
	assert.Len(t, env.Engine.Events(env.Ctx, events.Query{Type: events.GroomCompleted}), 1)

	rep, err = env.Engine.Groom(env.Ctx)
	require.NoError(t, err)
	assert.True(t, rep.Idle())
}

func TestGroomSweepsExpiredLocks(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AcquireLock(env.Ctx, locks.Request{ResourceID: "file:a", HolderID: "w1", Mode: domain.LockExclusive, TTL: time.Minute})
	require.NoError(t, err)
	env.Clock.Advance(2 * time.Minute)

	_, err = env.Engine.Groom(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, env.Engine.Events(env.Ctx, events.Query{Type: events.LockExpired}), 1)
}

func TestCompactAndRestore(t *testing.T) {
	var saved []store.SnapshotRecord
	sink := snapshotFunc(func(_ context.Context, rec store.SnapshotRecord) error {
		saved = append(saved, rec)
		return nil
	})
	env := newTestEnv(t, func(o *engine.Options) { o.Snapshots = sink })
	env.submit(t, engine.Submission{ID: "a", Title: "Rotate database credentials"})
	env.submit(t, engine.Submission{ID: "b", Title: "Paint the bikeshed", BlockedBy: []string{"a"}})

	rec, err := env.Engine.Compact(env.Ctx, "tester")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	env.submit(t, engine.Submission{ID: "c", Title: "Upgrade compiler toolchain"})

	all := env.Engine.Events(env.Ctx, events.Query{})
	restored := newTestEnv(t, func(o *engine.Options) {
		o.Events = all
		o.Restore = &rec
	})
	assert.Equal(t, env.Engine.Snapshot(), restored.Engine.Snapshot())
	want := env.Engine.GetBacklog(env.Ctx, engine.BacklogQuery{})
	got := restored.Engine.GetBacklog(restored.Ctx, engine.BacklogQuery{})
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("restored backlog differs (-want +got):\n%s", diff)
	}
}

type snapshotFunc func(context.Context, store.SnapshotRecord) error

func (f snapshotFunc) SaveSnapshot(ctx context.Context, rec store.SnapshotRecord) error { return f(ctx, rec) }

func TestSetConfig(t *testing.T) {
	env := newTestEnv(t)
	bad := config.Default()
	bad.Scoring.Weights.CustomerValue = 0.9
	require.Error(t, env.Engine.SetConfig(bad))
	assert.Equal(t, 0.4, env.Engine.Config().Scoring.Weights.CustomerValue)

	env.submit(t, engine.Submission{ID: "a", Title: "Rotate database credentials", Provenance: source("r1", 1)})
	before, err := env.Engine.GetItem(env.Ctx, "a")
	require.NoError(t, err)

	next := config.Default()
	next.Scoring.Weights = config.Weights{CustomerValue: 1}
	require.NoError(t, env.Engine.SetConfig(next))
	after, err := env.Engine.GetItem(env.Ctx, "a")
	require.NoError(t, err)
	assert.Greater(t, after.Score.Score, before.Score.Score)
	assert.InDelta(t, 1.0, after.Score.Score, 1e-9)
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.Engine.Run(ctx) }()
	env.Engine.Groomer.Trigger()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
