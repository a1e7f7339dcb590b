package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groomline/internal/config"
	"groomline/internal/domain"
	"groomline/internal/events"
	"groomline/internal/store"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func fixed(v float64) Comparator {
	return func(context.Context, string, string) (float64, error) { return v, nil }
}

func newView(t *testing.T, items ...domain.WorkItem) *store.View {
	t.Helper()
	s, err := store.Open(events.NewLog(nil), store.Options{})
	require.NoError(t, err)
	for _, it := range items {
		_, err := s.Put(context.Background(), store.Put{Items: []domain.WorkItem{it}})
		require.NoError(t, err)
	}
	return s.Head()
}

func titled(id, title string, created time.Time, value float64) domain.WorkItem {
	return domain.WorkItem{
		ID: id, Title: title, Status: domain.StatusNew, CreatedAt: created, LastActivityAt: created,
		Provenance: []domain.Source{{Ref: "src-" + id, CustomerValue: value, SubmittedAt: created}},
		Factors:    domain.Factors{CustomerValue: value},
	}
}

func TestSimilarityPrimitives(t *testing.T) {
	assert.InDelta(t, 30.0/38.0, TitleSimilarity("Add OAuth login", "Add Oauth Login support"), 1e-12)
	assert.Equal(t, 1.0, TitleSimilarity("  Same   Title", "same title"))
	assert.Equal(t, []string{"add", "login", "oauth"}, Keywords("Add the OAuth login!"))
	assert.Equal(t, 0.75, Jaccard([]string{"add", "login", "oauth"}, []string{"add", "login", "oauth", "support"}))
	assert.Equal(t, 0.0, Jaccard(nil, nil))

	sim, err := BagOfWords(context.Background(), "fix login bug", "login bug fix")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-12)
	sim, _ = BagOfWords(context.Background(), "alpha", "beta")
	assert.Equal(t, 0.0, sim)
}

func TestNearDuplicateMerges(t *testing.T) {
	first := titled("a", "Add OAuth login", t0, 0.6)
	v := newView(t, first)
	d := New(config.Default().Duplicates, fixed(0.97), nil)

	cand := titled("b", "Add Oauth Login support", t0.Add(time.Hour), 0.5)
	res, err := d.Evaluate(context.Background(), cand, v)
	require.NoError(t, err)
	assert.True(t, res.IsDuplicate)
	assert.Equal(t, ActionMerge, res.Action)
	assert.Equal(t, "a", res.MatchID)
	assert.GreaterOrEqual(t, res.Similarity, 0.85)

	existing, _ := v.Item("a")
	canonical, absorbed, changed := Merge(existing, cand)
	require.True(t, changed)
	assert.Equal(t, "a", canonical.ID)
	assert.Len(t, canonical.Provenance, 2)
	assert.InDelta(t, 0.8, canonical.Factors.CustomerValue, 1e-12)
	assert.Equal(t, "a", absorbed.CanonicalID)
	assert.Equal(t, domain.StatusArchived, absorbed.Status)
}

func TestDecisionBands(t *testing.T) {
	d := New(config.Default().Duplicates, nil, nil)
	assert.Equal(t, ActionMerge, d.Decide(0.86))
	assert.Equal(t, ActionLink, d.Decide(0.85))
	assert.Equal(t, ActionLink, d.Decide(0.76))
	assert.Equal(t, ActionNone, d.Decide(0.75))
}

func TestLinkBand(t *testing.T) {
	v := newView(t, titled("a", "Add OAuth login", t0, 0.6))
	// the bag-of-words fallback scores this pair inside the link band
	d := New(config.Default().Duplicates, nil, nil)
	res, err := d.Evaluate(context.Background(), titled("b", "Add Oauth Login support", t0.Add(time.Hour), 0.5), v)
	require.NoError(t, err)
	assert.Equal(t, ActionLink, res.Action)
	assert.Equal(t, "a", res.MatchID)
}

func TestDistinctItemsSkipComparator(t *testing.T) {
	v := newView(t, titled("a", "Rotate database credentials", t0, 0.5))
	var calls int32
	d := New(config.Default().Duplicates, func(context.Context, string, string) (float64, error) {
		atomic.AddInt32(&calls, 1)
		return 1, nil
	}, nil)
	res, err := d.Evaluate(context.Background(), titled("b", "Paint the bikeshed blue", t0, 0.5), v)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
	assert.False(t, res.IsDuplicate)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestMergedItemsNeverMatch(t *testing.T) {
	canonical := titled("a", "Add OAuth login", t0, 0.6)
	absorbed := titled("b", "Add OAuth login", t0.Add(time.Hour), 0.5)
	absorbed.Status = domain.StatusArchived
	absorbed.CanonicalID = "a"
	v := newView(t, canonical, absorbed)
	d := New(config.Default().Duplicates, fixed(1), nil)

	// the canonical item against its own archived duplicate
	c, _ := v.Item("a")
	res, err := d.Evaluate(context.Background(), c, v)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)

	// and an already merged candidate is never re-evaluated
	b, _ := v.Item("b")
	res, err = d.Evaluate(context.Background(), b, v)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
}

func TestMergeIsIdempotent(t *testing.T) {
	a := titled("a", "x", t0, 0.5)
	b := titled("b", "x", t0.Add(time.Minute), 0.5)
	c1, ab1, changed := Merge(b, a)
	require.True(t, changed)
	assert.Equal(t, "a", c1.ID)

	c2, ab2, changed := Merge(c1, ab1)
	assert.False(t, changed)
	assert.Equal(t, c1, c2)
	assert.Equal(t, ab1, ab2)
}

func TestMergeUnionsProvenanceByRef(t *testing.T) {
	a := titled("a", "x", t0, 0.5)
	b := titled("b", "x", t0.Add(time.Minute), 0.5)
	b.Provenance = append(b.Provenance, a.Provenance[0])
	c, _, _ := Merge(a, b)
	assert.Len(t, c.Provenance, 2)
	assert.InDelta(t, 0.75, NoisyOr(c.Provenance), 1e-12)
}

func TestCanonicalPrefersCommittedItems(t *testing.T) {
	a := titled("z", "x", t0, 0.5)
	a.CreatedVersion = 4
	cand := titled("a", "x", t0, 0.5)
	assert.True(t, Canonical(a, cand))
	assert.False(t, Canonical(cand, a))
}

func TestComparatorErrorsSurface(t *testing.T) {
	v := newView(t, titled("a", "Add OAuth login", t0, 0.5))
	boom := errors.New("embedding service down")
	d := New(config.Default().Duplicates, func(context.Context, string, string) (float64, error) { return 0, boom }, nil)
	_, err := d.Evaluate(context.Background(), titled("b", "Add OAuth login", t0, 0.5), v)
	assert.ErrorIs(t, err, boom)
}

func TestBucketsSerializeSharedKeywords(t *testing.T) {
	b := NewBuckets(16)
	assert.Equal(t, b.Shards([]string{"oauth"}), b.Shards([]string{"oauth", "oauth"}))
	assert.Equal(t, []int{0}, b.Shards(nil))

	var (
		inside int32
		peak   int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			kw := []string{"oauth", "login"}
			if i%2 == 0 {
				kw = []string{"login", "sso"}
			}
			unlock := b.Lock(kw)
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			if n > atomic.LoadInt32(&peak) {
				atomic.StoreInt32(&peak, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestLockWidensWhenKeywordFreeItemsCanMerge(t *testing.T) {
	assert.InDelta(t, 0.8, KeywordFreeReach(config.Default().Duplicates), 1e-9)

	cfg := config.Default().Duplicates
	cfg.Weights = config.SimilarityWeights{Semantic: 0.7, Title: 0.2, Entity: 0.1}
	d := New(cfg, fixed(1), nil)
	a := titled("a", "Rotate credentials", t0, 0.5)
	b := titled("b", "Refresh secrets", t0, 0.5)

	unlock := d.Lock(a)
	acquired := make(chan struct{})
	go func() {
		release := d.Lock(b)
		close(acquired)
		release()
	}()
	select {
	case <-acquired:
		t.Fatal("keyword-disjoint lock was not excluded")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("lock never handed over")
	}
}
