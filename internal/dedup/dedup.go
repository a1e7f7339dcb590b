// Package dedup decides whether a submitted work item duplicates one already
// in the store, and merges duplicates without losing provenance.
package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"groomline/internal/config"
	"groomline/internal/domain"
	"groomline/internal/store"
)

// Comparator returns the semantic similarity of two texts in [0,1].
type Comparator func(ctx context.Context, a, b string) (float64, error)

// Action is the decision for a candidate.
type Action string

const (
	ActionNone  Action = "none"
	ActionLink  Action = "link"
	ActionMerge Action = "merge"
)

// Signals are the three similarity inputs and their weighted total.
type Signals struct {
	Semantic      float64 `json:"semantic"`
	Title         float64 `json:"title"`
	EntityOverlap float64 `json:"entity_overlap"`
	Total         float64 `json:"total"`
}

// Result is the outcome of Evaluate.
type Result struct {
	IsDuplicate bool    `json:"is_duplicate"`
	Action      Action  `json:"action" enum:"none,link,merge"`
	MatchID     string  `json:"match_id,omitempty"`
	Similarity  float64 `json:"similarity"`
	Signals     Signals `json:"signals"`
}

// Detector evaluates candidates against a store view.
type Detector struct {
	cfg     atomic.Pointer[config.Duplicates]
	compare Comparator
	buckets *Buckets
	logger  *zap.Logger
}

// New returns a detector. A nil comparator falls back to BagOfWords.
func New(cfg config.Duplicates, compare Comparator, logger *zap.Logger) *Detector {
	if compare == nil {
		compare = BagOfWords
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{compare: compare, buckets: NewBuckets(cfg.Buckets), logger: logger}
	d.cfg.Store(&cfg)
	return d
}

// KeywordFreeReach is the highest similarity two items without a shared
// keyword can score.
func KeywordFreeReach(cfg config.Duplicates) float64 {
	return cfg.Weights.Semantic + cfg.Weights.Title
}

// Lock serializes evaluate-then-write for it against similar items. It takes
// the keyword shards of it, or every shard when the weights let
// keyword-disjoint items merge. A link missed between keyword-disjoint
// submissions is added by the groomer's arrival pass.
func (d *Detector) Lock(it domain.WorkItem) (unlock func()) {
	if cfg := d.cfg.Load(); KeywordFreeReach(*cfg) > cfg.MergeThreshold {
		return d.buckets.LockAll()
	}
	return d.buckets.Lock(Keywords(itemText(it)))
}

// SetConfig applies reloaded thresholds and weights. Bucket count is fixed
// for the detector's lifetime.
func (d *Detector) SetConfig(cfg config.Duplicates) {
	cfg.Buckets = d.cfg.Load().Buckets
	d.cfg.Store(&cfg)
}

// Decide maps a similarity to an action.
func (d *Detector) Decide(sim float64) Action {
	return decide(d.cfg.Load(), sim)
}

func decide(cfg *config.Duplicates, sim float64) Action {
	switch {
	case sim > cfg.MergeThreshold:
		return ActionMerge
	case sim > cfg.LinkThreshold:
		return ActionLink
	default:
		return ActionNone
	}
}

// Compare computes the similarity signals between two items.
func (d *Detector) Compare(ctx context.Context, a, b domain.WorkItem) (Signals, error) {
	s := d.cheap(a, b, Keywords(itemText(a)), Keywords(itemText(b)))
	sem, err := d.compare(ctx, itemText(a), itemText(b))
	if err != nil {
		return Signals{}, fmt.Errorf("compare %s with %s: %w", a.ID, b.ID, err)
	}
	s.Semantic = min(max(sem, 0), 1)
	s.Total = total(d.cfg.Load(), s)
	return s, nil
}

func (d *Detector) cheap(a, b domain.WorkItem, ka, kb []string) Signals {
	return Signals{Title: TitleSimilarity(a.Title, b.Title), EntityOverlap: Jaccard(ka, kb)}
}

func total(cfg *config.Duplicates, s Signals) float64 {
	w := cfg.Weights
	return w.Semantic*s.Semantic + w.Title*s.Title + w.Entity*s.EntityOverlap
}

// Evaluate compares candidate with every live item in v and reports the best
// match. Archived and merged items are never matched, and neither is an item
// already merged into the candidate.
func (d *Detector) Evaluate(ctx context.Context, candidate domain.WorkItem, v *store.View) (Result, error) {
	none := Result{Action: ActionNone}
	if candidate.Merged() || candidate.Status == domain.StatusArchived {
		return none, nil
	}
	cfg := d.cfg.Load()
	ck := Keywords(itemText(candidate))
	type pending struct {
		item domain.WorkItem
		sig  Signals
	}
	var todo []pending
	for _, it := range v.Items(store.Filter{}) {
		if it.ID == candidate.ID || it.Merged() || it.CanonicalID == candidate.ID {
			continue
		}
		sig := d.cheap(candidate, it, ck, Keywords(itemText(it)))
		// even a perfect semantic score cannot lift this pair over the link threshold
		if cfg.Weights.Semantic+cfg.Weights.Title*sig.Title+cfg.Weights.Entity*sig.EntityOverlap <= cfg.LinkThreshold {
			continue
		}
		todo = append(todo, pending{item: it, sig: sig})
	}
	if len(todo) == 0 {
		return none, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Parallelism > 0 {
		g.SetLimit(cfg.Parallelism)
	}
	text := itemText(candidate)
	for i := range todo {
		g.Go(func() error {
			sem, err := d.compare(gctx, text, itemText(todo[i].item))
			if err != nil {
				return fmt.Errorf("compare %s with %s: %w", candidate.ID, todo[i].item.ID, err)
			}
			todo[i].sig.Semantic = min(max(sem, 0), 1)
			todo[i].sig.Total = total(cfg, todo[i].sig)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	sort.SliceStable(todo, func(i, j int) bool {
		if todo[i].sig.Total != todo[j].sig.Total {
			return todo[i].sig.Total > todo[j].sig.Total
		}
		if todo[i].item.CreatedVersion != todo[j].item.CreatedVersion {
			return todo[i].item.CreatedVersion < todo[j].item.CreatedVersion
		}
		return todo[i].item.ID < todo[j].item.ID
	})
	best := todo[0]
	act := decide(cfg, best.sig.Total)
	res := Result{Action: act, Similarity: best.sig.Total, Signals: best.sig}
	if act != ActionNone {
		res.IsDuplicate = true
		res.MatchID = best.item.ID
	}
	d.logger.Debug("duplicate check",
		zap.String("candidate", candidate.ID),
		zap.String("best", best.item.ID),
		zap.Float64("similarity", best.sig.Total),
		zap.String("action", string(act)),
		zap.Int("compared", len(todo)))
	return res, nil
}
