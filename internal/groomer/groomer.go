// Package groomer runs the periodic grooming cycle: duplicate checks and
// scoring for new arrivals, archival of stale items and gate expiry.
package groomer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"groomline/internal/config"
	"groomline/internal/dedup"
	"groomline/internal/domain"
	"groomline/internal/events"
	"groomline/internal/scoring"
	"groomline/internal/store"
	"groomline/internal/workflow"
)

// Actor is recorded on every event the groomer causes.
const Actor = "groomer"

// StateStore persists the watermark between runs.
type StateStore interface {
	LoadWatermark(ctx context.Context) (domain.Version, error)
	SaveWatermark(ctx context.Context, wm domain.Version, at time.Time) error
}

// Resolver applies a merge or link decision for it. changed is false when
// the relation already existed.
type Resolver func(ctx context.Context, it domain.WorkItem, res dedup.Result, actor string) (changed bool, err error)

// Deps are the collaborators of a Groomer.
type Deps struct {
	Store    *store.Store
	Detector *dedup.Detector
	Machine  *workflow.Machine
	Resolve  Resolver
	Config   func() *config.Config
	Scores   *scoring.Cache
	State    StateStore
	Logger   *zap.Logger
	Now      func() time.Time
	// OnReport, if set, sees every report produced by Run.
	OnReport func(Report)
}

// Report summarizes one cycle.
type Report struct {
	Groomed        int            `json:"groomed"`
	Merged         int            `json:"merged"`
	Linked         int            `json:"linked"`
	Promoted       int            `json:"promoted"`
	Archived       int            `json:"archived"`
	GatesEscalated int            `json:"gates_escalated"`
	GatesExpired   int            `json:"gates_expired"`
	Scored         int            `json:"scored"`
	MinScore       float64        `json:"min_score"`
	MedianScore    float64        `json:"median_score"`
	MaxScore       float64        `json:"max_score"`
	Watermark      domain.Version `json:"watermark"`
	Partial        bool           `json:"partial"`
	StartedAt      time.Time      `json:"started_at" format:"date-time"`
	Elapsed        time.Duration  `json:"elapsed_ns"`
}

// Idle reports whether the cycle changed nothing.
func (r Report) Idle() bool {
	return r.Groomed == 0 && r.Archived == 0 && r.GatesEscalated == 0 && r.GatesExpired == 0
}

// Groomer is safe for concurrent use; cycles never overlap.
type Groomer struct {
	d       Deps
	run     sync.Mutex
	loaded  bool
	wm      domain.Version
	trigger chan struct{}
}

// New returns a groomer. Store, Detector, Machine and Resolve are required.
func New(d Deps) (*Groomer, error) {
	if d.Store == nil || d.Detector == nil || d.Machine == nil || d.Resolve == nil {
		return nil, errors.New("groomer requires store, detector, machine and resolver")
	}
	if d.Config == nil {
		cfg := config.Default()
		d.Config = func() *config.Config { return cfg }
	}
	if d.State == nil {
		d.State = &MemoryState{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Groomer{d: d, trigger: make(chan struct{}, 1)}, nil
}

// Watermark returns the last CreatedVersion whose items were all groomed.
func (g *Groomer) Watermark() domain.Version {
	g.run.Lock()
	defer g.run.Unlock()
	return g.wm
}

// Trigger asks a running loop for a cycle now. It never blocks.
func (g *Groomer) Trigger() {
	select {
	case g.trigger <- struct{}{}:
	default:
	}
}

// Run grooms every grooming.interval and on Trigger until ctx is done.
func (g *Groomer) Run(ctx context.Context) error {
	interval := g.d.Config().Grooming.Interval.D()
	t := time.NewTicker(interval)
	defer t.Stop()
	g.d.Logger.Info("groomer started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			g.d.Logger.Info("groomer stopped")
			return nil
		case <-t.C:
		case <-g.trigger:
		}
		rep, err := g.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			g.d.Logger.Error("grooming cycle failed", zap.Error(err))
			continue
		}
		if g.d.OnReport != nil {
			g.d.OnReport(rep)
		}
		if next := g.d.Config().Grooming.Interval.D(); next != interval {
			interval = next
			t.Reset(interval)
		}
	}
}

// RunOnce executes one cycle under the grooming budget. When the budget runs
// out the cycle stops between items, leaves the watermark at the last version
// whose items were all processed and reports Partial.
func (g *Groomer) RunOnce(ctx context.Context) (Report, error) {
	g.run.Lock()
	defer g.run.Unlock()
	cfg := g.d.Config()
	start := g.d.Now()
	rep := Report{StartedAt: start.UTC()}

	if !g.loaded {
		wm, err := g.d.State.LoadWatermark(ctx)
		if err != nil {
			return rep, fmt.Errorf("load watermark: %w", err)
		}
		g.wm, g.loaded = wm, true
	}

	cctx, cancel := context.WithTimeout(ctx, cfg.Grooming.Budget.D())
	defer cancel()
	wm := g.wm

	err := g.groomArrivals(cctx, &rep, &wm)
	if err == nil {
		err = g.archiveStale(cctx, cfg, &rep)
	}
	if err == nil {
		var exp workflow.ExpiryReport
		exp, err = g.d.Machine.ExpireGates(cctx)
		rep.GatesEscalated, rep.GatesExpired = len(exp.Escalated), len(exp.Expired)
	}
	if err != nil {
		if cctx.Err() == nil || ctx.Err() != nil {
			g.commit(ctx, wm, &rep)
			return rep, err
		}
		rep.Partial = true
		g.d.Logger.Warn("grooming budget exhausted", zap.Uint64("watermark", uint64(wm)))
	}

	g.scoreBacklog(cfg, &rep)
	g.commit(ctx, wm, &rep)
	rep.Elapsed = g.d.Now().Sub(start)
	if rep.Idle() {
		return rep, nil
	}
	if _, err := g.d.Store.Log().Append(ctx, domain.Event{
		Actor:      Actor,
		Type:       events.GroomCompleted,
		EntityKind: "groomer",
		Payload: events.Payload{
			"groomed":         rep.Groomed,
			"merged":          rep.Merged,
			"linked":          rep.Linked,
			"archived":        rep.Archived,
			"gates_escalated": rep.GatesEscalated,
			"gates_expired":   rep.GatesExpired,
			"min_score":       rep.MinScore,
			"median_score":    rep.MedianScore,
			"max_score":       rep.MaxScore,
			"watermark":       uint64(rep.Watermark),
			"partial":         rep.Partial,
		},
	}); err != nil {
		return rep, err
	}
	g.d.Logger.Info("grooming cycle completed",
		zap.Int("groomed", rep.Groomed),
		zap.Int("merged", rep.Merged),
		zap.Int("linked", rep.Linked),
		zap.Int("archived", rep.Archived),
		zap.Int("gates_expired", rep.GatesExpired),
		zap.Uint64("watermark", uint64(rep.Watermark)),
		zap.Bool("partial", rep.Partial))
	return rep, nil
}

func (g *Groomer) commit(ctx context.Context, wm domain.Version, rep *Report) {
	rep.Watermark = wm
	if wm == g.wm {
		return
	}
	g.wm = wm
	if err := g.d.State.SaveWatermark(context.WithoutCancel(ctx), wm, g.d.Now().UTC()); err != nil {
		// persisted again when the watermark next moves
		g.d.Logger.Warn("save watermark", zap.Error(err))
	}
}

func (g *Groomer) groomArrivals(ctx context.Context, rep *Report, wm *domain.Version) error {
	arrivals := g.d.Store.Head().Items(store.Filter{IncludeArchived: true, CreatedAfter: *wm})
	for i, it := range arrivals {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := g.groomOne(ctx, it.ID, rep); err != nil {
			return err
		}
		// Items created by one write share a version; the watermark moves
		// only once the whole group is done.
		if i == len(arrivals)-1 || arrivals[i+1].CreatedVersion != it.CreatedVersion {
			*wm = it.CreatedVersion
		}
	}
	return nil
}

func (g *Groomer) groomOne(ctx context.Context, id string, rep *Report) error {
	it, ok := g.d.Store.Head().Item(id)
	if !ok || it.Merged() || it.Status == domain.StatusArchived {
		return nil
	}
	unlock := g.d.Detector.Lock(it)
	res, err := g.d.Detector.Evaluate(ctx, it, g.d.Store.Head())
	if err == nil && res.Action != dedup.ActionNone {
		var changed bool
		changed, err = g.d.Resolve(ctx, it, res, Actor)
		if changed && res.Action == dedup.ActionMerge {
			rep.Merged++
		} else if changed {
			rep.Linked++
		}
	}
	unlock()
	if err != nil {
		return fmt.Errorf("groom %s: %w", id, err)
	}
	rep.Groomed++

	it, ok = g.d.Store.Head().Item(id)
	if !ok || it.Merged() || it.Status != domain.StatusNew {
		return nil
	}
	_, err = g.d.Machine.Apply(ctx, workflow.Request{ItemID: id, Trigger: workflow.MarkReady, Actor: Actor, Reason: "groomed"})
	switch {
	case err == nil:
		rep.Promoted++
	case errors.As(err, new(domain.InvalidTransitionError)):
		// someone else moved it first
	default:
		return fmt.Errorf("mark %s ready: %w", id, err)
	}
	return nil
}

func (g *Groomer) archiveStale(ctx context.Context, cfg *config.Config, rep *Report) error {
	cutoff := g.d.Now().Add(-cfg.Grooming.Staleness.D())
	for _, it := range g.d.Store.Head().Items(store.Filter{}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !it.LastActivityAt.Before(cutoff) || it.Gate.Pending() {
			continue
		}
		archived, err := g.archive(ctx, it)
		if err != nil {
			return err
		}
		if archived {
			rep.Archived++
		}
	}
	return nil
}

func (g *Groomer) archive(ctx context.Context, it domain.WorkItem) (bool, error) {
	reason := fmt.Sprintf("stale: no activity since %s", it.LastActivityAt.UTC().Format(time.RFC3339))
	steps := []workflow.Trigger{workflow.Archive}
	if !it.Status.Terminal() {
		steps = []workflow.Trigger{workflow.Cancel, workflow.Archive}
	}
	for _, t := range steps {
		_, err := g.d.Machine.Apply(ctx, workflow.Request{ItemID: it.ID, Trigger: t, Actor: Actor, Reason: reason})
		if errors.As(err, new(domain.InvalidTransitionError)) {
			g.d.Logger.Debug("stale item moved concurrently", zap.String("item", it.ID))
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("archive stale %s: %w", it.ID, err)
		}
	}
	return true, nil
}

// scoreBacklog fills the score distribution over every non-terminal item.
func (g *Groomer) scoreBacklog(cfg *config.Config, rep *Report) {
	head := g.d.Store.Head()
	var active []domain.WorkItem
	for _, it := range head.Items(store.Filter{}) {
		if !it.Status.Terminal() {
			active = append(active, it)
		}
	}
	ranked := scoring.Rank(active, head, cfg.Scoring, g.d.Scores)
	if len(ranked) == 0 {
		return
	}
	scores := make([]float64, len(ranked))
	for i, r := range ranked {
		scores[i] = r.Score
	}
	sort.Float64s(scores)
	rep.Scored = len(scores)
	rep.MinScore = scores[0]
	rep.MaxScore = scores[len(scores)-1]
	rep.MedianScore = Median(scores)
}

// Median returns the median of sorted values.
func Median(sorted []float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n%2 == 1:
		return sorted[n/2]
	default:
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
}

// MemoryState keeps the watermark in memory.
type MemoryState struct {
	mu sync.Mutex
	wm domain.Version
	at time.Time
}

func (m *MemoryState) LoadWatermark(context.Context) (domain.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wm, nil
}

func (m *MemoryState) SaveWatermark(_ context.Context, wm domain.Version, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wm, m.at = wm, at
	return nil
}
