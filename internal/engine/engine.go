// Package engine is the coordination façade every surface talks to: it owns
// one store, event log, lock manager, duplicate detector, workflow machine
// and groomer, and retries optimistic conflicts on behalf of callers.
package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"groomline/internal/config"
	"groomline/internal/dedup"
	"groomline/internal/domain"
	"groomline/internal/events"
	"groomline/internal/groomer"
	"groomline/internal/locks"
	"groomline/internal/scoring"
	"groomline/internal/store"
	"groomline/internal/telemetry"
	"groomline/internal/workflow"
)

// LearningEstimator supplies an item's learning value in [0,1]. It is an
// external collaborator.
type LearningEstimator func(ctx context.Context, it domain.WorkItem) (float64, error)

// Options wire an Engine. Everything is optional; the zero Options give an
// in-memory engine with default configuration.
type Options struct {
	Config *config.Config
	// Sink persists every appended event.
	Sink events.Sink
	// Events are previously persisted events replayed at startup.
	Events []domain.Event
	// Snapshots receives compacted snapshots; Restore seeds replay from one.
	Snapshots    store.SnapshotSink
	Restore      *store.SnapshotRecord
	GroomerState groomer.StateStore

	Comparator dedup.Comparator
	Classifier workflow.RiskClassifier
	Escalator  workflow.Escalator
	Learning   LearningEstimator

	Meter  metric.Meter
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

// Engine is safe for concurrent use.
type Engine struct {
	Store    *store.Store
	Log      *events.Log
	Locks    *locks.Manager
	Detector *dedup.Detector
	Machine  *workflow.Machine
	Groomer  *groomer.Groomer
	Scores   *scoring.Cache
	Metrics  *telemetry.Recorder

	cfg    atomic.Pointer[config.Config]
	learn  LearningEstimator
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// New builds an engine and replays opts.Events into it.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	log := events.NewLog(opts.Sink)
	log.Now = opts.Now
	if len(opts.Events) > 0 {
		if err := log.Restore(opts.Events); err != nil {
			return nil, fmt.Errorf("restore events: %w", err)
		}
	}
	st, err := store.Open(log, store.Options{
		CheckpointEvery: cfg.Store.CheckpointEvery,
		Snapshots:       opts.Snapshots,
		Restore:         opts.Restore,
		Logger:          opts.Logger.Named("store"),
		Now:             opts.Now,
	})
	if err != nil {
		return nil, err
	}
	e := &Engine{
		Store: st,
		Log:   log,
		Locks: locks.NewManager(log, locks.Options{
			DefaultTTL: cfg.Locks.DefaultTTL.D(),
			MaxTTL:     cfg.Locks.MaxTTL.D(),
			Logger:     opts.Logger.Named("locks"),
			Now:        opts.Now,
		}),
		Detector: dedup.New(cfg.Duplicates, opts.Comparator, opts.Logger.Named("dedup")),
		Machine: workflow.NewMachine(st, cfg, workflow.Options{
			Classifier: opts.Classifier,
			Escalator:  opts.Escalator,
			Logger:     opts.Logger.Named("workflow"),
			Now:        opts.Now,
		}),
		Scores:  scoring.NewCache(0),
		Metrics: telemetry.New(opts.Meter),
		learn:   opts.Learning,
		logger:  opts.Logger,
		now:     opts.Now,
		newID:   opts.NewID,
	}
	e.cfg.Store(cfg)
	e.Groomer, err = groomer.New(groomer.Deps{
		Store:    st,
		Detector: e.Detector,
		Machine:  e.Machine,
		Resolve:  e.resolve,
		Config:   e.Config,
		Scores:   e.Scores,
		State:    opts.GroomerState,
		Logger:   opts.Logger.Named("groomer"),
		Now:      opts.Now,
		OnReport: e.afterGroom,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("engine ready", zap.Uint64("version", uint64(st.Snapshot())), zap.Int("items", st.Head().Len()))
	return e, nil
}

// Config returns the active configuration.
func (e *Engine) Config() *config.Config { return e.cfg.Load() }

// SetConfig validates cfg and applies it to every component. Cached scores
// are dropped because weights may have changed.
func (e *Engine) SetConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg.Store(cfg)
	e.Machine.SetConfig(cfg)
	e.Detector.SetConfig(cfg.Duplicates)
	e.Locks.SetTTLs(cfg.Locks.DefaultTTL.D(), cfg.Locks.MaxTTL.D())
	e.Scores.Reset()
	e.logger.Info("config applied")
	return nil
}

// Run drives the groomer until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	return e.Groomer.Run(ctx)
}

// retry runs fn again after a ConflictError, with exponential backoff, up
// to store.max_retries times. Any other error is returned at once.
func retry[T any](ctx context.Context, e *Engine, op string, fn func() (T, error)) (T, error) {
	cfg := e.Config().Store
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBackoff.D()
	b.MaxInterval = 100 * cfg.RetryBackoff.D()
	start := time.Now()
	tries := 0
	out, err := backoff.Retry(ctx, func() (T, error) {
		if tries > 0 {
			e.Metrics.Retry(ctx, op)
		}
		tries++
		v, err := fn()
		if err != nil && !domain.IsConflict(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(cfg.MaxRetries+1)))
	e.Metrics.Write(ctx, op, time.Since(start), err)
	if err != nil && tries > 1 {
		e.logger.Debug("write gave up", zap.String("op", op), zap.Int("tries", tries), zap.Error(err))
	}
	return out, err
}

// lockItems takes the per-item locks of ids in ascending order.
func (e *Engine) lockItems(ids ...string) func() {
	ids = domain.NormalizeSet(ids)
	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, e.Machine.Lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
