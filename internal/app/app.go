// Package app opens a workspace: the SQLite database, its migrations and an
// engine replayed from the persisted event log.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"groomline/internal/config"
	"groomline/internal/db"
	"groomline/internal/dedup"
	"groomline/internal/engine"
	"groomline/internal/events"
	"groomline/internal/migrate"
	"groomline/internal/repo"
	"groomline/internal/store"
	"groomline/internal/workflow"
)

type Options struct {
	Workspace string
	// Config overrides the workspace config file when set.
	Config *config.Config

	Comparator dedup.Comparator
	Classifier workflow.RiskClassifier
	Escalator  workflow.Escalator
	Learning   engine.LearningEstimator

	Meter  metric.Meter
	Logger *zap.Logger
	Now    func() time.Time
}

// App is an open workspace.
type App struct {
	Workspace string
	DB        *sql.DB
	Repo      repo.Repo
	Engine    *engine.Engine
}

// Open migrates the workspace database and rebuilds the engine from the
// latest snapshot plus the events after it.
func Open(ctx context.Context, opts Options) (*App, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		cfg, err = config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	a, err := open(ctx, conn, cfg, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func open(ctx context.Context, conn *sql.DB, cfg *config.Config, opts Options) (*App, error) {
	if err := migrate.Migrate(ctx, conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	w := events.Writer{DB: conn}
	r := repo.Repo{DB: conn}
	evts, err := w.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	var restore *store.SnapshotRecord
	snap, err := r.LatestSnapshot(ctx)
	switch {
	case err == nil:
		restore = &snap
	case !errors.Is(err, repo.ErrNotFound):
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	e, err := engine.New(engine.Options{
		Config:       cfg,
		Sink:         w,
		Events:       evts,
		Snapshots:    r,
		Restore:      restore,
		GroomerState: r,
		Comparator:   opts.Comparator,
		Classifier:   opts.Classifier,
		Escalator:    opts.Escalator,
		Learning:     opts.Learning,
		Meter:        opts.Meter,
		Logger:       opts.Logger,
		Now:          opts.Now,
	})
	if err != nil {
		return nil, err
	}
	return &App{Workspace: opts.Workspace, DB: conn, Repo: r, Engine: e}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
