package engine

import (
	"context"

	"groomline/internal/domain"
	"groomline/internal/events"
	"groomline/internal/scoring"
	"groomline/internal/store"
)

// openStatuses are the statuses a backlog lists by default.
var openStatuses = []domain.Status{
	domain.StatusNew, domain.StatusReady, domain.StatusInProgress, domain.StatusWaitingForReview,
	domain.StatusChangesRequested, domain.StatusApproved,
}

// BacklogQuery filters a ranked backlog. With no statuses it lists every
// non-terminal item.
type BacklogQuery struct {
	store.Filter
	Limit int
}

// Entry is one ranked backlog row.
type Entry struct {
	Item  domain.WorkItem `json:"item"`
	Score scoring.Result  `json:"score"`
}

// Backlog is a ranked listing as of Version.
type Backlog struct {
	Version domain.Version `json:"version"`
	Entries []Entry        `json:"entries"`
}

// GetBacklog ranks the current backlog.
func (e *Engine) GetBacklog(_ context.Context, q BacklogQuery) Backlog {
	return e.rank(e.Store.Head(), q)
}

// ReadAt ranks the backlog as it was at version v. The result never
// reflects writes after v.
func (e *Engine) ReadAt(_ context.Context, v domain.Version, q BacklogQuery) (Backlog, error) {
	view, err := e.Store.ReadAt(v)
	if err != nil {
		return Backlog{}, err
	}
	return e.rank(view, q), nil
}

func (e *Engine) rank(view *store.View, q BacklogQuery) Backlog {
	f := q.Filter
	if len(f.Statuses) == 0 && !f.IncludeArchived {
		f.Statuses = openStatuses
	}
	items := view.Items(f)
	byID := make(map[string]domain.WorkItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	ranked := scoring.Rank(items, view, e.Config().Scoring, e.Scores)
	if q.Limit > 0 && len(ranked) > q.Limit {
		ranked = ranked[:q.Limit]
	}
	out := Backlog{Version: view.Version(), Entries: make([]Entry, 0, len(ranked))}
	for _, r := range ranked {
		out.Entries = append(out.Entries, Entry{Item: byID[r.ItemID], Score: r})
	}
	return out
}

// Snapshot returns the current version.
func (e *Engine) Snapshot() domain.Version { return e.Store.Snapshot() }

// GetItem returns an item with its current score.
func (e *Engine) GetItem(_ context.Context, id string) (Entry, error) {
	head := e.Store.Head()
	it, ok := head.Item(id)
	if !ok {
		return Entry{}, domain.NotFoundError{Kind: "item", ID: id}
	}
	return Entry{Item: it, Score: scoring.Score(it, head, e.Config().Scoring)}, nil
}

// GetHistory returns every event about an entity, oldest first.
func (e *Engine) GetHistory(_ context.Context, id string) ([]domain.Event, error) {
	evts := e.Log.ForEntity(id)
	if len(evts) == 0 {
		return nil, domain.NotFoundError{Kind: "entity", ID: id}
	}
	return evts, nil
}

// Revisions returns the per-version field diffs of an entity.
func (e *Engine) Revisions(_ context.Context, id string) ([]store.Revision, error) {
	return e.Store.History(id)
}

// Events returns a range of the event log.
func (e *Engine) Events(_ context.Context, q events.Query) []domain.Event {
	return e.Log.Range(q)
}

// Workers lists registered workers.
func (e *Engine) Workers(_ context.Context) []domain.Worker {
	return e.Store.Head().Workers()
}
