package store

import (
	"maps"
	"slices"
	"sort"

	"groomline/internal/domain"
)

// state is immutable once published; writers copy the maps and replace
// whole entity values.
type state struct {
	items   map[string]domain.WorkItem
	workers map[string]domain.Worker
}

func newState() *state {
	return &state{items: map[string]domain.WorkItem{}, workers: map[string]domain.Worker{}}
}

func (s *state) clone() *state {
	return &state{items: maps.Clone(s.items), workers: maps.Clone(s.workers)}
}

func (s *state) apply(ch *domain.Change) {
	for _, it := range ch.Items {
		s.items[it.ID] = it.Clone()
	}
	for _, w := range ch.Workers {
		s.workers[w.ID] = w.Clone()
	}
}

// View is a read-only store state at one version.
type View struct {
	version domain.Version
	st      *state
}

// Version returns the version the view was read at.
func (v *View) Version() domain.Version { return v.version }

// Len returns the number of items, archived included.
func (v *View) Len() int { return len(v.st.items) }

// Item returns a copy of the item with id.
func (v *View) Item(id string) (domain.WorkItem, bool) {
	it, ok := v.st.items[id]
	if !ok {
		return domain.WorkItem{}, false
	}
	return it.Clone(), true
}

// Worker returns a copy of the worker with id.
func (v *View) Worker(id string) (domain.Worker, bool) {
	w, ok := v.st.workers[id]
	if !ok {
		return domain.Worker{}, false
	}
	return w.Clone(), true
}

// Filter selects items. The zero Filter selects every item that is not archived.
type Filter struct {
	Statuses        []domain.Status
	IncludeArchived bool
	AssignedTo      string
	Skill           string
	CreatedAfter    domain.Version
}

func (f Filter) match(it domain.WorkItem) bool {
	if len(f.Statuses) > 0 {
		if !slices.Contains(f.Statuses, it.Status) {
			return false
		}
	} else if !f.IncludeArchived && it.Status == domain.StatusArchived {
		return false
	}
	if f.AssignedTo != "" && it.AssignedTo != f.AssignedTo {
		return false
	}
	if f.Skill != "" && !slices.Contains(it.RequiredSkills, f.Skill) {
		return false
	}
	if it.CreatedVersion <= f.CreatedAfter {
		return false
	}
	return true
}

// Items returns copies of matching items ordered by creation.
func (v *View) Items(f Filter) []domain.WorkItem {
	out := make([]domain.WorkItem, 0, len(v.st.items))
	for _, it := range v.st.items {
		if f.match(it) {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedVersion != out[j].CreatedVersion {
			return out[i].CreatedVersion < out[j].CreatedVersion
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Workers returns copies of all workers ordered by id.
func (v *View) Workers() []domain.Worker {
	out := make([]domain.Worker, 0, len(v.st.workers))
	for _, w := range v.st.workers {
		out = append(out, w.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenDependents counts items that list id in BlockedBy and are not terminal.
// Finished, cancelled and archived dependents no longer count toward unblock
// impact, so closing downstream work lowers a blocker's priority.
func (v *View) OpenDependents(id string) int {
	it, ok := v.st.items[id]
	if !ok {
		return 0
	}
	n := 0
	for _, dep := range it.Blocks {
		if d, ok := v.st.items[dep]; ok && !d.Status.Terminal() && slices.Contains(d.BlockedBy, id) {
			n++
		}
	}
	return n
}

// MaxOpenFanOut is the largest OpenDependents over every item in the view.
func (v *View) MaxOpenFanOut() int {
	best := 0
	for id := range v.st.items {
		best = max(best, v.OpenDependents(id))
	}
	return best
}

// Unblocked reports whether every blocker of the item is terminal or gone.
func (v *View) Unblocked(it domain.WorkItem) bool {
	for _, b := range it.BlockedBy {
		if blocker, ok := v.st.items[b]; ok && !blocker.Status.Terminal() {
			return false
		}
	}
	return true
}
