// Package store is the versioned, event-sourced entity store. Every accepted
// write appends one event to the shared event log; the state at version V is
// the fold of all store events with sequence <= V.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"groomline/internal/domain"
	"groomline/internal/events"
)

// Put is one optimistic write. Every item and worker carries the Version the
// caller last observed (0 to create). Edge sets of existing items are only
// changed through AddEdges and RemoveEdges; a new item's BlockedBy becomes
// edge insertions.
type Put struct {
	Actor       string
	Type        string
	Items       []domain.WorkItem
	Workers     []domain.Worker
	AddEdges    []domain.Edge
	RemoveEdges []domain.Edge
	// Expect holds observed versions of entities touched only through edges.
	Expect  map[string]domain.Version
	Payload events.Payload
}

// Options configure a Store.
type Options struct {
	CheckpointEvery int
	Snapshots       SnapshotSink
	Restore         *SnapshotRecord
	Logger          *zap.Logger
	Now             func() time.Time
}

type checkpoint struct {
	version domain.Version
	st      *state
}

// Store is safe for concurrent use. Writes are linearized; reads of the head
// never block on replay.
type Store struct {
	mu              sync.RWMutex
	log             *events.Log
	head            *state
	headVersion     domain.Version
	checkpoints     []checkpoint
	sinceCheckpoint int
	every           int
	snapshots       SnapshotSink
	logger          *zap.Logger
	now             func() time.Time
}

// Open builds a store over log, replaying every store event already in it.
func Open(log *events.Log, opts Options) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("store requires an event log")
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 256
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		log:         log,
		head:        newState(),
		every:       opts.CheckpointEvery,
		snapshots:   opts.Snapshots,
		logger:      opts.Logger,
		now:         opts.Now,
		checkpoints: []checkpoint{{version: 0, st: newState()}},
	}
	from := domain.Version(0)
	if opts.Restore != nil && opts.Restore.Version <= log.Head() {
		st, err := decodeSnapshot(*opts.Restore)
		if err != nil {
			return nil, err
		}
		s.head = st
		s.headVersion = opts.Restore.Version
		s.checkpoints = append(s.checkpoints, checkpoint{version: opts.Restore.Version, st: st})
		from = opts.Restore.Version
	}
	replayed := 0
	next := s.head.clone()
	for _, e := range log.Since(from) {
		if e.Change == nil {
			continue
		}
		next.apply(e.Change)
		s.headVersion = e.Version
		replayed++
		if replayed%s.every == 0 {
			s.checkpoints = append(s.checkpoints, checkpoint{version: e.Version, st: next.clone()})
		}
	}
	s.head = next
	s.sinceCheckpoint = replayed % s.every
	s.logger.Debug("store opened", zap.Uint64("version", uint64(log.Head())), zap.Int("replayed", replayed))
	return s, nil
}

// Log returns the event log the store writes through.
func (s *Store) Log() *events.Log { return s.log }

// Snapshot returns the current version: an immutable, queryable point in history.
func (s *Store) Snapshot() domain.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Head()
}

// Head returns a view of the latest state.
func (s *Store) Head() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &View{version: s.log.Head(), st: s.head}
}

// ReadAt returns the state as of version v. Results never reflect events
// appended after v.
func (s *Store) ReadAt(v domain.Version) (*View, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head := s.log.Head()
	if v > head {
		return nil, domain.VersionNotFoundError{Version: v, Head: head}
	}
	if v >= s.headVersion {
		return &View{version: v, st: s.head}, nil
	}
	i := sort.Search(len(s.checkpoints), func(i int) bool { return s.checkpoints[i].version > v }) - 1
	cp := s.checkpoints[i]
	if cp.version == v {
		return &View{version: v, st: cp.st}, nil
	}
	st := cp.st.clone()
	for _, e := range s.log.Range(events.Query{FromSeq: uint64(cp.version) + 1, ToSeq: uint64(v)}) {
		if e.Change != nil {
			st.apply(e.Change)
		}
	}
	return &View{version: v, st: st}, nil
}

// Put validates and applies one write, appending exactly one event.
func (s *Store) Put(ctx context.Context, p Put) (domain.Version, error) {
	if len(p.Items) == 0 && len(p.Workers) == 0 && len(p.AddEdges) == 0 && len(p.RemoveEdges) == 0 {
		return 0, domain.ValidationError{Reason: "empty write"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	w := newWriteSet(s.head)
	if err := w.stage(p); err != nil {
		return 0, err
	}
	evtType := p.Type
	if evtType == "" {
		evtType = w.defaultType()
	}
	evt := domain.Event{
		Actor:      p.Actor,
		Type:       evtType,
		EntityKind: w.primaryKind(),
		EntityID:   w.primaryID(),
		Subjects:   w.ids(),
		Payload:    p.Payload,
	}
	var next *state
	appended, err := s.log.AppendWith(ctx, evt, events.Hooks{
		Stamp: func(e *domain.Event) {
			e.Change = w.change(e.Version)
		},
		Commit: func(e domain.Event) {
			next = s.head.clone()
			next.apply(e.Change)
		},
	})
	if err != nil {
		return 0, err
	}
	s.head = next
	s.headVersion = appended.Version
	s.sinceCheckpoint++
	if s.sinceCheckpoint >= s.every {
		s.checkpoints = append(s.checkpoints, checkpoint{version: appended.Version, st: next})
		s.sinceCheckpoint = 0
	}
	return appended.Version, nil
}

// writeSet stages entity states for one Put against the head state.
type writeSet struct {
	base      *state
	items     map[string]domain.WorkItem
	workers   map[string]domain.Worker
	created   map[string]bool
	firstItem string
	firstWkr  string
	edgesAdd  int
	edgesDel  int
}

func newWriteSet(base *state) *writeSet {
	return &writeSet{
		base:    base,
		items:   map[string]domain.WorkItem{},
		workers: map[string]domain.Worker{},
		created: map[string]bool{},
	}
}

func (w *writeSet) item(id string) (domain.WorkItem, bool) {
	if it, ok := w.items[id]; ok {
		return it, true
	}
	it, ok := w.base.items[id]
	if !ok {
		return domain.WorkItem{}, false
	}
	return it.Clone(), true
}

func (w *writeSet) stage(p Put) error {
	var pending []domain.Edge
	for _, in := range p.Items {
		if err := validateItem(in); err != nil {
			return err
		}
		if _, dup := w.items[in.ID]; dup {
			return domain.ValidationError{Field: "items", Reason: fmt.Sprintf("item %s written twice in one put", in.ID)}
		}
		cur, exists := w.base.items[in.ID]
		var actual domain.Version
		if exists {
			actual = cur.Version
		}
		if in.Version != actual {
			return domain.ConflictError{EntityID: in.ID, Expected: in.Version, Actual: actual}
		}
		it := in.Clone()
		it.RequiredSkills = domain.NormalizeSet(it.RequiredSkills)
		it.LinkedTo = domain.NormalizeSet(it.LinkedTo)
		if exists {
			it.BlockedBy = cur.BlockedBy
			it.Blocks = cur.Blocks
			it.CreatedAt = cur.CreatedAt
			it.CreatedVersion = cur.CreatedVersion
		} else {
			for _, b := range domain.NormalizeSet(it.BlockedBy) {
				pending = append(pending, domain.Edge{Blocker: b, Blocked: it.ID})
			}
			it.BlockedBy, it.Blocks = nil, nil
			w.created[it.ID] = true
		}
		w.items[it.ID] = it
		if w.firstItem == "" {
			w.firstItem = it.ID
		}
	}
	for _, in := range p.Workers {
		if in.ID == "" {
			return domain.ValidationError{Field: "worker.id", Reason: "required"}
		}
		if in.Capacity < 0 || in.Capacity > 1 {
			return domain.ValidationError{Field: "worker.capacity", Reason: "must be within [0,1]"}
		}
		cur, exists := w.base.workers[in.ID]
		var actual domain.Version
		if exists {
			actual = cur.Version
		}
		if in.Version != actual {
			return domain.ConflictError{EntityID: in.ID, Expected: in.Version, Actual: actual}
		}
		wk := in.Clone()
		wk.Skills = domain.NormalizeSet(wk.Skills)
		wk.Assigned = domain.NormalizeSet(wk.Assigned)
		if wk.Capacity > 0 {
			wk.Status = domain.WorkerBusy
		} else {
			wk.Status = domain.WorkerIdle
		}
		w.workers[wk.ID] = wk
		if w.firstWkr == "" {
			w.firstWkr = wk.ID
		}
	}
	for id, expected := range p.Expect {
		var actual domain.Version
		if it, ok := w.base.items[id]; ok {
			actual = it.Version
		} else if wk, ok := w.base.workers[id]; ok {
			actual = wk.Version
		} else {
			return domain.NotFoundError{Kind: "entity", ID: id}
		}
		if actual != expected {
			return domain.ConflictError{EntityID: id, Expected: expected, Actual: actual}
		}
	}
	for _, e := range p.RemoveEdges {
		if err := w.removeEdge(e); err != nil {
			return err
		}
	}
	for _, e := range append(pending, p.AddEdges...) {
		if err := w.addEdge(e); err != nil {
			return err
		}
	}
	return nil
}

func validateItem(it domain.WorkItem) error {
	if it.ID == "" {
		return domain.ValidationError{Field: "item.id", Reason: "required"}
	}
	if it.Title == "" {
		return domain.ValidationError{Field: "item.title", Reason: "required"}
	}
	if !it.Status.Valid() {
		return domain.ValidationError{Field: "item.status", Reason: fmt.Sprintf("unknown status %q", it.Status)}
	}
	f := it.Factors
	for name, v := range map[string]float64{
		"customer_value": f.CustomerValue, "unblock_impact": f.UnblockImpact,
		"worker_availability": f.WorkerAvailability, "learning_value": f.LearningValue,
	} {
		if v < 0 || v > 1 {
			return domain.ValidationError{Field: "item.factors." + name, Reason: "must be within [0,1]"}
		}
	}
	if it.EffortEstimate < 0 {
		return domain.ValidationError{Field: "item.effort_estimate", Reason: "must not be negative"}
	}
	return nil
}

func (w *writeSet) addEdge(e domain.Edge) error {
	blocker, ok := w.item(e.Blocker)
	if !ok {
		return domain.NotFoundError{Kind: "item", ID: e.Blocker}
	}
	blocked, ok := w.item(e.Blocked)
	if !ok {
		return domain.NotFoundError{Kind: "item", ID: e.Blocked}
	}
	if e.Blocker == e.Blocked {
		return domain.CycleDetectedError{Blocker: e.Blocker, Blocked: e.Blocked, Path: []string{e.Blocker, e.Blocked}}
	}
	// A new edge blocker -> blocked closes a cycle iff blocked already reaches blocker.
	if path := w.pathBetween(e.Blocked, e.Blocker); path != nil {
		return domain.CycleDetectedError{Blocker: e.Blocker, Blocked: e.Blocked, Path: append([]string{e.Blocker}, path...)}
	}
	blocker.Blocks = domain.AddToSet(blocker.Blocks, e.Blocked)
	blocked.BlockedBy = domain.AddToSet(blocked.BlockedBy, e.Blocker)
	w.items[blocker.ID] = blocker
	w.items[blocked.ID] = blocked
	w.touch(blocked.ID)
	w.edgesAdd++
	return nil
}

func (w *writeSet) removeEdge(e domain.Edge) error {
	blocker, ok := w.item(e.Blocker)
	if !ok {
		return domain.NotFoundError{Kind: "item", ID: e.Blocker}
	}
	blocked, ok := w.item(e.Blocked)
	if !ok {
		return domain.NotFoundError{Kind: "item", ID: e.Blocked}
	}
	blocker.Blocks = domain.RemoveFromSet(blocker.Blocks, e.Blocked)
	blocked.BlockedBy = domain.RemoveFromSet(blocked.BlockedBy, e.Blocker)
	w.items[blocker.ID] = blocker
	w.items[blocked.ID] = blocked
	w.touch(blocked.ID)
	w.edgesDel++
	return nil
}

// pathBetween returns the blocks-path from -> ... -> to, or nil.
func (w *writeSet) pathBetween(from, to string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []string
			for n := to; n != ""; n = prev[n] {
				path = append([]string{n}, path...)
			}
			return path
		}
		it, ok := w.item(cur)
		if !ok {
			continue
		}
		for _, next := range it.Blocks {
			if _, seen := prev[next]; !seen {
				prev[next] = cur
				queue = append(queue, next)
			}
		}
	}
	return nil
}

func (w *writeSet) change(v domain.Version) *domain.Change {
	ch := &domain.Change{}
	for _, id := range sortedKeys(w.items) {
		it := w.items[id]
		it.Version = v
		if w.created[id] {
			it.CreatedVersion = v
		}
		ch.Items = append(ch.Items, it)
	}
	for _, id := range sortedKeys(w.workers) {
		wk := w.workers[id]
		wk.Version = v
		ch.Workers = append(ch.Workers, wk)
	}
	return ch
}

func (w *writeSet) ids() []string {
	out := sortedKeys(w.items)
	return append(out, sortedKeys(w.workers)...)
}

func (w *writeSet) touch(id string) {
	if w.firstItem == "" {
		w.firstItem = id
	}
}

func (w *writeSet) primaryID() string {
	if w.firstItem != "" {
		return w.firstItem
	}
	return w.firstWkr
}

func (w *writeSet) primaryKind() string {
	if w.firstItem != "" {
		return "item"
	}
	return "worker"
}

func (w *writeSet) defaultType() string {
	switch {
	case len(w.created) > 0:
		return events.ItemCreated
	case w.edgesAdd > 0:
		return events.EdgeAdded
	case w.edgesDel > 0:
		return events.EdgeRemoved
	case w.firstItem == "" && w.firstWkr != "":
		return events.WorkerUpserted
	default:
		return events.ItemUpdated
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
