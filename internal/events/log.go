package events

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"groomline/internal/domain"
)

// Event type constants.
const (
	ItemCreated      = "item.created"
	ItemUpdated      = "item.updated"
	ItemMerged       = "item.merged"
	ItemLinked       = "item.linked"
	ItemTransitioned = "item.transitioned"
	EdgeAdded        = "edge.added"
	EdgeRemoved      = "edge.removed"
	WorkerUpserted   = "worker.upserted"
	WorkPulled       = "work.pulled"
	GateOpened       = "gate.opened"
	GateDecided      = "gate.decided"
	GateEscalated    = "gate.escalated"
	GateExpired      = "gate.expired"
	LockAcquired     = "lock.acquired"
	LockReleased     = "lock.released"
	LockExpired      = "lock.expired"
	GroomCompleted   = "groom.completed"
	SnapshotTaken    = "snapshot.taken"
)

// Payload is the free-form audit detail of an event.
type Payload map[string]any

// Sink persists events in sequence order. Append is called under the log
// mutex, so a sink sees events strictly ordered by Seq.
type Sink interface {
	AppendEvent(ctx context.Context, e domain.Event) error
}

// Log is the append-only, monotonically sequenced record of every mutation.
// It is safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	events []domain.Event
	sink   Sink
	Now    func() time.Time
}

// NewLog returns an empty log. sink may be nil.
func NewLog(sink Sink) *Log {
	return &Log{sink: sink, Now: time.Now}
}

func (l *Log) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Restore seeds the log with previously persisted events. The events must be
// contiguous from sequence 1; Restore is only valid on an empty log.
func (l *Log) Restore(evts []domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) > 0 {
		return fmt.Errorf("restore into non-empty log")
	}
	for i, e := range evts {
		if e.Seq != uint64(i+1) {
			return fmt.Errorf("event log gap: expected seq %d, found %d", i+1, e.Seq)
		}
	}
	l.events = slices.Clone(evts)
	return nil
}

// Append assigns the next sequence number and timestamp, persists the event
// through the sink, and returns the stored copy. Version is set to the new
// sequence: the store as of this event.
func (l *Log) Append(ctx context.Context, e domain.Event) (domain.Event, error) {
	return l.AppendWith(ctx, e, Hooks{})
}

// Hooks let a writer observe its own sequence number atomically with the append.
type Hooks struct {
	// Stamp runs after the sequence is assigned and before the sink sees the event.
	Stamp func(*domain.Event)
	// Commit runs after the sink accepted the event, still under the log mutex.
	Commit func(domain.Event)
}

// AppendWith is Append with hooks that run under the log mutex. Stores use it
// to publish state at exactly the sequence they were assigned.
func (l *Log) AppendWith(ctx context.Context, e domain.Event, h Hooks) (domain.Event, error) {
	if e.Type == "" {
		return domain.Event{}, fmt.Errorf("event type required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e.Seq = uint64(len(l.events)) + 1
	e.Version = domain.Version(e.Seq)
	if e.TS.IsZero() {
		e.TS = l.now().UTC()
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	e.Subjects = domain.NormalizeSet(e.Subjects)
	if h.Stamp != nil {
		h.Stamp(&e)
	}
	if l.sink != nil {
		if err := l.sink.AppendEvent(ctx, e); err != nil {
			return domain.Event{}, fmt.Errorf("persist event %s: %w", e.Type, err)
		}
	}
	l.events = append(l.events, e)
	if h.Commit != nil {
		h.Commit(e)
	}
	return e, nil
}

// Head returns the sequence of the last appended event.
func (l *Log) Head() domain.Version {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Version(len(l.events))
}

// Get returns the event with the given sequence.
func (l *Log) Get(seq uint64) (domain.Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq == 0 || seq > uint64(len(l.events)) {
		return domain.Event{}, false
	}
	return l.events[seq-1], true
}

// Query filters a range read. Zero values mean unbounded.
type Query struct {
	FromSeq  uint64
	ToSeq    uint64
	Since    time.Time
	Until    time.Time
	Type     string
	EntityID string
	Limit    int
	// Descending returns newest first; Limit then keeps the newest.
	Descending bool
}

// Range returns events matching q in sequence order.
func (l *Log) Range(q Query) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lo := 0
	if q.FromSeq > 1 {
		lo = int(q.FromSeq) - 1
	}
	hi := len(l.events)
	if q.ToSeq > 0 && int(q.ToSeq) < hi {
		hi = int(q.ToSeq)
	}
	if !q.Since.IsZero() {
		// Timestamps are non-decreasing within one process, so binary search is safe.
		lo = max(lo, sort.Search(len(l.events), func(i int) bool { return !l.events[i].TS.Before(q.Since) }))
	}
	var out []domain.Event
	match := func(e domain.Event) bool {
		if !q.Until.IsZero() && e.TS.After(q.Until) {
			return false
		}
		if q.Type != "" && e.Type != q.Type {
			return false
		}
		if q.EntityID != "" && !e.Concerns(q.EntityID) {
			return false
		}
		return true
	}
	if q.Descending {
		for i := hi - 1; i >= lo; i-- {
			if match(l.events[i]) {
				out = append(out, l.events[i])
				if q.Limit > 0 && len(out) == q.Limit {
					break
				}
			}
		}
		return out
	}
	for i := lo; i < hi; i++ {
		if match(l.events[i]) {
			out = append(out, l.events[i])
			if q.Limit > 0 && len(out) == q.Limit {
				break
			}
		}
	}
	return out
}

// ForEntity returns the ordered history of every event concerning id.
func (l *Log) ForEntity(id string) []domain.Event {
	return l.Range(Query{EntityID: id})
}

// Since returns every event with sequence greater than v, in order.
func (l *Log) Since(v domain.Version) []domain.Event {
	return l.Range(Query{FromSeq: uint64(v) + 1})
}
