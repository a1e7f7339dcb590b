package workflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"groomline/internal/config"
	"groomline/internal/domain"
	"groomline/internal/events"
	"groomline/internal/store"
)

// RiskClassifier rates an item's risk. It is an external collaborator.
type RiskClassifier func(ctx context.Context, it domain.WorkItem) (domain.RiskLevel, error)

// Escalator is told when a gate missed its deadline for the first time.
type Escalator func(ctx context.Context, it domain.WorkItem, gate domain.Gate) error

// Options configure a Machine.
type Options struct {
	Classifier RiskClassifier
	Escalator  Escalator
	Logger     *zap.Logger
	Now        func() time.Time
}

// Machine applies transitions through the store, one at a time per item.
type Machine struct {
	store    *store.Store
	cfg      atomic.Pointer[config.Config]
	classify RiskClassifier
	escalate Escalator
	keys     *keyedMutex
	logger   *zap.Logger
	now      func() time.Time
}

// NewMachine returns a machine writing through s.
func NewMachine(s *store.Store, cfg *config.Config, opts Options) *Machine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Machine{
		store:    s,
		classify: opts.Classifier,
		escalate: opts.Escalator,
		keys:     newKeyedMutex(),
		logger:   opts.Logger,
		now:      opts.Now,
	}
	m.cfg.Store(cfg)
	return m
}

// SetConfig applies reloaded configuration to later transitions.
func (m *Machine) SetConfig(cfg *config.Config) { m.cfg.Store(cfg) }

// Lock serializes work on one item with its transitions. Callers that write
// an item outside Apply (merges, links, assignment) take it first.
func (m *Machine) Lock(itemID string) func() { return m.keys.Lock(itemID) }

// Request asks for one transition.
type Request struct {
	ItemID  string
	Trigger Trigger
	Actor   string
	Reason  string
	// AssignTo claims the item for a worker if it ends up InProgress.
	AssignTo string
}

// Applied is a committed transition.
type Applied struct {
	Item    domain.WorkItem `json:"item"`
	Outcome Outcome         `json:"outcome"`
	Version domain.Version  `json:"version"`
}

// Apply runs one transition under the item's lock and writes it.
func (m *Machine) Apply(ctx context.Context, req Request) (Applied, error) {
	unlock := m.keys.Lock(req.ItemID)
	defer unlock()
	return m.apply(ctx, req)
}

func (m *Machine) apply(ctx context.Context, req Request) (Applied, error) {
	cfg := m.cfg.Load()
	head := m.store.Head()
	it, ok := head.Item(req.ItemID)
	if !ok {
		return Applied{}, domain.NotFoundError{Kind: "item", ID: req.ItemID}
	}
	now := m.now()
	g := Guard{Now: now, GateTimeout: cfg.Workflow.GateTimeout.D(), Reason: req.Reason}
	if req.Trigger == StartWork && Allowed(it.Status, StartWork) {
		g.OpenBlockers = openBlockers(head, it)
		risk, err := m.Classify(ctx, it)
		if err != nil {
			return Applied{}, err
		}
		g.Risk = risk
		if name, required := cfg.GateFor(risk); required {
			g.Gate = name
			g.Approvers = cfg.Workflow.Approvers[name]
		}
	}
	out, err := Transition(it, req.Trigger, g)
	if err != nil {
		return Applied{}, err
	}
	next := ApplyOutcome(it, out, now)
	if g.Risk.Valid() {
		next.Risk = g.Risk
	}

	var workers []domain.Worker
	if out.Has(EffectReleaseWorker) {
		if w, ok := head.Worker(it.AssignedTo); ok {
			workers = append(workers, ReleaseWorker(w, it, head, cfg.Workers))
		}
	}
	if req.AssignTo != "" && next.Status == domain.StatusInProgress {
		w, ok := head.Worker(req.AssignTo)
		if !ok {
			return Applied{}, domain.NotFoundError{Kind: "worker", ID: req.AssignTo}
		}
		next.AssignedTo = w.ID
		workers = append(workers, AssignWorker(w, next, head, cfg.Workers))
	}

	typ := events.ItemTransitioned
	payload := events.Payload{
		"from":    string(out.From),
		"to":      string(out.State),
		"trigger": string(out.Trigger),
	}
	if out.Reason != "" {
		payload["reason"] = out.Reason
	}
	if next.AssignedTo != "" {
		payload["assigned_to"] = next.AssignedTo
	}
	if out.Has(EffectOpenGate) {
		typ = events.GateOpened
		payload["gate"] = out.Gate.Name
		payload["risk"] = string(out.Gate.Trigger)
		payload["deadline"] = out.Gate.Deadline.Format(time.RFC3339)
	}
	v, err := m.store.Put(ctx, store.Put{
		Actor:   req.Actor,
		Type:    typ,
		Items:   []domain.WorkItem{next},
		Workers: workers,
		Payload: payload,
	})
	if err != nil {
		return Applied{}, err
	}
	next.Version = v
	m.logger.Info("item transitioned",
		zap.String("item", it.ID),
		zap.String("from", string(out.From)),
		zap.String("to", string(out.State)),
		zap.String("trigger", string(out.Trigger)),
		zap.String("actor", req.Actor))
	return Applied{Item: next, Outcome: out, Version: v}, nil
}

// Classify returns the higher of the item's recorded risk and the
// classifier's rating.
func (m *Machine) Classify(ctx context.Context, it domain.WorkItem) (domain.RiskLevel, error) {
	level := it.Risk
	if m.classify == nil {
		return level, nil
	}
	got, err := m.classify(ctx, it)
	if err != nil {
		return "", fmt.Errorf("classify risk of %s: %w", it.ID, err)
	}
	if got.Rank() > level.Rank() {
		level = got
	}
	return level, nil
}

// DecideGate resolves a pending gate on behalf of approver.
func (m *Machine) DecideGate(ctx context.Context, itemID, gate string, decision domain.GateStatus, approver, reason string) (Applied, error) {
	unlock := m.keys.Lock(itemID)
	defer unlock()
	cfg := m.cfg.Load()
	head := m.store.Head()
	it, ok := head.Item(itemID)
	if !ok {
		return Applied{}, domain.NotFoundError{Kind: "item", ID: itemID}
	}
	now := m.now()
	out, err := Decide(it, gate, decision, approver, reason, now)
	if err != nil {
		return Applied{}, err
	}
	next := ApplyOutcome(it, out, now)
	var workers []domain.Worker
	if out.Has(EffectReleaseWorker) {
		if w, ok := head.Worker(it.AssignedTo); ok {
			workers = append(workers, ReleaseWorker(w, it, head, cfg.Workers))
		}
	}
	payload := events.Payload{
		"gate":     gate,
		"decision": string(decision),
		"from":     string(out.From),
		"to":       string(out.State),
	}
	if reason != "" {
		payload["reason"] = reason
	}
	v, err := m.store.Put(ctx, store.Put{
		Actor:   approver,
		Type:    events.GateDecided,
		Items:   []domain.WorkItem{next},
		Workers: workers,
		Payload: payload,
	})
	if err != nil {
		return Applied{}, err
	}
	next.Version = v
	m.logger.Info("gate decided",
		zap.String("item", itemID),
		zap.String("gate", gate),
		zap.String("decision", string(decision)),
		zap.String("approver", approver))
	return Applied{Item: next, Outcome: out, Version: v}, nil
}

// ExpiryReport lists the items whose gates were escalated or expired.
type ExpiryReport struct {
	Escalated []string `json:"escalated,omitempty"`
	Expired   []string `json:"expired,omitempty"`
}

// ExpireGates handles every pending gate past its deadline. A first miss
// escalates and extends the deadline by the grace period; a second miss
// cancels the gate and the item. Items that changed concurrently are left
// for the next run.
func (m *Machine) ExpireGates(ctx context.Context) (ExpiryReport, error) {
	var rep ExpiryReport
	now := m.now()
	for _, it := range m.store.Head().Items(store.Filter{Statuses: []domain.Status{domain.StatusWaitingForReview}}) {
		if !it.Gate.Pending() || now.Before(it.Gate.Deadline) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		escalated, err := m.expireOne(ctx, it.ID, now)
		switch {
		case domain.IsConflict(err):
			m.logger.Debug("gate expiry skipped after concurrent write", zap.String("item", it.ID))
		case err != nil:
			return rep, err
		case escalated:
			rep.Escalated = append(rep.Escalated, it.ID)
		default:
			rep.Expired = append(rep.Expired, it.ID)
		}
	}
	return rep, nil
}

func (m *Machine) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock := m.keys.Lock(id)
	defer unlock()
	cfg := m.cfg.Load()
	head := m.store.Head()
	it, ok := head.Item(id)
	if !ok || !it.Gate.Pending() || now.Before(it.Gate.Deadline) {
		return false, domain.ConflictError{EntityID: id}
	}
	next := it.Clone()
	next.LastActivityAt = now.UTC()
	g := *next.Gate
	payload := events.Payload{"gate": g.Name, "deadline": g.Deadline.Format(time.RFC3339)}
	var (
		typ     string
		workers []domain.Worker
	)
	if !g.Escalated {
		if m.escalate != nil {
			if err := m.escalate(ctx, it, g); err != nil {
				m.logger.Warn("gate escalation failed", zap.String("item", id), zap.String("gate", g.Name), zap.Error(err))
				payload["escalation_error"] = err.Error()
			}
		}
		g.Escalated = true
		g.Deadline = g.Deadline.Add(cfg.Workflow.EscalationGrace.D())
		payload["new_deadline"] = g.Deadline.Format(time.RFC3339)
		typ = events.GateEscalated
	} else {
		g.Status = domain.GateCancelled
		g.Reason = "gate timed out"
		next.Status = domain.StatusCancelled
		next.CloseReason = "gate timed out"
		if it.AssignedTo != "" {
			if w, ok := head.Worker(it.AssignedTo); ok {
				workers = append(workers, ReleaseWorker(w, it, head, cfg.Workers))
			}
			next.AssignedTo = ""
		}
		typ = events.GateExpired
	}
	next.Gate = &g
	if _, err := m.store.Put(ctx, store.Put{Actor: "groomer", Type: typ, Items: []domain.WorkItem{next}, Workers: workers, Payload: payload}); err != nil {
		return false, err
	}
	m.logger.Info("gate deadline missed", zap.String("item", id), zap.String("gate", g.Name), zap.String("event", typ))
	return typ == events.GateEscalated, nil
}

func openBlockers(v *store.View, it domain.WorkItem) []string {
	var out []string
	for _, b := range it.BlockedBy {
		if blocker, ok := v.Item(b); ok && !blocker.Status.Terminal() {
			out = append(out, b)
		}
	}
	return out
}

// Load is the capacity share an item takes from one worker.
func Load(it domain.WorkItem, cfg config.Workers) float64 {
	effort := it.EffortEstimate
	if effort <= 0 {
		effort = cfg.DefaultEffort
	}
	if cfg.PointsPerWorker <= 0 {
		return 1
	}
	return min(effort/cfg.PointsPerWorker, 1)
}

// Items looks up work items by id. *store.View satisfies it.
type Items interface {
	Item(id string) (domain.WorkItem, bool)
}

// Committed sums the load of the items a worker carries, capped at 1. it
// stands in for its stored version when it is among them.
func Committed(assigned []string, it domain.WorkItem, items Items, cfg config.Workers) float64 {
	total := 0.0
	for _, id := range assigned {
		if id == it.ID {
			total += Load(it, cfg)
			continue
		}
		if other, ok := items.Item(id); ok {
			total += Load(other, cfg)
		}
	}
	return min(total, 1)
}

// AssignWorker returns w carrying it.
func AssignWorker(w domain.Worker, it domain.WorkItem, items Items, cfg config.Workers) domain.Worker {
	next := w.Clone()
	next.Assigned = domain.AddToSet(next.Assigned, it.ID)
	next.Capacity = Committed(next.Assigned, it, items, cfg)
	return next
}

// ReleaseWorker returns w without it.
func ReleaseWorker(w domain.Worker, it domain.WorkItem, items Items, cfg config.Workers) domain.Worker {
	next := w.Clone()
	next.Assigned = domain.RemoveFromSet(next.Assigned, it.ID)
	next.Capacity = Committed(next.Assigned, it, items, cfg)
	return next
}
