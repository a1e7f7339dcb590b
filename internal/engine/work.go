package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"groomline/internal/domain"
	"groomline/internal/events"
	"groomline/internal/groomer"
	"groomline/internal/locks"
	"groomline/internal/scoring"
	"groomline/internal/store"
	"groomline/internal/telemetry"
	"groomline/internal/workflow"
)

const capacityEpsilon = 1e-9

// Pulled is the item a worker received.
type Pulled struct {
	Item    domain.WorkItem `json:"item"`
	Score   scoring.Result  `json:"score"`
	Version domain.Version  `json:"version"`
	// Gated lists items passed over because starting them opened a gate.
	Gated []string `json:"gated,omitempty"`
}

// PullNext assigns the highest-ranked suitable item to the worker and moves
// it to InProgress. Items whose start opens a gate are left waiting for
// review and the next candidate is tried. NoSuitableWorkError means nothing
// fits.
func (e *Engine) PullNext(ctx context.Context, workerID, actor string) (p Pulled, err error) {
	defer func() {
		var none domain.NoSuitableWorkError
		if errors.As(err, &none) {
			e.Metrics.Pull(ctx, false, nil)
			return
		}
		e.Metrics.Pull(ctx, err == nil, err)
	}()
	if actor == "" {
		actor = workerID
	}
	var gated []string
	p, err = retry(ctx, e, "pull", func() (Pulled, error) {
		head := e.Store.Head()
		w, ok := head.Worker(workerID)
		if !ok {
			return Pulled{}, domain.NotFoundError{Kind: "worker", ID: workerID}
		}
		cands := e.pullable(head, w)
		for _, r := range scoring.Rank(cands, head, e.Config().Scoring, e.Scores) {
			applied, err := e.claim(ctx, r.ItemID, workerID, actor)
			var invalid domain.InvalidTransitionError
			switch {
			case errors.As(err, &invalid):
				// taken or moved since the ranking was read
				continue
			case err != nil:
				return Pulled{}, err
			case applied.Item.Status != domain.StatusInProgress:
				gated = append(gated, r.ItemID)
				continue
			}
			return Pulled{Item: applied.Item, Score: r, Version: applied.Version}, nil
		}
		return Pulled{}, domain.NoSuitableWorkError{WorkerID: workerID}
	})
	p.Gated = domain.NormalizeSet(gated)
	if err != nil {
		return p, err
	}
	e.logger.Info("work pulled", zap.String("worker", workerID), zap.String("item", p.Item.ID), zap.Float64("score", p.Score.Score))
	return p, nil
}

// pullable lists the items w could take now: ready or sent back for changes
// (unassigned or already its own), or approved past a gate and unassigned;
// unblocked; skills covered; load within remaining capacity.
func (e *Engine) pullable(head *store.View, w domain.Worker) []domain.WorkItem {
	cfg := e.Config().Workers
	var out []domain.WorkItem
	for _, it := range head.Items(store.Filter{Statuses: []domain.Status{domain.StatusReady, domain.StatusChangesRequested, domain.StatusInProgress}}) {
		switch it.Status {
		case domain.StatusInProgress:
			if it.AssignedTo != "" || it.Gate == nil || it.Gate.Status != domain.GateApproved {
				continue
			}
		default:
			if it.AssignedTo != "" && it.AssignedTo != w.ID {
				continue
			}
		}
		if !head.Unblocked(it) {
			continue
		}
		if !coversSkills(w.Skills, it.RequiredSkills) {
			continue
		}
		if it.AssignedTo != w.ID && w.Capacity+workflow.Load(it, cfg) > 1+capacityEpsilon {
			continue
		}
		out = append(out, it)
	}
	return out
}

func coversSkills(have, need []string) bool {
	for _, s := range need {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}

// claim starts work on id for the worker. An InProgress item that already
// passed its gate is only assigned.
func (e *Engine) claim(ctx context.Context, id, workerID, actor string) (workflow.Applied, error) {
	it, ok := e.Store.Head().Item(id)
	if !ok {
		return workflow.Applied{}, domain.NotFoundError{Kind: "item", ID: id}
	}
	if it.Status != domain.StatusInProgress {
		return e.Machine.Apply(ctx, workflow.Request{ItemID: id, Trigger: workflow.StartWork, Actor: actor, AssignTo: workerID})
	}
	unlock := e.Machine.Lock(id)
	defer unlock()
	head := e.Store.Head()
	it, ok = head.Item(id)
	if !ok || it.Status != domain.StatusInProgress || it.AssignedTo != "" {
		return workflow.Applied{}, domain.InvalidTransitionError{ItemID: id, From: it.Status, Trigger: "pull", Reason: "no longer available"}
	}
	w, ok := head.Worker(workerID)
	if !ok {
		return workflow.Applied{}, domain.NotFoundError{Kind: "worker", ID: workerID}
	}
	next := it.Clone()
	next.AssignedTo = workerID
	next.LastActivityAt = e.now().UTC()
	v, err := e.Store.Put(ctx, store.Put{
		Actor:   actor,
		Type:    events.WorkPulled,
		Items:   []domain.WorkItem{next},
		Workers: []domain.Worker{workflow.AssignWorker(w, next, head, e.Config().Workers)},
		Payload: events.Payload{"worker": workerID},
	})
	if err != nil {
		return workflow.Applied{}, err
	}
	next.Version = v
	return workflow.Applied{Item: next, Outcome: workflow.Outcome{From: it.Status, State: it.Status}, Version: v}, nil
}

// TransitionRequest asks for one workflow transition.
type TransitionRequest struct {
	ItemID   string
	Trigger  string
	Actor    string
	Reason   string
	AssignTo string
}

// Transition applies a trigger to an item. Merges go through Merge, which
// needs the surviving item.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (a workflow.Applied, err error) {
	defer func() { e.Metrics.Transition(ctx, req.Trigger, err) }()
	t, err := workflow.ParseTrigger(req.Trigger)
	if err != nil {
		return workflow.Applied{}, err
	}
	if t == workflow.Merge {
		return workflow.Applied{}, domain.ValidationError{Field: "trigger", Reason: "merge needs a canonical item; use the merge operation"}
	}
	return retry(ctx, e, "transition", func() (workflow.Applied, error) {
		return e.Machine.Apply(ctx, workflow.Request{ItemID: req.ItemID, Trigger: t, Actor: req.Actor, Reason: req.Reason, AssignTo: req.AssignTo})
	})
}

// DecideGate resolves a pending gate; approved continues into InProgress,
// rejected cancels the item.
func (e *Engine) DecideGate(ctx context.Context, itemID, gate, decision, approver, reason string) (workflow.Applied, error) {
	d := domain.GateStatus(decision)
	if d != domain.GateApproved && d != domain.GateRejected {
		return workflow.Applied{}, domain.ValidationError{Field: "decision", Reason: fmt.Sprintf("must be approved or rejected, got %q", decision)}
	}
	if approver == "" {
		return workflow.Applied{}, domain.ValidationError{Field: "approver", Reason: "required"}
	}
	return retry(ctx, e, "decide_gate", func() (workflow.Applied, error) {
		return e.Machine.DecideGate(ctx, itemID, gate, d, approver, reason)
	})
}

// AddDependency records that blocker must finish before blocked.
func (e *Engine) AddDependency(ctx context.Context, blocker, blocked, actor string) (domain.Version, error) {
	return retry(ctx, e, "add_dependency", func() (domain.Version, error) {
		return e.Store.Put(ctx, store.Put{
			Actor:    actor,
			AddEdges: []domain.Edge{{Blocker: blocker, Blocked: blocked}},
			Payload:  events.Payload{"blocker": blocker, "blocked": blocked},
		})
	})
}

// RemoveDependency drops the edge blocker -> blocked.
func (e *Engine) RemoveDependency(ctx context.Context, blocker, blocked, actor string) (domain.Version, error) {
	it, ok := e.Store.Head().Item(blocked)
	if !ok {
		return 0, domain.NotFoundError{Kind: "item", ID: blocked}
	}
	if !slices.Contains(it.BlockedBy, blocker) {
		return 0, domain.NotFoundError{Kind: "dependency", ID: blocker + "->" + blocked}
	}
	return retry(ctx, e, "remove_dependency", func() (domain.Version, error) {
		return e.Store.Put(ctx, store.Put{
			Actor:       actor,
			RemoveEdges: []domain.Edge{{Blocker: blocker, Blocked: blocked}},
			Payload:     events.Payload{"blocker": blocker, "blocked": blocked},
		})
	})
}

// WorkerSpec registers or updates a worker.
type WorkerSpec struct {
	ID     string
	Skills []string
	Actor  string
}

// RegisterWorker creates a worker or replaces its skills. Capacity and
// assignments are kept.
func (e *Engine) RegisterWorker(ctx context.Context, spec WorkerSpec) (domain.Worker, error) {
	if spec.ID == "" {
		return domain.Worker{}, domain.ValidationError{Field: "id", Reason: "required"}
	}
	return retry(ctx, e, "register_worker", func() (domain.Worker, error) {
		w, ok := e.Store.Head().Worker(spec.ID)
		if !ok {
			w = domain.Worker{ID: spec.ID, Status: domain.WorkerIdle}
		}
		w.Skills = domain.NormalizeSet(spec.Skills)
		v, err := e.Store.Put(ctx, store.Put{Actor: spec.Actor, Type: events.WorkerUpserted, Workers: []domain.Worker{w}})
		if err != nil {
			return domain.Worker{}, err
		}
		got, _ := e.Store.Head().Worker(spec.ID)
		got.Version = v
		return got, nil
	})
}

// AcquireLock takes a lock on a shared artifact.
func (e *Engine) AcquireLock(ctx context.Context, req locks.Request) (l domain.Lock, err error) {
	defer func() { e.Metrics.Lock(ctx, "acquire", err) }()
	return e.Locks.Acquire(ctx, req)
}

// AcquireLocks takes several locks in canonical order, all or none.
func (e *Engine) AcquireLocks(ctx context.Context, reqs []locks.Request) (ls []domain.Lock, err error) {
	defer func() { e.Metrics.Lock(ctx, "acquire_all", err) }()
	return e.Locks.AcquireAll(ctx, reqs)
}

// ReleaseLock gives a lock back. Only its holder may release it.
func (e *Engine) ReleaseLock(ctx context.Context, token, holderID string) (err error) {
	defer func() { e.Metrics.Lock(ctx, "release", err) }()
	return e.Locks.Release(ctx, token, holderID)
}

// Groom runs one grooming cycle now and sweeps expired locks.
func (e *Engine) Groom(ctx context.Context) (groomer.Report, error) {
	rep, err := e.Groomer.RunOnce(ctx)
	e.afterGroomErr(ctx, rep, err)
	return rep, err
}

func (e *Engine) afterGroom(rep groomer.Report) {
	e.afterGroomErr(context.Background(), rep, nil)
}

func (e *Engine) afterGroomErr(ctx context.Context, rep groomer.Report, err error) {
	e.Metrics.Groom(ctx, telemetry.GroomCounts{
		Groomed:      rep.Groomed,
		Merged:       rep.Merged,
		Linked:       rep.Linked,
		Archived:     rep.Archived,
		GatesExpired: rep.GatesExpired,
		Partial:      rep.Partial,
	}, rep.Elapsed, err)
	if n, serr := e.Locks.Sweep(ctx); serr != nil {
		e.logger.Warn("lock sweep failed", zap.Error(serr))
	} else if n > 0 {
		e.logger.Info("expired locks swept", zap.Int("count", n))
	}
}

// Compact writes a snapshot of the current state through the snapshot sink.
func (e *Engine) Compact(ctx context.Context, actor string) (store.SnapshotRecord, error) {
	return e.Store.Compact(ctx, actor)
}
