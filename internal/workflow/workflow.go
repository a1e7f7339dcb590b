// Package workflow owns the work item lifecycle: the transition table, risk
// gates and per-item serialized application of transitions.
package workflow

import (
	"fmt"
	"slices"
	"time"

	"groomline/internal/domain"
)

// Trigger is an event that drives a transition.
type Trigger string

const (
	MarkReady       Trigger = "mark_ready"
	StartWork       Trigger = "start_work"
	SubmitForReview Trigger = "submit_for_review"
	RequestChanges  Trigger = "request_changes"
	Approve         Trigger = "approve"
	Complete        Trigger = "complete"
	Cancel          Trigger = "cancel"
	Archive         Trigger = "archive"
	Merge           Trigger = "merge"
)

var allTriggers = []Trigger{MarkReady, StartWork, SubmitForReview, RequestChanges, Approve, Complete, Cancel, Archive, Merge}

// Triggers returns every trigger.
func Triggers() []Trigger { return slices.Clone(allTriggers) }

// ParseTrigger validates a trigger name.
func ParseTrigger(s string) (Trigger, error) {
	t := Trigger(s)
	if !slices.Contains(allTriggers, t) {
		return "", domain.ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown trigger %q", s)}
	}
	return t, nil
}

type rule struct {
	from []domain.Status
	to   domain.Status
}

var nonTerminal = []domain.Status{
	domain.StatusNew, domain.StatusReady, domain.StatusInProgress, domain.StatusWaitingForReview,
	domain.StatusChangesRequested, domain.StatusApproved,
}

var table = map[Trigger]rule{
	MarkReady:       {from: []domain.Status{domain.StatusNew}, to: domain.StatusReady},
	StartWork:       {from: []domain.Status{domain.StatusReady, domain.StatusChangesRequested}, to: domain.StatusInProgress},
	SubmitForReview: {from: []domain.Status{domain.StatusInProgress}, to: domain.StatusWaitingForReview},
	RequestChanges:  {from: []domain.Status{domain.StatusWaitingForReview}, to: domain.StatusChangesRequested},
	Approve:         {from: []domain.Status{domain.StatusWaitingForReview}, to: domain.StatusApproved},
	Complete:        {from: []domain.Status{domain.StatusApproved}, to: domain.StatusDone},
	Cancel:          {from: nonTerminal, to: domain.StatusCancelled},
	Archive:         {from: []domain.Status{domain.StatusDone, domain.StatusCancelled}, to: domain.StatusArchived},
	Merge:           {from: append(slices.Clone(nonTerminal), domain.StatusDone, domain.StatusCancelled), to: domain.StatusArchived},
}

// Allowed reports whether the table has an edge for (from, trigger),
// ignoring guards.
func Allowed(from domain.Status, t Trigger) bool {
	r, ok := table[t]
	return ok && slices.Contains(r.from, from)
}

// Effect is a side effect the caller must carry out with the transition.
type Effect string

const (
	// EffectOpenGate: Outcome.Gate is a new pending gate.
	EffectOpenGate Effect = "open_gate"
	// EffectCancelGate: the pending gate is cancelled with the item.
	EffectCancelGate Effect = "cancel_gate"
	// EffectReleaseWorker: the assignee's capacity goes back to the pool.
	EffectReleaseWorker Effect = "release_worker"
)

// Guard carries the facts a transition depends on beyond the item itself.
type Guard struct {
	// Gate is the gate name StartWork requires, empty when the item's risk
	// is within the threshold.
	Gate      string
	Risk      domain.RiskLevel
	Approvers []string
	// OpenBlockers are blockers that are not yet terminal.
	OpenBlockers []string
	Now          time.Time
	GateTimeout  time.Duration
	Reason       string
}

// Outcome is the result of a valid transition.
type Outcome struct {
	From    domain.Status `json:"from"`
	State   domain.Status `json:"state"`
	Trigger Trigger       `json:"trigger"`
	Gate    *domain.Gate  `json:"gate,omitempty"`
	Effects []Effect      `json:"effects,omitempty"`
	Reason  string        `json:"reason,omitempty"`
}

// Has reports whether the outcome carries effect e.
func (o Outcome) Has(e Effect) bool { return slices.Contains(o.Effects, e) }

// Transition applies the table to it. It never mutates it; an invalid pair
// returns InvalidTransitionError.
func Transition(it domain.WorkItem, t Trigger, g Guard) (Outcome, error) {
	invalid := func(reason string) error {
		return domain.InvalidTransitionError{ItemID: it.ID, From: it.Status, Trigger: string(t), Reason: reason}
	}
	r, ok := table[t]
	if !ok {
		return Outcome{}, invalid("unknown trigger")
	}
	if !slices.Contains(r.from, it.Status) {
		return Outcome{}, invalid("")
	}
	out := Outcome{From: it.Status, State: r.to, Trigger: t, Reason: g.Reason}
	pending := it.Gate.Pending()

	switch t {
	case StartWork:
		if len(g.OpenBlockers) > 0 {
			return Outcome{}, invalid(fmt.Sprintf("blocked by %v", g.OpenBlockers))
		}
		approved := it.Gate != nil && it.Gate.Status == domain.GateApproved && it.Gate.Trigger.Rank() >= g.Risk.Rank()
		if g.Gate != "" && !approved {
			out.State = domain.StatusWaitingForReview
			out.Gate = &domain.Gate{
				Name:      g.Gate,
				Trigger:   g.Risk,
				Approvers: domain.NormalizeSet(g.Approvers),
				Status:    domain.GatePending,
				OpenedAt:  g.Now.UTC(),
				Deadline:  g.Now.Add(g.GateTimeout).UTC(),
			}
			out.Effects = append(out.Effects, EffectOpenGate)
		}
	case RequestChanges, Approve:
		if pending {
			return Outcome{}, invalid(fmt.Sprintf("gate %s is pending", it.Gate.Name))
		}
	case Cancel, Merge:
		if pending {
			out.Effects = append(out.Effects, EffectCancelGate)
		}
	}
	if it.AssignedTo != "" && out.State.Terminal() {
		out.Effects = append(out.Effects, EffectReleaseWorker)
	}
	return out, nil
}

// Decide resolves the pending gate of it. Approval continues into
// InProgress; rejection cancels the item with the reason recorded.
func Decide(it domain.WorkItem, gate string, decision domain.GateStatus, approver, reason string, now time.Time) (Outcome, error) {
	trigger := "decide_gate"
	if !it.Gate.Pending() || it.Gate.Name != gate {
		return Outcome{}, domain.InvalidTransitionError{ItemID: it.ID, From: it.Status, Trigger: trigger, Reason: fmt.Sprintf("no pending gate %s", gate)}
	}
	if len(it.Gate.Approvers) > 0 && !slices.Contains(it.Gate.Approvers, approver) {
		return Outcome{}, domain.ForbiddenError{Approver: approver, Gate: gate}
	}
	g := *it.Gate
	g.Approvers = slices.Clone(it.Gate.Approvers)
	g.DecidedBy = approver
	at := now.UTC()
	g.DecidedAt = &at
	g.Reason = reason
	out := Outcome{From: it.Status, Gate: &g, Reason: reason}
	switch decision {
	case domain.GateApproved:
		g.Status = domain.GateApproved
		out.State = domain.StatusInProgress
	case domain.GateRejected:
		g.Status = domain.GateRejected
		out.State = domain.StatusCancelled
		if out.Reason == "" {
			out.Reason = fmt.Sprintf("gate %s rejected", gate)
		}
		if it.AssignedTo != "" {
			out.Effects = append(out.Effects, EffectReleaseWorker)
		}
	default:
		return Outcome{}, domain.ValidationError{Field: "decision", Reason: fmt.Sprintf("decision must be approved or rejected, got %q", decision)}
	}
	return out, nil
}

// ApplyOutcome returns it moved to the outcome's state.
func ApplyOutcome(it domain.WorkItem, o Outcome, now time.Time) domain.WorkItem {
	next := it.Clone()
	next.Status = o.State
	next.LastActivityAt = now.UTC()
	if o.Gate != nil {
		next.Gate = o.Gate
		next.Risk = o.Gate.Trigger
	}
	if o.Has(EffectCancelGate) && next.Gate != nil {
		g := *next.Gate
		g.Status = domain.GateCancelled
		g.Reason = o.Reason
		next.Gate = &g
	}
	if o.State == domain.StatusCancelled || (o.State == domain.StatusArchived && next.CloseReason == "") {
		next.CloseReason = o.Reason
	}
	if o.Has(EffectReleaseWorker) {
		next.AssignedTo = ""
	}
	return next
}
