package domain

import (
	"slices"
	"sort"
	"time"
)

// Version identifies the store as of event sequence N. Version 0 is the empty store.
type Version uint64

// Status is the closed set of work item lifecycle states.
type Status string

const (
	StatusNew              Status = "new"
	StatusReady            Status = "ready"
	StatusInProgress       Status = "in_progress"
	StatusWaitingForReview Status = "waiting_for_review"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusDone             Status = "done"
	StatusCancelled        Status = "cancelled"
	StatusArchived         Status = "archived"
)

var allStatuses = []Status{
	StatusNew, StatusReady, StatusInProgress, StatusWaitingForReview,
	StatusChangesRequested, StatusApproved, StatusDone, StatusCancelled, StatusArchived,
}

// Statuses returns every status in lifecycle order.
func Statuses() []Status { return slices.Clone(allStatuses) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return slices.Contains(allStatuses, s) }

// Terminal reports whether no further work happens on an item in this status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled || s == StatusArchived
}

// Factors are the scoring inputs of a work item, each in [0,1].
type Factors struct {
	CustomerValue      float64 `json:"customer_value" cbor:"1,keyasint"`
	UnblockImpact      float64 `json:"unblock_impact" cbor:"2,keyasint"`
	WorkerAvailability float64 `json:"worker_availability" cbor:"3,keyasint"`
	LearningValue      float64 `json:"learning_value" cbor:"4,keyasint"`
}

// Source is one origin reference an item came from.
type Source struct {
	Ref           string    `json:"ref" cbor:"1,keyasint"`
	CustomerValue float64   `json:"customer_value" cbor:"2,keyasint"`
	SubmittedBy   string    `json:"submitted_by,omitempty" cbor:"3,keyasint,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at" format:"date-time" cbor:"4,keyasint"`
}

// RiskLevel is the risk classification of a work item.
type RiskLevel string

const (
	RiskUnknown  RiskLevel = ""
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown ranks lowest.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is a known, non-empty risk level.
func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

// Exceeds reports whether r is strictly above threshold.
func (r RiskLevel) Exceeds(threshold RiskLevel) bool { return r.Rank() > threshold.Rank() }

// GateStatus is the decision state of a gate.
type GateStatus string

const (
	GatePending   GateStatus = "pending"
	GateApproved  GateStatus = "approved"
	GateRejected  GateStatus = "rejected"
	GateCancelled GateStatus = "cancelled"
)

// Gate is an approval checkpoint attached to a risky transition.
type Gate struct {
	Name      string     `json:"name" cbor:"1,keyasint"`
	Trigger   RiskLevel  `json:"trigger" cbor:"2,keyasint"`
	Approvers []string   `json:"approvers,omitempty" cbor:"3,keyasint,omitempty"`
	Status    GateStatus `json:"status" enum:"pending,approved,rejected,cancelled" cbor:"4,keyasint"`
	DecidedBy string     `json:"decided_by,omitempty" cbor:"5,keyasint,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty" format:"date-time" cbor:"6,keyasint,omitempty"`
	Reason    string     `json:"reason,omitempty" cbor:"7,keyasint,omitempty"`
	OpenedAt  time.Time  `json:"opened_at" format:"date-time" cbor:"8,keyasint"`
	Deadline  time.Time  `json:"deadline" format:"date-time" cbor:"9,keyasint"`
	Escalated bool       `json:"escalated,omitempty" cbor:"10,keyasint,omitempty"`
}

// Pending reports whether the gate still awaits a decision.
func (g *Gate) Pending() bool { return g != nil && g.Status == GatePending }

// WorkItem is the unit of work tracked through the lifecycle.
type WorkItem struct {
	ID             string    `json:"id" cbor:"1,keyasint"`
	Title          string    `json:"title" cbor:"2,keyasint"`
	Description    string    `json:"description,omitempty" cbor:"3,keyasint,omitempty"`
	Status         Status    `json:"status" enum:"new,ready,in_progress,waiting_for_review,changes_requested,approved,done,cancelled,archived" cbor:"4,keyasint"`
	Factors        Factors   `json:"factors" cbor:"5,keyasint"`
	EffortEstimate float64   `json:"effort_estimate,omitempty" cbor:"6,keyasint,omitempty"`
	RequiredSkills []string  `json:"required_skills,omitempty" cbor:"7,keyasint,omitempty"`
	BlockedBy      []string  `json:"blocked_by,omitempty" cbor:"8,keyasint,omitempty"`
	Blocks         []string  `json:"blocks,omitempty" cbor:"9,keyasint,omitempty"`
	LinkedTo       []string  `json:"linked_to,omitempty" cbor:"10,keyasint,omitempty"`
	AssignedTo     string    `json:"assigned_to,omitempty" cbor:"11,keyasint,omitempty"`
	CreatedAt      time.Time `json:"created_at" format:"date-time" cbor:"12,keyasint"`
	LastActivityAt time.Time `json:"last_activity_at" format:"date-time" cbor:"13,keyasint"`
	Provenance     []Source  `json:"provenance,omitempty" cbor:"14,keyasint,omitempty"`
	CanonicalID    string    `json:"canonical_id,omitempty" cbor:"15,keyasint,omitempty"`
	Gate           *Gate     `json:"gate,omitempty" cbor:"16,keyasint,omitempty"`
	Risk           RiskLevel `json:"risk,omitempty" cbor:"17,keyasint,omitempty"`
	CloseReason    string    `json:"close_reason,omitempty" cbor:"18,keyasint,omitempty"`
	Version        Version   `json:"version" cbor:"19,keyasint"`
	CreatedVersion Version   `json:"created_version" cbor:"20,keyasint"`
}

// Merged reports whether the item was absorbed into a canonical item.
func (w WorkItem) Merged() bool { return w.CanonicalID != "" }

// Clone returns a deep copy so stored state never aliases caller state.
func (w WorkItem) Clone() WorkItem {
	c := w
	c.RequiredSkills = slices.Clone(w.RequiredSkills)
	c.BlockedBy = slices.Clone(w.BlockedBy)
	c.Blocks = slices.Clone(w.Blocks)
	c.LinkedTo = slices.Clone(w.LinkedTo)
	c.Provenance = slices.Clone(w.Provenance)
	if w.Gate != nil {
		g := *w.Gate
		g.Approvers = slices.Clone(w.Gate.Approvers)
		if w.Gate.DecidedAt != nil {
			t := *w.Gate.DecidedAt
			g.DecidedAt = &t
		}
		c.Gate = &g
	}
	return c
}

// WorkerStatus is idle or busy.
type WorkerStatus string

const (
	WorkerIdle WorkerStatus = "idle"
	WorkerBusy WorkerStatus = "busy"
)

// Worker is an actor that pulls work.
type Worker struct {
	ID       string       `json:"id" cbor:"1,keyasint"`
	Skills   []string     `json:"skills,omitempty" cbor:"2,keyasint,omitempty"`
	Capacity float64      `json:"capacity" cbor:"3,keyasint"`
	Status   WorkerStatus `json:"status" enum:"idle,busy" cbor:"4,keyasint"`
	Assigned []string     `json:"assigned,omitempty" cbor:"5,keyasint,omitempty"`
	Version  Version      `json:"version" cbor:"6,keyasint"`
}

// Clone returns a deep copy.
func (w Worker) Clone() Worker {
	c := w
	c.Skills = slices.Clone(w.Skills)
	c.Assigned = slices.Clone(w.Assigned)
	return c
}

// Available reports whether the worker is idle or only partially committed.
func (w Worker) Available() bool {
	return w.Status == WorkerIdle || w.Capacity < 1
}

// Edge is a dependency: Blocker must finish before Blocked.
type Edge struct {
	Blocker string `json:"blocker"`
	Blocked string `json:"blocked"`
}

// LockMode is exclusive or shared.
type LockMode string

const (
	LockExclusive LockMode = "exclusive"
	LockShared    LockMode = "shared"
)

// Lock is a mutual-exclusion token over a shared external artifact.
type Lock struct {
	Token      string    `json:"token"`
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	Mode       LockMode  `json:"mode" enum:"exclusive,shared"`
	AcquiredAt time.Time `json:"acquired_at" format:"date-time"`
	ExpiresAt  time.Time `json:"expires_at" format:"date-time"`
}

// Expired reports whether the lock no longer protects its resource.
func (l Lock) Expired(now time.Time) bool { return !now.Before(l.ExpiresAt) }

// Change carries the resulting full states of every entity one store write touched.
type Change struct {
	Items   []WorkItem `json:"items,omitempty" cbor:"1,keyasint,omitempty"`
	Workers []Worker   `json:"workers,omitempty" cbor:"2,keyasint,omitempty"`
}

// Touches reports whether the change wrote the given entity.
func (c *Change) Touches(id string) bool {
	if c == nil {
		return false
	}
	for _, it := range c.Items {
		if it.ID == id {
			return true
		}
	}
	for _, w := range c.Workers {
		if w.ID == id {
			return true
		}
	}
	return false
}

// Event is an immutable audit record.
type Event struct {
	Seq        uint64         `json:"seq"`
	TS         time.Time      `json:"ts" format:"date-time"`
	Actor      string         `json:"actor"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Subjects   []string       `json:"subjects,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Version    Version        `json:"version"`
	Change     *Change        `json:"change,omitempty"`
}

// Concerns reports whether the event is about the entity id.
func (e Event) Concerns(id string) bool {
	return e.EntityID == id || slices.Contains(e.Subjects, id) || e.Change.Touches(id)
}

// NormalizeSet sorts and de-duplicates a string set, dropping empty entries.
func NormalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// AddToSet returns set with v inserted, keeping it normalized.
func AddToSet(set []string, v string) []string {
	return NormalizeSet(append(slices.Clone(set), v))
}

// RemoveFromSet returns set without v.
func RemoveFromSet(set []string, v string) []string {
	out := slices.DeleteFunc(slices.Clone(set), func(s string) bool { return s == v })
	if len(out) == 0 {
		return nil
	}
	return out
}
