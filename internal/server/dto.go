package server

import (
	"fmt"
	"strings"
	"time"

	"groomline/internal/domain"
	"groomline/internal/engine"
	"groomline/internal/events"
	"groomline/internal/locks"
	"groomline/internal/store"
)

// output wraps a response body for huma.
type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

type SourceRequest struct {
	Ref           string  `json:"ref,omitempty" doc:"External reference; generated when empty"`
	CustomerValue float64 `json:"customer_value" minimum:"0" maximum:"1"`
}

type SubmitRequest struct {
	ID             string          `json:"id,omitempty" doc:"Optional item id; generated when empty"`
	Title          string          `json:"title" minLength:"1" example:"Add OAuth login"`
	Description    string          `json:"description,omitempty"`
	RequiredSkills []string        `json:"required_skills,omitempty"`
	BlockedBy      []string        `json:"blocked_by,omitempty"`
	EffortEstimate float64         `json:"effort_estimate,omitempty" minimum:"0"`
	LearningValue  float64         `json:"learning_value,omitempty" minimum:"0" maximum:"1"`
	Risk           string          `json:"risk,omitempty" enum:"low,medium,high,critical"`
	Provenance     []SourceRequest `json:"provenance,omitempty"`
}

func (r SubmitRequest) submission(actor string) engine.Submission {
	prov := make([]domain.Source, 0, len(r.Provenance))
	for _, p := range r.Provenance {
		prov = append(prov, domain.Source{Ref: p.Ref, CustomerValue: p.CustomerValue})
	}
	return engine.Submission{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		RequiredSkills: r.RequiredSkills,
		BlockedBy:      r.BlockedBy,
		EffortEstimate: r.EffortEstimate,
		LearningValue:  r.LearningValue,
		Risk:           domain.RiskLevel(r.Risk),
		Provenance:     prov,
		Actor:          actor,
	}
}

type TransitionRequest struct {
	Trigger  string `json:"trigger" enum:"mark_ready,start_work,submit_for_review,request_changes,approve,complete,cancel,archive"`
	Reason   string `json:"reason,omitempty"`
	AssignTo string `json:"assign_to,omitempty" doc:"Worker to assign when the item lands in progress"`
}

type MergeRequest struct {
	DuplicateID string `json:"duplicate_id" minLength:"1"`
}

type DependencyRequest struct {
	Blocker string `json:"blocker" minLength:"1" doc:"Item that must finish first"`
}

type GateDecisionRequest struct {
	Decision string `json:"decision" enum:"approved,rejected"`
	Reason   string `json:"reason,omitempty"`
	// Role lets a bearer holding an approver role decide as that role.
	Role string `json:"role,omitempty"`
}

type WorkerRequest struct {
	ID     string   `json:"id" minLength:"1"`
	Skills []string `json:"skills,omitempty"`
}

type LockRequest struct {
	ResourceID string `json:"resource_id" minLength:"1" example:"file:auth.py"`
	Mode       string `json:"mode,omitempty" enum:"exclusive,shared" default:"exclusive"`
	Wait       string `json:"wait,omitempty" doc:"How long to wait for the lock, as a Go duration" example:"5s"`
	TTL        string `json:"ttl,omitempty" doc:"Lease length, as a Go duration" example:"15m"`
}

func (r LockRequest) request(holder string) (locks.Request, error) {
	req := locks.Request{ResourceID: r.ResourceID, HolderID: holder, Mode: domain.LockMode(r.Mode)}
	if req.Mode == "" {
		req.Mode = domain.LockExclusive
	}
	var err error
	if req.Wait, err = parseDuration("wait", r.Wait); err != nil {
		return req, err
	}
	if req.TTL, err = parseDuration("ttl", r.TTL); err != nil {
		return req, err
	}
	return req, nil
}

type LockSetRequest struct {
	Locks []LockRequest `json:"locks" minItems:"1"`
}

type VersionResponse struct {
	Version domain.Version `json:"version"`
}

type EventsResponse struct {
	Events []domain.Event `json:"events"`
}

type RevisionsResponse struct {
	Revisions []store.Revision `json:"revisions"`
}

type WorkersResponse struct {
	Workers []domain.Worker `json:"workers"`
}

type LocksResponse struct {
	Locks []domain.Lock `json:"locks"`
}

type SnapshotResponse struct {
	Version   domain.Version `json:"version"`
	CreatedAt time.Time      `json:"created_at" format:"date-time"`
	Items     int            `json:"items"`
	Workers   int            `json:"workers"`
	Bytes     int            `json:"bytes"`
	Checksum  string         `json:"checksum"`
}

func snapshotResponse(rec store.SnapshotRecord) SnapshotResponse {
	return SnapshotResponse{
		Version:   rec.Version,
		CreatedAt: rec.CreatedAt,
		Items:     rec.Items,
		Workers:   rec.Workers,
		Bytes:     len(rec.Data),
		Checksum:  rec.Checksum,
	}
}

// BacklogParams are the query parameters shared by backlog listings.
type BacklogParams struct {
	Status          []string `query:"status" doc:"Statuses to list; defaults to every open status"`
	Skill           string   `query:"skill"`
	AssignedTo      string   `query:"assigned_to"`
	IncludeArchived bool     `query:"include_archived"`
	Limit           int      `query:"limit" minimum:"0" maximum:"1000"`
}

func (p BacklogParams) query() (engine.BacklogQuery, error) {
	q := engine.BacklogQuery{Limit: p.Limit}
	q.Skill = p.Skill
	q.AssignedTo = p.AssignedTo
	q.IncludeArchived = p.IncludeArchived
	for _, s := range p.Status {
		st := domain.Status(strings.TrimSpace(s))
		if !st.Valid() {
			return q, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
		}
		q.Statuses = append(q.Statuses, st)
	}
	return q, nil
}

type eventParams struct {
	FromSeq    uint64 `query:"from_seq"`
	ToSeq      uint64 `query:"to_seq"`
	Since      string `query:"since" doc:"RFC3339 timestamp"`
	Until      string `query:"until" doc:"RFC3339 timestamp"`
	Type       string `query:"type" example:"item.merged"`
	EntityID   string `query:"entity_id"`
	Limit      int    `query:"limit" minimum:"0" maximum:"1000" default:"100"`
	Descending bool   `query:"desc"`
}

func (p eventParams) query() (events.Query, error) {
	q := events.Query{FromSeq: p.FromSeq, ToSeq: p.ToSeq, Type: p.Type, EntityID: p.EntityID, Limit: p.Limit, Descending: p.Descending}
	var err error
	if q.Since, err = parseTime("since", p.Since); err != nil {
		return q, err
	}
	if q.Until, err = parseTime("until", p.Until); err != nil {
		return q, err
	}
	return q, nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, domain.ValidationError{Field: field, Reason: fmt.Sprintf("invalid duration %q", v)}
	}
	return d, nil
}

func parseTime(field, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, domain.ValidationError{Field: field, Reason: fmt.Sprintf("invalid RFC3339 time %q", v)}
	}
	return t, nil
}
