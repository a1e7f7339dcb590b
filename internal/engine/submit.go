package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"groomline/internal/dedup"
	"groomline/internal/domain"
	"groomline/internal/events"
	"groomline/internal/store"
	"groomline/internal/workflow"
)

// Submission is a candidate work item.
type Submission struct {
	// ID is optional; a new id is generated when empty.
	ID             string
	Title          string
	Description    string
	RequiredSkills []string
	BlockedBy      []string
	EffortEstimate float64
	// LearningValue is used when no estimator is configured.
	LearningValue float64
	Risk          domain.RiskLevel
	Provenance    []domain.Source
	Actor         string
}

// SubmitResult reports what happened to a submission. Accepted is false when
// the candidate was merged into an existing item; ID is then the survivor.
type SubmitResult struct {
	Accepted  bool            `json:"accepted"`
	ID        string          `json:"id"`
	Item      domain.WorkItem `json:"item"`
	Duplicate dedup.Result    `json:"duplicate"`
	Version   domain.Version  `json:"version"`
}

// Submit checks a candidate for duplicates and writes it. Evaluation and
// write run under the candidate's keyword buckets so two similar
// submissions cannot both pass the check.
func (e *Engine) Submit(ctx context.Context, s Submission) (res SubmitResult, err error) {
	defer func() { e.Metrics.Submission(ctx, string(res.Duplicate.Action), err) }()
	cand, err := e.candidate(ctx, s)
	if err != nil {
		return SubmitResult{}, err
	}
	unlock := e.Detector.Lock(cand)
	defer unlock()

	res, err = retry(ctx, e, "submit", func() (SubmitResult, error) {
		head := e.Store.Head()
		if _, exists := head.Item(cand.ID); exists {
			return SubmitResult{}, domain.ValidationError{Field: "id", Reason: fmt.Sprintf("item %s already exists", cand.ID)}
		}
		dup, err := e.Detector.Evaluate(ctx, cand, head)
		if err != nil {
			return SubmitResult{}, err
		}
		switch dup.Action {
		case dedup.ActionMerge:
			unlock := e.lockItems(dup.MatchID)
			defer unlock()
			match, ok := e.Store.Head().Item(dup.MatchID)
			if !ok {
				return SubmitResult{}, domain.ConflictError{EntityID: dup.MatchID}
			}
			canonical, _, err := e.merge(ctx, match, cand, s.Actor, dup)
			if err != nil {
				return SubmitResult{}, err
			}
			return SubmitResult{Accepted: canonical.ID == cand.ID, ID: canonical.ID, Item: canonical, Duplicate: dup, Version: canonical.Version}, nil
		case dedup.ActionLink:
			unlock := e.lockItems(dup.MatchID)
			defer unlock()
			match, ok := e.Store.Head().Item(dup.MatchID)
			if !ok {
				return SubmitResult{}, domain.ConflictError{EntityID: dup.MatchID}
			}
			item := cand.Clone()
			item.LinkedTo = domain.AddToSet(item.LinkedTo, match.ID)
			match.LinkedTo = domain.AddToSet(match.LinkedTo, item.ID)
			v, err := e.Store.Put(ctx, store.Put{
				Actor:   s.Actor,
				Type:    events.ItemCreated,
				Items:   []domain.WorkItem{item, match},
				Payload: events.Payload{"duplicate": string(dup.Action), "linked_to": match.ID, "similarity": dup.Similarity},
			})
			if err != nil {
				return SubmitResult{}, err
			}
			return e.accepted(item.ID, dup, v)
		default:
			v, err := e.Store.Put(ctx, store.Put{
				Actor:   s.Actor,
				Type:    events.ItemCreated,
				Items:   []domain.WorkItem{cand},
				Payload: events.Payload{"duplicate": string(dedup.ActionNone)},
			})
			if err != nil {
				return SubmitResult{}, err
			}
			return e.accepted(cand.ID, dup, v)
		}
	})
	if err != nil {
		return SubmitResult{}, err
	}
	e.logger.Info("item submitted",
		zap.String("id", res.ID),
		zap.Bool("accepted", res.Accepted),
		zap.String("duplicate", string(res.Duplicate.Action)),
		zap.String("actor", s.Actor))
	return res, nil
}

func (e *Engine) accepted(id string, dup dedup.Result, v domain.Version) (SubmitResult, error) {
	it, _ := e.Store.Head().Item(id)
	return SubmitResult{Accepted: true, ID: id, Item: it, Duplicate: dup, Version: v}, nil
}

// candidate builds the new item a submission describes.
func (e *Engine) candidate(ctx context.Context, s Submission) (domain.WorkItem, error) {
	s.Title = strings.TrimSpace(s.Title)
	if s.Title == "" {
		return domain.WorkItem{}, domain.ValidationError{Field: "title", Reason: "required"}
	}
	if s.Risk != domain.RiskUnknown && !s.Risk.Valid() {
		return domain.WorkItem{}, domain.ValidationError{Field: "risk", Reason: fmt.Sprintf("unknown risk level %q", s.Risk)}
	}
	if s.LearningValue < 0 || s.LearningValue > 1 {
		return domain.WorkItem{}, domain.ValidationError{Field: "learning_value", Reason: "must be within [0,1]"}
	}
	for i, src := range s.Provenance {
		if src.CustomerValue < 0 || src.CustomerValue > 1 {
			return domain.WorkItem{}, domain.ValidationError{Field: fmt.Sprintf("provenance[%d].customer_value", i), Reason: "must be within [0,1]"}
		}
	}
	now := e.now().UTC()
	id := s.ID
	if id == "" {
		id = e.newID()
	}
	var prov []domain.Source
	for i, src := range s.Provenance {
		if src.Ref == "" {
			src.Ref = fmt.Sprintf("%s#%d", id, i)
		}
		if src.SubmittedBy == "" {
			src.SubmittedBy = s.Actor
		}
		if src.SubmittedAt.IsZero() {
			src.SubmittedAt = now
		}
		prov = append(prov, src)
	}
	it := domain.WorkItem{
		ID:             id,
		Title:          s.Title,
		Description:    s.Description,
		Status:         domain.StatusNew,
		EffortEstimate: s.EffortEstimate,
		RequiredSkills: domain.NormalizeSet(s.RequiredSkills),
		BlockedBy:      domain.NormalizeSet(s.BlockedBy),
		CreatedAt:      now,
		LastActivityAt: now,
		Provenance:     prov,
		Risk:           s.Risk,
		Factors: domain.Factors{
			CustomerValue: dedup.NoisyOr(prov),
			LearningValue: s.LearningValue,
		},
	}
	if e.learn != nil {
		lv, err := e.learn(ctx, it)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("estimate learning value of %s: %w", id, err)
		}
		it.Factors.LearningValue = min(max(lv, 0), 1)
	}
	return it, nil
}

// merge folds a and b and writes both sides in one event. The absorbed item
// goes through the Merge transition, so its gate is cancelled and its worker
// released. Callers hold the item locks of both sides.
func (e *Engine) merge(ctx context.Context, a, b domain.WorkItem, actor string, dup dedup.Result) (domain.WorkItem, bool, error) {
	canonical, absorbed, changed := dedup.Merge(a, b)
	if !changed {
		return canonical, false, nil
	}
	prior := b
	if absorbed.ID == a.ID {
		prior = a
	}
	now := e.now()
	out, err := workflow.Transition(prior, workflow.Merge, workflow.Guard{Now: now, Reason: absorbed.CloseReason})
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	absorbed = workflow.ApplyOutcome(absorbed, out, now)
	var workers []domain.Worker
	if out.Has(workflow.EffectReleaseWorker) {
		head := e.Store.Head()
		if w, ok := head.Worker(prior.AssignedTo); ok {
			workers = append(workers, workflow.ReleaseWorker(w, prior, head, e.Config().Workers))
		}
	}
	v, err := e.Store.Put(ctx, store.Put{
		Actor:   actor,
		Type:    events.ItemMerged,
		Items:   []domain.WorkItem{canonical, absorbed},
		Workers: workers,
		Payload: events.Payload{
			"canonical":  canonical.ID,
			"absorbed":   absorbed.ID,
			"similarity": dup.Similarity,
			"sources":    len(canonical.Provenance),
		},
	})
	if err != nil {
		return domain.WorkItem{}, false, err
	}
	canonical.Version = v
	e.logger.Info("items merged", zap.String("canonical", canonical.ID), zap.String("absorbed", absorbed.ID), zap.String("actor", actor))
	return canonical, true, nil
}

// resolve applies a grooming decision for it against dup.MatchID.
func (e *Engine) resolve(ctx context.Context, it domain.WorkItem, dup dedup.Result, actor string) (bool, error) {
	return retry(ctx, e, "resolve", func() (bool, error) {
		unlock := e.lockItems(it.ID, dup.MatchID)
		defer unlock()
		head := e.Store.Head()
		cur, ok := head.Item(it.ID)
		match, ok2 := head.Item(dup.MatchID)
		if !ok || !ok2 || cur.Merged() || match.Merged() {
			return false, nil
		}
		if dup.Action == dedup.ActionMerge {
			_, changed, err := e.merge(ctx, match, cur, actor, dup)
			return changed, err
		}
		if slices.Contains(cur.LinkedTo, match.ID) {
			return false, nil
		}
		return true, e.link(ctx, cur, match, actor, dup.Similarity)
	})
}

func (e *Engine) link(ctx context.Context, a, b domain.WorkItem, actor string, sim float64) error {
	a.LinkedTo = domain.AddToSet(a.LinkedTo, b.ID)
	b.LinkedTo = domain.AddToSet(b.LinkedTo, a.ID)
	_, err := e.Store.Put(ctx, store.Put{
		Actor:   actor,
		Type:    events.ItemLinked,
		Items:   []domain.WorkItem{a, b},
		Payload: events.Payload{"similarity": sim},
	})
	return err
}

// Merge folds duplicateID into canonicalID on request. The earlier item
// survives regardless of argument order.
func (e *Engine) Merge(ctx context.Context, canonicalID, duplicateID, actor string) (domain.WorkItem, error) {
	if canonicalID == duplicateID {
		return domain.WorkItem{}, domain.ValidationError{Field: "duplicate_id", Reason: "cannot merge an item into itself"}
	}
	return retry(ctx, e, "merge", func() (domain.WorkItem, error) {
		unlock := e.lockItems(canonicalID, duplicateID)
		defer unlock()
		head := e.Store.Head()
		a, ok := head.Item(canonicalID)
		if !ok {
			return domain.WorkItem{}, domain.NotFoundError{Kind: "item", ID: canonicalID}
		}
		b, ok := head.Item(duplicateID)
		if !ok {
			return domain.WorkItem{}, domain.NotFoundError{Kind: "item", ID: duplicateID}
		}
		sig, err := e.Detector.Compare(ctx, a, b)
		if err != nil {
			return domain.WorkItem{}, err
		}
		canonical, _, err := e.merge(ctx, a, b, actor, dedup.Result{Action: dedup.ActionMerge, MatchID: a.ID, Similarity: sig.Total, Signals: sig})
		return canonical, err
	})
}
