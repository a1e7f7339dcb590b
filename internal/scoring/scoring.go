// Package scoring computes explainable priority scores. Scores are pure
// functions of an item, a store view and the configured weights; nothing
// here reads a clock or a random source.
package scoring

import (
	"fmt"
	"sort"
	"strings"

	"groomline/internal/config"
	"groomline/internal/domain"
	"groomline/internal/store"
)

// Result is one scored item.
type Result struct {
	ItemID string  `json:"item_id"`
	Score  float64 `json:"score"`
	// Breakdown holds the factor values the score was computed from.
	Breakdown domain.Factors `json:"breakdown"`
	// Contributions holds weight × factor per factor; they sum to Score.
	Contributions domain.Factors `json:"contributions"`
	Rationale     string         `json:"rationale"`
	ItemVersion   domain.Version `json:"item_version"`
	ViewVersion   domain.Version `json:"view_version"`
}

// inputs are the view-wide values every item in one ranking shares.
type inputs struct {
	version   domain.Version
	maxFanOut int
	workers   []domain.Worker
}

func inputsFor(v *store.View) inputs {
	return inputs{version: v.Version(), maxFanOut: v.MaxOpenFanOut(), workers: v.Workers()}
}

// Score computes the priority of it against the view v.
func Score(it domain.WorkItem, v *store.View, cfg config.Scoring) Result {
	return score(it, v, inputsFor(v), cfg)
}

func score(it domain.WorkItem, v *store.View, in inputs, cfg config.Scoring) Result {
	f := domain.Factors{
		CustomerValue:      clamp(it.Factors.CustomerValue),
		UnblockImpact:      unblockImpact(v.OpenDependents(it.ID), in.maxFanOut),
		WorkerAvailability: WorkerAvailability(it.RequiredSkills, in.workers),
		LearningValue:      clamp(it.Factors.LearningValue),
	}
	w := cfg.Weights
	c := domain.Factors{
		CustomerValue:      w.CustomerValue * f.CustomerValue,
		UnblockImpact:      w.UnblockImpact * f.UnblockImpact,
		WorkerAvailability: w.WorkerAvailability * f.WorkerAvailability,
		LearningValue:      w.LearningValue * f.LearningValue,
	}
	return Result{
		ItemID:        it.ID,
		Score:         c.CustomerValue + c.UnblockImpact + c.WorkerAvailability + c.LearningValue,
		Breakdown:     f,
		Contributions: c,
		Rationale:     Rationale(f, cfg),
		ItemVersion:   it.Version,
		ViewVersion:   in.version,
	}
}

func unblockImpact(open, maxFanOut int) float64 {
	if maxFanOut == 0 {
		return 0
	}
	return float64(open) / float64(maxFanOut)
}

// WorkerAvailability is the best skillOverlap × (1 − capacity) over workers
// that still have room.
func WorkerAvailability(required []string, workers []domain.Worker) float64 {
	best := 0.0
	for _, wk := range workers {
		if !wk.Available() {
			continue
		}
		best = max(best, SkillOverlap(required, wk.Skills)*(1-clamp(wk.Capacity)))
	}
	return best
}

// SkillOverlap is |required ∩ skills| / |required|, and 1 when nothing is required.
func SkillOverlap(required, skills []string) float64 {
	req := domain.NormalizeSet(required)
	if len(req) == 0 {
		return 1
	}
	have := make(map[string]bool, len(skills))
	for _, s := range skills {
		have[s] = true
	}
	n := 0
	for _, s := range req {
		if have[s] {
			n++
		}
	}
	return float64(n) / float64(len(req))
}

type clause struct {
	value     float64
	high, low string
}

// Rationale explains a breakdown with fixed threshold rules, in factor order.
func Rationale(f domain.Factors, cfg config.Scoring) string {
	clauses := []clause{
		{f.CustomerValue, "high customer value", "low customer value"},
		{f.UnblockImpact, "unblocks much open work", "unblocks little open work"},
		{f.WorkerAvailability, "a skilled worker is free", "no suitable worker is free"},
		{f.LearningValue, "high learning value", "low learning value"},
	}
	var parts []string
	for _, c := range clauses {
		switch {
		case c.value > cfg.RationaleThreshold:
			parts = append(parts, fmt.Sprintf("%s (%.2f)", c.high, c.value))
		case c.value < cfg.LowThreshold:
			parts = append(parts, fmt.Sprintf("%s (%.2f)", c.low, c.value))
		}
	}
	if len(parts) == 0 {
		return "no dominant factor"
	}
	return strings.Join(parts, "; ")
}

// Rank scores items against v and orders them by descending score. Ties go
// to the older item, then the smaller id.
func Rank(items []domain.WorkItem, v *store.View, cfg config.Scoring, cache *Cache) []Result {
	in := inputsFor(v)
	created := make(map[string]domain.WorkItem, len(items))
	out := make([]Result, 0, len(items))
	for _, it := range items {
		created[it.ID] = it
		if r, ok := cache.get(it.ID, it.Version, in.version, cfg); ok {
			out = append(out, r)
			continue
		}
		r := score(it, v, in, cfg)
		cache.put(r, cfg)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		a, b := created[out[i].ItemID], created[out[j].ItemID]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func clamp(x float64) float64 {
	return min(max(x, 0), 1)
}
