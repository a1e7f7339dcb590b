package dedup

import (
	"fmt"

	"groomline/internal/domain"
)

// NoisyOr combines independent source values as 1 - Π(1 - v).
func NoisyOr(sources []domain.Source) float64 {
	miss := 1.0
	for _, s := range sources {
		miss *= 1 - min(max(s.CustomerValue, 0), 1)
	}
	return 1 - miss
}

// Canonical reports whether a survives a merge with b: the earlier item wins.
func Canonical(a, b domain.WorkItem) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.CreatedVersion != b.CreatedVersion {
		// version 0 is an uncommitted candidate, so it is the newer one
		return b.CreatedVersion == 0 || (a.CreatedVersion != 0 && a.CreatedVersion < b.CreatedVersion)
	}
	return a.ID < b.ID
}

// Merge folds two duplicates. The earlier item stays canonical and receives
// the union of both provenance lists; its customer value is recomputed from
// that provenance. The other is archived pointing at the canonical item. If
// either side already carries a CanonicalID the merge is a no-op and changed
// is false.
func Merge(a, b domain.WorkItem) (canonical, absorbed domain.WorkItem, changed bool) {
	canonical, absorbed = a.Clone(), b.Clone()
	if !Canonical(a, b) {
		canonical, absorbed = absorbed, canonical
	}
	if absorbed.Merged() || canonical.Merged() {
		return canonical, absorbed, false
	}
	canonical.Provenance = unionSources(canonical.Provenance, absorbed.Provenance)
	canonical.Factors.CustomerValue = NoisyOr(canonical.Provenance)
	canonical.RequiredSkills = domain.NormalizeSet(append(canonical.RequiredSkills, absorbed.RequiredSkills...))
	canonical.LinkedTo = domain.RemoveFromSet(canonical.LinkedTo, absorbed.ID)
	if absorbed.LastActivityAt.After(canonical.LastActivityAt) {
		canonical.LastActivityAt = absorbed.LastActivityAt
	}

	absorbed.CanonicalID = canonical.ID
	absorbed.Status = domain.StatusArchived
	absorbed.AssignedTo = ""
	absorbed.CloseReason = fmt.Sprintf("merged into %s", canonical.ID)
	absorbed.LinkedTo = domain.RemoveFromSet(absorbed.LinkedTo, canonical.ID)
	return canonical, absorbed, true
}

// unionSources keeps every source of a, then those of b with a new Ref.
func unionSources(a, b []domain.Source) []domain.Source {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]domain.Source, 0, len(a)+len(b))
	for _, s := range append(append([]domain.Source(nil), a...), b...) {
		if s.Ref != "" && seen[s.Ref] {
			continue
		}
		seen[s.Ref] = true
		out = append(out, s)
	}
	return out
}
