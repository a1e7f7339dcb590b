package store

import (
	"encoding/json"
	"reflect"
	"time"

	"groomline/internal/domain"
)

// FieldChange is one field's before and after value in a revision.
type FieldChange struct {
	From any `json:"from,omitempty"`
	To   any `json:"to,omitempty"`
}

// Revision is one write to an entity.
type Revision struct {
	Version domain.Version         `json:"version"`
	Type    string                 `json:"type"`
	Actor   string                 `json:"actor"`
	TS      time.Time              `json:"ts" format:"date-time"`
	Diff    map[string]FieldChange `json:"diff"`
}

// History returns every revision of the item or worker with id, oldest first.
func (s *Store) History(id string) ([]Revision, error) {
	var (
		out  []Revision
		prev map[string]any
	)
	for _, e := range s.log.ForEntity(id) {
		cur, ok := entityFields(e.Change, id)
		if !ok {
			continue
		}
		out = append(out, Revision{
			Version: e.Version,
			Type:    e.Type,
			Actor:   e.Actor,
			TS:      e.TS,
			Diff:    diffFields(prev, cur),
		})
		prev = cur
	}
	if len(out) == 0 {
		return nil, domain.NotFoundError{Kind: "entity", ID: id}
	}
	return out, nil
}

func entityFields(ch *domain.Change, id string) (map[string]any, bool) {
	if ch == nil {
		return nil, false
	}
	for _, it := range ch.Items {
		if it.ID == id {
			return fieldsOf(it), true
		}
	}
	for _, w := range ch.Workers {
		if w.ID == id {
			return fieldsOf(w), true
		}
	}
	return nil, false
}

func fieldsOf(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	// the entity version moves on every write
	delete(m, "version")
	return m
}

func diffFields(prev, cur map[string]any) map[string]FieldChange {
	diff := map[string]FieldChange{}
	for k, v := range cur {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			diff[k] = FieldChange{From: prev[k], To: v}
		}
	}
	for k, old := range prev {
		if _, ok := cur[k]; !ok {
			diff[k] = FieldChange{From: old}
		}
	}
	return diff
}
