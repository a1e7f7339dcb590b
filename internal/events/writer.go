package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"groomline/internal/domain"
)

// Writer persists events to the events table. It implements Sink.
type Writer struct {
	DB *sql.DB
}

func (w Writer) AppendEvent(ctx context.Context, e domain.Event) error {
	subjects, err := json.Marshal(nonNil(e.Subjects))
	if err != nil {
		return fmt.Errorf("marshal event subjects: %w", err)
	}
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var change any
	if e.Change != nil {
		b, err := json.Marshal(e.Change)
		if err != nil {
			return fmt.Errorf("marshal event change: %w", err)
		}
		change = string(b)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(seq,ts,type,actor_id,entity_kind,entity_id,subjects_json,payload_json,change_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.Seq, e.TS.UTC().Format(time.RFC3339Nano), e.Type, e.Actor, e.EntityKind, nullable(e.EntityID), string(subjects), string(data), change)
	if err != nil {
		return fmt.Errorf("insert event %d: %w", e.Seq, err)
	}
	return nil
}

// Load reads every persisted event in sequence order.
func (w Writer) Load(ctx context.Context) ([]domain.Event, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT seq,ts,type,actor_id,entity_kind,COALESCE(entity_id,''),subjects_json,payload_json,change_json FROM events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var (
			e                 domain.Event
			ts                string
			subjects, payload string
			change            sql.NullString
		)
		if err := rows.Scan(&e.Seq, &ts, &e.Type, &e.Actor, &e.EntityKind, &e.EntityID, &subjects, &payload, &change); err != nil {
			return nil, err
		}
		if e.TS, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("event %d: parse ts: %w", e.Seq, err)
		}
		if err := json.Unmarshal([]byte(subjects), &e.Subjects); err != nil {
			return nil, fmt.Errorf("event %d: subjects: %w", e.Seq, err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("event %d: payload: %w", e.Seq, err)
		}
		if len(e.Subjects) == 0 {
			e.Subjects = nil
		}
		if e.Payload == nil {
			e.Payload = Payload{}
		}
		if change.Valid {
			e.Change = &domain.Change{}
			if err := json.Unmarshal([]byte(change.String), e.Change); err != nil {
				return nil, fmt.Errorf("event %d: change: %w", e.Seq, err)
			}
		}
		e.Version = domain.Version(e.Seq)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
