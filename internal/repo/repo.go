// Package repo stores compacted snapshots and groomer progress in SQLite.
// Events go through events.Writer on the same database.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"groomline/internal/domain"
	"groomline/internal/store"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) SaveSnapshot(ctx context.Context, rec store.SnapshotRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO snapshots(version,created_at,items,workers,data,checksum) VALUES (?,?,?,?,?,?)
		ON CONFLICT(version) DO UPDATE SET created_at=excluded.created_at, items=excluded.items, workers=excluded.workers, data=excluded.data, checksum=excluded.checksum`,
		uint64(rec.Version), rec.CreatedAt.UTC().Format(time.RFC3339Nano), rec.Items, rec.Workers, rec.Data, rec.Checksum)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", rec.Version, err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot, or ErrNotFound.
func (r Repo) LatestSnapshot(ctx context.Context) (store.SnapshotRecord, error) {
	return scanSnapshot(r.DB.QueryRowContext(ctx, `SELECT version,created_at,items,workers,data,checksum FROM snapshots ORDER BY version DESC LIMIT 1`))
}

// ListSnapshots returns snapshot metadata, newest first. Data is not loaded.
func (r Repo) ListSnapshots(ctx context.Context) ([]store.SnapshotRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version,created_at,items,workers,checksum FROM snapshots ORDER BY version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []store.SnapshotRecord
	for rows.Next() {
		var (
			rec store.SnapshotRecord
			v   uint64
			ts  string
		)
		if err := rows.Scan(&v, &ts, &rec.Items, &rec.Workers, &rec.Checksum); err != nil {
			return nil, err
		}
		rec.Version = domain.Version(v)
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// PruneSnapshots keeps the newest keep snapshots and returns how many were removed.
func (r Repo) PruneSnapshots(ctx context.Context, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM snapshots WHERE version NOT IN (SELECT version FROM snapshots ORDER BY version DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanSnapshot(row *sql.Row) (store.SnapshotRecord, error) {
	var (
		rec store.SnapshotRecord
		v   uint64
		ts  string
	)
	err := row.Scan(&v, &ts, &rec.Items, &rec.Workers, &rec.Data, &rec.Checksum)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Version = domain.Version(v)
	rec.CreatedAt, err = time.Parse(time.RFC3339Nano, ts)
	return rec, err
}

// LoadWatermark returns the groomer watermark; zero before the first cycle.
func (r Repo) LoadWatermark(ctx context.Context) (domain.Version, error) {
	var wm uint64
	err := r.DB.QueryRowContext(ctx, `SELECT watermark FROM groomer_state WHERE id=1`).Scan(&wm)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return domain.Version(wm), err
}

func (r Repo) SaveWatermark(ctx context.Context, wm domain.Version, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO groomer_state(id,watermark,last_run_at) VALUES (1,?,?)
		ON CONFLICT(id) DO UPDATE SET watermark=excluded.watermark, last_run_at=excluded.last_run_at`,
		uint64(wm), at.UTC().Format(time.RFC3339Nano))
	return err
}

// LastGroomed returns when the watermark was last saved.
func (r Repo) LastGroomed(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT last_run_at FROM groomer_state WHERE id=1`).Scan(&ts)
	if err == sql.ErrNoRows || (err == nil && !ts.Valid) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, ts.String)
}
