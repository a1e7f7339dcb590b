package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"groomline/internal/domain"
	"groomline/internal/events"
)

// SnapshotRecord is a compacted, checksummed image of the store at Version.
type SnapshotRecord struct {
	Version   domain.Version
	CreatedAt time.Time
	Items     int
	Workers   int
	// Data is zstd-compressed deterministic CBOR.
	Data     []byte
	Checksum string
}

// SnapshotSink persists compacted snapshots.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, rec SnapshotRecord) error
}

type snapshotImage struct {
	Version domain.Version    `cbor:"1,keyasint"`
	Items   []domain.WorkItem `cbor:"2,keyasint,omitempty"`
	Workers []domain.Worker   `cbor:"3,keyasint,omitempty"`
}

var (
	snapEnc cbor.EncMode
	snapDec cbor.DecMode
	zEnc    *zstd.Encoder
	zDec    *zstd.Decoder
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	snapEnc, err = opts.EncMode()
	if err != nil {
		panic("store: cbor encoder: " + err.Error())
	}
	snapDec, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("store: cbor decoder: " + err.Error())
	}
	zEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder: " + err.Error())
	}
	zDec, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder: " + err.Error())
	}
}

func checksum(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func encodeSnapshot(v domain.Version, st *state, now time.Time) (SnapshotRecord, error) {
	img := snapshotImage{Version: v}
	for _, id := range sortedKeys(st.items) {
		img.Items = append(img.Items, st.items[id])
	}
	for _, id := range sortedKeys(st.workers) {
		img.Workers = append(img.Workers, st.workers[id])
	}
	raw, err := snapEnc.Marshal(img)
	if err != nil {
		return SnapshotRecord{}, fmt.Errorf("encode snapshot: %w", err)
	}
	data := zEnc.EncodeAll(raw, nil)
	return SnapshotRecord{
		Version:   v,
		CreatedAt: now.UTC(),
		Items:     len(img.Items),
		Workers:   len(img.Workers),
		Data:      data,
		Checksum:  checksum(data),
	}, nil
}

func decodeSnapshot(rec SnapshotRecord) (*state, error) {
	if got := checksum(rec.Data); got != rec.Checksum {
		return nil, fmt.Errorf("snapshot %d: checksum mismatch", rec.Version)
	}
	raw, err := zDec.DecodeAll(rec.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: decompress: %w", rec.Version, err)
	}
	var img snapshotImage
	if err := snapDec.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("snapshot %d: decode: %w", rec.Version, err)
	}
	if img.Version != rec.Version {
		return nil, fmt.Errorf("snapshot %d: image is at version %d", rec.Version, img.Version)
	}
	st := newState()
	st.apply(&domain.Change{Items: img.Items, Workers: img.Workers})
	return st, nil
}

// Compact captures the head state as a snapshot, hands it to the snapshot
// sink and records a snapshot.taken event. The snapshot also becomes a
// replay checkpoint for ReadAt.
func (s *Store) Compact(ctx context.Context, actor string) (SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := encodeSnapshot(s.log.Head(), s.head, s.now())
	if err != nil {
		return SnapshotRecord{}, err
	}
	if s.snapshots != nil {
		if err := s.snapshots.SaveSnapshot(ctx, rec); err != nil {
			return SnapshotRecord{}, fmt.Errorf("save snapshot: %w", err)
		}
	}
	_, err = s.log.Append(ctx, domain.Event{
		Actor:      actor,
		Type:       events.SnapshotTaken,
		EntityKind: "store",
		Payload: events.Payload{
			"snapshot_version": uint64(rec.Version),
			"items":            rec.Items,
			"workers":          rec.Workers,
			"bytes":            len(rec.Data),
			"checksum":         rec.Checksum,
		},
	})
	if err != nil {
		return SnapshotRecord{}, err
	}
	s.addCheckpoint(rec.Version, s.head)
	s.logger.Info("store compacted",
		zap.Uint64("version", uint64(rec.Version)),
		zap.Int("items", rec.Items),
		zap.Int("bytes", len(rec.Data)))
	return rec, nil
}

func (s *Store) addCheckpoint(v domain.Version, st *state) {
	i := sort.Search(len(s.checkpoints), func(i int) bool { return s.checkpoints[i].version >= v })
	if i < len(s.checkpoints) && s.checkpoints[i].version == v {
		return
	}
	s.checkpoints = append(s.checkpoints, checkpoint{})
	copy(s.checkpoints[i+1:], s.checkpoints[i:])
	s.checkpoints[i] = checkpoint{version: v, st: st}
}
