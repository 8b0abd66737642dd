// Package persistence is the optional, non-authoritative snapshot sink
// described in the core's persistence model: a periodic dump of farm
// state for crash recovery and inspection. It never gates a scheduling
// decision — the core's authoritative state always lives in the
// in-memory Registry and Job Graph.
package persistence

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/orbitalrender/farmsched/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("snapshots")

const latestKey = "latest"

// Snapshot is a point-in-time view of everything the farm needs to
// resume scheduling after a restart. It is advisory: a farm that boots
// with no snapshot, or a stale one, simply starts from an empty state
// and waits for the host to resubmit nodes/clients/jobs.
type Snapshot struct {
	TakenAt time.Time      `json:"taken_at"`
	Nodes   []*types.Node  `json:"nodes"`
	Jobs    []*types.Job   `json:"jobs"`
	Clients []*types.Client `json:"clients"`
}

// Sink persists and restores Snapshots. Implementations must never be
// consulted to make a scheduling decision — only to seed or restore
// state around a restart.
type Sink interface {
	SaveSnapshot(s Snapshot) error
	LoadSnapshot() (Snapshot, bool, error)
	Close() error
}

// NullSink discards every snapshot. It is the default: persistence is
// opt-in.
type NullSink struct{}

// SaveSnapshot implements Sink.
func (NullSink) SaveSnapshot(Snapshot) error { return nil }

// LoadSnapshot implements Sink.
func (NullSink) LoadSnapshot() (Snapshot, bool, error) { return Snapshot{}, false, nil }

// Close implements Sink.
func (NullSink) Close() error { return nil }

// BoltSink persists snapshots to a local BoltDB file. Only the most
// recent snapshot is retained — history isn't needed since the sink is
// advisory, not an audit trail (that's pkg/audit's job).
type BoltSink struct {
	db *bolt.DB
}

// NewBoltSink opens (creating if needed) a BoltDB file under dataDir.
func NewBoltSink(dataDir string) (*BoltSink, error) {
	dbPath := filepath.Join(dataDir, "farmsched.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open persistence db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init persistence buckets: %w", err)
	}
	return &BoltSink{db: db}, nil
}

// SaveSnapshot overwrites the single retained snapshot.
func (s *BoltSink) SaveSnapshot(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		return b.Put([]byte(latestKey), data)
	})
}

// LoadSnapshot returns the last saved snapshot, or ok=false if none
// was ever saved.
func (s *BoltSink) LoadSnapshot() (Snapshot, bool, error) {
	var snap Snapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSnapshots)
		data := b.Get([]byte(latestKey))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, found, nil
}

// Close closes the underlying database.
func (s *BoltSink) Close() error {
	return s.db.Close()
}
