package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/driftware/paddock/pkg/types"
)

var cyclesBucket = []byte("cycles")

// keepRecords bounds the journal so a long-lived process cannot grow
// the file without limit.
const keepRecords = 500

// Journal persists one record per control cycle to a local bolt file.
// It is a diagnostic aid only; losing it never affects scaling.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal file.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cyclesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	return j.db.Close()
}

func key(n int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(n))
	return k
}

// Append writes one cycle record and trims the oldest entries past the
// retention bound.
func (j *Journal) Append(rec *types.CycleRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode cycle record: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(cyclesBucket)
		if err := b.Put(key(rec.CycleNumber), data); err != nil {
			return err
		}
		// Keys are big-endian cycle numbers, so bucket order is cycle
		// order and trimming walks from the oldest.
		n := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		var stale [][]byte
		for k, _ := c.First(); k != nil && n-len(stale) > keepRecords; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns up to limit records, newest first.
func (j *Journal) List(limit int) ([]*types.CycleRecord, error) {
	var out []*types.CycleRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(cyclesBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec types.CycleRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode cycle record: %w", err)
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Last returns the most recent record, or nil when the journal is
// empty.
func (j *Journal) Last() (*types.CycleRecord, error) {
	recs, err := j.List(1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}
