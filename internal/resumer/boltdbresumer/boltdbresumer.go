// Package boltdbresumer persists one torrent's resume record as a
// sub-bucket of a shared BoltDB database, grounded on the teacher
// session's single-file-database approach (§6 resume data).
package boltdbresumer

import (
	"encoding/json"
	"time"

	"github.com/boltdb/bolt"
	"github.com/cenkalti/rain/internal/resumer"
)

// Spec is everything needed to recreate a Torrent without re-resolving
// its magnet/metainfo or re-verifying already-checked pieces.
type Spec struct {
	InfoHash        []byte    `json:"info_hash"`
	Dest            string    `json:"dest"`
	Port            int       `json:"port"`
	Name            string    `json:"name"`
	Trackers        []string  `json:"trackers"`
	Info            []byte    `json:"info,omitempty"`
	Bitfield        []byte    `json:"bitfield,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	BytesUploaded   int64     `json:"bytes_uploaded"`
	BytesWasted     int64     `json:"bytes_wasted"`
	SeededFor       time.Duration `json:"seeded_for"`
}

var (
	keySpec     = []byte("spec")
	keyBitfield = []byte("bitfield")
	keyStarted  = []byte("started")
)

// Resumer is a BoltDB-backed resume record for one torrent, keyed by id
// within bucket.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	id     []byte
}

// New opens (creating if needed) the sub-bucket bucket/id for a
// Resumer.
func New(db *bolt.DB, bucket, id []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		_, err = b.CreateBucketIfNotExists(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: bucket, id: id}, nil
}

// Write stores spec as the torrent's full resume record.
func (r *Resumer) Write(spec interface{}) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return err
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.id)
		return b.Put(keySpec, data)
	})
}

// Read loads the torrent's stored Spec.
func (r *Resumer) Read() (*Spec, error) {
	var spec Spec
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.id)
		val := b.Get(keySpec)
		if val == nil {
			return nil
		}
		if err := json.Unmarshal(val, &spec); err != nil {
			return err
		}
		if bf := b.Get(keyBitfield); bf != nil {
			spec.Bitfield = append([]byte(nil), bf...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// WriteBitfield updates just the bitfield, avoiding a full spec
// round-trip on every piece completion (§6 "the bitfield is the
// highest-frequency write; it is stored separately from the rest of the
// resume record").
func (r *Resumer) WriteBitfield(bf []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.id)
		return b.Put(keyBitfield, bf)
	})
}

// WriteStats persists the lifetime counters.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	spec, err := r.Read()
	if err != nil {
		return err
	}
	spec.BytesDownloaded = s.BytesDownloaded
	spec.BytesUploaded = s.BytesUploaded
	spec.BytesWasted = s.BytesWasted
	spec.SeededFor = s.SeededFor
	return r.Write(spec)
}

// WriteStarted records whether the torrent should auto-start on the
// next session load.
func (r *Resumer) WriteStarted(started bool) error {
	v := []byte("0")
	if started {
		v = []byte("1")
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.id)
		return b.Put(keyStarted, v)
	})
}

// Started reports the last-written started flag.
func (r *Resumer) Started() (bool, error) {
	started := false
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.id)
		val := b.Get(keyStarted)
		started = len(val) == 1 && val[0] == '1'
		return nil
	})
	return started, err
}

// Delete removes this torrent's entire sub-bucket.
func (r *Resumer) Delete() error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(r.bucket).DeleteBucket(r.id)
	})
}
