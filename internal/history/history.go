// Package history keeps a durable record of completed uploads. It is an
// audit log, not transfer state: in-flight uploads never touch it.
package history

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketUploads = []byte("uploads")

// Record describes one successfully merged upload.
type Record struct {
	UploadID    string    `json:"upload_id"`
	FileName    string    `json:"file_name"`
	SizeBytes   int64     `json:"size_bytes"`
	TotalChunks uint64    `json:"total_chunks"`
	CompletedAt time.Time `json:"completed_at"`
}

// History is a bolt-backed upload log.
type History struct {
	db *bolt.DB
}

// Open opens (or creates) the history database at path.
func Open(path string) (*History, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketUploads)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &History{db: db}, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}

// Append stores one completed upload keyed by upload id.
func (h *History) Append(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketUploads)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put([]byte(rec.UploadID), value)
	})
}

// Get returns the record for an upload id, or found=false.
func (h *History) Get(uploadID string) (Record, bool, error) {
	var rec Record
	var found bool
	err := h.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketUploads)
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(uploadID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// List returns all records in key order.
func (h *History) List() ([]Record, error) {
	var out []Record
	err := h.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketUploads)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}
