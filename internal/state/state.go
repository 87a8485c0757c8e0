// Package state persists the outcome of component synchronizations and build
// submissions so the service can report what it last did for each component.
package state

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/alecthomas/errors"
	"go.etcd.io/bbolt"
)

//nolint:gochecknoglobals
var recordsBucketName = []byte("records")

// Config locates the journal database.
type Config struct {
	Path string `hcl:"path" help:"Path of the component state journal database." default:"distrobaker.db"`
}

// Outcomes recorded for a component.
const (
	StatusSynced    = "synced"
	StatusFailed    = "failed"
	StatusSubmitted = "submitted"
)

// Record is the last known outcome for a single component.
type Record struct {
	Namespace string    `json:"namespace"`
	Component string    `json:"component"`
	NVR       string    `json:"nvr,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	TaskID    int64     `json:"task_id,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Journal is a bbolt-backed log of per-component outcomes, keyed by
// namespace/component. A nil Journal is valid and discards everything,
// letting the service run without persistent state.
type Journal struct {
	db *bbolt.DB
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Errorf("failed to open bbolt database: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucketName)
		return errors.WithStack(err)
	}); err != nil {
		return nil, errors.Join(errors.Errorf("failed to create bucket: %w", err), db.Close())
	}
	return &Journal{db: db}, nil
}

// Record stores rec, replacing any previous record for the same component.
func (j *Journal) Record(rec Record) error {
	if j == nil {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Errorf("failed to encode record: %w", err)
	}
	key := []byte(rec.Namespace + "/" + rec.Component)
	return errors.WithStack(j.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucketName)
		return errors.WithStack(bucket.Put(key, data))
	}))
}

// List returns all records sorted by namespace, then component.
func (j *Journal) List() ([]Record, error) {
	if j == nil {
		return nil, nil
	}
	var records []Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(recordsBucketName)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil //nolint:nilerr
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	slices.SortFunc(records, func(a, b Record) int {
		if c := strings.Compare(a.Namespace, b.Namespace); c != 0 {
			return c
		}
		return strings.Compare(a.Component, b.Component)
	})
	return records, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	if err := j.db.Close(); err != nil {
		return errors.Errorf("failed to close bbolt database: %w", err)
	}
	return nil
}

// Handler serves the journal contents as a JSON array. A nil Journal serves
// an empty list.
func (j *Journal) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		records, err := j.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []Record{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	})
}
