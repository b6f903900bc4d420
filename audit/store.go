// Package audit persists the access violations of sandboxed runs.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	DefaultDBPath = "/var/lib/sydbox/audit.db"
)

/**
 * Violation is one recorded access violation.
 */
type Violation struct {
	Time     time.Time `json:"time"`
	Name     string    `json:"name,omitempty"`
	Tid      int       `json:"tid"`
	Comm     string    `json:"comm"`
	Syscall  string    `json:"syscall"`
	Category string    `json:"category"`
	Target   string    `json:"target"`
	Errno    int       `json:"errno"`
	Decision string    `json:"decision"`
}

/**
 * Store records violations in a BoltDB file, one bucket per run.
 */
type Store struct {
	// BoltDB file path.
	dbPath string
}

/**
 * Open prepares a store at the given path, creating its directory.
 * The database itself is only opened for the duration of each call.
 * @param path the database file, DefaultDBPath when empty
 * @return the store or an error
 */
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}

	// Create the file up front so configuration errors surface early.
	if err := withDB(path, func(*bolt.DB) error { return nil }); err != nil {
		return nil, fmt.Errorf("audit: open DB: %w", err)
	}
	return &Store{dbPath: path}, nil
}

/**
 * @return the database file path.
 */
func (s *Store) Path() string {
	return s.dbPath
}

/**
 * Record appends a violation to the bucket of a run.
 * @param run the run identifier
 * @param v the violation
 * @return an error if the record could not be stored
 */
func (s *Store) Record(run uuid.UUID, v Violation) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("audit: encode: %w", err)
	}

	return withDB(s.dbPath, func(db *bolt.DB) error {
		return db.Update(func(tx *bolt.Tx) error {
			bkt, err := tx.CreateBucketIfNotExists(run[:])
			if err != nil {
				return err
			}
			seq, err := bkt.NextSequence()
			if err != nil {
				return err
			}
			return bkt.Put(seqKey(seq), data)
		})
	})
}

/**
 * Violations lists the violations of a run in recording order.
 * @param run the run identifier
 * @return the violations, empty for an unknown run
 */
func (s *Store) Violations(run uuid.UUID) ([]Violation, error) {
	var out []Violation

	err := withDB(s.dbPath, func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			bkt := tx.Bucket(run[:])
			if bkt == nil {
				return nil
			}
			return bkt.ForEach(func(_, data []byte) error {
				var v Violation
				if err := json.Unmarshal(data, &v); err != nil {
					return fmt.Errorf("decode: %w", err)
				}
				out = append(out, v)
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return out, nil
}

/**
 * Runs lists the identifiers of the runs holding violations.
 */
func (s *Store) Runs() ([]uuid.UUID, error) {
	var out []uuid.UUID

	err := withDB(s.dbPath, func(db *bolt.DB) error {
		return db.View(func(tx *bolt.Tx) error {
			return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
				id, err := uuid.FromBytes(name)
				if err != nil {
					// Not a run bucket.
					return nil
				}
				out = append(out, id)
				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return out, nil
}

// seqKey encodes a sequence number so keys sort in insertion order.
func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

/**
 * Helper to open BoltDB with a short timeout, run f, and close it.
 * This avoids holding an exclusive lock while the sandbox runs, so the
 * store may be inspected concurrently.
 */
func withDB(path string, f func(*bolt.DB) error) error {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	return f(db)
}
