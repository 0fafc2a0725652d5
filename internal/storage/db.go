// Package storage persists the resource inventory, account bindings and users in bbolt.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bucket names in bbolt
var (
	bucketRecords      = []byte("records")
	bucketBindings     = []byte("bindings")
	bucketUsers        = []byte("users")
	bucketUsersByEmail = []byte("users_by_email")
)

// Store owns the bbolt database and the typed stores built on it.
type Store struct {
	db *bbolt.DB

	Records  *Records
	Bindings *Bindings
	Users    *Users
}

type options struct {
	now     func() time.Time
	timeout time.Duration
}

// Option configures Open.
type Option func(*options)

// WithClock overrides the clock used for tombstone timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOpenTimeout bounds how long Open waits for the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Open opens (or creates) the database at path and rebuilds the in-memory index.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{now: time.Now, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: o.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketBindings, bucketUsers, bucketUsersByEmail} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	records := newRecords(db, o.now)
	if err := records.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild index: %w", err)
	}

	return &Store{
		db:       db,
		Records:  records,
		Bindings: &Bindings{db: db},
		Users:    &Users{db: db},
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// SizeBytes returns the current database file size.
func (s *Store) SizeBytes() int64 {
	var size int64
	_ = s.db.View(func(tx *bbolt.Tx) error {
		size = tx.Size()
		return nil
	})
	return size
}
