package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/internal/keylock"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// entry is both the on-disk value and the in-memory index item.
// A deleted entry is a tombstone: it blocks upserts older than DeletedAt.
type entry struct {
	Key       string          `json:"-"`
	Record    resource.Record `json:"record"`
	Deleted   bool            `json:"deleted,omitempty"`
	DeletedAt time.Time       `json:"deleted_at,omitzero"`
}

func entryLess(a, b *entry) bool {
	return a.Key < b.Key
}

// storeKey orders records by account, then resource id.
func storeKey(ref resource.AccountRef, id string) string {
	return string(ref) + "\x00" + id
}

// Records is the resource inventory.
// Same-key operations are serialised by a per-key lock; different keys never share one.
type Records struct {
	db  *bbolt.DB
	now func() time.Time

	locks *keylock.Locks

	mu    sync.RWMutex
	index *btree.BTreeG[*entry]
}

func newRecords(db *bbolt.DB, now func() time.Time) *Records {
	return &Records{
		db:    db,
		now:   now,
		locks: keylock.New(),
		index: btree.NewG[*entry](32, entryLess),
	}
}

// rebuildIndex loads every entry from disk.
func (r *Records) rebuildIndex() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.index.Clear(false)
	return r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("corrupt record %q: %w", k, err)
			}
			e.Key = string(k)
			r.index.ReplaceOrInsert(&e)
			return nil
		})
	})
}

func readEntry(b *bbolt.Bucket, key string) (*entry, error) {
	v := b.Get([]byte(key))
	if v == nil {
		return nil, nil
	}
	var e entry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, fmt.Errorf("corrupt record %q: %w", key, err)
	}
	e.Key = key
	return &e, nil
}

func writeEntry(b *bbolt.Bucket, e *entry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.Put([]byte(e.Key), value)
}

func (r *Records) setIndex(e *entry) {
	r.mu.Lock()
	r.index.ReplaceOrInsert(e)
	r.mu.Unlock()
}

func normalize(rec resource.Record) resource.Record {
	rec = rec.Clone()
	rec.DeleteAfter = rec.DeleteAfter.UTC()
	rec.ScannedAt = rec.ScannedAt.UTC()
	return rec
}

// Upsert inserts or replaces the record for its key.
// A record scanned before the stored one, or before the key was deleted,
// is dropped and applied is false.
//
// DeleteAfter and ScannedAt are stored in UTC. Records read back carry the
// same instants with a UTC location, so a record given in UTC round-trips
// field-identical and one in another zone compares equal with time.Equal.
func (r *Records) Upsert(rec resource.Record) (bool, error) {
	if rec.AccountRef == "" || rec.ResourceID == "" {
		return false, apperr.New(apperr.KindInvalid, "upsert", "record needs account ref and resource id")
	}
	rec = normalize(rec)
	key := storeKey(rec.AccountRef, rec.ResourceID)

	unlock := r.locks.Lock(key)
	defer unlock()

	var applied bool
	next := &entry{Key: key, Record: rec}
	err := r.db.Batch(func(tx *bbolt.Tx) error {
		applied = false
		b := tx.Bucket(bucketRecords)
		cur, err := readEntry(b, key)
		if err != nil {
			return err
		}
		if cur != nil {
			if cur.Deleted && rec.ScannedAt.Before(cur.DeletedAt) {
				return nil
			}
			if !cur.Deleted && rec.ScannedAt.Before(cur.Record.ScannedAt) {
				return nil
			}
		}
		if err := writeEntry(b, next); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("upsert %s: %w", key, err)
	}

	if applied {
		r.setIndex(next)
	}
	return applied, nil
}

// Get returns the live record for key.
func (r *Records) Get(key resource.Key) (resource.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.index.Get(&entry{Key: storeKey(key.AccountRef, key.ResourceID)})
	if !ok || e.Deleted {
		return resource.Record{}, apperr.New(apperr.KindNotFound, "get", "record %s not found", key)
	}
	return e.Record.Clone(), nil
}

// ascendAccount visits every index entry of ref in resource id order.
// Caller must hold r.mu.
func (r *Records) ascendAccount(ref resource.AccountRef, fn func(*entry) bool) {
	from := &entry{Key: string(ref) + "\x00"}
	to := &entry{Key: string(ref) + "\x01"}
	r.index.AscendRange(from, to, fn)
}

// ListByAccount returns the live records of ref ordered by resource id.
func (r *Records) ListByAccount(ref resource.AccountRef) ([]resource.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []resource.Record
	r.ascendAccount(ref, func(e *entry) bool {
		if !e.Deleted {
			out = append(out, e.Record.Clone())
		}
		return true
	})
	return out, nil
}

// ListExpired returns live records of ref whose expiry is strictly before now.
func (r *Records) ListExpired(ref resource.AccountRef, now time.Time) ([]resource.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []resource.Record
	r.ascendAccount(ref, func(e *entry) bool {
		if !e.Deleted && e.Record.Expired(now) {
			out = append(out, e.Record.Clone())
		}
		return true
	})
	return out, nil
}

// ListAccounts returns every account that has live records.
func (r *Records) ListAccounts() []resource.AccountRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []resource.AccountRef
	r.index.Ascend(func(e *entry) bool {
		if !e.Deleted && (len(out) == 0 || out[len(out)-1] != e.Record.AccountRef) {
			out = append(out, e.Record.AccountRef)
		}
		return true
	})
	return out
}

// Count returns live and tombstoned entry counts.
func (r *Records) Count() (live, tombstones int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	r.index.Ascend(func(e *entry) bool {
		if e.Deleted {
			tombstones++
		} else {
			live++
		}
		return true
	})
	return live, tombstones
}

// Delete removes the record with key (ref, id).
func (r *Records) Delete(ref resource.AccountRef, id string) error {
	key := storeKey(ref, id)

	unlock := r.locks.Lock(key)
	defer unlock()

	var tomb *entry
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		cur, err := readEntry(b, key)
		if err != nil {
			return err
		}
		if cur == nil || cur.Deleted {
			return apperr.New(apperr.KindNotFound, "delete", "record %s|%s not found", ref, id)
		}
		tomb = &entry{Key: key, Record: cur.Record, Deleted: true, DeletedAt: r.now().UTC()}
		return writeEntry(b, tomb)
	})
	if err != nil {
		return err
	}

	r.setIndex(tomb)
	return nil
}

// EvictStale removes the records of ref last scanned before seenAfter.
func (r *Records) EvictStale(ref resource.AccountRef, seenAfter time.Time) (int, error) {
	seenAfter = seenAfter.UTC()

	r.mu.RLock()
	var keys []string
	r.ascendAccount(ref, func(e *entry) bool {
		if !e.Deleted && e.Record.ScannedAt.Before(seenAfter) {
			keys = append(keys, e.Key)
		}
		return true
	})
	r.mu.RUnlock()

	if len(keys) == 0 {
		return 0, nil
	}

	sort.Strings(keys)
	for _, k := range keys {
		unlock := r.locks.Lock(k)
		defer unlock()
	}

	var evicted []*entry
	err := r.db.Update(func(tx *bbolt.Tx) error {
		evicted = evicted[:0]
		b := tx.Bucket(bucketRecords)
		for _, k := range keys {
			cur, err := readEntry(b, k)
			if err != nil {
				return err
			}
			// Re-check under the lock: the record may have been refreshed or deleted.
			if cur == nil || cur.Deleted || !cur.Record.ScannedAt.Before(seenAfter) {
				continue
			}
			tomb := &entry{Key: k, Record: cur.Record, Deleted: true, DeletedAt: seenAfter}
			if err := writeEntry(b, tomb); err != nil {
				return err
			}
			evicted = append(evicted, tomb)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("evict stale for %s: %w", ref, err)
	}

	r.mu.Lock()
	for _, e := range evicted {
		r.index.ReplaceOrInsert(e)
	}
	r.mu.Unlock()

	return len(evicted), nil
}

// Compact drops tombstones older than olderThan.
func (r *Records) Compact(olderThan time.Time) (int, error) {
	r.mu.RLock()
	var keys []string
	r.index.Ascend(func(e *entry) bool {
		if e.Deleted && e.DeletedAt.Before(olderThan) {
			keys = append(keys, e.Key)
		}
		return true
	})
	r.mu.RUnlock()

	removed := 0
	for _, k := range keys {
		ok, err := r.compactKey(k, olderThan)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

func (r *Records) compactKey(key string, olderThan time.Time) (bool, error) {
	unlock := r.locks.Lock(key)
	defer unlock()

	var removed bool
	err := r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		cur, err := readEntry(b, key)
		if err != nil || cur == nil {
			return err
		}
		if !cur.Deleted || !cur.DeletedAt.Before(olderThan) {
			return nil
		}
		removed = true
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, fmt.Errorf("compact %s: %w", key, err)
	}

	if removed {
		r.mu.Lock()
		r.index.Delete(&entry{Key: key})
		r.mu.Unlock()
	}
	return removed, nil
}
