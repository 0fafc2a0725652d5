package storage

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/yairfalse/overwatch/pkg/resource"
)

// Bindings stores at most one binding per user, keyed by user id.
type Bindings struct {
	db *bbolt.DB
}

// Get returns the user's binding. found is false if the user never bound.
func (s *Bindings) Get(userID string) (resource.Binding, bool, error) {
	var b resource.Binding
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketBindings).Get([]byte(userID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &b)
	})
	if err != nil {
		return resource.Binding{}, false, fmt.Errorf("get binding for %s: %w", userID, err)
	}
	return b, found, nil
}

// Put replaces the user's binding in a single transaction.
func (s *Bindings) Put(b resource.Binding) error {
	b.IssuedAt = b.IssuedAt.UTC()
	b.BoundAt = b.BoundAt.UTC()

	value, err := json.Marshal(b)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBindings).Put([]byte(b.UserID), value)
	})
	if err != nil {
		return fmt.Errorf("put binding for %s: %w", b.UserID, err)
	}
	return nil
}

// List returns every stored binding ordered by user id.
func (s *Bindings) List() ([]resource.Binding, error) {
	var out []resource.Binding
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBindings).ForEach(func(_, v []byte) error {
			var b resource.Binding
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	return out, nil
}
