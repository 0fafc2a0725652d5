package storage

import (
	"time"

	"github.com/yairfalse/overwatch/pkg/resource"
)

// RecordWriter mutates the inventory
type RecordWriter interface {
	Upsert(rec resource.Record) (applied bool, err error)
	Delete(ref resource.AccountRef, id string) error
	EvictStale(ref resource.AccountRef, seenAfter time.Time) (evicted int, err error)
}

// RecordReader queries the inventory
type RecordReader interface {
	ListByAccount(ref resource.AccountRef) ([]resource.Record, error)
	ListExpired(ref resource.AccountRef, now time.Time) ([]resource.Record, error)
}

// ResourceStore combines read and write for the inventory
type ResourceStore interface {
	RecordWriter
	RecordReader
}

// Compactor drops tombstones
type Compactor interface {
	Compact(olderThan time.Time) (removed int, err error)
}

// BindingStore persists user bindings
type BindingStore interface {
	Get(userID string) (resource.Binding, bool, error)
	Put(b resource.Binding) error
	List() ([]resource.Binding, error)
}

// UserStore persists users
type UserStore interface {
	Create(u UserRecord) error
	Get(id string) (UserRecord, error)
	GetByEmail(email string) (UserRecord, error)
}

var (
	_ ResourceStore = (*Records)(nil)
	_ Compactor     = (*Records)(nil)
	_ BindingStore  = (*Bindings)(nil)
	_ UserStore     = (*Users)(nil)
)
