package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/pkg/resource"
)

const (
	refA = resource.AccountRef("arn:aws:iam::111111111111:role/Overwatch")
	refB = resource.AccountRef("arn:aws:iam::222222222222:role/Overwatch")
)

var t0 = time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "overwatch.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(ref resource.AccountRef, id string, scannedAt time.Time) resource.Record {
	return resource.Record{
		AccountRef:  ref,
		ResourceID:  id,
		ARN:         "arn:aws:ec2:ap-south-1:111111111111:instance/" + id,
		Type:        "ec2",
		Region:      "ap-south-1",
		DeleteAfter: t0.Add(24 * time.Hour),
		ScannedAt:   scannedAt,
		Labels:      map[string]string{resource.TagDeleteAfter: "2025-01-11"},
	}
}

func TestRecords_UpsertAndList(t *testing.T) {
	s := openTestStore(t)

	applied, err := s.Records.Upsert(record(refA, "i-2", t0))
	require.NoError(t, err)
	assert.True(t, applied)
	_, err = s.Records.Upsert(record(refA, "i-1", t0))
	require.NoError(t, err)
	_, err = s.Records.Upsert(record(refB, "i-9", t0))
	require.NoError(t, err)

	list, err := s.Records.ListByAccount(refA)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "i-1", list[0].ResourceID)
	assert.Equal(t, "i-2", list[1].ResourceID)

	assert.Equal(t, []resource.AccountRef{refA, refB}, s.Records.ListAccounts())
}

func TestRecords_UpsertIdempotent(t *testing.T) {
	s := openTestStore(t)
	r := record(refA, "i-1", t0)

	for i := 0; i < 3; i++ {
		applied, err := s.Records.Upsert(r)
		require.NoError(t, err)
		assert.True(t, applied, "equal ScannedAt replaces")
	}

	list, err := s.Records.ListByAccount(refA)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r, list[0])
}

func TestRecords_UpsertRejectsOlder(t *testing.T) {
	s := openTestStore(t)

	newer := record(refA, "i-1", t0.Add(time.Minute))
	newer.Region = "ap-south-2"
	_, err := s.Records.Upsert(newer)
	require.NoError(t, err)

	older := record(refA, "i-1", t0)
	applied, err := s.Records.Upsert(older)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.Records.Get(resource.Key{AccountRef: refA, ResourceID: "i-1"})
	require.NoError(t, err)
	assert.Equal(t, "ap-south-2", got.Region)
}

func TestRecords_UpsertInvalid(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Records.Upsert(resource.Record{AccountRef: refA})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestRecords_Delete(t *testing.T) {
	now := t0.Add(time.Hour)
	s := openTestStore(t, WithClock(func() time.Time { return now }))

	_, err := s.Records.Upsert(record(refA, "i-1", t0))
	require.NoError(t, err)

	require.NoError(t, s.Records.Delete(refA, "i-1"))
	list, err := s.Records.ListByAccount(refA)
	require.NoError(t, err)
	assert.Empty(t, list)

	err = s.Records.Delete(refA, "i-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = s.Records.Delete(refA, "never")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.Records.Get(resource.Key{AccountRef: refA, ResourceID: "i-1"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRecords_TombstoneBlocksOlderUpsert(t *testing.T) {
	deletedAt := t0.Add(time.Hour)
	s := openTestStore(t, WithClock(func() time.Time { return deletedAt }))

	_, err := s.Records.Upsert(record(refA, "i-1", t0))
	require.NoError(t, err)
	require.NoError(t, s.Records.Delete(refA, "i-1"))

	// A scan that started before the delete must not resurrect the record.
	applied, err := s.Records.Upsert(record(refA, "i-1", t0.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.False(t, applied)

	// A later scan that still sees the resource brings it back.
	applied, err = s.Records.Upsert(record(refA, "i-1", deletedAt.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestRecords_EvictStale(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Records.Upsert(record(refA, "old", t0))
	require.NoError(t, err)
	_, err = s.Records.Upsert(record(refA, "fresh", t0.Add(time.Hour)))
	require.NoError(t, err)
	_, err = s.Records.Upsert(record(refA, "boundary", t0.Add(30*time.Minute)))
	require.NoError(t, err)
	_, err = s.Records.Upsert(record(refB, "other", t0))
	require.NoError(t, err)

	n, err := s.Records.EvictStale(refA, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := s.Records.ListByAccount(refA)
	require.NoError(t, err)
	ids := []string{list[0].ResourceID, list[1].ResourceID}
	assert.Equal(t, []string{"boundary", "fresh"}, ids)

	other, err := s.Records.ListByAccount(refB)
	require.NoError(t, err)
	assert.Len(t, other, 1, "eviction is scoped to the account")
}

func TestRecords_ListExpired(t *testing.T) {
	s := openTestStore(t)

	expired := record(refA, "expired", t0)
	expired.DeleteAfter = t0.Add(-time.Second)
	exact := record(refA, "exact", t0)
	exact.DeleteAfter = t0
	_, err := s.Records.Upsert(expired)
	require.NoError(t, err)
	_, err = s.Records.Upsert(exact)
	require.NoError(t, err)

	list, err := s.Records.ListExpired(refA, t0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "expired", list[0].ResourceID)
}

func TestRecords_Compact(t *testing.T) {
	deletedAt := t0
	s := openTestStore(t, WithClock(func() time.Time { return deletedAt }))

	_, err := s.Records.Upsert(record(refA, "i-1", t0.Add(-time.Hour)))
	require.NoError(t, err)
	require.NoError(t, s.Records.Delete(refA, "i-1"))

	live, tombs := s.Records.Count()
	assert.Equal(t, 0, live)
	assert.Equal(t, 1, tombs)

	removed, err := s.Records.Compact(t0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "tombstone not older than cutoff")

	removed, err = s.Records.Compact(t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, tombs = s.Records.Count()
	assert.Equal(t, 0, tombs)
}

func TestRecords_IndexSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overwatch.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Records.Upsert(record(refA, "i-1", t0))
	require.NoError(t, err)
	_, err = s.Records.Upsert(record(refA, "i-2", t0))
	require.NoError(t, err)
	require.NoError(t, s.Records.Delete(refA, "i-2"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	list, err := s.Records.ListByAccount(refA)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "i-1", list[0].ResourceID)
	assert.Equal(t, t0, list[0].ScannedAt)
}

func TestRecords_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overwatch.db")
	s, err := Open(path)
	require.NoError(t, err)

	utc := record(refA, "i-utc", t0)
	_, err = s.Records.Upsert(utc)
	require.NoError(t, err)

	kolkata := time.FixedZone("IST", 5*3600+30*60)
	local := record(refA, "i-local", t0.In(kolkata))
	local.DeleteAfter = local.DeleteAfter.In(kolkata)
	_, err = s.Records.Upsert(local)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Records.Get(utc.Key())
	require.NoError(t, err)
	assert.Equal(t, utc, got)

	got, err = s.Records.Get(local.Key())
	require.NoError(t, err)
	assert.True(t, got.ScannedAt.Equal(local.ScannedAt))
	assert.True(t, got.DeleteAfter.Equal(local.DeleteAfter))
	assert.Equal(t, time.UTC, got.ScannedAt.Location())
	assert.Equal(t, local.Labels, got.Labels)
	assert.Equal(t, local.ARN, got.ARN)
}

func TestRecords_ConcurrentUpserts(t *testing.T) {
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every goroutine writes its own key and a shared one.
			_, err := s.Records.Upsert(record(refA, fmt.Sprintf("i-%02d", i), t0))
			assert.NoError(t, err)
			_, err = s.Records.Upsert(record(refA, "shared", t0.Add(time.Duration(i)*time.Second)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	list, err := s.Records.ListByAccount(refA)
	require.NoError(t, err)
	assert.Len(t, list, 21)

	shared, err := s.Records.Get(resource.Key{AccountRef: refA, ResourceID: "shared"})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(19*time.Second), shared.ScannedAt, "last writer by ScannedAt wins")
}

func TestRecords_ReturnsCopies(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Records.Upsert(record(refA, "i-1", t0))
	require.NoError(t, err)

	list, err := s.Records.ListByAccount(refA)
	require.NoError(t, err)
	list[0].Labels["mutated"] = "yes"

	again, err := s.Records.ListByAccount(refA)
	require.NoError(t, err)
	assert.NotContains(t, again[0].Labels, "mutated")
}
