package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRef = AccountRef("arn:aws:iam::123456789012:role/OverwatchAccess")

func rec(id string, deleteAfter time.Time) Record {
	return Record{
		AccountRef:  testRef,
		ResourceID:  id,
		Type:        "ec2",
		Region:      "ap-south-1",
		DeleteAfter: deleteAfter,
	}
}

func TestDiffType_Constants(t *testing.T) {
	assert.Equal(t, DiffType("added"), DiffAdded)
	assert.Equal(t, DiffType("evicted"), DiffEvicted)
	assert.Equal(t, DiffType("modified"), DiffModified)
}

func TestDiff(t *testing.T) {
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)

	previous := []Record{rec("i-keep", day), rec("i-gone", day), rec("i-moved", day)}
	current := []Record{rec("i-keep", day), rec("i-moved", day.Add(24*time.Hour)), rec("i-new", day)}
	current[0].ScannedAt = day.Add(time.Hour)

	diffs := Diff(previous, current)
	require.Len(t, diffs, 3)

	assert.Equal(t, "i-gone", diffs[0].Record.ResourceID)
	assert.Equal(t, DiffEvicted, diffs[0].Type)

	assert.Equal(t, "i-moved", diffs[1].Record.ResourceID)
	assert.Equal(t, DiffModified, diffs[1].Type)
	require.NotNil(t, diffs[1].Previous)
	assert.Contains(t, diffs[1].Changes, "delete_after")

	assert.Equal(t, "i-new", diffs[2].Record.ResourceID)
	assert.Equal(t, DiffAdded, diffs[2].Type)
	assert.Nil(t, diffs[2].Previous)

	assert.Equal(t, DiffSummary{Added: 1, Modified: 1, Evicted: 1}, Summarize(diffs))
}

func TestDiff_LabelChange(t *testing.T) {
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	prev := rec("i-1", day)
	prev.Labels = map[string]string{"team": "a"}
	curr := rec("i-1", day)
	curr.Labels = map[string]string{"team": "b"}

	diffs := Diff([]Record{prev}, []Record{curr})
	require.Len(t, diffs, 1)
	assert.Equal(t, `{"team":"a"}`, diffs[0].Changes["labels"].Previous)
	assert.Equal(t, `{"team":"b"}`, diffs[0].Changes["labels"].Current)
}

func TestDiff_NoChanges(t *testing.T) {
	day := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, Diff([]Record{rec("i-1", day)}, []Record{rec("i-1", day)}))
}
