package resource

import (
	"encoding/json"
	"maps"
	"sort"
)

// DiffType represents the type of change detected between two inventories.
type DiffType string

const (
	// DiffAdded indicates a resource appeared in the scan.
	DiffAdded DiffType = "added"
	// DiffEvicted indicates a resource was no longer reported.
	DiffEvicted DiffType = "evicted"
	// DiffModified indicates a resource's properties changed.
	DiffModified DiffType = "modified"
)

// Change represents a single field change.
// The field name is the map key in ResourceDiff.Changes.
type Change struct {
	Previous string
	Current  string
}

// ResourceDiff represents a detected change in a resource.
type ResourceDiff struct {
	Type     DiffType
	Record   Record
	Previous *Record          // nil for added records
	Changes  map[string]Change // field name → change details
}

// DiffSummary counts diffs by type.
type DiffSummary struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Evicted  int `json:"evicted"`
}

// Diff compares the stored inventory of an account with a fresh scan.
// Output is ordered by resource id.
func Diff(previous, current []Record) []ResourceDiff {
	prevMap := indexRecords(previous)
	currMap := indexRecords(current)

	var diffs []ResourceDiff
	for id, prev := range prevMap {
		curr, ok := currMap[id]
		if !ok {
			p := prev
			diffs = append(diffs, ResourceDiff{Type: DiffEvicted, Record: prev, Previous: &p})
			continue
		}
		if changes := detectChanges(prev, curr); len(changes) > 0 {
			p := prev
			diffs = append(diffs, ResourceDiff{Type: DiffModified, Record: curr, Previous: &p, Changes: changes})
		}
	}
	for id, curr := range currMap {
		if _, ok := prevMap[id]; !ok {
			diffs = append(diffs, ResourceDiff{Type: DiffAdded, Record: curr})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].Record.ResourceID < diffs[j].Record.ResourceID
	})
	return diffs
}

// Summarize counts diffs by type.
func Summarize(diffs []ResourceDiff) DiffSummary {
	var s DiffSummary
	for _, d := range diffs {
		switch d.Type {
		case DiffAdded:
			s.Added++
		case DiffModified:
			s.Modified++
		case DiffEvicted:
			s.Evicted++
		}
	}
	return s
}

func indexRecords(records []Record) map[string]Record {
	m := make(map[string]Record, len(records))
	for _, r := range records {
		m[r.ResourceID] = r
	}
	return m
}

// detectChanges compares two records field by field.
// ScannedAt is excluded as it changes on every scan.
func detectChanges(prev, curr Record) map[string]Change {
	changes := make(map[string]Change)

	if !prev.DeleteAfter.Equal(curr.DeleteAfter) {
		changes["delete_after"] = Change{
			Previous: prev.DeleteAfter.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Current:  curr.DeleteAfter.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	if prev.Region != curr.Region {
		changes["region"] = Change{Previous: prev.Region, Current: curr.Region}
	}
	if prev.Type != curr.Type {
		changes["type"] = Change{Previous: prev.Type, Current: curr.Type}
	}
	if !maps.Equal(prev.Labels, curr.Labels) {
		changes["labels"] = Change{Previous: mapToJSON(prev.Labels), Current: mapToJSON(curr.Labels)}
	}

	return changes
}

// mapToJSON converts a map to a deterministic JSON string for comparison.
func mapToJSON(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}
