// Package filter selects and orders inventory records for display.
// Everything here is pure: callers pass the records and the clock.
package filter

import (
	"sort"
	"strings"
	"time"

	"github.com/yairfalse/overwatch/internal/apperr"
	"github.com/yairfalse/overwatch/pkg/resource"
)

// Bucket is an expiry-date window.
type Bucket string

const (
	BucketAll      Bucket = "all"
	BucketToday    Bucket = "today"
	BucketThisWeek Bucket = "this_week"
	BucketExpired  Bucket = "expired"
	BucketCustom   Bucket = "custom"
)

// ParseBucket accepts a bucket name; "" means all.
func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BucketAll, nil
	case BucketAll, BucketToday, BucketThisWeek, BucketExpired, BucketCustom:
		return b, nil
	default:
		return "", apperr.New(apperr.KindInvalid, "parse bucket", "unknown bucket %q", s)
	}
}

// Range is an inclusive DeleteAfter window for BucketCustom.
type Range struct {
	Start time.Time
	End   time.Time
}

// Sort keys.
const (
	SortDeleteAfter = "delete_after"
	SortResourceID  = "resource_id"
	SortType        = "type"
	SortRegion      = "region"
	SortScannedAt   = "scanned_at"
)

// Query describes a view over an account's records.
type Query struct {
	Text   string
	Bucket Bucket
	Range  *Range

	// Types keeps only the listed record types when non-empty.
	Types []string
	// Labels must all match.
	Labels map[string]string

	// Sort is a sort key, "-" prefixed for descending. Defaults to delete_after.
	Sort string

	Now      time.Time
	Location *time.Location
}

// Apply returns the records matching q, sorted. The input is not modified.
func Apply(records []resource.Record, q Query) ([]resource.Record, error) {
	m, err := q.compile()
	if err != nil {
		return nil, err
	}
	less, err := sorter(q.Sort)
	if err != nil {
		return nil, err
	}

	out := make([]resource.Record, 0, len(records))
	for _, r := range records {
		if m.match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

type matcher struct {
	text   string
	types  map[string]bool
	labels map[string]string
	window func(time.Time) bool
}

func (q Query) compile() (*matcher, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}

	m := &matcher{text: strings.ToLower(strings.TrimSpace(q.Text)), labels: q.Labels}
	if len(q.Types) > 0 {
		m.types = make(map[string]bool, len(q.Types))
		for _, t := range q.Types {
			m.types[t] = true
		}
	}

	today := startOfDay(now, loc)
	switch q.Bucket {
	case "", BucketAll:
	case BucketToday:
		tomorrow := today.AddDate(0, 0, 1)
		m.window = func(t time.Time) bool { return !t.Before(today) && t.Before(tomorrow) }
	case BucketThisWeek:
		// [today 00:00, today+7d 00:00], both ends inclusive.
		end := today.AddDate(0, 0, 7)
		m.window = func(t time.Time) bool { return !t.Before(today) && !t.After(end) }
	case BucketExpired:
		m.window = func(t time.Time) bool { return t.Before(now) }
	case BucketCustom:
		if q.Range == nil || q.Range.Start.IsZero() || q.Range.End.IsZero() {
			return nil, apperr.New(apperr.KindInvalidRange, "filter", "custom bucket requires a start and an end")
		}
		start, end := q.Range.Start, q.Range.End
		if start.After(end) {
			return nil, apperr.New(apperr.KindInvalidRange, "filter", "start %s is after end %s",
				start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		m.window = func(t time.Time) bool { return !t.Before(start) && !t.After(end) }
	default:
		return nil, apperr.New(apperr.KindInvalid, "filter", "unknown bucket %q", q.Bucket)
	}
	return m, nil
}

func (m *matcher) match(r resource.Record) bool {
	if m.types != nil && !m.types[r.Type] {
		return false
	}
	for k, v := range m.labels {
		if r.Labels == nil || r.Labels[k] != v {
			return false
		}
	}
	if m.text != "" && !containsText(r, m.text) {
		return false
	}
	return m.window == nil || m.window(r.DeleteAfter)
}

func containsText(r resource.Record, lowered string) bool {
	for _, field := range []string{r.Region, r.Type, r.ResourceID, r.ARN} {
		if strings.Contains(strings.ToLower(field), lowered) {
			return true
		}
	}
	return false
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	y, mo, d := t.In(loc).Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}

func sorter(key string) (func(a, b resource.Record) bool, error) {
	desc := strings.HasPrefix(key, "-")
	key = strings.TrimPrefix(key, "-")

	var primary func(a, b resource.Record) int
	switch key {
	case "", SortDeleteAfter:
		primary = func(a, b resource.Record) int { return a.DeleteAfter.Compare(b.DeleteAfter) }
	case SortResourceID:
		primary = func(resource.Record, resource.Record) int { return 0 }
	case SortType:
		primary = func(a, b resource.Record) int { return strings.Compare(a.Type, b.Type) }
	case SortRegion:
		primary = func(a, b resource.Record) int { return strings.Compare(a.Region, b.Region) }
	case SortScannedAt:
		primary = func(a, b resource.Record) int { return a.ScannedAt.Compare(b.ScannedAt) }
	default:
		return nil, apperr.New(apperr.KindInvalid, "filter", "unknown sort key %q", key)
	}

	return func(a, b resource.Record) bool {
		c := primary(a, b)
		if c == 0 {
			c = strings.Compare(a.ResourceID, b.ResourceID)
		}
		if desc {
			return c > 0
		}
		return c < 0
	}, nil
}

// ParseTime reads a range bound as YYYY-MM-DD (midnight in loc) or RFC3339.
func ParseTime(value string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	value = strings.TrimSpace(value)
	if t, err := time.ParseInLocation(time.DateOnly, value, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, apperr.New(apperr.KindInvalidRange, "parse time", "%q is neither a date nor RFC3339", value)
	}
	return t, nil
}
