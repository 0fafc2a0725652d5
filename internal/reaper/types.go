package reaper

import (
	"time"

	"github.com/yairfalse/overwatch/pkg/resource"
)

// Status is the outcome of one reap candidate.
type Status string

const (
	StatusDeleted Status = "deleted"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is the outcome of reaping one record.
type Result struct {
	Key         resource.Key  `json:"key"`
	Type        string        `json:"type"`
	Region      string        `json:"region"`
	DeleteAfter time.Time     `json:"delete_after"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Retryable   bool          `json:"retryable,omitempty"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Summary is the outcome of one reap pass.
type Summary struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Deleted   int           `json:"deleted"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Results   []Result      `json:"results"`
}

// Failures returns the results that failed.
func (s Summary) Failures() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	switch r.Status {
	case StatusDeleted:
		s.Deleted++
	case StatusFailed:
		s.Failed++
	case StatusSkipped:
		s.Skipped++
	}
}

// Candidate is an expired record and the guard's verdict on it.
type Candidate struct {
	Record resource.Record `json:"record"`
	Allow  bool            `json:"allow"`
	Reason string          `json:"reason,omitempty"`
}

// journalData is what the journal records per candidate.
type journalData struct {
	Key         resource.Key `json:"key"`
	Type        string       `json:"type"`
	Region      string       `json:"region"`
	ARN         string       `json:"arn"`
	DeleteAfter time.Time    `json:"delete_after"`
	Reason      string       `json:"reason,omitempty"`
}

func newJournalData(rec resource.Record) journalData {
	return journalData{
		Key:         rec.Key(),
		Type:        rec.Type,
		Region:      rec.Region,
		ARN:         rec.ARN,
		DeleteAfter: rec.DeleteAfter,
	}
}
