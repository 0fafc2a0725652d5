// Package resource defines the inventory model for Overwatch.
package resource

import (
	"fmt"
	"strings"
	"time"
)

// TagDeleteAfter is the tag that marks a resource for reaping.
const TagDeleteAfter = "overwatch-delete-after"

// TagProtect exempts a resource from reaping when set to "true".
const TagProtect = "overwatch-protect"

// AccountRef identifies an external account by the role granted to Overwatch,
// e.g. "arn:aws:iam::123456789012:role/OverwatchAccess".
type AccountRef string

// String returns the raw reference.
func (a AccountRef) String() string {
	return string(a)
}

// AccountID extracts the 12-digit account id from the role ARN.
// Returns "" if the reference is not an ARN.
func (a AccountRef) AccountID() string {
	parts := strings.Split(string(a), ":")
	if len(parts) < 6 || parts[0] != "arn" {
		return ""
	}
	return parts[4]
}

// Validate checks the reference looks like an IAM role ARN.
func (a AccountRef) Validate() error {
	parts := strings.SplitN(string(a), ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "iam" {
		return fmt.Errorf("account ref %q is not an IAM role ARN", string(a))
	}
	if len(parts[4]) != 12 {
		return fmt.Errorf("account ref %q has invalid account id", string(a))
	}
	if !strings.HasPrefix(parts[5], "role/") {
		return fmt.Errorf("account ref %q is not a role", string(a))
	}
	return nil
}

// Key is the identity of a record in the inventory.
type Key struct {
	AccountRef AccountRef `json:"account_ref"`
	ResourceID string     `json:"resource_id"`
}

// String renders the key for logs and journal entries.
func (k Key) String() string {
	return string(k.AccountRef) + "|" + k.ResourceID
}

// Record is one tagged resource observed in an account.
type Record struct {
	AccountRef  AccountRef        `json:"account_ref"`
	ResourceID  string            `json:"resource_id"`
	ARN         string            `json:"arn"`
	Type        string            `json:"type"`   // e.g. "ec2", "s3", "ec2-volume"
	Region      string            `json:"region"` // e.g. "ap-south-1"
	DeleteAfter time.Time         `json:"delete_after"`
	ScannedAt   time.Time         `json:"scanned_at"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Key returns the record's identity key.
func (r Record) Key() Key {
	return Key{AccountRef: r.AccountRef, ResourceID: r.ResourceID}
}

// Expired reports whether the record's expiry is strictly before now.
func (r Record) Expired(now time.Time) bool {
	return r.DeleteAfter.Before(now)
}

// Protected reports whether the record carries the protect tag.
func (r Record) Protected() bool {
	return r.Labels[TagProtect] == "true"
}

// Clone returns a deep copy so callers cannot mutate stored labels.
func (r Record) Clone() Record {
	c := r
	if r.Labels != nil {
		c.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			c.Labels[k] = v
		}
	}
	return c
}

// ScanBatch holds one scanner invocation's worth of observations.
type ScanBatch struct {
	AccountRef AccountRef
	ScannedAt  time.Time
	Records    []Record
	Partial    bool     // true if some regions/kinds failed
	Errors     []string // what failed, when Partial
}

// ParseDeleteAfter parses a delete-after tag value.
// Accepts a calendar date (2006-01-02, midnight UTC) or RFC3339.
func ParseDeleteAfter(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid %s value %q", TagDeleteAfter, value)
}

// IDFromARN derives a resource id the way the tagging API names resources:
// the last "/" segment, else the last ":" segment.
func IDFromARN(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}
