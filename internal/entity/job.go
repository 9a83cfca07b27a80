package entity

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusPending           JobStatus = "pending"
	StatusDone              JobStatus = "done"
	StatusFailed            JobStatus = "failed"
	StatusNoRelevantChanges JobStatus = "no_relevant_changes"
)

// ParseStatus maps a stored status string back onto the closed set.
func ParseStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case StatusPending, StatusDone, StatusFailed, StatusNoRelevantChanges:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusNoRelevantChanges:
		return true
	case StatusPending:
		return false
	default:
		return false
	}
}

// Job is one change's diff computation. Diff is set only when Status is done,
// Error only when Status is failed.
type Job struct {
	ID        int64     `json:"id"`
	Change    string    `json:"change"`
	SourceURL string    `json:"source_url"`
	FetchRef  string    `json:"fetch_ref"`
	Project   string    `json:"project"`
	Status    JobStatus `json:"status"`
	Diff      *string   `json:"diff,omitempty"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChangeRef is a resolved change, ready to become a Job.
type ChangeRef struct {
	Change    string
	SourceURL string
	FetchRef  string
	Project   string
}

// ValidChange reports whether s looks like a numeric change identifier.
func ValidChange(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
