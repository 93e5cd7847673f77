package domain

import "time"

// JobStatus is the derived state of an upload job.
type JobStatus string

const (
	JobStatusRunning             JobStatus = "running"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusRunning, JobStatusCompleted, JobStatusCompletedWithErrors:
		return true
	}
	return false
}

// Job groups the cards submitted together in one upload. Progress is never
// stored; it is derived from the registry on read.
type Job struct {
	ID        string
	CardIDs   []string
	CreatedAt time.Time
}
