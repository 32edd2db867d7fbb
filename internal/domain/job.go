package domain

import "time"

// JobStatus represents the download state of a video job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusRetrying  JobStatus = "retrying"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
)

// Active reports whether the status counts toward the at-most-one-in-flight
// rule per video.
func (s JobStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusRetrying
}

// Terminal reports whether the job reached a final state.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// JobOrigin records how a job entered the system.
type JobOrigin string

const (
	OriginScheduled JobOrigin = "scheduled"
	OriginOnDemand  JobOrigin = "ondemand"
)

// VideoJob represents one video's download attempt(s).
type VideoJob struct {
	ID          int64
	VideoID     string
	VideoURL    string
	Origin      JobOrigin
	ChannelID   string
	Status      JobStatus
	Attempts    int
	LastError   string
	TempDir     string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// CanRetry returns true if the job is allowed another download attempt.
func (j *VideoJob) CanRetry(maxAttempts int) bool {
	return j.Attempts < maxAttempts && !j.Status.Terminal()
}
