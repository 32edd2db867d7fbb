package domain

import (
	"context"
	"time"
)

// FeedItem is one published video from a channel feed.
type FeedItem struct {
	VideoID     string
	PublishedAt time.Time
	Title       string
}

// DownloadResult describes the media file an external downloader produced.
type DownloadResult struct {
	FilePath    string
	PublishedAt time.Time
}

// ChannelStore is the driven port for channel persistence. Writes to a given
// channel row are atomic; callers serialize per-channel updates.
type ChannelStore interface {
	UpsertChannel(ctx context.Context, ch *Channel) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	// DueChannels returns channels with NextCheckAt <= now, earliest first.
	DueChannels(ctx context.Context, now time.Time) ([]Channel, error)
	// NextCheckTime returns the earliest NextCheckAt of any channel, or
	// ErrChannelNotFound when no channels are followed yet.
	NextCheckTime(ctx context.Context) (time.Time, error)
	AdvanceChannel(ctx context.Context, id, lastSeenVideoID string, lastSeenPublishedAt, nextCheckAt time.Time) error
}

// JobStore is the driven port for video job persistence.
type JobStore interface {
	// CreateJob inserts a queued job, enforcing the per-video dedup rules:
	// a video with an active or succeeded job never gets a second one, and a
	// failed job additionally blocks scheduled resubmission. Returns
	// ErrDuplicateJob when the insert is ruled out.
	CreateJob(ctx context.Context, job *VideoJob) (int64, error)
	GetJob(ctx context.Context, id int64) (*VideoJob, error)
	// FindJobByVideoID returns the most recent job for a video.
	FindJobByVideoID(ctx context.Context, videoID string) (*VideoJob, error)
	// ClaimJob moves a queued or retrying job to running, bumping its
	// attempt count and recording the temp dir of the new attempt.
	ClaimJob(ctx context.Context, id int64, tempDir string) (*VideoJob, error)
	CompleteJob(ctx context.Context, id int64) error
	FailJob(ctx context.Context, id int64, reason string) error
	RetryJob(ctx context.Context, id int64, reason string) error
	JobsInState(ctx context.Context, status JobStatus) ([]VideoJob, error)
	// RecoverStale flips jobs left running by a previous process lifetime to
	// retrying and returns them as they were, so their temp dirs can be
	// discarded.
	RecoverStale(ctx context.Context) ([]VideoJob, error)
}

// FeedFetcher is the driven port for reading a channel feed. Items come back
// ordered oldest to newest.
type FeedFetcher interface {
	Fetch(ctx context.Context, feedURL string) ([]FeedItem, error)
}

// Downloader is the driven port wrapping the external download command. It
// either produces a media file inside dir or fails.
type Downloader interface {
	Download(ctx context.Context, videoURL, dir string) (*DownloadResult, error)
}
