package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/numbleroot/autotube/internal/domain"
)

// Dispatcher is the single submission path for download jobs. Scheduled and
// on-demand requests both go through Submit, which makes the
// at-most-one-in-flight-per-video rule hold regardless of origin.
type Dispatcher struct {
	store  domain.JobStore
	intake chan int64
}

// New creates a dispatcher with a buffered intake queue feeding the worker
// pool.
func New(store domain.JobStore, buffer int) *Dispatcher {
	return &Dispatcher{
		store:  store,
		intake: make(chan int64, buffer),
	}
}

// Intake exposes the job queue consumed (and re-fed on retry) by the worker
// pool.
func (d *Dispatcher) Intake() chan int64 {
	return d.intake
}

// Submit records a download job for the video and enqueues it. If the video
// already has a job that rules out a new one, the existing job's id is
// returned instead; submission is idempotent.
func (d *Dispatcher) Submit(ctx context.Context, videoID, videoURL string, origin domain.JobOrigin, channelID string) (int64, error) {
	job := &domain.VideoJob{
		VideoID:   videoID,
		VideoURL:  videoURL,
		Origin:    origin,
		ChannelID: channelID,
		Status:    domain.StatusQueued,
		CreatedAt: time.Now(),
	}

	id, err := d.store.CreateJob(ctx, job)
	if errors.Is(err, domain.ErrDuplicateJob) {
		existing, err := d.store.FindJobByVideoID(ctx, videoID)
		if err != nil {
			return 0, fmt.Errorf("resolve duplicate job for %s: %w", videoID, err)
		}
		logrus.WithFields(logrus.Fields{
			"video_id": videoID,
			"job_id":   existing.ID,
			"status":   existing.Status,
		}).Debug("video already has a job, not resubmitting")
		return existing.ID, nil
	}
	if err != nil {
		return 0, fmt.Errorf("create job for %s: %w", videoID, err)
	}

	select {
	case d.intake <- id:
	case <-ctx.Done():
		// The job row is durable; a startup sweep will pick it up even if we
		// never managed to enqueue it.
		return id, ctx.Err()
	}

	logrus.WithFields(logrus.Fields{
		"video_id": videoID,
		"job_id":   id,
		"origin":   origin,
	}).Info("queued download job")
	return id, nil
}
