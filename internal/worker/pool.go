package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/numbleroot/autotube/internal/domain"
)

// Options configures the download worker pool.
type Options struct {
	Workers         int
	MaxRetries      int
	RetryBackoff    time.Duration
	DownloadTimeout time.Duration
	VideoDir        string
	TmpRoot         string
}

// Pool runs up to Workers download jobs concurrently. Every attempt gets a
// private temp directory under TmpRoot that is removed on every exit path,
// and finished files are promoted into VideoDir atomically.
type Pool struct {
	store domain.JobStore
	dl    domain.Downloader
	queue chan int64
	opts  Options
	wg    sync.WaitGroup
}

// New creates a pool reading job ids from queue. The same channel is used to
// re-enqueue jobs after a retry backoff.
func New(store domain.JobStore, dl domain.Downloader, queue chan int64, opts Options) *Pool {
	return &Pool{
		store: store,
		dl:    dl,
		queue: queue,
		opts:  opts,
	}
}

// Sweep performs the startup crash-recovery pass: jobs left running by a
// previous process lifetime are flipped to retrying with their temp dirs
// discarded, then every queued and retrying job is put back on the queue.
// Call before Run.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	stale, err := p.store.RecoverStale(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	for _, job := range stale {
		if job.TempDir != "" {
			os.RemoveAll(job.TempDir)
		}
		logrus.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"video_id": job.VideoID,
		}).Warn("re-queued job interrupted by restart")
	}

	var ids []int64
	for _, status := range []domain.JobStatus{domain.StatusQueued, domain.StatusRetrying} {
		jobs, err := p.store.JobsInState(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			ids = append(ids, job.ID)
		}
	}

	go func() {
		for _, id := range ids {
			select {
			case p.queue <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return len(ids), nil
}

// Run starts the workers and blocks until the context is cancelled and all
// of them have drained.
func (p *Pool) Run(ctx context.Context) {
	logrus.WithField("workers", p.opts.Workers).Info("worker pool started")
	for i := 0; i < p.opts.Workers; i++ {
		name := uuid.NewString()[:8]
		p.wg.Add(1)
		go p.worker(ctx, name)
	}
	p.wg.Wait()
	logrus.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, name string) {
	defer p.wg.Done()
	log := logrus.WithField("worker", name)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			p.process(ctx, log, id)
		}
	}
}

// process runs a single download attempt for the job.
func (p *Pool) process(ctx context.Context, log *logrus.Entry, id int64) {
	tempDir := filepath.Join(p.opts.TmpRoot, "job-"+uuid.NewString())

	job, err := p.store.ClaimJob(ctx, id, tempDir)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			log.WithField("job_id", id).Debug("job no longer claimable, skipping")
		} else {
			log.WithField("job_id", id).WithError(err).Error("claim failed")
		}
		return
	}

	log = log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"video_id": job.VideoID,
		"attempt":  job.Attempts,
	})

	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		p.settle(ctx, log, job, fmt.Errorf("create temp dir: %w", err))
		return
	}
	defer os.RemoveAll(tempDir)

	log.Info("starting download attempt")

	dctx := ctx
	if p.opts.DownloadTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.opts.DownloadTimeout)
		defer cancel()
	}

	res, err := p.dl.Download(dctx, job.VideoURL, tempDir)
	if err != nil {
		p.settle(ctx, log, job, err)
		return
	}

	if err := p.promote(log, job, res); err != nil {
		p.settle(ctx, log, job, err)
		return
	}

	if err := p.store.CompleteJob(ctx, job.ID); err != nil {
		log.WithError(err).Error("failed to mark job succeeded")
		return
	}
	log.Info("download succeeded")
}

// settle records a failed attempt: under the retry ceiling the job goes back
// on the queue after an exponential backoff, otherwise it fails permanently.
func (p *Pool) settle(ctx context.Context, log *logrus.Entry, job *domain.VideoJob, cause error) {
	log = log.WithError(cause)

	if !job.CanRetry(p.opts.MaxRetries) {
		if err := p.store.FailJob(ctx, job.ID, cause.Error()); err != nil {
			log.WithError(err).Error("failed to mark job failed")
			return
		}
		log.Warn("download failed permanently")
		return
	}

	if err := p.store.RetryJob(ctx, job.ID, cause.Error()); err != nil {
		log.WithError(err).Error("failed to mark job for retry")
		return
	}

	delay := p.opts.RetryBackoff << (job.Attempts - 1)
	log.WithField("delay", delay).Warn("download failed, retrying after backoff")

	id := job.ID
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			// Still durable as retrying; the next startup sweep re-queues it.
		case <-timer.C:
			select {
			case p.queue <- id:
			case <-ctx.Done():
			}
		}
	}()
}

// promote moves the downloaded file into the video directory under its final
// name. The video directory is append-only: an existing final file means the
// video was already downloaded and the attempt short-circuits to success.
func (p *Pool) promote(log *logrus.Entry, job *domain.VideoJob, res *domain.DownloadResult) error {
	if err := os.MkdirAll(p.opts.VideoDir, 0o755); err != nil {
		return fmt.Errorf("create video dir: %w", err)
	}

	dst := filepath.Join(p.opts.VideoDir, finalName(job, res))
	if _, err := os.Stat(dst); err == nil {
		log.WithField("path", dst).Info("final file already present, nothing to do")
		return nil
	}

	if err := os.Rename(res.FilePath, dst); err == nil {
		log.WithField("path", dst).Debug("moved video into place")
		return nil
	}

	// Cross-filesystem move: copy next to the destination, then rename so no
	// partial file is ever visible at the final path.
	part := dst + ".part"
	if err := copyFile(res.FilePath, part); err != nil {
		os.Remove(part)
		return fmt.Errorf("copy video to final dir: %w", err)
	}
	if err := os.Rename(part, dst); err != nil {
		os.Remove(part)
		return fmt.Errorf("finalize video file: %w", err)
	}
	os.Remove(res.FilePath)
	log.WithField("path", dst).Debug("copied video into place")
	return nil
}

// finalName builds a deterministic file name from publish time and video id,
// so the same video always maps to the same final path and files sort by
// publish date.
func finalName(job *domain.VideoJob, res *domain.DownloadResult) string {
	ext := filepath.Ext(res.FilePath)
	if res.PublishedAt.IsZero() {
		return job.VideoID + ext
	}
	return res.PublishedAt.UTC().Format("2006-01-02-15-04-05") + "_" + job.VideoID + ext
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
