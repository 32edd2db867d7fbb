package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/numbleroot/autotube/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS channels (
    id                     TEXT PRIMARY KEY,
    url                    TEXT NOT NULL,
    feed_url               TEXT NOT NULL,
    frequency              TEXT NOT NULL,
    last_seen_video_id     TEXT NOT NULL DEFAULT '',
    last_seen_published_at DATETIME,
    download_as_of         INTEGER NOT NULL DEFAULT 0,
    next_check_at          DATETIME NOT NULL,
    created_at             DATETIME NOT NULL,
    updated_at             DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_channels_next_check ON channels(next_check_at);

CREATE TABLE IF NOT EXISTS jobs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    video_id     TEXT NOT NULL,
    video_url    TEXT NOT NULL,
    origin       TEXT NOT NULL,
    channel_id   TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL DEFAULT 'queued',
    attempts     INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT '',
    temp_dir     TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_video ON jobs(video_id);
`

// Repository implements domain.ChannelStore and domain.JobStore on SQLite.
type Repository struct {
	db *sql.DB
}

// New opens (creating if needed) the SQLite database at dbPath and
// initializes the schema.
func New(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Repository{db: db}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertChannel writes the full channel row, inserting or replacing by id.
func (r *Repository) UpsertChannel(ctx context.Context, ch *domain.Channel) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channels (id, url, feed_url, frequency, last_seen_video_id,
		                       last_seen_published_at, download_as_of, next_check_at,
		                       created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     url                    = excluded.url,
		     feed_url               = excluded.feed_url,
		     frequency              = excluded.frequency,
		     last_seen_video_id     = excluded.last_seen_video_id,
		     last_seen_published_at = excluded.last_seen_published_at,
		     download_as_of         = excluded.download_as_of,
		     next_check_at          = excluded.next_check_at,
		     updated_at             = excluded.updated_at`,
		ch.ID, ch.URL, ch.FeedURL, ch.Frequency, ch.LastSeenVideoID,
		nullTime(ch.LastSeenPublishedAt), ch.DownloadAsOf, ch.NextCheckAt,
		ch.CreatedAt, ch.UpdatedAt,
	)
	return err
}

const channelColumns = `id, url, feed_url, frequency, last_seen_video_id,
	last_seen_published_at, download_as_of, next_check_at, created_at, updated_at`

// GetChannel retrieves a channel by id.
func (r *Repository) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id)
	return scanChannel(row)
}

// DueChannels returns channels due at or before now, earliest first.
func (r *Repository) DueChannels(ctx context.Context, now time.Time) ([]domain.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels
		 WHERE next_check_at <= ? ORDER BY next_check_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// NextCheckTime returns the earliest next_check_at across all channels.
func (r *Repository) NextCheckTime(ctx context.Context) (time.Time, error) {
	var next sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MIN(next_check_at) FROM channels`).Scan(&next)
	if err != nil {
		return time.Time{}, err
	}
	if !next.Valid {
		return time.Time{}, domain.ErrChannelNotFound
	}
	return next.Time, nil
}

// AdvanceChannel moves the channel cursor and next check time in one write.
func (r *Repository) AdvanceChannel(ctx context.Context, id, lastSeenVideoID string, lastSeenPublishedAt, nextCheckAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE channels
		 SET last_seen_video_id = ?, last_seen_published_at = ?,
		     next_check_at = ?, updated_at = ?
		 WHERE id = ?`,
		lastSeenVideoID, nullTime(lastSeenPublishedAt), nextCheckAt, time.Now(), id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrChannelNotFound
	}
	return nil
}

// CreateJob inserts a queued job unless the video is already covered: any
// active or succeeded job blocks, and a failed job blocks scheduled
// resubmission (an on-demand request may try a failed video again).
func (r *Repository) CreateJob(ctx context.Context, job *domain.VideoJob) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (video_id, video_url, origin, channel_id, status, created_at)
		 SELECT ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
		     SELECT 1 FROM jobs
		     WHERE video_id = ?
		       AND (status IN (?, ?, ?, ?) OR (status = ? AND ? = ?))
		 )`,
		job.VideoID, job.VideoURL, job.Origin, job.ChannelID, domain.StatusQueued, job.CreatedAt,
		job.VideoID,
		domain.StatusQueued, domain.StatusRunning, domain.StatusRetrying, domain.StatusSucceeded,
		domain.StatusFailed, job.Origin, domain.OriginScheduled,
	)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, domain.ErrDuplicateJob
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	job.ID = id
	return id, nil
}

const jobColumns = `id, video_id, video_url, origin, channel_id, status,
	attempts, last_error, temp_dir, created_at, completed_at`

// GetJob retrieves a job by id.
func (r *Repository) GetJob(ctx context.Context, id int64) (*domain.VideoJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// FindJobByVideoID returns the most recent job for the video.
func (r *Repository) FindJobByVideoID(ctx context.Context, videoID string) (*domain.VideoJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE video_id = ? ORDER BY id DESC LIMIT 1`, videoID)
	return scanJob(row)
}

// ClaimJob atomically moves a queued or retrying job to running.
func (r *Repository) ClaimJob(ctx context.Context, id int64, tempDir string) (*domain.VideoJob, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, temp_dir = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.StatusRunning, tempDir, id, domain.StatusQueued, domain.StatusRetrying,
	)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, domain.ErrJobNotFound
	}
	return r.GetJob(ctx, id)
}

// CompleteJob marks a job succeeded.
func (r *Repository) CompleteJob(ctx context.Context, id int64) error {
	return r.finishJob(ctx, id, domain.StatusSucceeded, "")
}

// FailJob marks a job permanently failed.
func (r *Repository) FailJob(ctx context.Context, id int64, reason string) error {
	return r.finishJob(ctx, id, domain.StatusFailed, reason)
}

func (r *Repository) finishJob(ctx context.Context, id int64, status domain.JobStatus, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, completed_at = ?, temp_dir = ''
		 WHERE id = ?`,
		status, reason, time.Now(), id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// RetryJob marks a job as awaiting another attempt.
func (r *Repository) RetryJob(ctx context.Context, id int64, reason string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ? WHERE id = ?`,
		domain.StatusRetrying, reason, id,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// JobsInState returns all jobs with the given status, oldest first.
func (r *Repository) JobsInState(ctx context.Context, status domain.JobStatus) ([]domain.VideoJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.VideoJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// RecoverStale flips jobs left running by a crashed process to retrying and
// returns them as they were before the flip.
func (r *Repository) RecoverStale(ctx context.Context) ([]domain.VideoJob, error) {
	stale, err := r.JobsInState(ctx, domain.StatusRunning)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = 'interrupted by restart', temp_dir = ''
		 WHERE status = ?`,
		domain.StatusRetrying, domain.StatusRunning,
	)
	if err != nil {
		return nil, err
	}
	return stale, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChannel(row scanner) (*domain.Channel, error) {
	var ch domain.Channel
	var frequency string
	var lastSeen sql.NullTime
	err := row.Scan(&ch.ID, &ch.URL, &ch.FeedURL, &frequency, &ch.LastSeenVideoID,
		&lastSeen, &ch.DownloadAsOf, &ch.NextCheckAt, &ch.CreatedAt, &ch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	ch.Frequency = domain.Frequency(frequency)
	if lastSeen.Valid {
		ch.LastSeenPublishedAt = lastSeen.Time
	}
	return &ch, nil
}

func scanJob(row scanner) (*domain.VideoJob, error) {
	var job domain.VideoJob
	var origin, status string
	var completed sql.NullTime
	err := row.Scan(&job.ID, &job.VideoID, &job.VideoURL, &origin, &job.ChannelID,
		&status, &job.Attempts, &job.LastError, &job.TempDir, &job.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Origin = domain.JobOrigin(origin)
	job.Status = domain.JobStatus(status)
	if completed.Valid {
		job.CompletedAt = completed.Time
	}
	return &job, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
