package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/numbleroot/autotube/internal/adapter/youtube"
	"github.com/numbleroot/autotube/internal/domain"
)

// Submitter hands newly observed videos to the job pipeline.
type Submitter interface {
	Submit(ctx context.Context, videoID, videoURL string, origin domain.JobOrigin, channelID string) (int64, error)
}

// Scheduler owns the set of followed channels. A single loop sleeps until the
// earliest due check (or a follow wakes it early), pops all due channels,
// diffs their feeds against the stored cursors and submits new videos for
// download, oldest first.
type Scheduler struct {
	store domain.ChannelStore
	feeds domain.FeedFetcher
	jobs  Submitter

	// mu serializes all channel mutations, both follow commands and check
	// processing, giving single-writer-per-channel semantics.
	mu   sync.Mutex
	wake chan struct{}
	now  func() time.Time
}

// New creates a scheduler.
func New(store domain.ChannelStore, feeds domain.FeedFetcher, jobs Submitter) *Scheduler {
	return &Scheduler{
		store: store,
		feeds: feeds,
		jobs:  jobs,
		wake:  make(chan struct{}, 1),
		now:   time.Now,
	}
}

// Follow registers a channel, or updates its frequency if it is already
// followed. The first check of a new channel is due immediately. A nonzero
// downloadAsOf on an already-followed channel explicitly rewinds the cursor
// so the next check re-seeds from the most recent feed items; otherwise the
// cursor is left untouched.
func (s *Scheduler) Follow(ctx context.Context, url, feedURL string, freq domain.Frequency, downloadAsOf int) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := domain.ChannelID(url)

	ch, err := s.store.GetChannel(ctx, id)
	switch {
	case err == nil:
		ch.Frequency = freq
		ch.FeedURL = feedURL
		if downloadAsOf > 0 {
			ch.LastSeenVideoID = ""
			ch.LastSeenPublishedAt = time.Time{}
			ch.DownloadAsOf = downloadAsOf
			ch.NextCheckAt = now
		}
		ch.UpdatedAt = now
	case errors.Is(err, domain.ErrChannelNotFound):
		ch = &domain.Channel{
			ID:           id,
			URL:          url,
			FeedURL:      feedURL,
			Frequency:    freq,
			DownloadAsOf: downloadAsOf,
			NextCheckAt:  now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	default:
		return nil, err
	}

	if err := s.store.UpsertChannel(ctx, ch); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"channel":   ch.ID,
		"url":       ch.URL,
		"frequency": ch.Frequency,
	}).Info("following channel")

	// Nudge the loop in case the new channel is due before its current sleep
	// deadline.
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return ch, nil
}

// Run drives channel checks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	logrus.Info("scheduler started")
	for {
		s.checkDue(ctx)

		wait := time.Hour
		next, err := s.store.NextCheckTime(ctx)
		switch {
		case err == nil:
			wait = next.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		case errors.Is(err, domain.ErrChannelNotFound):
			// No channels followed yet; a follow command will wake us.
		default:
			logrus.WithError(err).Error("scheduler failed to read next due time")
			wait = time.Minute
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			logrus.Info("scheduler shutting down")
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// checkDue processes every channel whose next check time has passed.
func (s *Scheduler) checkDue(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	due, err := s.store.DueChannels(ctx, now)
	if err != nil {
		logrus.WithError(err).Error("scheduler failed to list due channels")
		return
	}

	for i := range due {
		if ctx.Err() != nil {
			return
		}
		s.checkChannel(ctx, &due[i], now)
	}
}

// checkChannel fetches one channel's feed, submits everything newer than the
// stored cursor (or the initial download_as_of window on the first check) and
// advances cursor and next check time. A feed failure only advances the next
// check time; the channel is retried on its normal cadence.
func (s *Scheduler) checkChannel(ctx context.Context, ch *domain.Channel, now time.Time) {
	log := logrus.WithFields(logrus.Fields{"channel": ch.ID, "url": ch.URL})
	nextCheck := ch.NextCheckAfter(now)

	items, err := s.feeds.Fetch(ctx, ch.FeedURL)
	if err != nil {
		log.WithError(err).Warn("feed check failed, keeping cadence")
		if err := s.store.AdvanceChannel(ctx, ch.ID, ch.LastSeenVideoID, ch.LastSeenPublishedAt, nextCheck); err != nil {
			log.WithError(err).Error("failed to advance channel after feed failure")
		}
		return
	}

	var fresh []domain.FeedItem
	if ch.Checked() {
		for _, it := range items {
			if it.PublishedAt.After(ch.LastSeenPublishedAt) {
				fresh = append(fresh, it)
			}
		}
	} else if ch.DownloadAsOf > 0 {
		// First check: seed with the download_as_of most recent items,
		// capped at what the feed actually returned.
		n := ch.DownloadAsOf
		if n > len(items) {
			n = len(items)
		}
		fresh = items[len(items)-n:]
	}

	for _, it := range fresh {
		if _, err := s.jobs.Submit(ctx, it.VideoID, youtube.WatchURL(it.VideoID), domain.OriginScheduled, ch.ID); err != nil {
			log.WithError(err).WithField("video_id", it.VideoID).Error("failed to submit download job")
		}
	}

	// Advance the cursor to the newest item observed, regardless of how the
	// individual downloads turn out. Failures live on the job records, the
	// channel never re-scans history for them. An empty feed on the first
	// check anchors the cursor at now so later checks diff normally.
	cursorID, cursorAt := ch.LastSeenVideoID, ch.LastSeenPublishedAt
	if len(items) > 0 {
		newest := items[len(items)-1]
		if newest.PublishedAt.After(cursorAt) {
			cursorID, cursorAt = newest.VideoID, newest.PublishedAt
		}
	} else if !ch.Checked() {
		cursorAt = now
	}

	if err := s.store.AdvanceChannel(ctx, ch.ID, cursorID, cursorAt, nextCheck); err != nil {
		log.WithError(err).Error("failed to advance channel cursor")
		return
	}

	log.WithFields(logrus.Fields{
		"new_videos": len(fresh),
		"next_check": nextCheck,
	}).Info("channel checked")
}
