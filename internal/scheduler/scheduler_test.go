package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/numbleroot/autotube/internal/domain"
)

// mockChannelStore implements domain.ChannelStore in memory.
type mockChannelStore struct {
	mu       sync.Mutex
	channels map[string]*domain.Channel
}

func newMockChannelStore() *mockChannelStore {
	return &mockChannelStore{channels: make(map[string]*domain.Channel)}
}

func (m *mockChannelStore) UpsertChannel(ctx context.Context, ch *domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ch
	m.channels[ch.ID] = &cp
	return nil
}

func (m *mockChannelStore) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	cp := *ch
	return &cp, nil
}

func (m *mockChannelStore) DueChannels(ctx context.Context, now time.Time) ([]domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []domain.Channel
	for _, ch := range m.channels {
		if !ch.NextCheckAt.After(now) {
			due = append(due, *ch)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextCheckAt.Before(due[j].NextCheckAt) })
	return due, nil
}

func (m *mockChannelStore) NextCheckTime(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next time.Time
	for _, ch := range m.channels {
		if next.IsZero() || ch.NextCheckAt.Before(next) {
			next = ch.NextCheckAt
		}
	}
	if next.IsZero() {
		return time.Time{}, domain.ErrChannelNotFound
	}
	return next, nil
}

func (m *mockChannelStore) AdvanceChannel(ctx context.Context, id, lastSeenVideoID string, lastSeenPublishedAt, nextCheckAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	if !ok {
		return domain.ErrChannelNotFound
	}
	ch.LastSeenVideoID = lastSeenVideoID
	ch.LastSeenPublishedAt = lastSeenPublishedAt
	ch.NextCheckAt = nextCheckAt
	return nil
}

// fakeFetcher returns canned feed items or an error.
type fakeFetcher struct {
	items []domain.FeedItem
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, feedURL string) ([]domain.FeedItem, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

// fakeSubmitter records submissions in order.
type fakeSubmitter struct {
	mu       sync.Mutex
	videoIDs []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, videoID, videoURL string, origin domain.JobOrigin, channelID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoIDs = append(f.videoIDs, videoID)
	return int64(len(f.videoIDs)), nil
}

func feedItems(published ...time.Time) []domain.FeedItem {
	items := make([]domain.FeedItem, len(published))
	for i, ts := range published {
		items[i] = domain.FeedItem{
			VideoID:     videoID(i),
			PublishedAt: ts,
			Title:       "video",
		}
	}
	return items
}

func videoID(i int) string {
	return string(rune('a'+i)) + "0000000000"
}

func newTestScheduler(store *mockChannelStore, fetcher *fakeFetcher, subs *fakeSubmitter, now time.Time) *Scheduler {
	s := New(store, fetcher, subs)
	s.now = func() time.Time { return now }
	return s
}

func TestFollowNewChannel(t *testing.T) {
	store := newMockChannelStore()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(store, &fakeFetcher{}, &fakeSubmitter{}, now)

	ch, err := s.Follow(context.Background(), "https://www.youtube.com/@chan", "https://www.youtube.com/feeds/videos.xml?channel_id=UCx", domain.FrequencyRarely, 2)
	if err != nil {
		t.Fatalf("Follow() error = %v", err)
	}

	if !ch.NextCheckAt.Equal(now) {
		t.Errorf("NextCheckAt = %v, want immediate first check at %v", ch.NextCheckAt, now)
	}
	if ch.DownloadAsOf != 2 {
		t.Errorf("DownloadAsOf = %d, want 2", ch.DownloadAsOf)
	}
	if ch.Checked() {
		t.Error("new channel already has a cursor")
	}
	if _, err := store.GetChannel(context.Background(), ch.ID); err != nil {
		t.Errorf("channel not persisted: %v", err)
	}
}

func TestFollowExistingUpdatesFrequencyOnly(t *testing.T) {
	store := newMockChannelStore()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(store, &fakeFetcher{}, &fakeSubmitter{}, now)
	ctx := context.Background()

	url := "https://www.youtube.com/@chan"
	first, _ := s.Follow(ctx, url, "feed", domain.FrequencyOften, 0)
	// Simulate a completed check.
	seen := now.Add(-time.Hour)
	store.AdvanceChannel(ctx, first.ID, "x0000000000", seen, now.Add(2*time.Hour))

	again, err := s.Follow(ctx, url, "feed", domain.FrequencyRarely, 0)
	if err != nil {
		t.Fatalf("Follow() error = %v", err)
	}

	if again.ID != first.ID {
		t.Errorf("re-follow created new channel %q, want %q", again.ID, first.ID)
	}
	if again.Frequency != domain.FrequencyRarely {
		t.Errorf("Frequency = %q, want %q", again.Frequency, domain.FrequencyRarely)
	}
	if again.LastSeenVideoID != "x0000000000" || !again.LastSeenPublishedAt.Equal(seen) {
		t.Error("re-follow without download_as_of moved the cursor")
	}
}

func TestFollowExistingRewindsCursorOnExplicitRequest(t *testing.T) {
	store := newMockChannelStore()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(store, &fakeFetcher{}, &fakeSubmitter{}, now)
	ctx := context.Background()

	url := "https://www.youtube.com/@chan"
	first, _ := s.Follow(ctx, url, "feed", domain.FrequencyOften, 0)
	store.AdvanceChannel(ctx, first.ID, "x0000000000", now.Add(-time.Hour), now.Add(2*time.Hour))

	again, err := s.Follow(ctx, url, "feed", domain.FrequencyOften, 3)
	if err != nil {
		t.Fatalf("Follow() error = %v", err)
	}

	if again.Checked() {
		t.Error("explicit download_as_of did not rewind the cursor")
	}
	if again.DownloadAsOf != 3 {
		t.Errorf("DownloadAsOf = %d, want 3", again.DownloadAsOf)
	}
	if !again.NextCheckAt.Equal(now) {
		t.Errorf("NextCheckAt = %v, want immediate re-check at %v", again.NextCheckAt, now)
	}
}

func TestCheckDueSubmitsNewVideosInPublishOrder(t *testing.T) {
	store := newMockChannelStore()
	subs := &fakeSubmitter{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	t1, t2, t3 := now.Add(-3*time.Hour), now.Add(-2*time.Hour), now.Add(-time.Hour)
	fetcher := &fakeFetcher{items: feedItems(t1, t2, t3)}
	s := newTestScheduler(store, fetcher, subs, now)
	ctx := context.Background()

	anchor := now.Add(-10 * time.Minute)
	store.UpsertChannel(ctx, &domain.Channel{
		ID:                  "chan1",
		FeedURL:             "feed",
		Frequency:           domain.FrequencyOften,
		LastSeenVideoID:     videoID(0),
		LastSeenPublishedAt: t1,
		NextCheckAt:         anchor,
	})

	s.checkDue(ctx)

	want := []string{videoID(1), videoID(2)}
	if len(subs.videoIDs) != len(want) {
		t.Fatalf("submitted %v, want %v", subs.videoIDs, want)
	}
	for i := range want {
		if subs.videoIDs[i] != want[i] {
			t.Fatalf("submitted %v, want %v (publish order)", subs.videoIDs, want)
		}
	}

	ch, _ := store.GetChannel(ctx, "chan1")
	if ch.LastSeenVideoID != videoID(2) || !ch.LastSeenPublishedAt.Equal(t3) {
		t.Errorf("cursor = (%s, %v), want (%s, %v)", ch.LastSeenVideoID, ch.LastSeenPublishedAt, videoID(2), t3)
	}
	if want := anchor.Add(2 * time.Hour); !ch.NextCheckAt.Equal(want) {
		t.Errorf("NextCheckAt = %v, want %v (anchored to previous due time)", ch.NextCheckAt, want)
	}
}

func TestCheckDueFirstCheckHonorsDownloadAsOf(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	published := []time.Time{
		now.Add(-5 * time.Hour), now.Add(-4 * time.Hour), now.Add(-3 * time.Hour),
		now.Add(-2 * time.Hour), now.Add(-time.Hour),
	}

	tests := []struct {
		name         string
		downloadAsOf int
		want         []string
	}{
		{"cap below feed length", 2, []string{videoID(3), videoID(4)}},
		{"request exceeds feed length", 10, []string{videoID(0), videoID(1), videoID(2), videoID(3), videoID(4)}},
		{"zero downloads nothing", 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockChannelStore()
			subs := &fakeSubmitter{}
			fetcher := &fakeFetcher{items: feedItems(published...)}
			s := newTestScheduler(store, fetcher, subs, now)
			ctx := context.Background()

			store.UpsertChannel(ctx, &domain.Channel{
				ID:           "chan1",
				FeedURL:      "feed",
				Frequency:    domain.FrequencyRarely,
				DownloadAsOf: tt.downloadAsOf,
				NextCheckAt:  now,
			})

			s.checkDue(ctx)

			if len(subs.videoIDs) != len(tt.want) {
				t.Fatalf("submitted %v, want %v", subs.videoIDs, tt.want)
			}
			for i := range tt.want {
				if subs.videoIDs[i] != tt.want[i] {
					t.Fatalf("submitted %v, want %v", subs.videoIDs, tt.want)
				}
			}

			// The cursor lands on the newest item either way.
			ch, _ := store.GetChannel(ctx, "chan1")
			if ch.LastSeenVideoID != videoID(4) {
				t.Errorf("cursor video = %s, want %s", ch.LastSeenVideoID, videoID(4))
			}
		})
	}
}

func TestCheckDueFeedFailureKeepsCadence(t *testing.T) {
	store := newMockChannelStore()
	subs := &fakeSubmitter{}
	fetcher := &fakeFetcher{err: domain.ErrFeedUnavailable}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(store, fetcher, subs, now)
	ctx := context.Background()

	seen := now.Add(-3 * time.Hour)
	anchor := now.Add(-time.Minute)
	store.UpsertChannel(ctx, &domain.Channel{
		ID:                  "chan1",
		FeedURL:             "feed",
		Frequency:           domain.FrequencyOften,
		LastSeenVideoID:     videoID(0),
		LastSeenPublishedAt: seen,
		NextCheckAt:         anchor,
	})

	s.checkDue(ctx)

	if len(subs.videoIDs) != 0 {
		t.Errorf("submitted %v on feed failure, want none", subs.videoIDs)
	}
	ch, _ := store.GetChannel(ctx, "chan1")
	if ch.LastSeenVideoID != videoID(0) || !ch.LastSeenPublishedAt.Equal(seen) {
		t.Error("feed failure moved the cursor")
	}
	if want := anchor.Add(2 * time.Hour); !ch.NextCheckAt.Equal(want) {
		t.Errorf("NextCheckAt = %v, want %v (normal cadence, no busy retry)", ch.NextCheckAt, want)
	}
}

func TestCheckDueSkipsBacklogAfterLongSleep(t *testing.T) {
	store := newMockChannelStore()
	subs := &fakeSubmitter{}
	fetcher := &fakeFetcher{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(store, fetcher, subs, now)
	ctx := context.Background()

	// Due three intervals ago: the process was asleep.
	anchor := now.Add(-6*time.Hour - 10*time.Minute)
	store.UpsertChannel(ctx, &domain.Channel{
		ID:                  "chan1",
		FeedURL:             "feed",
		Frequency:           domain.FrequencyOften,
		LastSeenVideoID:     videoID(0),
		LastSeenPublishedAt: now.Add(-24 * time.Hour),
		NextCheckAt:         anchor,
	})

	s.checkDue(ctx)

	if fetcher.calls != 1 {
		t.Errorf("feed fetched %d times, want exactly 1 (no backlog replay)", fetcher.calls)
	}
	ch, _ := store.GetChannel(ctx, "chan1")
	if !ch.NextCheckAt.After(now) {
		t.Errorf("NextCheckAt = %v, want strictly after %v", ch.NextCheckAt, now)
	}
	if offset := ch.NextCheckAt.Sub(anchor) % (2 * time.Hour); offset != 0 {
		t.Errorf("NextCheckAt drifted off the anchor grid by %v", offset)
	}
}

func TestCheckDueFirstCheckEmptyFeedSetsCursor(t *testing.T) {
	store := newMockChannelStore()
	fetcher := &fakeFetcher{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(store, fetcher, &fakeSubmitter{}, now)
	ctx := context.Background()

	store.UpsertChannel(ctx, &domain.Channel{
		ID:           "chan1",
		FeedURL:      "feed",
		Frequency:    domain.FrequencyOften,
		DownloadAsOf: 5,
		NextCheckAt:  now,
	})

	s.checkDue(ctx)

	ch, _ := store.GetChannel(ctx, "chan1")
	if !ch.Checked() {
		t.Error("first check of empty feed left the channel unchecked")
	}
}

func TestRunWakesOnFollow(t *testing.T) {
	store := newMockChannelStore()
	subs := &fakeSubmitter{}
	fetcher := &fakeFetcher{items: feedItems(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))}
	s := New(store, fetcher, subs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	// No channels yet: the loop idles. A follow makes the first check run
	// without waiting for a timer.
	if _, err := s.Follow(ctx, "https://www.youtube.com/@chan", "feed", domain.FrequencyOften, 1); err != nil {
		t.Fatalf("Follow() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		subs.mu.Lock()
		n := len(subs.videoIDs)
		subs.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("scheduler did not check the new channel after follow")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on context cancellation")
	}
}
