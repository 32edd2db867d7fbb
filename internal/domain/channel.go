package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Frequency is the named polling cadence of a followed channel.
type Frequency string

const (
	FrequencyOften     Frequency = "often"     // every 2 hours
	FrequencySometimes Frequency = "sometimes" // every 9 hours
	FrequencyRarely    Frequency = "rarely"    // every 24 hours
)

// ParseFrequency converts a request string into a Frequency.
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(s) {
	case FrequencyOften, FrequencySometimes, FrequencyRarely:
		return Frequency(s), nil
	}
	return "", ErrInvalidFrequency
}

// Interval returns the poll interval the frequency maps to.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyOften:
		return 2 * time.Hour
	case FrequencySometimes:
		return 9 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Channel is a followed content source, checked periodically for new videos.
type Channel struct {
	ID                  string
	URL                 string
	FeedURL             string
	Frequency           Frequency
	LastSeenVideoID     string
	LastSeenPublishedAt time.Time
	DownloadAsOf        int
	NextCheckAt         time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Checked reports whether the channel has completed at least one feed check.
// The cursor fields are only meaningful once this is true.
func (c *Channel) Checked() bool {
	return !c.LastSeenPublishedAt.IsZero()
}

// NextCheckAfter computes the next due time, anchored to the previous
// NextCheckAt rather than to now, so the cadence does not drift. If the
// process slept through multiple intervals the result skips forward to the
// first anchor strictly after now instead of replaying the backlog.
func (c *Channel) NextCheckAfter(now time.Time) time.Time {
	interval := c.Frequency.Interval()
	next := c.NextCheckAt.Add(interval)
	for !next.After(now) {
		next = next.Add(interval)
	}
	return next
}

// ChannelID derives the stable, opaque identifier for a channel URL.
func ChannelID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:6])
}
