package feed

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/numbleroot/autotube/internal/domain"
)

// Checker fetches and parses channel feeds. It keeps no state; every call is
// a fresh read of the feed.
type Checker struct {
	parser  *gofeed.Parser
	timeout time.Duration
}

// New creates a checker with a bounded per-fetch timeout.
func New(timeout time.Duration) *Checker {
	return &Checker{
		parser:  gofeed.NewParser(),
		timeout: timeout,
	}
}

// Fetch returns the feed's videos ordered oldest to newest. Network and
// parse failures wrap domain.ErrFeedUnavailable.
func (c *Checker) Fetch(ctx context.Context, feedURL string) ([]domain.FeedItem, error) {
	fctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	parsed, err := c.parser.ParseURLWithContext(feedURL, fctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrFeedUnavailable, feedURL, err)
	}

	items := make([]domain.FeedItem, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		id := videoID(it)
		if id == "" || it.PublishedParsed == nil {
			continue
		}
		items = append(items, domain.FeedItem{
			VideoID:     id,
			PublishedAt: *it.PublishedParsed,
			Title:       it.Title,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].PublishedAt.Before(items[j].PublishedAt)
	})
	return items, nil
}

// videoID extracts the video id from a feed entry. YouTube feeds carry it as
// a "yt:video:<id>" GUID and as a yt:videoId extension; the entry link's v
// parameter is the fallback.
func videoID(it *gofeed.Item) string {
	if id, ok := strings.CutPrefix(it.GUID, "yt:video:"); ok {
		return id
	}
	if ns, ok := it.Extensions["yt"]; ok {
		if exts, ok := ns["videoId"]; ok && len(exts) > 0 {
			return exts[0].Value
		}
	}
	if u, err := url.Parse(it.Link); err == nil {
		return u.Query().Get("v")
	}
	return ""
}
