package youtube

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/numbleroot/autotube/internal/domain"
)

const (
	watchBase = "https://www.youtube.com/watch?v="
	feedBase  = "https://www.youtube.com/feeds/videos.xml"

	// The canonical RSS link element present on every channel webpage.
	feedLinkMarker = `<link rel="alternate" type="application/rss+xml" title="RSS" href="`

	videoIDLen  = 11
	maxPageSize = 4 << 20
)

// WatchURL returns the canonical watch URL for a video id.
func WatchURL(videoID string) string {
	return watchBase + videoID
}

// ExtractVideoID validates a YouTube video URL and returns the video id along
// with the canonical watch URL, discarding any extra query parameters.
func ExtractVideoID(raw string) (string, string, error) {
	u, err := normalize(raw)
	if err != nil {
		return "", "", err
	}
	if !isYouTubeHost(u.Host) {
		return "", "", fmt.Errorf("%w: unsupported host %q", domain.ErrInvalidURL, u.Host)
	}

	// Short youtu.be links carry the id as the path.
	if u.Host == "youtu.be" {
		id := strings.Trim(u.Path, "/")
		if len(id) != videoIDLen {
			return "", "", fmt.Errorf("%w: malformed youtu.be link", domain.ErrInvalidURL)
		}
		return id, WatchURL(id), nil
	}

	if u.Path != "/watch" {
		return "", "", fmt.Errorf("%w: not a watch URL", domain.ErrInvalidURL)
	}
	id := u.Query().Get("v")
	if len(id) != videoIDLen {
		return "", "", fmt.Errorf("%w: video id parameter missing or malformed", domain.ErrInvalidURL)
	}
	return id, WatchURL(id), nil
}

// Resolver turns user-supplied channel URLs into the canonical channel URL
// and the channel's feed URL, fetching the channel webpage when needed.
type Resolver struct {
	client *http.Client
}

// NewResolver creates a resolver with a bounded HTTP timeout.
func NewResolver() *Resolver {
	return &Resolver{client: &http.Client{Timeout: 30 * time.Second}}
}

// NewResolverWithClient creates a resolver around a caller-supplied client.
func NewResolverWithClient(client *http.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve accepts either a direct feed URL (feeds/videos.xml?channel_id=...)
// or a handle URL (youtube.com/@name). Handle URLs are canonicalized and the
// feed URL is scraped from the RSS link element on the channel webpage.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, string, error) {
	u, err := normalize(raw)
	if err != nil {
		return "", "", err
	}
	if !isYouTubeHost(u.Host) {
		return "", "", fmt.Errorf("%w: unsupported host %q", domain.ErrInvalidURL, u.Host)
	}

	if u.Path == "/feeds/videos.xml" && u.Query().Get("channel_id") != "" {
		feedURL := feedBase + "?channel_id=" + u.Query().Get("channel_id")
		return feedURL, feedURL, nil
	}

	if !strings.HasPrefix(u.Path, "/@") {
		return "", "", fmt.Errorf("%w: unsupported or invalid channel URL", domain.ErrInvalidURL)
	}
	handle := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 2)[0]
	channelURL := "https://www.youtube.com/" + strings.ToLower(handle)

	feedURL, err := r.scrapeFeedURL(ctx, channelURL)
	if err != nil {
		return "", "", err
	}
	return channelURL, feedURL, nil
}

func (r *Resolver) scrapeFeedURL(ctx context.Context, channelURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, channelURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetching channel page: %v", domain.ErrInvalidURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: channel page returned %d", domain.ErrInvalidURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", fmt.Errorf("%w: reading channel page: %v", domain.ErrInvalidURL, err)
	}

	page := string(body)
	start := strings.Index(page, feedLinkMarker)
	if start < 0 {
		return "", fmt.Errorf("%w: no feed link on channel page", domain.ErrInvalidURL)
	}
	rest := page[start+len(feedLinkMarker):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return "", fmt.Errorf("%w: malformed feed link on channel page", domain.ErrInvalidURL)
	}

	feedURL := rest[:end]
	if !strings.HasPrefix(feedURL, feedBase+"?channel_id=") {
		return "", fmt.Errorf("%w: unexpected feed URL on channel page", domain.ErrInvalidURL)
	}
	return feedURL, nil
}

func normalize(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty URL", domain.ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidURL, err)
	}
	u.Host = strings.ToLower(u.Host)
	return u, nil
}

func isYouTubeHost(host string) bool {
	switch host {
	case "youtube.com", "www.youtube.com", "m.youtube.com", "youtu.be":
		return true
	}
	return false
}
