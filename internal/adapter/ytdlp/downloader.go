package ytdlp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/numbleroot/autotube/internal/domain"
)

// Marker wrapped around the upload timestamp in yt-dlp's output, so it can
// be told apart from anything else the process prints.
const timestampToken = "___@%(timestamp)s@___"

// Client shells out to yt-dlp for single-video downloads.
type Client struct {
	bin string
}

// New creates a client for the yt-dlp binary on PATH.
func New() *Client {
	return &Client{bin: "yt-dlp"}
}

// Probe verifies that the yt-dlp binary is callable.
func (c *Client) Probe(ctx context.Context) error {
	if err := exec.CommandContext(ctx, c.bin, "--version").Run(); err != nil {
		return fmt.Errorf("no callable %q binary, make sure it is installed: %w", c.bin, err)
	}
	return nil
}

// Download fetches the video into dir under a fixed stem and returns the
// produced file along with the video's publish time parsed from the yt-dlp
// output. The caller owns dir and its cleanup.
func (c *Client) Download(ctx context.Context, videoURL, dir string) (*domain.DownloadResult, error) {
	cmd := exec.CommandContext(ctx, c.bin,
		"--quiet",
		"--no-simulate",
		"--no-warnings",
		"--no-progress",
		"--print", timestampToken,
		"--embed-subs",
		"--embed-thumbnail",
		"--embed-metadata",
		"--output", filepath.Join(dir, "download.%(ext)s"),
		videoURL,
	)
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: yt-dlp: %v: %s", domain.ErrDownloadFailed, err, firstLine(out))
	}

	path, err := findProduced(dir)
	if err != nil {
		return nil, err
	}

	return &domain.DownloadResult{
		FilePath:    path,
		PublishedAt: publishedFromOutput(out),
	}, nil
}

// findProduced locates the media file yt-dlp wrote into dir. A missing file
// means the download failed despite a zero exit status.
func findProduced(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: listing %s: %v", domain.ErrDownloadFailed, dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), "download.") {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", fmt.Errorf("%w: yt-dlp produced no output file", domain.ErrDownloadFailed)
}

// publishedFromOutput extracts the upload time printed between the timestamp
// markers. Zero when absent or unparseable; the publish time only feeds the
// final file name.
func publishedFromOutput(out []byte) time.Time {
	s := string(out)
	start := strings.Index(s, "___@")
	if start < 0 {
		return time.Time{}
	}
	rest := s[start+4:]
	end := strings.Index(rest, "@___")
	if end < 0 {
		return time.Time{}
	}
	unix, err := strconv.ParseInt(strings.TrimSpace(rest[:end]), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
