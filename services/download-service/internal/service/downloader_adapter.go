package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

// ErrMediaUnavailable marks resolution failures caused by the media itself
// (removed, private, geo-blocked) rather than by our infrastructure. These
// should not count against the proxy endpoint.
var ErrMediaUnavailable = errors.New("downloader: media unavailable")

// Downloader resolves a source URL into directly fetchable media metadata,
// routing any network traffic through the supplied lease.
type Downloader interface {
	Resolve(ctx context.Context, job *models.DownloadJob, lease *models.ProxyLease) (*models.MediaInfo, error)
}

// DownloaderRegistry maps platforms to their adapters. Most platforms go
// through yt-dlp; Google Drive links resolve to a direct export URL without
// an external process.
type DownloaderRegistry struct {
	ytdlp  *ytdlpDownloader
	gdrive *gdriveDownloader
}

func NewDownloaderRegistry(logger *logrus.Logger, cfg *config.Config) *DownloaderRegistry {
	binary := "yt-dlp"
	if cfg.Worker.YTDLPPath != "" {
		binary = cfg.Worker.YTDLPPath
	}

	timeout := 5 * time.Minute
	if cfg.Worker.DownloadTimeout > 0 {
		timeout = cfg.Worker.DownloadTimeout
	}

	return &DownloaderRegistry{
		ytdlp:  &ytdlpDownloader{binary: binary, timeout: timeout, logger: logger},
		gdrive: &gdriveDownloader{},
	}
}

func (r *DownloaderRegistry) For(platform models.Platform) Downloader {
	if platform == models.PlatformGDrive {
		return r.gdrive
	}
	return r.ytdlp
}

// ytdlpDownloader shells out to yt-dlp in metadata-only mode. The subprocess
// inherits the job context so a cancelled job kills the process.
type ytdlpDownloader struct {
	binary  string
	timeout time.Duration
	logger  *logrus.Logger
}

// ytdlpOutput is the subset of yt-dlp's single-json dump we consume.
type ytdlpOutput struct {
	URL                string  `json:"url"`
	Title              string  `json:"title"`
	Duration           float64 `json:"duration"`
	Thumbnail          string  `json:"thumbnail"`
	RequestedDownloads []struct {
		URL string `json:"url"`
	} `json:"requested_downloads"`
}

var unavailablePatterns = []string{
	"video unavailable",
	"private video",
	"this video is not available",
	"members-only",
	"removed by the uploader",
	"account terminated",
	"geo restricted",
	"http error 404",
	"http error 410",
}

func (d *ytdlpDownloader) Resolve(ctx context.Context, job *models.DownloadJob, lease *models.ProxyLease) (*models.MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	args := []string{
		"--dump-single-json",
		"--no-playlist",
		"--no-warnings",
		"--format", "best[ext=mp4]/best",
	}
	if lease != nil {
		args = append(args, "--proxy", lease.Endpoint.URL())
	}
	args = append(args, job.URL)

	cmd := exec.CommandContext(ctx, d.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := lastLine(stderr.String())
		d.logger.WithError(err).Debugf("yt-dlp failed for job %s: %s", job.JobID, detail)

		if ctx.Err() != nil {
			return nil, fmt.Errorf("media resolution timed out: %w", ctx.Err())
		}
		if isUnavailable(detail) {
			return nil, fmt.Errorf("%w: %s", ErrMediaUnavailable, detail)
		}
		return nil, fmt.Errorf("media resolution failed: %s: %w", detail, err)
	}

	var out ytdlpOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("malformed yt-dlp output for job %s: %w", job.JobID, err)
	}

	downloadURL := out.URL
	if downloadURL == "" && len(out.RequestedDownloads) > 0 {
		downloadURL = out.RequestedDownloads[0].URL
	}
	if downloadURL == "" {
		return nil, fmt.Errorf("%w: no downloadable format reported", ErrMediaUnavailable)
	}

	return &models.MediaInfo{
		DownloadURL: downloadURL,
		Title:       out.Title,
		Duration:    time.Duration(out.Duration * float64(time.Second)),
		Thumbnail:   out.Thumbnail,
	}, nil
}

func isUnavailable(detail string) bool {
	lowered := strings.ToLower(detail)
	for _, pattern := range unavailablePatterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// gdriveDownloader turns a Drive file link into the direct export URL. No
// subprocess and no metadata beyond the file ID are needed.
type gdriveDownloader struct{}

var gdriveIDRe = regexp.MustCompile(`^/file/d/([\w-]+)`)

func (d *gdriveDownloader) Resolve(_ context.Context, job *models.DownloadJob, _ *models.ProxyLease) (*models.MediaInfo, error) {
	parsed, err := url.Parse(job.URL)
	if err != nil {
		return nil, fmt.Errorf("malformed drive URL: %w", err)
	}

	match := gdriveIDRe.FindStringSubmatch(parsed.Path)
	if match == nil {
		return nil, fmt.Errorf("%w: no file id in drive URL", ErrMediaUnavailable)
	}
	fileID := match[1]

	return &models.MediaInfo{
		DownloadURL: "https://drive.google.com/uc?export=download&id=" + fileID,
		Title:       "drive-" + fileID,
	}, nil
}
