package models

import "time"

// Platform is the closed set of sources the service downloads from.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformTwitter   Platform = "twitter"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformRumble    Platform = "rumble"
	PlatformKick      Platform = "kick"
	PlatformTwitch    Platform = "twitch"
	PlatformGDrive    Platform = "gdrive"
	PlatformZoom      Platform = "zoom"
)

// AllPlatforms lists every supported platform tag. Order is stable for
// stats output.
var AllPlatforms = []Platform{
	PlatformYouTube,
	PlatformTwitter,
	PlatformInstagram,
	PlatformTikTok,
	PlatformRumble,
	PlatformKick,
	PlatformTwitch,
	PlatformGDrive,
	PlatformZoom,
}

func (p Platform) Valid() bool {
	for _, known := range AllPlatforms {
		if p == known {
			return true
		}
	}
	return false
}

// AdmissionRequest describes one inbound download request. Constructed fresh
// per call, never mutated.
type AdmissionRequest struct {
	URL      string   `json:"url"`
	UserID   string   `json:"user_id"`
	Platform Platform `json:"platform"`
}

// ReasonCode is the machine-readable rejection classification. The Reason
// string on a decision is display text only; callers must branch on the code.
type ReasonCode string

const (
	ReasonNone            ReasonCode = ""
	ReasonInvalidURL      ReasonCode = "invalid_url"
	ReasonDuplicate       ReasonCode = "duplicate_in_flight"
	ReasonRateLimited     ReasonCode = "rate_limited"
	ReasonUserConcurrency ReasonCode = "user_concurrency_exceeded"
	ReasonBacklogFull     ReasonCode = "backlog_full"
)

// AdmissionDecision is the structured outcome of an admission check.
// Rejections are normal control flow, not errors.
type AdmissionDecision struct {
	Admitted      bool       `json:"admitted"`
	ReasonCode    ReasonCode `json:"reason_code,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	RetryAfterSec int        `json:"retry_after_sec,omitempty"`
	EstWaitSec    int        `json:"est_wait_sec,omitempty"`
	JobID         string     `json:"job_id,omitempty"`
	Cached        bool       `json:"cached,omitempty"`
}

// AdmissionStats is a best-effort snapshot of the global backlog.
type AdmissionStats struct {
	BacklogDepth   int64   `json:"backlog_depth"`
	BacklogCeiling int     `json:"backlog_ceiling"`
	UtilizationPct float64 `json:"utilization_pct"`
}

// DownloadJob is the payload enqueued for a worker once a request is
// admitted.
type DownloadJob struct {
	JobID     string    `json:"job_id"`
	URL       string    `json:"url"`
	UserID    string    `json:"user_id"`
	Platform  Platform  `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStage values mirror the processing pipeline's status vocabulary.
const (
	StageQueued      = "queued"
	StageAcquiring   = "acquiring_resources"
	StageResolving   = "resolving_media"
	StageDownloading = "downloading"
	StageCompleted   = "completed"
	StageFailed      = "failed"
)

// JobStatus is the short-TTL status record workers write as a job moves
// through its stages.
type JobStatus struct {
	Status   string `json:"status"`
	Stage    string `json:"stage"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
	Output   string `json:"output,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (s JobStatus) Terminal() bool {
	return s.Stage == StageCompleted || s.Stage == StageFailed
}

// MediaInfo is what a downloader adapter resolves for an admitted request.
type MediaInfo struct {
	DownloadURL string        `json:"download_url"`
	Title       string        `json:"title,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Thumbnail   string        `json:"thumbnail,omitempty"`
}
