package service

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

// platformHosts allow-lists hostnames per platform. Subdomains of a listed
// host are accepted (www., m., mobile., clips., drive., ...).
var platformHosts = map[models.Platform][]string{
	models.PlatformYouTube:   {"youtube.com", "youtu.be"},
	models.PlatformTwitter:   {"twitter.com", "x.com"},
	models.PlatformInstagram: {"instagram.com"},
	models.PlatformTikTok:    {"tiktok.com"},
	models.PlatformRumble:    {"rumble.com"},
	models.PlatformKick:      {"kick.com"},
	models.PlatformTwitch:    {"twitch.tv"},
	models.PlatformGDrive:    {"drive.google.com"},
	models.PlatformZoom:      {"zoom.us"},
}

var (
	twitchVODRe   = regexp.MustCompile(`^/videos/\d+`)
	twitchClipRe  = regexp.MustCompile(`^/(\w+/clip/|clip/)[\w-]+`)
	gdriveFileRe  = regexp.MustCompile(`^/file/d/[\w-]+`)
	youtubeIDRe   = regexp.MustCompile(`^[\w-]{6,}$`)
	zoomClipRe    = regexp.MustCompile(`/(clips|rec/share|rec/play)/`)
	twitterPostRe = regexp.MustCompile(`^/\w+/status/\d+`)
)

// ValidateURL checks that rawURL parses and matches the claimed platform's
// hostname and path shape rules. A bare domain is never a downloadable
// target on any platform.
func ValidateURL(rawURL string, platform models.Platform) bool {
	if !platform.Valid() {
		return false
	}

	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	host := strings.ToLower(parsed.Hostname())
	if !hostAllowed(host, platformHosts[platform]) {
		return false
	}

	switch platform {
	case models.PlatformYouTube:
		return validYouTubePath(parsed, host)
	case models.PlatformTwitch:
		return twitchVODRe.MatchString(parsed.Path) || twitchClipRe.MatchString(parsed.Path) ||
			strings.HasPrefix(host, "clips.")
	case models.PlatformGDrive:
		// Folders are rejected; only specific file ids are downloadable.
		return gdriveFileRe.MatchString(parsed.Path)
	case models.PlatformZoom:
		return zoomClipRe.MatchString(parsed.Path)
	case models.PlatformTwitter:
		return twitterPostRe.MatchString(parsed.Path)
	default:
		// Remaining platforms just need a concrete resource path.
		return len(strings.Trim(parsed.Path, "/")) > 0
	}
}

func hostAllowed(host string, allowed []string) bool {
	for _, a := range allowed {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func validYouTubePath(parsed *url.URL, host string) bool {
	if host == "youtu.be" || strings.HasSuffix(host, ".youtu.be") {
		return youtubeIDRe.MatchString(strings.Trim(parsed.Path, "/"))
	}
	if strings.HasPrefix(parsed.Path, "/watch") {
		return youtubeIDRe.MatchString(parsed.Query().Get("v"))
	}
	for _, prefix := range []string{"/shorts/", "/live/", "/embed/"} {
		if strings.HasPrefix(parsed.Path, prefix) {
			return youtubeIDRe.MatchString(strings.Trim(strings.TrimPrefix(parsed.Path, prefix), "/"))
		}
	}
	return false
}

// NormalizeURL produces the canonical form used for dedup hashing:
// lower-cased and trimmed. Kept deliberately simple so two instances always
// agree on the hash.
func NormalizeURL(rawURL string) string {
	return strings.ToLower(strings.TrimSpace(rawURL))
}
