package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		platform models.Platform
		valid    bool
	}{
		// YouTube
		{"youtube watch", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", models.PlatformYouTube, true},
		{"youtube short link", "https://youtu.be/dQw4w9WgXcQ", models.PlatformYouTube, true},
		{"youtube shorts", "https://youtube.com/shorts/abc123XYZ", models.PlatformYouTube, true},
		{"youtube live", "https://www.youtube.com/live/abc123XYZ", models.PlatformYouTube, true},
		{"youtube bare domain", "https://www.youtube.com/", models.PlatformYouTube, false},
		{"youtube missing video id", "https://www.youtube.com/watch", models.PlatformYouTube, false},
		{"youtube wrong host", "https://vimeo.com/watch?v=dQw4w9WgXcQ", models.PlatformYouTube, false},

		// Twitter / X
		{"twitter status", "https://twitter.com/user/status/1234567890", models.PlatformTwitter, true},
		{"x.com status", "https://x.com/user/status/1234567890", models.PlatformTwitter, true},
		{"twitter profile only", "https://twitter.com/user", models.PlatformTwitter, false},

		// Twitch
		{"twitch vod", "https://www.twitch.tv/videos/123456789", models.PlatformTwitch, true},
		{"twitch clip", "https://www.twitch.tv/streamer/clip/FunnyClipName-abc123", models.PlatformTwitch, true},
		{"twitch clips subdomain", "https://clips.twitch.tv/FunnyClipName", models.PlatformTwitch, true},
		{"twitch channel page", "https://www.twitch.tv/streamer", models.PlatformTwitch, false},

		// Google Drive
		{"gdrive file", "https://drive.google.com/file/d/1a2B3c4D5e_F-6g/view", models.PlatformGDrive, true},
		{"gdrive folder", "https://drive.google.com/drive/folders/1a2B3c4D5e", models.PlatformGDrive, false},

		// Zoom
		{"zoom recording share", "https://us02web.zoom.us/rec/share/abcdef123", models.PlatformZoom, true},
		{"zoom clip", "https://zoom.us/clips/abcdef123", models.PlatformZoom, true},
		{"zoom homepage", "https://zoom.us/", models.PlatformZoom, false},

		// Path-presence platforms
		{"instagram reel", "https://www.instagram.com/reel/Cabc123/", models.PlatformInstagram, true},
		{"instagram bare", "https://www.instagram.com/", models.PlatformInstagram, false},
		{"tiktok video", "https://www.tiktok.com/@user/video/7123456789", models.PlatformTikTok, true},
		{"kick clip", "https://kick.com/streamer/clips/clip_123", models.PlatformKick, true},
		{"rumble video", "https://rumble.com/v1abcd-some-video.html", models.PlatformRumble, true},

		// Generic rejections
		{"scheme missing", "www.youtube.com/watch?v=dQw4w9WgXcQ", models.PlatformYouTube, false},
		{"ftp scheme", "ftp://youtube.com/watch?v=dQw4w9WgXcQ", models.PlatformYouTube, false},
		{"unknown platform", "https://example.com/video/1", models.Platform("vimeo"), false},
		{"platform mismatch", "https://www.tiktok.com/@user/video/712345", models.PlatformInstagram, false},
		{"lookalike host", "https://youtube.com.evil.example/watch?v=dQw4w9WgXcQ", models.PlatformYouTube, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidateURL(tt.url, tt.platform))
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://youtu.be/abc123x", NormalizeURL("  HTTPS://YouTu.be/abc123x \n"))

	// Two spellings of the same URL must hash identically.
	a := hashURL(NormalizeURL("https://www.youtube.com/watch?v=AbC123xyz"))
	b := hashURL(NormalizeURL(" HTTPS://WWW.YOUTUBE.COM/watch?v=abc123xyz  "))
	assert.Equal(t, a, b)
}
