package service

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

func TestGDriveResolveDirectURL(t *testing.T) {
	d := &gdriveDownloader{}

	info, err := d.Resolve(context.Background(), &models.DownloadJob{
		JobID: "job-1",
		URL:   "https://drive.google.com/file/d/1a2B3c4D5e_F-6g/view?usp=sharing",
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "https://drive.google.com/uc?export=download&id=1a2B3c4D5e_F-6g", info.DownloadURL)
}

func TestGDriveResolveRejectsFolders(t *testing.T) {
	d := &gdriveDownloader{}

	_, err := d.Resolve(context.Background(), &models.DownloadJob{
		JobID: "job-1",
		URL:   "https://drive.google.com/drive/folders/1a2B3c4D5e",
	}, nil)

	assert.ErrorIs(t, err, ErrMediaUnavailable)
}

func TestRegistryRoutesByPlatform(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	registry := NewDownloaderRegistry(logger, &config.Config{})

	_, isGDrive := registry.For(models.PlatformGDrive).(*gdriveDownloader)
	assert.True(t, isGDrive)

	_, isYTDLP := registry.For(models.PlatformYouTube).(*ytdlpDownloader)
	assert.True(t, isYTDLP)
	_, isYTDLP = registry.For(models.PlatformTikTok).(*ytdlpDownloader)
	assert.True(t, isYTDLP)
}

func TestUnavailableClassification(t *testing.T) {
	assert.True(t, isUnavailable("ERROR: [youtube] abc: Video unavailable"))
	assert.True(t, isUnavailable("ERROR: Private video. Sign in if you've been granted access"))
	assert.True(t, isUnavailable("ERROR: unable to download: HTTP Error 404"))
	assert.False(t, isUnavailable("ERROR: Connection refused by proxy"))
	assert.False(t, isUnavailable(""))
}
