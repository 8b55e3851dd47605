package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/services/download-service/internal/models"
	"github.com/clipforge/clipforge/services/download-service/internal/repository"
	"github.com/clipforge/clipforge/services/download-service/internal/service"
)

const dequeueWait = 5 * time.Second

// Worker consumes admitted download jobs from the shared queue and runs
// them through the resource pipeline: platform slot, proxy lease, media
// resolution, then the actual fetch. Every acquired resource is released
// exactly once regardless of where the job fails.
type Worker struct {
	jobs        *repository.JobRepository
	admission   *service.AdmissionController
	leases      *service.LeaseManager
	limiter     *service.PlatformLimiter
	downloaders *service.DownloaderRegistry
	logger      *logrus.Logger

	downloadDir     string
	concurrency     int
	resourceTimeout time.Duration
	fetchTimeout    time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewWorker(
	jobs *repository.JobRepository,
	admission *service.AdmissionController,
	leases *service.LeaseManager,
	limiter *service.PlatformLimiter,
	downloaders *service.DownloaderRegistry,
	logger *logrus.Logger,
	cfg *config.Config,
) *Worker {
	concurrency := 4
	if cfg.Worker.Concurrency > 0 {
		concurrency = cfg.Worker.Concurrency
	}

	downloadDir := cfg.Worker.DownloadDir
	if downloadDir == "" {
		downloadDir = os.TempDir()
	}

	resourceTimeout := 30 * time.Second
	if cfg.Proxy.AcquireTimeout > 0 {
		resourceTimeout = cfg.Proxy.AcquireTimeout
	}

	fetchTimeout := 5 * time.Minute
	if cfg.Worker.DownloadTimeout > 0 {
		fetchTimeout = cfg.Worker.DownloadTimeout
	}

	return &Worker{
		jobs:            jobs,
		admission:       admission,
		leases:          leases,
		limiter:         limiter,
		downloaders:     downloaders,
		logger:          logger,
		downloadDir:     downloadDir,
		concurrency:     concurrency,
		resourceTimeout: resourceTimeout,
		fetchTimeout:    fetchTimeout,
		stopChan:        make(chan struct{}),
	}
}

// Start launches the worker goroutines. It returns immediately; call Stop
// to drain.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Infof("Starting %d download workers (dir %s)", w.concurrency, w.downloadDir)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Download workers stopped")
}

func (w *Worker) run(ctx context.Context, id int) {
	defer w.wg.Done()

	log := w.logger.WithField("worker", id)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.jobs.Dequeue(ctx, dequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Failed to dequeue job")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		log.Infof("Processing job %s (%s, user %s)", job.JobID, job.Platform, job.UserID)
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *models.DownloadJob) {
	w.setStage(ctx, job.JobID, models.StageAcquiring, 5)

	slot, err := w.limiter.AcquireSlot(ctx, job.Platform, w.resourceTimeout)
	if err != nil {
		w.failJob(ctx, job, fmt.Errorf("no %s capacity: %w", job.Platform, err))
		return
	}
	defer w.limiter.ReleaseSlot(context.Background(), slot)

	lease, err := w.leases.AcquireLease(ctx, job.Platform, w.resourceTimeout)
	if err != nil {
		w.failJob(ctx, job, fmt.Errorf("no proxy available: %w", err))
		return
	}
	defer w.leases.ReleaseLease(context.Background(), lease)

	w.setStage(ctx, job.JobID, models.StageResolving, 20)

	info, err := w.downloaders.For(job.Platform).Resolve(ctx, job, lease)
	if err != nil {
		// Unavailable media means the endpoint did its job; everything
		// else counts against it.
		if errors.Is(err, service.ErrMediaUnavailable) {
			w.leases.RecordSuccess(lease)
		} else {
			w.leases.RecordFailure(lease, err)
		}
		w.failJob(ctx, job, err)
		return
	}

	w.setStage(ctx, job.JobID, models.StageDownloading, 40)

	outputPath, err := w.fetch(ctx, job, lease, info)
	if err != nil {
		w.leases.RecordFailure(lease, err)
		w.failJob(ctx, job, err)
		return
	}

	w.leases.RecordSuccess(lease)
	w.admission.RecordCompletion(ctx, job.URL, job.UserID, job.JobID)
	service.RecordDownload(string(job.Platform), "completed")

	if err := w.jobs.SetStatus(ctx, job.JobID, &models.JobStatus{
		Status:   "done",
		Stage:    models.StageCompleted,
		Progress: 100,
		Output:   outputPath,
	}); err != nil {
		w.logger.WithError(err).Warnf("Failed to record completion status for job %s", job.JobID)
	}

	w.logger.Infof("Job %s completed: %s", job.JobID, outputPath)
}

// fetch streams the resolved media through the leased endpoint into a
// managed temp directory, then moves the finished file into place. The temp
// directory is always removed.
func (w *Worker) fetch(ctx context.Context, job *models.DownloadJob, lease *models.ProxyLease, info *models.MediaInfo) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.fetchTimeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp(w.downloadDir, "job-"+job.JobID+"-")
	if err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, info.DownloadURL, nil)
	if err != nil {
		return "", fmt.Errorf("malformed media URL: %w", err)
	}

	resp, err := lease.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}

	tmpPath := filepath.Join(tmpDir, "media.mp4")
	file, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}

	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		return "", fmt.Errorf("media fetch interrupted: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize output file: %w", err)
	}

	outputPath := filepath.Join(w.downloadDir, job.JobID+".mp4")
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return "", fmt.Errorf("failed to move output file: %w", err)
	}

	return outputPath, nil
}

func (w *Worker) failJob(ctx context.Context, job *models.DownloadJob, cause error) {
	w.logger.WithError(cause).Warnf("Job %s failed", job.JobID)

	w.admission.RecordFailure(ctx, job.URL, job.UserID)
	service.RecordDownload(string(job.Platform), "failed")

	if err := w.jobs.SetStatus(ctx, job.JobID, &models.JobStatus{
		Status: "error",
		Stage:  models.StageFailed,
		Error:  cause.Error(),
	}); err != nil {
		w.logger.WithError(err).Warnf("Failed to record failure status for job %s", job.JobID)
	}
}

func (w *Worker) setStage(ctx context.Context, jobID, stage string, progress int) {
	if err := w.jobs.SetStatus(ctx, jobID, &models.JobStatus{
		Status:   "processing",
		Stage:    stage,
		Progress: progress,
	}); err != nil {
		w.logger.WithError(err).Warnf("Failed to update status for job %s", jobID)
	}
}
