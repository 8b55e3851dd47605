package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

// ErrJobNotFound is returned when no status record exists for a job ID.
var ErrJobNotFound = fmt.Errorf("job not found")

// JobRepository stores the download work queue and per-job status records
// in Redis. Workers on any host share the same queue.
type JobRepository struct {
	redis     *redis.Client
	queueKey  string
	statusTTL time.Duration
}

func NewJobRepository(redisClient *redis.Client, queueKey string, statusTTL time.Duration) *JobRepository {
	if queueKey == "" {
		queueKey = "clipforge:download:jobs"
	}
	if statusTTL <= 0 {
		statusTTL = 30 * time.Minute
	}

	return &JobRepository{
		redis:     redisClient,
		queueKey:  queueKey,
		statusTTL: statusTTL,
	}
}

// Enqueue pushes a job onto the work queue and writes its initial status.
func (r *JobRepository) Enqueue(ctx context.Context, job *models.DownloadJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.JobID, err)
	}

	if err := r.redis.LPush(ctx, r.queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.JobID, err)
	}

	return r.SetStatus(ctx, job.JobID, &models.JobStatus{
		Status: "processing",
		Stage:  models.StageQueued,
	})
}

// Dequeue blocks up to timeout waiting for the next job. Returns nil, nil
// when the wait expires with an empty queue.
func (r *JobRepository) Dequeue(ctx context.Context, timeout time.Duration) (*models.DownloadJob, error) {
	result, err := r.redis.BRPop(ctx, timeout, r.queueKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	// BRPop returns [key, value].
	var job models.DownloadJob
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("malformed job payload: %w", err)
	}

	return &job, nil
}

// QueueDepth reports the number of jobs waiting in the queue.
func (r *JobRepository) QueueDepth(ctx context.Context) (int64, error) {
	return r.redis.LLen(ctx, r.queueKey).Result()
}

// SetStatus writes the job's status record with a fresh TTL so stale records
// expire on their own.
func (r *JobRepository) SetStatus(ctx context.Context, jobID string, status *models.JobStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status for job %s: %w", jobID, err)
	}
	return r.redis.Set(ctx, r.statusKey(jobID), data, r.statusTTL).Err()
}

// GetStatus loads a job's status record.
func (r *JobRepository) GetStatus(ctx context.Context, jobID string) (*models.JobStatus, error) {
	data, err := r.redis.Get(ctx, r.statusKey(jobID)).Result()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load status for job %s: %w", jobID, err)
	}

	var status models.JobStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, fmt.Errorf("malformed status for job %s: %w", jobID, err)
	}
	return &status, nil
}

// IsLive reports whether a job is still queued or being worked. Expired and
// terminal jobs are not live, so stale dedup mappings stop blocking.
func (r *JobRepository) IsLive(ctx context.Context, jobID string) (bool, error) {
	status, err := r.GetStatus(ctx, jobID)
	if err == ErrJobNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !status.Terminal(), nil
}

func (r *JobRepository) statusKey(jobID string) string {
	return "dl:status:" + jobID
}
