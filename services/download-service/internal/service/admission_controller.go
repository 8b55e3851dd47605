package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clipforge/clipforge/pkg/cache"
	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/messaging"
	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

// Store key layout. Everything lives in the shared store so multiple service
// instances cooperate on the same counters and sets.
const (
	keyJobPrefix    = "dl:job:"       // url-hash -> in-flight job id
	keyRecentPrefix = "dl:recent:"    // url-hash -> recently completed job id
	keyActivePrefix = "dl:active:"    // user id -> set of active normalized urls
	keyRatePrefix   = "dl:ratelimit:" // user id -> window counter
	keyBacklog      = "dl:backlog"    // global admitted-but-incomplete counter
)

// inFlightJobTTL bounds every piece of in-flight bookkeeping (url->job
// mapping, user active sets, the backlog counter) so a crashed worker that
// never reports back cannot block a URL, hold a user concurrency slot, or
// inflate the backlog forever. Refreshed on every write, so it only fires
// when the state has gone completely stale.
const inFlightJobTTL = 24 * time.Hour

const (
	userConcurrencyWaitSec = 180
	backlogFullWaitSec     = 300
)

// JobQueue is the slice of the job queue the admission controller needs:
// whether a previously issued job still exists, to keep dedup mappings fresh.
type JobQueue interface {
	IsLive(ctx context.Context, jobID string) (bool, error)
}

// AdmissionController decides whether an inbound download may proceed. It is
// a protective layer: when the shared store is unreachable every check fails
// open, because wrongly rejecting legitimate traffic is worse than briefly
// over-admitting.
type AdmissionController struct {
	store  cache.Store
	jobs   JobQueue
	events messaging.EventPublisher
	logger *logrus.Logger

	backlogCeiling    int
	rateLimitRequests int
	rateLimitWindow   time.Duration
	userMaxActiveJobs int
	recentJobTTL      time.Duration
}

func NewAdmissionController(
	store cache.Store,
	jobs JobQueue,
	events messaging.EventPublisher,
	logger *logrus.Logger,
	cfg *config.Config,
) *AdmissionController {
	backlogCeiling := 500
	if cfg.Admission.GlobalBacklogCeiling > 0 {
		backlogCeiling = cfg.Admission.GlobalBacklogCeiling
	}

	rateLimitRequests := 5
	if cfg.Admission.RateLimitRequests > 0 {
		rateLimitRequests = cfg.Admission.RateLimitRequests
	}

	rateLimitWindow := 60 * time.Second
	if cfg.Admission.RateLimitWindow > 0 {
		rateLimitWindow = cfg.Admission.RateLimitWindow
	}

	userMaxActiveJobs := 3
	if cfg.Admission.UserMaxActiveJobs > 0 {
		userMaxActiveJobs = cfg.Admission.UserMaxActiveJobs
	}

	recentJobTTL := time.Hour
	if cfg.Admission.RecentJobTTL > 0 {
		recentJobTTL = cfg.Admission.RecentJobTTL
	}

	return &AdmissionController{
		store:             store,
		jobs:              jobs,
		events:            events,
		logger:            logger,
		backlogCeiling:    backlogCeiling,
		rateLimitRequests: rateLimitRequests,
		rateLimitWindow:   rateLimitWindow,
		userMaxActiveJobs: userMaxActiveJobs,
		recentJobTTL:      recentJobTTL,
	}
}

// CheckAdmission runs the admission pipeline, short-circuiting on the first
// failed check. Rejections are structured results, not errors.
func (a *AdmissionController) CheckAdmission(ctx context.Context, req models.AdmissionRequest) models.AdmissionDecision {
	if !ValidateURL(req.URL, req.Platform) {
		a.logger.Debugf("Rejected invalid %s URL from user %s", req.Platform, req.UserID)
		recordAdmission("rejected", string(models.ReasonInvalidURL))
		return models.AdmissionDecision{
			Admitted:   false,
			ReasonCode: models.ReasonInvalidURL,
			Reason:     fmt.Sprintf("invalid URL for platform %s", req.Platform),
		}
	}

	normalized := NormalizeURL(req.URL)
	urlHash := hashURL(normalized)

	if decision, hit := a.checkDuplicate(ctx, normalized, urlHash, req.UserID); hit {
		recordAdmission("rejected", string(models.ReasonDuplicate))
		return decision
	}

	if decision, limited := a.checkRateLimit(ctx, req.UserID); limited {
		recordAdmission("rejected", string(models.ReasonRateLimited))
		return decision
	}

	if decision, exceeded := a.checkUserConcurrency(ctx, req.UserID); exceeded {
		recordAdmission("rejected", string(models.ReasonUserConcurrency))
		return decision
	}

	if decision, full := a.checkGlobalBacklog(ctx); full {
		recordAdmission("rejected", string(models.ReasonBacklogFull))
		return decision
	}

	a.recordBookkeeping(ctx, normalized, req.UserID)
	recordAdmission("admitted", "")

	return models.AdmissionDecision{Admitted: true}
}

// checkDuplicate resolves the in-flight and recently-completed mappings for
// the URL hash. A mapping whose job no longer exists is stale and discarded.
// The user's active set is consulted too: it is written synchronously at
// admission time, so it covers the window before the job mapping exists.
func (a *AdmissionController) checkDuplicate(ctx context.Context, normalizedURL, urlHash, userID string) (models.AdmissionDecision, bool) {
	jobID, err := a.store.Get(ctx, keyJobPrefix+urlHash)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		a.logger.WithError(err).Warn("Store fault during dedup lookup, failing open")
		recordStoreFault("dedup_lookup")
		return models.AdmissionDecision{}, false
	}

	if jobID != "" {
		live := storeFallback(a.logger, "dedup_liveness", true, func() (bool, error) {
			return a.jobs.IsLive(ctx, jobID)
		})
		if live {
			return models.AdmissionDecision{
				Admitted:   false,
				ReasonCode: models.ReasonDuplicate,
				Reason:     "a download for this URL is already in progress",
				JobID:      jobID,
				Cached:     true,
			}, true
		}

		// Stale mapping: the job it points at is gone.
		if err := a.store.Delete(ctx, keyJobPrefix+urlHash); err != nil {
			a.logger.WithError(err).Warn("Failed to discard stale dedup mapping")
		}
	}

	inFlight := storeFallback(a.logger, "dedup_active", false, func() (bool, error) {
		return a.store.SIsMember(ctx, keyActivePrefix+userID, normalizedURL)
	})
	if inFlight {
		return models.AdmissionDecision{
			Admitted:   false,
			ReasonCode: models.ReasonDuplicate,
			Reason:     "a download for this URL is already in progress",
		}, true
	}

	recentJobID, err := a.store.Get(ctx, keyRecentPrefix+urlHash)
	if err == nil && recentJobID != "" {
		return models.AdmissionDecision{
			Admitted:   false,
			ReasonCode: models.ReasonDuplicate,
			Reason:     "this URL was downloaded moments ago",
			JobID:      recentJobID,
			Cached:     true,
		}, true
	}

	return models.AdmissionDecision{}, false
}

func (a *AdmissionController) checkRateLimit(ctx context.Context, userID string) (models.AdmissionDecision, bool) {
	key := keyRatePrefix + userID

	count, err := a.store.Increment(ctx, key)
	if err != nil {
		a.logger.WithError(err).Warn("Store fault during rate-limit check, failing open")
		recordStoreFault("rate_limit")
		return models.AdmissionDecision{}, false
	}

	if count == 1 {
		if err := a.store.Expire(ctx, key, a.rateLimitWindow); err != nil {
			a.logger.WithError(err).Warn("Failed to set rate-limit window expiry")
		}
	}

	if count <= int64(a.rateLimitRequests) {
		return models.AdmissionDecision{}, false
	}

	retryAfter := int(a.rateLimitWindow.Seconds())
	if ttl, err := a.store.TTL(ctx, key); err == nil && ttl > 0 {
		retryAfter = int(ttl.Seconds())
		if retryAfter == 0 {
			retryAfter = 1
		}
	}

	return models.AdmissionDecision{
		Admitted:      false,
		ReasonCode:    models.ReasonRateLimited,
		Reason:        fmt.Sprintf("rate limit of %d downloads per %s exceeded", a.rateLimitRequests, a.rateLimitWindow),
		RetryAfterSec: retryAfter,
	}, true
}

func (a *AdmissionController) checkUserConcurrency(ctx context.Context, userID string) (models.AdmissionDecision, bool) {
	active := storeFallback(a.logger, "user_concurrency", int64(0), func() (int64, error) {
		return a.store.SCard(ctx, keyActivePrefix+userID)
	})

	if active < int64(a.userMaxActiveJobs) {
		return models.AdmissionDecision{}, false
	}

	return models.AdmissionDecision{
		Admitted:   false,
		ReasonCode: models.ReasonUserConcurrency,
		Reason:     fmt.Sprintf("you already have %d downloads in progress (max %d)", active, a.userMaxActiveJobs),
		EstWaitSec: userConcurrencyWaitSec,
	}, true
}

func (a *AdmissionController) checkGlobalBacklog(ctx context.Context) (models.AdmissionDecision, bool) {
	depth := storeFallback(a.logger, "global_backlog", int64(0), func() (int64, error) {
		return a.backlogDepth(ctx)
	})

	if depth < int64(a.backlogCeiling) {
		return models.AdmissionDecision{}, false
	}

	return models.AdmissionDecision{
		Admitted:   false,
		ReasonCode: models.ReasonBacklogFull,
		Reason:     fmt.Sprintf("system is at capacity (%d/%d downloads queued), please retry shortly", depth, a.backlogCeiling),
		EstWaitSec: backlogFullWaitSec,
	}, true
}

func (a *AdmissionController) recordBookkeeping(ctx context.Context, normalizedURL, userID string) {
	if err := a.store.SAdd(ctx, keyActivePrefix+userID, normalizedURL); err != nil {
		a.logger.WithError(err).Warn("Failed to record user active download")
	} else if err := a.store.Expire(ctx, keyActivePrefix+userID, inFlightJobTTL); err != nil {
		a.logger.WithError(err).Warn("Failed to refresh active set expiry")
	}

	depth, err := a.store.Increment(ctx, keyBacklog)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to increment global backlog counter")
		return
	}
	if err := a.store.Expire(ctx, keyBacklog, inFlightJobTTL); err != nil {
		a.logger.WithError(err).Warn("Failed to refresh backlog counter expiry")
	}
	setBacklogDepth(float64(depth))
}

// BindJob associates an enqueued job with its URL so concurrent requests for
// the same URL are answered with this job instead of being re-admitted.
func (a *AdmissionController) BindJob(ctx context.Context, url, userID, jobID string) {
	urlHash := hashURL(NormalizeURL(url))
	if err := a.store.Set(ctx, keyJobPrefix+urlHash, jobID, inFlightJobTTL); err != nil {
		a.logger.WithError(err).Warn("Failed to bind job to URL hash")
	}

	if err := a.events.Publish("download.events", "download.admitted", map[string]interface{}{
		"job_id":    jobID,
		"user_id":   userID,
		"timestamp": time.Now(),
	}); err != nil {
		a.logger.WithError(err).Warn("Failed to publish admitted event")
	}
}

// RecordCompletion clears the request's bookkeeping and leaves a short-lived
// url->job mapping so a near-simultaneous duplicate is pointed at the job
// that just finished.
func (a *AdmissionController) RecordCompletion(ctx context.Context, url, userID, jobID string) {
	normalized := NormalizeURL(url)
	urlHash := hashURL(normalized)

	a.cleanupBookkeeping(ctx, normalized, urlHash, userID)

	if err := a.store.Set(ctx, keyRecentPrefix+urlHash, jobID, a.recentJobTTL); err != nil {
		a.logger.WithError(err).Warn("Failed to record recent job mapping")
	}

	if err := a.events.Publish("download.events", "download.completed", map[string]interface{}{
		"job_id":    jobID,
		"user_id":   userID,
		"timestamp": time.Now(),
	}); err != nil {
		a.logger.WithError(err).Warn("Failed to publish completed event")
	}
}

// RecordFailure clears bookkeeping without writing the recent mapping; a
// failed job must not poison future dedup lookups.
func (a *AdmissionController) RecordFailure(ctx context.Context, url, userID string) {
	normalized := NormalizeURL(url)
	a.cleanupBookkeeping(ctx, normalized, hashURL(normalized), userID)

	if err := a.events.Publish("download.events", "download.failed", map[string]interface{}{
		"user_id":   userID,
		"timestamp": time.Now(),
	}); err != nil {
		a.logger.WithError(err).Warn("Failed to publish failed event")
	}
}

func (a *AdmissionController) cleanupBookkeeping(ctx context.Context, normalizedURL, urlHash, userID string) {
	if err := a.store.SRem(ctx, keyActivePrefix+userID, normalizedURL); err != nil {
		a.logger.WithError(err).Warn("Failed to remove user active download")
	}

	if err := a.store.Delete(ctx, keyJobPrefix+urlHash); err != nil {
		a.logger.WithError(err).Warn("Failed to remove in-flight job mapping")
	}

	depth, err := a.store.Decrement(ctx, keyBacklog)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to decrement global backlog counter")
		return
	}

	// A double-report or lost increment must not drive the counter negative.
	if depth < 0 {
		if _, err := a.store.Increment(ctx, keyBacklog); err != nil {
			a.logger.WithError(err).Warn("Failed to floor global backlog counter")
		}
		depth = 0
	}
	setBacklogDepth(float64(depth))
}

// Stats returns a best-effort backlog snapshot. It never fails; a store
// fault yields zeros.
func (a *AdmissionController) Stats(ctx context.Context) models.AdmissionStats {
	depth := storeFallback(a.logger, "stats", int64(0), func() (int64, error) {
		return a.backlogDepth(ctx)
	})

	utilization := 0.0
	if a.backlogCeiling > 0 {
		utilization = float64(depth) / float64(a.backlogCeiling) * 100
	}

	return models.AdmissionStats{
		BacklogDepth:   depth,
		BacklogCeiling: a.backlogCeiling,
		UtilizationPct: utilization,
	}
}

func (a *AdmissionController) backlogDepth(ctx context.Context) (int64, error) {
	raw, err := a.store.Get(ctx, keyBacklog)
	if errors.Is(err, cache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	depth, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed backlog counter %q: %w", raw, err)
	}
	if depth < 0 {
		depth = 0
	}
	return depth, nil
}

func hashURL(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
