package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clipforge/clipforge/services/download-service/internal/models"
	"github.com/clipforge/clipforge/services/download-service/internal/repository"
	"github.com/clipforge/clipforge/services/download-service/internal/service"
)

type HTTPHandler struct {
	admission *service.AdmissionController
	leases    *service.LeaseManager
	limiter   *service.PlatformLimiter
	jobs      *repository.JobRepository
	logger    *logrus.Logger
}

func NewHTTPHandler(
	admission *service.AdmissionController,
	leases *service.LeaseManager,
	limiter *service.PlatformLimiter,
	jobs *repository.JobRepository,
	logger *logrus.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		admission: admission,
		leases:    leases,
		limiter:   limiter,
		jobs:      jobs,
		logger:    logger,
	}
}

func (h *HTTPHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	downloads := api.Group("/downloads")
	{
		downloads.POST("", h.SubmitDownload)
		downloads.GET("/:id", h.GetDownload)
	}

	api.GET("/stats", h.GetStats)

	router.GET("/health", h.HealthCheck)
}

// SubmitDownload runs a request through admission and, if admitted, enqueues
// the download job. Rejections come back with the machine-readable reason
// code; callers branch on the code, not the display text.
func (h *HTTPHandler) SubmitDownload(c *gin.Context) {
	var request models.AdmissionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.WithError(err).Error("Failed to bind download request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if request.URL == "" || request.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url and user_id are required"})
		return
	}

	decision := h.admission.CheckAdmission(c.Request.Context(), request)
	if !decision.Admitted {
		c.JSON(rejectionStatus(decision.ReasonCode), decision)
		return
	}

	job := &models.DownloadJob{
		JobID:     uuid.NewString(),
		URL:       request.URL,
		UserID:    request.UserID,
		Platform:  request.Platform,
		CreatedAt: time.Now(),
	}

	if err := h.jobs.Enqueue(c.Request.Context(), job); err != nil {
		h.logger.WithError(err).Error("Failed to enqueue download job")
		h.admission.RecordFailure(c.Request.Context(), request.URL, request.UserID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue download"})
		return
	}

	h.admission.BindJob(c.Request.Context(), request.URL, request.UserID, job.JobID)

	c.JSON(http.StatusAccepted, gin.H{
		"admitted": true,
		"job_id":   job.JobID,
		"platform": job.Platform,
	})
}

func rejectionStatus(code models.ReasonCode) int {
	switch code {
	case models.ReasonInvalidURL:
		return http.StatusUnprocessableEntity
	case models.ReasonDuplicate:
		return http.StatusConflict
	case models.ReasonRateLimited:
		return http.StatusTooManyRequests
	case models.ReasonUserConcurrency, models.ReasonBacklogFull:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *HTTPHandler) GetDownload(c *gin.Context) {
	jobID := c.Param("id")

	status, err := h.jobs.GetStatus(c.Request.Context(), jobID)
	if err == repository.ErrJobNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		h.logger.WithError(err).Errorf("Failed to load status for job %s", jobID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job status"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":   jobID,
		"status":   status.Status,
		"stage":    status.Stage,
		"progress": status.Progress,
		"error":    status.Error,
		"output":   status.Output,
	})
}

func (h *HTTPHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"admission": h.admission.Stats(c.Request.Context()),
		"endpoints": h.leases.Stats(),
		"platforms": h.limiter.Stats(c.Request.Context()),
	})
}

func (h *HTTPHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "download-service",
	})
}
