package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	admissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_admissions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"outcome", "reason"},
	)

	backlogDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "download_backlog_depth",
			Help: "Current number of admitted-but-incomplete downloads",
		},
	)

	leaseAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_lease_acquisitions_total",
			Help: "Total number of proxy lease acquisitions",
		},
		[]string{"endpoint"},
	)

	leaseWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proxy_lease_wait_seconds",
			Help:    "Time spent waiting to acquire a proxy lease",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	leaseTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_lease_timeouts_total",
			Help: "Total number of lease acquisition timeouts",
		},
	)

	quarantinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proxy_quarantines_total",
			Help: "Total number of endpoint quarantines",
		},
		[]string{"endpoint"},
	)

	platformSlotsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "platform_slots_in_use",
			Help: "Current per-platform download slots in use",
		},
		[]string{"platform"},
	)

	slotTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "platform_slot_timeouts_total",
			Help: "Total number of slot acquisition timeouts",
		},
		[]string{"platform"},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downloads_total",
			Help: "Total number of finished downloads",
		},
		[]string{"platform", "status"},
	)

	storeFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_faults_total",
			Help: "Total number of shared-store faults absorbed by fail-open policy",
		},
		[]string{"operation"},
	)
)

func recordAdmission(outcome string, reason string) {
	admissionsTotal.WithLabelValues(outcome, reason).Inc()
}

func setBacklogDepth(depth float64) {
	backlogDepth.Set(depth)
}

func recordLeaseAcquisition(endpointID string, waitSeconds float64) {
	leaseAcquisitionsTotal.WithLabelValues(endpointID).Inc()
	leaseWaitSeconds.Observe(waitSeconds)
}

func recordLeaseTimeout() {
	leaseTimeoutsTotal.Inc()
}

func recordQuarantine(endpointID string) {
	quarantinesTotal.WithLabelValues(endpointID).Inc()
}

func setSlotsInUse(platform string, inUse float64) {
	platformSlotsInUse.WithLabelValues(platform).Set(inUse)
}

func recordSlotTimeout(platform string) {
	slotTimeoutsTotal.WithLabelValues(platform).Inc()
}

// RecordDownload is called by the worker when a download finishes.
func RecordDownload(platform, status string) {
	downloadsTotal.WithLabelValues(platform, status).Inc()
}

func recordStoreFault(operation string) {
	storeFaultsTotal.WithLabelValues(operation).Inc()
}
