package models

import (
	"fmt"
	"net/http"
	"time"
)

// ProxyEndpoint is one static egress credential from configuration. Created
// at process start, never mutated afterwards.
type ProxyEndpoint struct {
	ID       string
	Host     string
	Port     int
	Username string
	Password string
	Country  string
}

// URL renders the endpoint as an http proxy URL.
func (e *ProxyEndpoint) URL() string {
	if e.Username != "" {
		return fmt.Sprintf("http://%s:%s@%s:%d", e.Username, e.Password, e.Host, e.Port)
	}
	return fmt.Sprintf("http://%s:%d", e.Host, e.Port)
}

// ProxyLease is an exclusive, single-owner grant of one endpoint. It must be
// released exactly once; the Client is ready to use and routes through the
// leased endpoint.
type ProxyLease struct {
	LeaseID    string
	Endpoint   *ProxyEndpoint
	Client     *http.Client
	AcquiredAt time.Time
}

// EndpointHealth is the per-endpoint snapshot exposed by the lease manager's
// stats. Counters are process-local selection heuristics; quarantine state is
// authoritative within this process.
type EndpointHealth struct {
	EndpointID       string    `json:"endpoint_id"`
	TotalRequests    int64     `json:"total_requests"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	QuarantinedUntil time.Time `json:"quarantined_until,omitempty"`
	LastUsed         time.Time `json:"last_used,omitempty"`
}

// Quarantined reports whether the endpoint is excluded from selection now.
func (h EndpointHealth) Quarantined(now time.Time) bool {
	return h.QuarantinedUntil.After(now)
}

// PlatformSlot is one unit of per-platform concurrency capacity. Same
// single-owner, exactly-once-release discipline as ProxyLease.
type PlatformSlot struct {
	Platform   Platform
	AcquiredAt time.Time
}

// SlotStats is the per-platform in-use/capacity snapshot.
type SlotStats struct {
	Platform Platform `json:"platform"`
	InUse    int64    `json:"in_use"`
	Cap      int      `json:"cap"`
}
