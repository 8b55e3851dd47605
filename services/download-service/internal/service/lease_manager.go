package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clipforge/clipforge/pkg/cache"
	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/messaging"
	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

const keyProxyLockPrefix = "dl:proxylock:"

var (
	// ErrLeaseTimeout is returned when no endpoint could be locked within
	// the acquisition deadline. The manager never retries on its own.
	ErrLeaseTimeout = errors.New("proxy lease: acquisition timed out")

	// ErrEmptyPool is returned when the manager was built with no endpoints.
	ErrEmptyPool = errors.New("proxy lease: endpoint pool is empty")
)

// endpointState is the mutable health record per endpoint. Process-local:
// the counters only steer selection, while mutual exclusion itself lives in
// the shared store.
type endpointState struct {
	endpoint         *models.ProxyEndpoint
	totalRequests    int64
	consecutiveFails int
	quarantinedUntil time.Time
	lastUsed         time.Time
}

// LeaseManager grants exclusive, rate-limited, failure-aware leases on the
// proxy pool. One lease per endpoint at a time, enforced through a
// set-if-absent lock with a safety expiry so a crashed holder cannot strand
// an endpoint.
type LeaseManager struct {
	store  cache.Store
	events messaging.EventPublisher
	logger *logrus.Logger

	mu     sync.Mutex
	states map[string]*endpointState

	minSpacing       time.Duration
	failureThreshold int
	quarantineFor    time.Duration
	lockTTL          time.Duration
	acquireTimeout   time.Duration
	pollInterval     time.Duration

	now func() time.Time
}

func NewLeaseManager(
	store cache.Store,
	events messaging.EventPublisher,
	logger *logrus.Logger,
	cfg *config.Config,
) *LeaseManager {
	minSpacing := 2 * time.Second
	if cfg.Proxy.MinSpacing > 0 {
		minSpacing = cfg.Proxy.MinSpacing
	}

	failureThreshold := 3
	if cfg.Proxy.FailureThreshold > 0 {
		failureThreshold = cfg.Proxy.FailureThreshold
	}

	quarantineFor := 5 * time.Minute
	if cfg.Proxy.QuarantineFor > 0 {
		quarantineFor = cfg.Proxy.QuarantineFor
	}

	lockTTL := 5 * time.Minute
	if cfg.Proxy.LockTTL > 0 {
		lockTTL = cfg.Proxy.LockTTL
	}

	acquireTimeout := 30 * time.Second
	if cfg.Proxy.AcquireTimeout > 0 {
		acquireTimeout = cfg.Proxy.AcquireTimeout
	}

	pollInterval := 500 * time.Millisecond
	if cfg.Proxy.PollInterval > 0 {
		pollInterval = cfg.Proxy.PollInterval
	}

	states := make(map[string]*endpointState, len(cfg.Proxy.Pool))
	for _, entry := range cfg.Proxy.Pool {
		endpoint := &models.ProxyEndpoint{
			ID:       fmt.Sprintf("%s:%d", entry.Host, entry.Port),
			Host:     entry.Host,
			Port:     entry.Port,
			Username: entry.Username,
			Password: entry.Password,
			Country:  entry.Country,
		}
		states[endpoint.ID] = &endpointState{endpoint: endpoint}
	}

	return &LeaseManager{
		store:            store,
		events:           events,
		logger:           logger,
		states:           states,
		minSpacing:       minSpacing,
		failureThreshold: failureThreshold,
		quarantineFor:    quarantineFor,
		lockTTL:          lockTTL,
		acquireTimeout:   acquireTimeout,
		pollInterval:     pollInterval,
		now:              time.Now,
	}
}

// AcquireLease polls the pool until an unquarantined, unlocked endpoint can
// be claimed, preferring the least-used entry so traffic spreads evenly.
// It returns ErrLeaseTimeout when the deadline passes and the caller's ctx
// error when the caller gives up; neither is retried here.
func (m *LeaseManager) AcquireLease(ctx context.Context, platform models.Platform, timeout time.Duration) (*models.ProxyLease, error) {
	if len(m.states) == 0 {
		return nil, ErrEmptyPool
	}

	if timeout <= 0 {
		timeout = m.acquireTimeout
	}

	started := m.now()
	deadline := started.Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lease, err := m.tryAcquire(ctx, platform)
		if err != nil {
			return nil, err
		}
		if lease != nil {
			recordLeaseAcquisition(lease.Endpoint.ID, m.now().Sub(started).Seconds())
			return lease, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			recordLeaseTimeout()
			return nil, fmt.Errorf("%w after %s (platform %s)", ErrLeaseTimeout, timeout, platform)
		}

		wait := m.pollInterval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryAcquire makes one pass over the candidate list. A nil, nil return means
// every candidate is quarantined or locked right now.
func (m *LeaseManager) tryAcquire(ctx context.Context, platform models.Platform) (*models.ProxyLease, error) {
	for _, state := range m.candidates() {
		leaseID := uuid.NewString()

		locked, err := m.store.SetNX(ctx, keyProxyLockPrefix+state.endpoint.ID, leaseID, m.lockTTL)
		if err != nil {
			// Mutual exclusion fails closed: an unverifiable lock is
			// treated as not acquired.
			m.logger.WithError(err).Warnf("Store fault locking endpoint %s, skipping", state.endpoint.ID)
			continue
		}
		if !locked {
			continue
		}

		if err := m.enforceSpacing(ctx, state.endpoint.ID); err != nil {
			m.unlock(ctx, state.endpoint.ID, leaseID)
			return nil, err
		}

		m.mu.Lock()
		state.totalRequests++
		state.lastUsed = m.now()
		m.mu.Unlock()

		m.logger.Debugf("Leased endpoint %s for platform %s (lease %s)", state.endpoint.ID, platform, leaseID)

		return &models.ProxyLease{
			LeaseID:    leaseID,
			Endpoint:   state.endpoint,
			Client:     m.clientFor(state.endpoint),
			AcquiredAt: m.now(),
		}, nil
	}

	return nil, nil
}

// candidates snapshots the unquarantined endpoints ordered by usage so the
// least-used entry is tried first.
func (m *LeaseManager) candidates() []*endpointState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]*endpointState, 0, len(m.states))
	for _, state := range m.states {
		if state.quarantinedUntil.After(now) {
			continue
		}
		out = append(out, state)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].totalRequests != out[j].totalRequests {
			return out[i].totalRequests < out[j].totalRequests
		}
		return out[i].endpoint.ID < out[j].endpoint.ID
	})

	return out
}

// enforceSpacing sleeps off the remainder of the per-endpoint minimum
// spacing when the endpoint was used too recently. The sleep is bounded by
// minSpacing and observes cancellation.
func (m *LeaseManager) enforceSpacing(ctx context.Context, endpointID string) error {
	m.mu.Lock()
	lastUsed := m.states[endpointID].lastUsed
	m.mu.Unlock()

	if lastUsed.IsZero() {
		return nil
	}
	sinceLast := m.now().Sub(lastUsed)
	if sinceLast >= m.minSpacing {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.minSpacing - sinceLast):
		return nil
	}
}

// ReleaseLease frees the endpoint only if this lease still owns the lock, so
// a release arriving after the lock expired cannot clobber a newer holder.
func (m *LeaseManager) ReleaseLease(ctx context.Context, lease *models.ProxyLease) {
	if lease == nil {
		return
	}
	m.unlock(ctx, lease.Endpoint.ID, lease.LeaseID)
}

func (m *LeaseManager) unlock(ctx context.Context, endpointID, leaseID string) {
	released, err := m.store.CompareAndDelete(ctx, keyProxyLockPrefix+endpointID, leaseID)
	if err != nil {
		m.logger.WithError(err).Warnf("Failed to release lock on endpoint %s", endpointID)
		return
	}
	if !released {
		m.logger.Warnf("Lock on endpoint %s no longer owned by lease %s, skipping release", endpointID, leaseID)
	}
}

// RecordSuccess resets the endpoint's consecutive-failure counter.
func (m *LeaseManager) RecordSuccess(lease *models.ProxyLease) {
	if lease == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.states[lease.Endpoint.ID]; ok {
		state.consecutiveFails = 0
	}
}

// RecordFailure counts a failure against the endpoint and quarantines it
// once the threshold is hit. Quarantine lifts by time alone.
func (m *LeaseManager) RecordFailure(lease *models.ProxyLease, cause error) {
	if lease == nil {
		return
	}

	m.mu.Lock()
	state, ok := m.states[lease.Endpoint.ID]
	if !ok {
		m.mu.Unlock()
		return
	}

	state.consecutiveFails++
	quarantined := state.consecutiveFails >= m.failureThreshold
	if quarantined {
		state.quarantinedUntil = m.now().Add(m.quarantineFor)
		state.consecutiveFails = 0
	}
	m.mu.Unlock()

	if !quarantined {
		m.logger.Debugf("Endpoint %s failure recorded: %v", lease.Endpoint.ID, cause)
		return
	}

	m.logger.Warnf("Endpoint %s quarantined for %s after %d consecutive failures (last: %v)",
		lease.Endpoint.ID, m.quarantineFor, m.failureThreshold, cause)
	recordQuarantine(lease.Endpoint.ID)

	if err := m.events.Publish("download.events", "proxy.quarantined", map[string]interface{}{
		"endpoint":  lease.Endpoint.ID,
		"until":     m.now().Add(m.quarantineFor),
		"timestamp": m.now(),
	}); err != nil {
		m.logger.WithError(err).Warn("Failed to publish quarantine event")
	}
}

// Stats returns a per-endpoint health snapshot for observability.
func (m *LeaseManager) Stats() []models.EndpointHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.EndpointHealth, 0, len(m.states))
	for _, state := range m.states {
		out = append(out, models.EndpointHealth{
			EndpointID:       state.endpoint.ID,
			TotalRequests:    state.totalRequests,
			ConsecutiveFails: state.consecutiveFails,
			QuarantinedUntil: state.quarantinedUntil,
			LastUsed:         state.lastUsed,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

func (m *LeaseManager) clientFor(endpoint *models.ProxyEndpoint) *http.Client {
	proxyURL, err := url.Parse(endpoint.URL())
	if err != nil {
		m.logger.WithError(err).Errorf("Malformed proxy URL for endpoint %s", endpoint.ID)
		return &http.Client{Timeout: 2 * time.Minute}
	}

	return &http.Client{
		Timeout: 2 * time.Minute,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
}
