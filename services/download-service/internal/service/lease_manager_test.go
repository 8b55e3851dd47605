package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/messaging"
	"github.com/clipforge/clipforge/pkg/testutil"
	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

type LeaseManagerTestSuite struct {
	suite.Suite
	ctx     context.Context
	store   *testutil.MemoryStore
	logger  *logrus.Logger
	baseCfg *config.Config
}

func (s *LeaseManagerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = testutil.NewMemoryStore()

	s.logger = logrus.New()
	s.logger.SetLevel(logrus.ErrorLevel)

	s.baseCfg = &config.Config{}
	s.baseCfg.Proxy.Pool = []config.ProxyEntry{
		{Host: "10.0.0.1", Port: 8000, Username: "u", Password: "p"},
		{Host: "10.0.0.2", Port: 8000, Username: "u", Password: "p"},
	}
	s.baseCfg.Proxy.MinSpacing = time.Millisecond
	s.baseCfg.Proxy.FailureThreshold = 3
	s.baseCfg.Proxy.QuarantineFor = 5 * time.Minute
	s.baseCfg.Proxy.LockTTL = time.Minute
	s.baseCfg.Proxy.AcquireTimeout = 200 * time.Millisecond
	s.baseCfg.Proxy.PollInterval = 5 * time.Millisecond
}

func TestLeaseManagerTestSuite(t *testing.T) {
	suite.Run(t, new(LeaseManagerTestSuite))
}

func (s *LeaseManagerTestSuite) newManager() *LeaseManager {
	return NewLeaseManager(s.store, messaging.NoopPublisher{}, s.logger, s.baseCfg)
}

func (s *LeaseManagerTestSuite) TestAcquireGrantsExclusiveLease() {
	manager := s.newManager()

	lease, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(lease)
	s.NotEmpty(lease.LeaseID)
	s.NotNil(lease.Client)

	locked, err := s.store.Exists(s.ctx, keyProxyLockPrefix+lease.Endpoint.ID)
	s.NoError(err)
	s.True(locked)
}

func (s *LeaseManagerTestSuite) TestSecondLeaseGetsDifferentEndpoint() {
	manager := s.newManager()

	first, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)

	second, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)

	s.NotEqual(first.Endpoint.ID, second.Endpoint.ID)
}

func (s *LeaseManagerTestSuite) TestExhaustedPoolTimesOut() {
	manager := s.newManager()

	_, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)
	_, err = manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)

	_, err = manager.AcquireLease(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
	s.Require().Error(err)
	s.ErrorIs(err, ErrLeaseTimeout)
}

func (s *LeaseManagerTestSuite) TestReleaseMakesEndpointAvailable() {
	manager := s.newManager()

	first, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)
	second, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)

	manager.ReleaseLease(s.ctx, first)
	manager.ReleaseLease(s.ctx, second)

	lease, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.NoError(err)
	s.NotNil(lease)
}

func (s *LeaseManagerTestSuite) TestStaleReleaseDoesNotClobberNewLock() {
	manager := s.newManager()
	key := keyProxyLockPrefix + "10.0.0.1:8000"

	// A newer holder owns the lock under a different lease id.
	_, err := s.store.SetNX(s.ctx, key, "current-lease", time.Minute)
	s.Require().NoError(err)

	stale := &models.ProxyLease{
		LeaseID:  "stale-lease",
		Endpoint: &models.ProxyEndpoint{ID: "10.0.0.1:8000"},
	}
	manager.ReleaseLease(s.ctx, stale)

	value, err := s.store.Get(s.ctx, key)
	s.NoError(err)
	s.Equal("current-lease", value)
}

func (s *LeaseManagerTestSuite) TestPrefersLeastUsedEndpoint() {
	manager := s.newManager()

	lease, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)
	firstID := lease.Endpoint.ID
	manager.ReleaseLease(s.ctx, lease)

	// The untouched endpoint sorts first on the next acquisition.
	lease, err = manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)
	s.NotEqual(firstID, lease.Endpoint.ID)
}

func (s *LeaseManagerTestSuite) TestQuarantineAfterConsecutiveFailures() {
	s.baseCfg.Proxy.Pool = s.baseCfg.Proxy.Pool[:1]
	manager := s.newManager()

	lease, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)
	manager.ReleaseLease(s.ctx, lease)

	for i := 0; i < 3; i++ {
		manager.RecordFailure(lease, context.DeadlineExceeded)
	}

	stats := manager.Stats()
	s.Require().Len(stats, 1)
	s.True(stats[0].QuarantinedUntil.After(time.Now()))

	// The only endpoint is quarantined, so acquisition times out.
	_, err = manager.AcquireLease(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
	s.ErrorIs(err, ErrLeaseTimeout)
}

func (s *LeaseManagerTestSuite) TestSuccessResetsFailureStreak() {
	s.baseCfg.Proxy.Pool = s.baseCfg.Proxy.Pool[:1]
	manager := s.newManager()

	lease, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)
	manager.ReleaseLease(s.ctx, lease)

	manager.RecordFailure(lease, context.DeadlineExceeded)
	manager.RecordFailure(lease, context.DeadlineExceeded)
	manager.RecordSuccess(lease)
	manager.RecordFailure(lease, context.DeadlineExceeded)

	stats := manager.Stats()
	s.Require().Len(stats, 1)
	s.True(stats[0].QuarantinedUntil.IsZero())
	s.Equal(1, stats[0].ConsecutiveFails)
}

func (s *LeaseManagerTestSuite) TestFailsClosedOnStoreFault() {
	manager := s.newManager()
	s.store.FailAll = true

	_, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
	s.ErrorIs(err, ErrLeaseTimeout)
}

func (s *LeaseManagerTestSuite) TestAcquireObservesCancellation() {
	manager := s.newManager()

	// Exhaust the pool so the next caller has to wait.
	_, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)
	_, err = manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = manager.AcquireLease(ctx, models.PlatformYouTube, 5*time.Second)
	s.ErrorIs(err, context.Canceled)
}

func (s *LeaseManagerTestSuite) TestEmptyPool() {
	s.baseCfg.Proxy.Pool = nil
	manager := s.newManager()

	_, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, time.Second)
	s.ErrorIs(err, ErrEmptyPool)
}

func (s *LeaseManagerTestSuite) TestConcurrentAcquisitionsNeverShareEndpoint() {
	manager := s.newManager()

	var mu sync.Mutex
	granted := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := manager.AcquireLease(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
			if err != nil {
				return
			}
			mu.Lock()
			granted[lease.Endpoint.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Two endpoints, none released: at most one lease per endpoint.
	for id, count := range granted {
		s.Equalf(1, count, "endpoint %s leased %d times concurrently", id, count)
	}
	s.LessOrEqual(len(granted), 2)
}
