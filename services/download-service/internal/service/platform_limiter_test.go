package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/pkg/testutil"
	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

type PlatformLimiterTestSuite struct {
	suite.Suite
	ctx     context.Context
	store   *testutil.MemoryStore
	limiter *PlatformLimiter
}

func (s *PlatformLimiterTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = testutil.NewMemoryStore()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := &config.Config{}
	cfg.Platforms.DefaultCap = 3
	cfg.Platforms.Caps = map[string]int{
		"youtube":   2,
		"instagram": 1,
	}
	cfg.Proxy.PollInterval = 5 * time.Millisecond

	s.limiter = NewPlatformLimiter(s.store, logger, cfg)
}

func TestPlatformLimiterTestSuite(t *testing.T) {
	suite.Run(t, new(PlatformLimiterTestSuite))
}

func (s *PlatformLimiterTestSuite) TestCapLookup() {
	s.Equal(2, s.limiter.Cap(models.PlatformYouTube))
	s.Equal(1, s.limiter.Cap(models.PlatformInstagram))
	s.Equal(3, s.limiter.Cap(models.PlatformZoom))
}

func (s *PlatformLimiterTestSuite) TestAcquireUpToCap() {
	first, err := s.limiter.AcquireSlot(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
	s.Require().NoError(err)
	s.NotNil(first)

	second, err := s.limiter.AcquireSlot(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
	s.Require().NoError(err)
	s.NotNil(second)

	_, err = s.limiter.AcquireSlot(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
	s.ErrorIs(err, ErrSlotTimeout)
}

func (s *PlatformLimiterTestSuite) TestCapsAreIndependentPerPlatform() {
	_, err := s.limiter.AcquireSlot(s.ctx, models.PlatformInstagram, 50*time.Millisecond)
	s.Require().NoError(err)

	_, err = s.limiter.AcquireSlot(s.ctx, models.PlatformInstagram, 50*time.Millisecond)
	s.ErrorIs(err, ErrSlotTimeout)

	// A full instagram cap says nothing about tiktok.
	_, err = s.limiter.AcquireSlot(s.ctx, models.PlatformTikTok, 50*time.Millisecond)
	s.NoError(err)
}

func (s *PlatformLimiterTestSuite) TestReleaseUnblocksWaiter() {
	slot, err := s.limiter.AcquireSlot(s.ctx, models.PlatformInstagram, 50*time.Millisecond)
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := s.limiter.AcquireSlot(s.ctx, models.PlatformInstagram, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.limiter.ReleaseSlot(s.ctx, slot)

	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(2 * time.Second):
		s.Fail("waiter was never unblocked")
	}
}

func (s *PlatformLimiterTestSuite) TestAcquireObservesCancellation() {
	_, err := s.limiter.AcquireSlot(s.ctx, models.PlatformInstagram, time.Second)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = s.limiter.AcquireSlot(ctx, models.PlatformInstagram, 5*time.Second)
	s.ErrorIs(err, context.Canceled)
}

func (s *PlatformLimiterTestSuite) TestFailsOpenOnStoreFault() {
	s.store.FailAll = true

	slot, err := s.limiter.AcquireSlot(s.ctx, models.PlatformInstagram, 50*time.Millisecond)
	s.NoError(err)
	s.NotNil(slot)
}

func (s *PlatformLimiterTestSuite) TestReleaseNeverUnderflows() {
	slot := &models.PlatformSlot{Platform: models.PlatformYouTube}

	s.limiter.ReleaseSlot(s.ctx, slot)
	s.limiter.ReleaseSlot(s.ctx, slot)

	// The floored counter still allows a full cap of acquisitions.
	for i := 0; i < 2; i++ {
		_, err := s.limiter.AcquireSlot(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
		s.Require().NoError(err)
	}
	_, err := s.limiter.AcquireSlot(s.ctx, models.PlatformYouTube, 50*time.Millisecond)
	s.ErrorIs(err, ErrSlotTimeout)
}

func (s *PlatformLimiterTestSuite) TestStats() {
	s.limiter.AcquireSlot(s.ctx, models.PlatformYouTube, 50*time.Millisecond)

	stats := s.limiter.Stats(s.ctx)
	byPlatform := make(map[models.Platform]models.SlotStats, len(stats))
	for _, entry := range stats {
		byPlatform[entry.Platform] = entry
	}

	s.Equal(int64(1), byPlatform[models.PlatformYouTube].InUse)
	s.Equal(2, byPlatform[models.PlatformYouTube].Cap)
	s.Equal(int64(0), byPlatform[models.PlatformTikTok].InUse)
}

func (s *PlatformLimiterTestSuite) TestConcurrentAcquisitionsHonorCap() {
	var inUse, peak int64
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := s.limiter.AcquireSlot(s.ctx, models.PlatformYouTube, 2*time.Second)
			if err != nil {
				return
			}

			current := atomic.AddInt64(&inUse, 1)
			for {
				old := atomic.LoadInt64(&peak)
				if current <= old || atomic.CompareAndSwapInt64(&peak, old, current) {
					break
				}
			}

			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&inUse, -1)
			s.limiter.ReleaseSlot(s.ctx, slot)
		}()
	}

	wg.Wait()
	s.LessOrEqual(atomic.LoadInt64(&peak), int64(2))
}
