package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clipforge/clipforge/pkg/cache"
	"github.com/clipforge/clipforge/pkg/config"
	"github.com/clipforge/clipforge/services/download-service/internal/models"
)

const keySlotPrefix = "dl:slots:"

// ErrSlotTimeout is returned when a platform slot could not be acquired
// before the deadline.
var ErrSlotTimeout = errors.New("platform limiter: slot acquisition timed out")

// PlatformLimiter caps the number of simultaneous downloads per platform
// across every worker process. Slots are counted in the shared store so the
// cap holds fleet-wide, not just within one process.
type PlatformLimiter struct {
	store  cache.Store
	logger *logrus.Logger

	caps         map[models.Platform]int
	defaultCap   int
	pollInterval time.Duration
}

func NewPlatformLimiter(store cache.Store, logger *logrus.Logger, cfg *config.Config) *PlatformLimiter {
	defaultCap := 3
	if cfg.Platforms.DefaultCap > 0 {
		defaultCap = cfg.Platforms.DefaultCap
	}

	caps := make(map[models.Platform]int, len(cfg.Platforms.Caps))
	for name, limit := range cfg.Platforms.Caps {
		if limit > 0 {
			caps[models.Platform(name)] = limit
		}
	}

	pollInterval := 500 * time.Millisecond
	if cfg.Proxy.PollInterval > 0 {
		pollInterval = cfg.Proxy.PollInterval
	}

	return &PlatformLimiter{
		store:        store,
		logger:       logger,
		caps:         caps,
		defaultCap:   defaultCap,
		pollInterval: pollInterval,
	}
}

// Cap returns the configured concurrency ceiling for a platform.
func (l *PlatformLimiter) Cap(platform models.Platform) int {
	if limit, ok := l.caps[platform]; ok {
		return limit
	}
	return l.defaultCap
}

// AcquireSlot blocks until a slot under the platform's cap is free, the
// timeout passes, or ctx is cancelled. A store fault grants the slot rather
// than stalling the pipeline; the cap is a throttle, not a correctness
// boundary.
func (l *PlatformLimiter) AcquireSlot(ctx context.Context, platform models.Platform, timeout time.Duration) (*models.PlatformSlot, error) {
	limit := l.Cap(platform)
	key := keySlotPrefix + string(platform)
	deadline := time.Now().Add(timeout)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		count, err := l.store.Increment(ctx, key)
		if err != nil {
			l.logger.WithError(err).Warnf("Store fault counting %s slots, granting slot", platform)
			recordStoreFault("slot_acquire")
			return &models.PlatformSlot{Platform: platform, AcquiredAt: time.Now()}, nil
		}

		if count <= int64(limit) {
			setSlotsInUse(string(platform), float64(count))
			return &models.PlatformSlot{Platform: platform, AcquiredAt: time.Now()}, nil
		}

		l.decrementFloored(ctx, key)

		remaining := time.Until(deadline)
		if remaining <= 0 {
			recordSlotTimeout(string(platform))
			return nil, fmt.Errorf("%w for %s (cap %d)", ErrSlotTimeout, platform, limit)
		}

		wait := l.pollInterval
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

// ReleaseSlot frees a previously acquired slot. Safe to call once per slot;
// the counter never goes below zero.
func (l *PlatformLimiter) ReleaseSlot(ctx context.Context, slot *models.PlatformSlot) {
	if slot == nil {
		return
	}

	key := keySlotPrefix + string(slot.Platform)
	count, err := l.store.Decrement(ctx, key)
	if err != nil {
		l.logger.WithError(err).Warnf("Store fault releasing %s slot", slot.Platform)
		recordStoreFault("slot_release")
		return
	}
	if count < 0 {
		l.store.Set(ctx, key, "0", 0)
		count = 0
	}
	setSlotsInUse(string(slot.Platform), float64(count))
}

func (l *PlatformLimiter) decrementFloored(ctx context.Context, key string) {
	count, err := l.store.Decrement(ctx, key)
	if err != nil {
		l.logger.WithError(err).Warnf("Store fault rolling back slot counter %s", key)
		return
	}
	if count < 0 {
		l.store.Set(ctx, key, "0", 0)
	}
}

// Stats reports in-use counts against caps for every known platform.
func (l *PlatformLimiter) Stats(ctx context.Context) []models.SlotStats {
	out := make([]models.SlotStats, 0, len(models.AllPlatforms))
	for _, platform := range models.AllPlatforms {
		inUse := storeFallback(l.logger, "slot_stats", int64(0), func() (int64, error) {
			raw, err := l.store.Get(ctx, keySlotPrefix+string(platform))
			if err != nil {
				if errors.Is(err, cache.ErrCacheMiss) {
					return 0, nil
				}
				return 0, err
			}
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("malformed slot counter %q: %w", raw, err)
			}
			if n < 0 {
				n = 0
			}
			return n, nil
		})
		out = append(out, models.SlotStats{
			Platform: platform,
			InUse:    inUse,
			Cap:      l.Cap(platform),
		})
	}
	return out
}
