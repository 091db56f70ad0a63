// Package janitor runs the periodic pairing-code sweep. Polling devices
// expire their own codes lazily; the sweep catches codes whose devices
// went away without ever polling again.
package janitor

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"

	"tokosync/backend/internal/service"
)

const lockKey = "lock:pairing-sweep"

type Sweeper struct {
	svc      *service.Service
	locker   *redislock.Client
	logger   *zap.Logger
	interval time.Duration
	lockTTL  time.Duration
}

// New builds a sweeper. locker may be nil (single-instance dev mode);
// the sweep then runs unguarded.
func New(svc *service.Service, locker *redislock.Client, logger *zap.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		svc:      svc,
		locker:   locker,
		logger:   logger,
		interval: interval,
		lockTTL:  interval,
	}
}

// Run blocks until ctx is cancelled, sweeping once per interval. With
// multiple instances the redis lock elects one sweeper per tick; a
// missed tick is harmless because polling expires codes lazily anyway.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if s.locker != nil {
		lock, err := s.locker.Obtain(ctx, lockKey, s.lockTTL, nil)
		if err == redislock.ErrNotObtained {
			return
		}
		if err != nil {
			s.logger.Warn("could not obtain sweep lock", zap.Error(err))
			return
		}
		defer func() {
			if err := lock.Release(ctx); err != nil && err != redislock.ErrLockNotHeld {
				s.logger.Warn("could not release sweep lock", zap.Error(err))
			}
		}()
	}

	expired, err := s.svc.ExpireOverduePairings(ctx)
	if err != nil {
		s.logger.Error("pairing sweep failed", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("pairing sweep expired codes", zap.Int("count", expired))
	}
}
