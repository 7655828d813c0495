package kiosk

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper removes sessions that have not been touched for the TTL, releasing
// the camera held by abandoned kiosks.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSweeper(manager *Manager, interval, ttl time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		manager:  manager,
		interval: interval,
		ttl:      ttl,
		logger:   logger.With("component", "session_sweeper"),
		stopCh:   make(chan struct{}),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("session sweeper started", "interval", s.interval, "ttl", s.ttl)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopped")
			return
		case <-s.stopCh:
			s.logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Sweep removes expired sessions and returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	removed := 0
	for _, id := range s.manager.expired(s.manager.now(), s.ttl) {
		// A concurrent Remove may have won; not an error.
		if err := s.manager.Remove(ctx, id); err == nil {
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("expired sessions removed", "count", removed)
	}
	return removed
}
