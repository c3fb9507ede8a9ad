package session

import (
	"context"
	"time"
)

// RunJanitor sweeps expired sessions every interval until ctx is done.
// A non-positive interval uses Config.CleanupInterval.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.CleanupInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	s.log.Info("session.janitor.start", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("session.janitor.stop")
			return
		case <-t.C:
			s.sweep(ctx, time.Now().UTC())
		}
	}
}

func (s *Service) sweep(ctx context.Context, now time.Time) {
	n, err := s.CleanupExpiredSessions(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("session.cleanup.fail", "err", err, "deactivated", n)
		}
		return
	}
	if n > 0 {
		s.log.Info("session.cleanup.done", "deactivated", n)
	}
}
