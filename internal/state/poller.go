package state

import (
	"context"
	"time"
)

// RunPoller pulls the session list immediately and then every interval until
// ctx is done. Failed pulls are logged and leave the current list in place.
func (s *Store) RunPoller(ctx context.Context, lister SessionLister, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.logger.Info().Dur("interval", interval).Msg("session poller started")

	s.pollOnce(ctx, lister)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("session poller stopped")
			return
		case <-ticker.C:
			s.pollOnce(ctx, lister)
		}
	}
}

func (s *Store) pollOnce(ctx context.Context, lister SessionLister) {
	pctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.Pull(pctx, lister); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Msg("session pull failed")
	}
}
