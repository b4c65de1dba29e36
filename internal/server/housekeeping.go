package server

import (
	"context"
	"time"
)

// RunHousekeeping expires idle sessions every interval and purges inactive
// session records older than retention, until ctx is done
func (s *Server) RunHousekeeping(ctx context.Context, interval, idleTimeout, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireIdle(idleTimeout)
			s.sessions.PurgeInactive(retention)
		}
	}
}
