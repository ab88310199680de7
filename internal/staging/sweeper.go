package staging

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// StartSweeper runs Sweep on the given cron schedule (e.g. "@every 10m").
// The returned scheduler must be stopped on shutdown.
func StartSweeper(s *Store, schedule string, maxAge time.Duration) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		removed, err := s.Sweep(maxAge)
		if err != nil {
			s.log.Errorw("staging sweep failed", "removed", removed, "error", err)
			return
		}
		if removed > 0 {
			s.log.Infow("staging sweep finished", "removed", removed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule staging sweep %q: %w", schedule, err)
	}

	c.Start()
	return c, nil
}
