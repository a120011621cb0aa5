package sync

import (
	"context"
	"log"
	"time"
)

// StartSchedules runs the periodic maintenance loops: a deal traversal
// on dealsEvery and a phone revalidation pass on phonesEvery. Each loop
// pings storage before working; if the ping fails the loop shuts its
// ticker down for good rather than hammering a dead database. Both
// loops stop when ctx is cancelled.
func (s *Service) StartSchedules(ctx context.Context, dealsEvery, phonesEvery time.Duration) {
	if dealsEvery > 0 {
		go s.schedule(ctx, "deal sync", dealsEvery, s.SyncDeals)
	}
	if phonesEvery > 0 {
		go s.schedule(ctx, "phone revalidation", phonesEvery, s.RevalidatePhones)
	}
}

func (s *Service) schedule(ctx context.Context, name string, every time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	log.Printf("sync: scheduled %s every %s", name, every)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Ping(ctx); err != nil {
				log.Printf("sync: %s schedule stopped, storage unreachable: %v", name, err)
				return
			}
			if err := run(ctx); err != nil {
				log.Printf("sync: scheduled %s: %v", name, err)
			}
		}
	}
}
