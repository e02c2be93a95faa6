package draft

import (
	"context"
	"time"

	"github.com/kbforge/kbforge/internal/observability"
)

// Sweeper removes expired drafts on a fixed period. Redis reclaims most of
// them through key TTLs; the sweeper covers the memory KV and any record
// whose TTL drifted from its expires_at.
type Sweeper struct {
	store    *Store
	interval time.Duration
	log      *observability.Logger
}

func NewSweeper(store *Store, interval time.Duration, log *observability.Logger) *Sweeper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if log == nil {
		log = observability.Nop()
	}
	return &Sweeper{store: store, interval: interval, log: log.WithComponent("draft-sweeper")}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Sweep(ctx)
			if err != nil {
				s.log.Warn().Err(err).Msg("draft sweep failed")
				continue
			}
			if removed > 0 {
				s.log.Info().Int("removed", removed).Msg("expired drafts swept")
			}
		}
	}
}
