package analytics

import (
	"context"
	"log"
	"time"

	"github.com/cortexdc/orchestrator/internal/store"
)

// RefresherConfig configures the background rollup worker.
type RefresherConfig struct {
	Interval time.Duration
}

// Refresher periodically recomputes the rollup for every cataloged
// scenario so reads stay cheap.
type Refresher struct {
	agg   *Aggregator
	store store.Store
	cfg   RefresherConfig
}

func NewRefresher(agg *Aggregator, st store.Store, cfg RefresherConfig) *Refresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Refresher{agg: agg, store: st, cfg: cfg}
}

// Run refreshes rollups on an interval until ctx is cancelled. Safe to run
// in a goroutine.
func (r *Refresher) Run(ctx context.Context) error {
	log.Printf("[analytics.refresher] starting (interval=%s)", r.cfg.Interval)
	defer log.Printf("[analytics.refresher] stopped")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *Refresher) refreshAll(ctx context.Context) {
	scenarios, err := r.store.ListScenarios(ctx, store.ScenarioFilter{Limit: 500})
	if err != nil {
		log.Printf("[analytics.refresher] list scenarios: %v", err)
		return
	}
	seen := map[string]bool{}
	for _, def := range scenarios {
		if seen[def.ScenarioID] {
			continue
		}
		seen[def.ScenarioID] = true
		if _, err := r.agg.Refresh(ctx, def.ScenarioID); err != nil {
			log.Printf("[analytics.refresher] refresh %s: %v", def.ScenarioID, err)
		}
	}
}
