// Package cleanup evicts completed tasks whose time-to-live has elapsed.
package cleanup

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

// DefaultInterval is the eviction cadence when none is configured.
const DefaultInterval = 300 * time.Second

// errorEscalationThreshold is the consecutive-failure count at which the
// evictor raises its log severity. It never stops itself: eviction is
// best-effort and a wedged database shouldn't take the relay down with it.
const errorEscalationThreshold = 5

var evictedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relay_cleanup_evicted_total",
	Help: "counter of expired task rows deleted by the TTL evictor",
})

var evictionErrorCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relay_cleanup_errors_total",
	Help: "counter of failed TTL eviction passes",
})

// Store is the slice of the task store the evictor drives.
type Store interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// Evictor periodically deletes expired task rows.
type Evictor struct {
	store    Store
	interval time.Duration
}

func NewEvictor(store Store, interval time.Duration) *Evictor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Evictor{store: store, interval: interval}
}

// Run ticks until |ctx| is cancelled. Ticks ride the monotonic clock, so
// wall-clock adjustments don't skew the cadence.
func (e *Evictor) Run(ctx context.Context) error {
	log.WithField("interval", e.interval).Info("starting task eviction loop")

	var ticker = time.NewTicker(e.interval)
	defer ticker.Stop()

	var consecutiveErrors = 0
	for {
		select {
		case <-ctx.Done():
			log.Info("eviction loop shutting down")
			return nil
		case <-ticker.C:
		}

		var count, err = e.store.DeleteExpired(ctx)
		if err != nil {
			consecutiveErrors++
			evictionErrorCounter.Inc()

			var entry = log.WithFields(log.Fields{
				"error":             err,
				"consecutiveErrors": consecutiveErrors,
			})
			if consecutiveErrors >= errorEscalationThreshold {
				entry.Error("task eviction is repeatedly failing")
			} else {
				entry.Warn("failed to evict expired tasks")
			}
			continue
		}

		if consecutiveErrors > 0 {
			log.WithField("previousErrors", consecutiveErrors).
				Info("task eviction recovered")
			consecutiveErrors = 0
		}
		if count > 0 {
			evictedCounter.Add(float64(count))
			log.WithField("deleted", count).Info("evicted expired tasks")
		}
	}
}
