package jobs

import (
	"context"
	"log"
	"time"

	"campwise/booking/internal/config"
	"campwise/booking/internal/repository"
)

// StartCartCleanupJob periodically drops cart items older than the
// configured age. Abandoned carts otherwise accumulate forever since
// nothing else deletes them.
func StartCartCleanupJob(ctx context.Context, cfg config.Config, store *repository.Store) {
	if !cfg.CartCleanupEnabled {
		return
	}
	interval := cfg.CartCleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	maxAge := cfg.CartCleanupMaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	timeout := cfg.CartCleanupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-maxAge)
				tickCtx, cancel := context.WithTimeout(ctx, timeout)
				deleted, err := store.DeleteCartItemsBefore(tickCtx, cutoff)
				cancel()
				if err != nil {
					log.Printf("cart cleanup job error: %v", err)
					continue
				}
				if deleted > 0 {
					log.Printf("cart cleanup job removed %d stale items", deleted)
				}
			}
		}
	}()
}
