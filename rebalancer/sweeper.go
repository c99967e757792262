package rebalancer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"markd/observability"
	"markd/storage"
)

// Sweeper expires earmarks and standalone operations that outlived their TTL.
// Earmark expiry orphans the earmark's non-terminal children; orphaned
// operations keep running under the callback engine but no longer count
// towards any earmark.
type Sweeper struct {
	store        *storage.Store
	metrics      *observability.RebalancerMetrics
	logger       *slog.Logger
	earmarkTTL   time.Duration
	operationTTL time.Duration
	now          func() time.Time
}

// NewSweeper constructs a sweeper over the supplied TTLs.
func NewSweeper(store *storage.Store, metrics *observability.RebalancerMetrics, logger *slog.Logger, earmarkTTL, operationTTL time.Duration) *Sweeper {
	return &Sweeper{
		store:        store,
		metrics:      metrics,
		logger:       logger.With("component", "sweeper"),
		earmarkTTL:   earmarkTTL,
		operationTTL: operationTTL,
		now:          time.Now,
	}
}

// Run performs one expiry sweep. A non-positive TTL disables the
// corresponding sweep; it never means expire-on-sight.
func (s *Sweeper) Run(ctx context.Context) error {
	now := s.now().UTC()

	var earmarks, ops int
	var err error
	if s.earmarkTTL > 0 {
		earmarks, err = s.store.ExpireEarmarksBefore(ctx, now.Add(-s.earmarkTTL), "earmark ttl elapsed")
		if err != nil {
			return fmt.Errorf("expire earmarks: %w", err)
		}
		for i := 0; i < earmarks; i++ {
			s.metrics.RecordExpired("earmark")
		}
	}

	if s.operationTTL > 0 {
		ops, err = s.store.ExpireStandaloneOperationsBefore(ctx, now.Add(-s.operationTTL), "operation ttl elapsed")
		if err != nil {
			return fmt.Errorf("expire operations: %w", err)
		}
		for i := 0; i < ops; i++ {
			s.metrics.RecordExpired("operation")
		}
	}

	if earmarks > 0 || ops > 0 {
		s.logger.Info("expiry sweep", "earmarks", earmarks, "operations", ops)
	}
	return nil
}
