// Package hoststate maintains an in-memory snapshot of per-host capacity and
// usage, rebuilt wholesale from the resource ledger. Staleness is accepted
// and bounded; correctness under concurrency is recovered by the claim
// protocol's generation check, not by cache freshness.
package hoststate

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/limiquantix/fabric/internal/domain"
	"github.com/limiquantix/fabric/internal/ledger"
)

// Config holds the cache settings.
type Config struct {
	// RefreshInterval is the period of the background snapshot rebuild.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// AvailabilityZone restricts the fleet view to one zone when set.
	AvailabilityZone string `mapstructure:"availability_zone"`
}

// snapshot is one complete, immutable view of the fleet. It is replaced
// atomically and never mutated after publication.
type snapshot struct {
	hosts   []*domain.HostState
	takenAt time.Time
}

// Cache is the host state cache. Readers always observe one complete
// snapshot; a single refresh runs at a time, with concurrent refresh
// requests coalesced onto it.
type Cache struct {
	client ledger.Client
	config Config
	logger *zap.Logger

	snap  atomic.Pointer[snapshot]
	group singleflight.Group
}

// New creates a cache with an empty snapshot. Call Refresh or Start before
// scheduling.
func New(client ledger.Client, cfg Config, logger *zap.Logger) *Cache {
	c := &Cache{
		client: client,
		config: cfg,
		logger: logger.With(zap.String("component", "hoststate")),
	}
	c.snap.Store(&snapshot{})
	return c
}

// Refresh rebuilds the snapshot from the ledger and swaps it in atomically.
// Concurrent callers share a single in-flight rebuild.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		hosts, err := c.client.ListProviders(ctx, ledger.ProviderFilters{
			AvailabilityZone: c.config.AvailabilityZone,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list resource providers: %w", err)
		}

		// Stable host order makes repeated pipeline runs reproducible.
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })

		c.snap.Store(&snapshot{hosts: hosts, takenAt: time.Now()})
		c.logger.Debug("Host state snapshot refreshed", zap.Int("hosts", len(hosts)))
		return nil, nil
	})
	return err
}

// Snapshot returns deep copies of every host in the current snapshot. The
// copies are the pipeline's to mutate provisionally; the published snapshot
// itself is never touched.
func (c *Cache) Snapshot() []*domain.HostState {
	snap := c.snap.Load()
	hosts := make([]*domain.HostState, len(snap.hosts))
	for i, h := range snap.hosts {
		hosts[i] = h.Clone()
	}
	return hosts
}

// Age returns how long ago the current snapshot was taken. A zero snapshot
// reports a very large age.
func (c *Cache) Age() time.Duration {
	snap := c.snap.Load()
	if snap.takenAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return time.Since(snap.takenAt)
}

// HostCount returns the number of hosts in the current snapshot.
func (c *Cache) HostCount() int {
	return len(c.snap.Load().hosts)
}

// Start runs the periodic refresh loop until the context is cancelled. An
// immediate refresh happens first so the scheduler does not start empty.
func (c *Cache) Start(ctx context.Context) {
	interval := c.config.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	c.logger.Info("Starting host state refresh loop", zap.Duration("interval", interval))

	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("Initial host state refresh failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stopping host state refresh loop")
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("Host state refresh failed", zap.Error(err))
			}
		}
	}
}
