// Package claim implements the resource reservation protocol: a conditional
// write against the resource ledger that succeeds only if the host's
// generation is still the one the scheduler observed. This single check is
// what keeps concurrent scheduling runs from double-booking a host, no
// matter how stale the cache snapshot was.
package claim

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/fabric/internal/domain"
	"github.com/limiquantix/fabric/internal/ledger"
)

// Claimer reserves and releases capacity on behalf of one instance.
type Claimer struct {
	ledger ledger.Client
	ratios map[domain.ResourceClass]float64
	logger *zap.Logger
}

// New creates a Claimer. The ratios are the configured default overcommit
// factors used by the local pre-check.
func New(ledgerClient ledger.Client, ratios map[domain.ResourceClass]float64, logger *zap.Logger) *Claimer {
	return &Claimer{
		ledger: ledgerClient,
		ratios: ratios,
		logger: logger.With(zap.String("component", "claim")),
	}
}

// Claim attempts to reserve the request's demand on the host, conditional on
// the host generation carried by the snapshot. It never retries a conflict
// internally; retry policy belongs to the orchestrator. A non-nil error
// means the ledger could not be consulted (infrastructure failure), not that
// the claim was refused.
func (c *Claimer) Claim(ctx context.Context, instanceID string, spec *domain.RequestSpec, host *domain.HostState) (*domain.ClaimResult, error) {
	// Local pre-check: the provisional accounting may already show the host
	// cannot hold the demand, in which case the ledger round-trip is wasted.
	if !host.Fits(spec.Demand, c.ratios) {
		c.logger.Debug("Claim rejected by local accounting",
			zap.String("instance_id", instanceID),
			zap.String("host_id", host.ID),
		)
		return &domain.ClaimResult{Outcome: domain.ClaimOutcomeInsufficient}, nil
	}

	alloc := &domain.Allocation{
		ConsumerID:         instanceID,
		HostID:             host.ID,
		Resources:          spec.Demand.Resources(),
		ProviderGeneration: host.Generation,
	}

	newGeneration, err := c.ledger.PutAllocations(ctx, alloc)
	switch {
	case err == nil:
		c.logger.Info("Claimed resources",
			zap.String("instance_id", instanceID),
			zap.String("host_id", host.ID),
			zap.Int64("generation", newGeneration),
		)
		return &domain.ClaimResult{Outcome: domain.ClaimOutcomeClaimed, Generation: newGeneration}, nil

	case errors.Is(err, domain.ErrClaimConflict):
		c.logger.Debug("Claim conflict",
			zap.String("instance_id", instanceID),
			zap.String("host_id", host.ID),
			zap.Int64("observed_generation", host.Generation),
		)
		return &domain.ClaimResult{Outcome: domain.ClaimOutcomeConflict}, nil

	case errors.Is(err, domain.ErrInsufficientResources):
		return &domain.ClaimResult{Outcome: domain.ClaimOutcomeInsufficient}, nil

	default:
		return nil, fmt.Errorf("claim write failed: %w", err)
	}
}

// Rollback deletes the instance's allocation. It runs on a context detached
// from cancellation: a cancelled orchestration run must still release any
// claim it holds.
func (c *Claimer) Rollback(ctx context.Context, instanceID string) error {
	err := c.ledger.DeleteAllocations(context.WithoutCancel(ctx), instanceID)
	if err != nil {
		c.logger.Error("Failed to roll back claim",
			zap.String("instance_id", instanceID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to roll back claim for %s: %w", instanceID, err)
	}
	c.logger.Info("Rolled back claim", zap.String("instance_id", instanceID))
	return nil
}
