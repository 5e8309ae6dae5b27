// Package conductor drives the end-to-end placement workflow: ask the
// scheduler for candidates, claim resources on the best one, delegate the
// build, and retry against the next candidate when a claim or build fails,
// bounded by a configured attempt budget.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/fabric/internal/claim"
	"github.com/limiquantix/fabric/internal/domain"
	"github.com/limiquantix/fabric/internal/hoststate"
	"github.com/limiquantix/fabric/internal/ledger"
	"github.com/limiquantix/fabric/internal/scheduler"
)

// BuildDriver is the hypervisor driver boundary. Build blocks until the
// instance is up or the context expires; the conductor awaits it on a
// goroutine per in-flight instance.
type BuildDriver interface {
	Build(ctx context.Context, host *domain.HostState, spec *domain.RequestSpec, instanceID string) error
}

// Config holds the orchestration settings.
type Config struct {
	// MaxAttempts bounds the claim/build attempts per instance.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BuildTimeout is the maximum wait for one build; expiry is treated as
	// a build failure (rollback, retry or exhaust).
	BuildTimeout time.Duration `mapstructure:"build_timeout"`

	// MaxConcurrentBuilds caps the in-flight builds of one batch request.
	// Zero means unbounded.
	MaxConcurrentBuilds int `mapstructure:"max_concurrent_builds"`
}

// DefaultConfig returns the default orchestration configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		BuildTimeout: 10 * time.Minute,
	}
}

// Placement is a successful per-instance outcome.
type Placement struct {
	InstanceID string `json:"instance_id"`
	HostID     string `json:"host_id"`
	Hostname   string `json:"hostname"`
	// Generation is the host generation after the winning claim.
	Generation int64 `json:"generation"`
	// Attempts counts the claim/build attempts consumed, Conflicts the
	// generation conflicts recovered along the way.
	Attempts  int `json:"attempts"`
	Conflicts int `json:"conflicts"`
}

// InstanceResult is the per-instance outcome of one request: a placement or
// a typed failure. Instances of one batch succeed and fail independently.
type InstanceResult struct {
	InstanceID string
	Placement  *Placement
	Err        error
}

// Conductor orchestrates placement runs. All state of a run — the exclusion
// set, the retry budget, the recorded failures — is local to that run;
// nothing is shared across concurrent requests.
type Conductor struct {
	scheduler *scheduler.Scheduler
	claimer   *claim.Claimer
	ledger    ledger.Client
	cache     *hoststate.Cache
	builder   BuildDriver
	config    Config
	logger    *zap.Logger
}

// New creates a Conductor.
func New(
	sched *scheduler.Scheduler,
	claimer *claim.Claimer,
	ledgerClient ledger.Client,
	cache *hoststate.Cache,
	builder BuildDriver,
	cfg Config,
	logger *zap.Logger,
) *Conductor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Conductor{
		scheduler: sched,
		claimer:   claimer,
		ledger:    ledgerClient,
		cache:     cache,
		builder:   builder,
		config:    cfg,
		logger:    logger.With(zap.String("component", "conductor")),
	}
}

// Run places and builds every instance of the request. One scheduling pass
// produces the initial candidate list per instance; each instance then runs
// its own state machine, with builds awaited concurrently.
func (c *Conductor) Run(ctx context.Context, spec *domain.RequestSpec) ([]InstanceResult, error) {
	if spec.RequestID == "" {
		spec.RequestID = uuid.New().String()
	}
	logger := c.logger.With(zap.String("request_id", spec.RequestID))

	count := spec.Count()
	logger.Info("Starting placement run",
		zap.Int("instances", count),
		zap.Int64("vcpus", spec.Demand.VCPUs),
		zap.Int64("memory_mb", spec.Demand.MemoryMB),
		zap.Int64("disk_gb", spec.Demand.DiskGB),
	)

	destinations, err := c.scheduler.SelectDestinations(ctx, spec, nil)
	if err != nil {
		logger.Warn("Initial scheduling pass failed", zap.Error(err))
		results := make([]InstanceResult, count)
		for i := range results {
			results[i] = InstanceResult{InstanceID: uuid.New().String(), Err: err}
		}
		return results, err
	}

	results := make([]InstanceResult, count)
	group := new(errgroup.Group)
	if c.config.MaxConcurrentBuilds > 0 {
		group.SetLimit(c.config.MaxConcurrentBuilds)
	}
	for i := 0; i < count; i++ {
		i := i
		instanceID := uuid.New().String()
		group.Go(func() error {
			placement, err := c.placeInstance(ctx, spec, instanceID, destinations[i])
			results[i] = InstanceResult{InstanceID: instanceID, Placement: placement, Err: err}
			return nil
		})
	}
	group.Wait()

	var errs error
	for _, res := range results {
		if res.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("instance %s: %w", res.InstanceID, res.Err))
		}
	}
	if errs != nil {
		logger.Warn("Placement run finished with failures", zap.Error(errs))
	} else {
		logger.Info("Placement run succeeded", zap.Int("instances", count))
	}
	return results, errs
}

// runState enumerates the per-instance state machine.
type runState int

const (
	stateSelecting runState = iota
	stateClaiming
	stateBuilding
)

// placeInstance runs the state machine for one instance. The exclusion set
// only grows for the lifetime of the run; a host that failed a claim or a
// build is never retried within it.
func (c *Conductor) placeInstance(ctx context.Context, spec *domain.RequestSpec, instanceID string, candidates []domain.Candidate) (*Placement, error) {
	logger := c.logger.With(
		zap.String("request_id", spec.RequestID),
		zap.String("instance_id", instanceID),
	)

	excluded := make(map[string]struct{})
	var failures []domain.AttemptFailure
	attempts := 0
	conflicts := 0
	forcedRefresh := false

	state := stateSelecting
	if len(candidates) > 0 {
		state = stateClaiming
	}

	var claimed *domain.HostState
	var generation int64

	for {
		if err := ctx.Err(); err != nil {
			if claimed != nil {
				if rbErr := c.claimer.Rollback(ctx, instanceID); rbErr != nil {
					logger.Error("Claim rollback failed on cancellation", zap.Error(rbErr))
				}
			}
			return nil, err
		}

		switch state {
		case stateSelecting:
			cands, err := c.scheduler.Schedule(ctx, spec, excluded)
			if err != nil {
				if !errors.Is(err, domain.ErrNoValidHost) {
					return nil, err
				}
				// All candidates exhausted: force one snapshot refresh in
				// case the fleet moved under us, then give up.
				if !forcedRefresh {
					forcedRefresh = true
					if rerr := c.cache.Refresh(ctx); rerr != nil {
						logger.Warn("Forced snapshot refresh failed", zap.Error(rerr))
					} else {
						continue
					}
				}
				if len(failures) > 0 {
					return nil, &domain.MaxRetriesError{Attempts: failures}
				}
				return nil, err
			}
			candidates = cands
			state = stateClaiming

		case stateClaiming:
			if len(candidates) == 0 {
				state = stateSelecting
				continue
			}
			if attempts >= c.config.MaxAttempts {
				logger.Warn("Retry budget exhausted",
					zap.Int("attempts", attempts),
					zap.Int("failed_hosts", len(failures)),
				)
				return nil, &domain.MaxRetriesError{Attempts: failures}
			}
			attempts++

			host := candidates[0].Host
			candidates = candidates[1:]

			result, err := c.claimHost(ctx, instanceID, spec, host, &conflicts)
			if err != nil {
				return nil, err
			}
			switch result.Outcome {
			case domain.ClaimOutcomeClaimed:
				claimed = host
				generation = result.Generation
				state = stateBuilding
			case domain.ClaimOutcomeConflict:
				failures = append(failures, domain.AttemptFailure{
					HostID: host.ID, Hostname: host.Hostname, Reason: "claim conflict",
				})
				excluded[host.ID] = struct{}{}
			case domain.ClaimOutcomeInsufficient:
				failures = append(failures, domain.AttemptFailure{
					HostID: host.ID, Hostname: host.Hostname, Reason: "insufficient resources",
				})
				excluded[host.ID] = struct{}{}
			}

		case stateBuilding:
			err := c.build(ctx, claimed, spec, instanceID)
			if err == nil {
				logger.Info("Instance placed",
					zap.String("host_id", claimed.ID),
					zap.String("hostname", claimed.Hostname),
					zap.Int("attempts", attempts),
					zap.Int("conflicts", conflicts),
				)
				return &Placement{
					InstanceID: instanceID,
					HostID:     claimed.ID,
					Hostname:   claimed.Hostname,
					Generation: generation,
					Attempts:   attempts,
					Conflicts:  conflicts,
				}, nil
			}

			// The claim must be released whether the build failed, timed
			// out, or the run was cancelled mid-build.
			if rbErr := c.claimer.Rollback(ctx, instanceID); rbErr != nil {
				logger.Error("Claim rollback failed; allocation may leak until reconciled",
					zap.String("host_id", claimed.ID),
					zap.Error(rbErr),
				)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			logger.Warn("Build failed, rescheduling",
				zap.String("host_id", claimed.ID),
				zap.Error(err),
			)
			failures = append(failures, domain.AttemptFailure{
				HostID: claimed.ID, Hostname: claimed.Hostname,
				Reason: fmt.Sprintf("build failed: %v", err),
			})
			excluded[claimed.ID] = struct{}{}
			claimed = nil
			// A build failure may indicate a host problem the filters did
			// not see; re-run the full pipeline instead of consuming the
			// remaining candidates from the stale pass.
			candidates = nil
			state = stateSelecting
		}
	}
}

// claimHost attempts the claim and, on a generation conflict, re-fetches the
// single host's fresh state and retries exactly once. A second conflict is
// reported back for the host to be excluded.
func (c *Conductor) claimHost(ctx context.Context, instanceID string, spec *domain.RequestSpec, host *domain.HostState, conflicts *int) (*domain.ClaimResult, error) {
	result, err := c.claimer.Claim(ctx, instanceID, spec, host)
	if err != nil {
		return nil, err
	}
	if result.Outcome != domain.ClaimOutcomeConflict {
		return result, nil
	}
	*conflicts++

	fresh, err := c.ledger.GetProvider(ctx, host.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Host vanished from the ledger; exclude it.
			return result, nil
		}
		return nil, err
	}

	retried, err := c.claimer.Claim(ctx, instanceID, spec, fresh)
	if err != nil {
		return nil, err
	}
	if retried.Outcome == domain.ClaimOutcomeConflict {
		*conflicts++
	}
	return retried, nil
}

// build delegates to the driver under the configured timeout.
func (c *Conductor) build(ctx context.Context, host *domain.HostState, spec *domain.RequestSpec, instanceID string) error {
	buildCtx := ctx
	if c.config.BuildTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, c.config.BuildTimeout)
		defer cancel()
	}
	if err := c.builder.Build(buildCtx, host, spec, instanceID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBuildFailed, err)
	}
	return nil
}
