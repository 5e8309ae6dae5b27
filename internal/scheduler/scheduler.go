package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/fabric/internal/domain"
	"github.com/limiquantix/fabric/internal/hoststate"
	"github.com/limiquantix/fabric/internal/ledger"
)

// Scheduler ranks candidate hosts for placement requests. It is a pure
// in-memory computation over the current host state snapshot; the only I/O
// is the optional allocation-candidates cross-check against the ledger.
type Scheduler struct {
	cache   *hoststate.Cache
	ledger  ledger.Client
	config  Config
	filters []Filter

	weighers    []Weigher
	multipliers map[string]float64

	logger *zap.Logger
}

// New creates a Scheduler from the configured filters and weighers.
func New(cache *hoststate.Cache, ledgerClient ledger.Client, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	filters, err := buildFilters(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build filter pipeline: %w", err)
	}
	weighers, multipliers := buildWeighers(cfg)

	return &Scheduler{
		cache:       cache,
		ledger:      ledgerClient,
		config:      cfg,
		filters:     filters,
		weighers:    weighers,
		multipliers: multipliers,
		logger:      logger.With(zap.String("component", "scheduler")),
	}, nil
}

// SelectDestinations returns one ordered candidate list per requested
// instance, all computed from a single snapshot. The head candidate of each
// instance is provisionally consumed on the snapshot copy so the instances
// of one batch do not over-subscribe the same host within the pass; the
// provisional accounting is discarded with the snapshot copy.
func (s *Scheduler) SelectDestinations(ctx context.Context, spec *domain.RequestSpec, excluded map[string]struct{}) ([][]domain.Candidate, error) {
	hosts, err := s.eligibleHosts(ctx, spec, excluded)
	if err != nil {
		return nil, err
	}

	count := spec.Count()
	results := make([][]domain.Candidate, 0, count)
	for i := 0; i < count; i++ {
		candidates, err := s.selectOne(spec, hosts)
		if err != nil {
			return nil, err
		}
		// Later instances of the batch see the head's consumption.
		candidates[0].Host.Consume(spec)
		results = append(results, candidates)
	}

	s.logger.Debug("Selected destinations",
		zap.String("request_id", spec.RequestID),
		zap.Int("instances", count),
		zap.Int("hosts_considered", len(hosts)),
	)
	return results, nil
}

// Schedule computes the ordered candidate list for a single instance, used
// by retries with a grown exclusion set.
func (s *Scheduler) Schedule(ctx context.Context, spec *domain.RequestSpec, excluded map[string]struct{}) ([]domain.Candidate, error) {
	hosts, err := s.eligibleHosts(ctx, spec, excluded)
	if err != nil {
		return nil, err
	}
	return s.selectOne(spec, hosts)
}

// eligibleHosts takes a fresh snapshot copy and strips hosts that are
// excluded, out of zone, or rejected by the ledger's allocation-candidates
// answer.
func (s *Scheduler) eligibleHosts(ctx context.Context, spec *domain.RequestSpec, excluded map[string]struct{}) ([]*domain.HostState, error) {
	hosts := s.cache.Snapshot()
	if len(hosts) == 0 {
		return nil, &domain.NoValidHostError{Reason: "host state snapshot is empty"}
	}

	var candidates map[string]struct{}
	if s.config.UseAllocationCandidates {
		summaries, err := s.ledger.AllocationCandidates(ctx, spec.Demand.Resources(), spec.RequiredTraits)
		if err != nil {
			return nil, fmt.Errorf("allocation candidates query failed: %w", err)
		}
		candidates = make(map[string]struct{}, len(summaries))
		for _, summary := range summaries {
			candidates[summary.ID] = struct{}{}
		}
	}

	specExcluded := make(map[string]struct{}, len(spec.ExcludedHosts))
	for _, id := range spec.ExcludedHosts {
		specExcluded[id] = struct{}{}
	}

	eligible := hosts[:0]
	for _, host := range hosts {
		if _, skip := excluded[host.ID]; skip {
			continue
		}
		if _, skip := specExcluded[host.ID]; skip {
			continue
		}
		if spec.AvailabilityZone != "" && host.AvailabilityZone != "" &&
			host.AvailabilityZone != spec.AvailabilityZone {
			continue
		}
		if candidates != nil {
			if _, ok := candidates[host.ID]; !ok {
				continue
			}
		}
		eligible = append(eligible, host)
	}
	return eligible, nil
}

// selectOne runs the filter and weigher pipelines for one instance.
func (s *Scheduler) selectOne(spec *domain.RequestSpec, hosts []*domain.HostState) ([]domain.Candidate, error) {
	feasible := hosts
	for _, filter := range s.filters {
		remaining := make([]*domain.HostState, 0, len(feasible))
		for _, host := range feasible {
			if filter.Pass(spec, host) {
				remaining = append(remaining, host)
			}
		}
		if len(remaining) == 0 {
			s.logger.Debug("Filter eliminated all hosts",
				zap.String("request_id", spec.RequestID),
				zap.String("filter", filter.Name()),
				zap.Int("hosts_in", len(feasible)),
			)
			return nil, &domain.NoValidHostError{
				Reason: fmt.Sprintf("filter %q eliminated all %d remaining hosts", filter.Name(), len(feasible)),
			}
		}
		feasible = remaining
	}

	return weighHosts(spec, feasible, s.weighers, s.multipliers), nil
}
