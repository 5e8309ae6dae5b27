// Package memory provides an in-memory resource ledger for development and
// testing. It enforces the same generation-checked conditional writes as the
// real service.
package memory

import (
	"context"
	"sync"

	"github.com/limiquantix/fabric/internal/domain"
	"github.com/limiquantix/fabric/internal/ledger"
)

// Ensure Ledger implements ledger.Client
var _ ledger.Client = (*Ledger)(nil)

type providerRecord struct {
	state *domain.HostState
	// allocations by consumer ID; usage derived from these is folded into
	// the state's inventories on every write.
	allocations map[string]map[domain.ResourceClass]int64
}

// Ledger is an in-memory implementation of the resource ledger.
type Ledger struct {
	mu        sync.RWMutex
	providers map[string]*providerRecord
	// consumers maps consumer ID to the host holding its allocation.
	consumers map[string]string
}

// NewLedger creates an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{
		providers: make(map[string]*providerRecord),
		consumers: make(map[string]string),
	}
}

// SetProvider seeds or replaces a host's inventory. The generation is
// preserved across replacement so concurrent claimers still conflict.
func (l *Ledger) SetProvider(state *domain.HostState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.providers[state.ID]
	stored := state.Clone()
	if ok {
		stored.Generation = existing.state.Generation
		existing.state = stored
		return
	}
	l.providers[state.ID] = &providerRecord{
		state:       stored,
		allocations: make(map[string]map[domain.ResourceClass]int64),
	}
}

// ListProviders implements ledger.Client.
func (l *Ledger) ListProviders(ctx context.Context, filters ledger.ProviderFilters) ([]*domain.HostState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*domain.HostState
	for _, rec := range l.providers {
		if filters.AvailabilityZone != "" && rec.state.AvailabilityZone != filters.AvailabilityZone {
			continue
		}
		if filters.Aggregate != "" && !rec.state.InAggregate(filters.Aggregate) {
			continue
		}
		result = append(result, rec.state.Clone())
	}
	return result, nil
}

// GetProvider implements ledger.Client.
func (l *Ledger) GetProvider(ctx context.Context, id string) (*domain.HostState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.providers[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.state.Clone(), nil
}

// AllocationCandidates implements ledger.Client.
func (l *Ledger) AllocationCandidates(ctx context.Context, resources map[domain.ResourceClass]int64, required []string) ([]ledger.ProviderSummary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []ledger.ProviderSummary
	for _, rec := range l.providers {
		if !fits(rec.state, resources) {
			continue
		}
		if !hasTraits(rec.state, required) {
			continue
		}
		result = append(result, ledger.ProviderSummary{
			ID:         rec.state.ID,
			Generation: rec.state.Generation,
		})
	}
	return result, nil
}

// PutAllocations implements ledger.Client. The write succeeds only if the
// supplied provider generation still matches; at most one of any set of
// concurrent writers against the same generation wins.
func (l *Ledger) PutAllocations(ctx context.Context, alloc *domain.Allocation) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.providers[alloc.HostID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if rec.state.Generation != alloc.ProviderGeneration {
		return 0, domain.ErrClaimConflict
	}

	resources := make(map[domain.ResourceClass]int64, len(alloc.Resources))
	for class, amount := range alloc.Resources {
		inv, ok := rec.state.Inventories[class]
		if !ok {
			return 0, domain.ErrInsufficientResources
		}
		if amount > inv.Free(1.0) {
			return 0, domain.ErrInsufficientResources
		}
		resources[class] = amount
	}

	for class, amount := range resources {
		inv := rec.state.Inventories[class]
		inv.Used += amount
		rec.state.Inventories[class] = inv
	}
	rec.allocations[alloc.ConsumerID] = resources
	rec.state.Instances = append(rec.state.Instances, alloc.ConsumerID)
	rec.state.VMCount++
	rec.state.Generation++
	l.consumers[alloc.ConsumerID] = alloc.HostID

	return rec.state.Generation, nil
}

// DeleteAllocations implements ledger.Client.
func (l *Ledger) DeleteAllocations(ctx context.Context, consumerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	hostID, ok := l.consumers[consumerID]
	if !ok {
		return nil
	}
	rec := l.providers[hostID]
	resources := rec.allocations[consumerID]
	for class, amount := range resources {
		inv := rec.state.Inventories[class]
		inv.Used -= amount
		rec.state.Inventories[class] = inv
	}
	delete(rec.allocations, consumerID)
	for i, id := range rec.state.Instances {
		if id == consumerID {
			rec.state.Instances = append(rec.state.Instances[:i], rec.state.Instances[i+1:]...)
			break
		}
	}
	rec.state.VMCount--
	rec.state.Generation++
	delete(l.consumers, consumerID)

	return nil
}

// AllocationCount returns the number of live allocations, for tests
// asserting that no claim leaked.
func (l *Ledger) AllocationCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.consumers)
}

func fits(state *domain.HostState, resources map[domain.ResourceClass]int64) bool {
	for class, amount := range resources {
		inv, ok := state.Inventories[class]
		if !ok || amount > inv.Free(1.0) {
			return false
		}
	}
	return true
}

func hasTraits(state *domain.HostState, required []string) bool {
	for _, trait := range required {
		if !state.HasTrait(trait) {
			return false
		}
	}
	return true
}
