// Package ledger talks to the resource ledger, the authoritative versioned
// record of per-host inventory and allocations. All durable placement state
// lives there; this process only holds snapshots.
package ledger

import (
	"context"
	"time"

	"github.com/limiquantix/fabric/internal/domain"
)

// ProviderFilters narrows a provider listing.
type ProviderFilters struct {
	AvailabilityZone string
	Aggregate        string
}

// ProviderSummary is the ledger's answer to an allocation-candidates query:
// a host that currently satisfies the requested resources and traits, with
// the generation observed while computing the answer.
type ProviderSummary struct {
	ID         string
	Generation int64
}

// Client is the resource ledger boundary. Writes are conditional: every
// allocation carries the last-observed host generation and is rejected with
// domain.ErrClaimConflict if the generation has since advanced.
type Client interface {
	// ListProviders returns full inventory/usage snapshots for all hosts
	// matching the filters.
	ListProviders(ctx context.Context, filters ProviderFilters) ([]*domain.HostState, error)

	// GetProvider returns a fresh snapshot of a single host.
	GetProvider(ctx context.Context, id string) (*domain.HostState, error)

	// AllocationCandidates asks the ledger which hosts can currently satisfy
	// the resource amounts and required traits.
	AllocationCandidates(ctx context.Context, resources map[domain.ResourceClass]int64, required []string) ([]ProviderSummary, error)

	// PutAllocations conditionally writes the allocation and returns the
	// host's new generation. A generation mismatch yields
	// domain.ErrClaimConflict.
	PutAllocations(ctx context.Context, alloc *domain.Allocation) (int64, error)

	// DeleteAllocations removes every allocation held by the consumer.
	// Deleting a consumer with no allocations is not an error.
	DeleteAllocations(ctx context.Context, consumerID string) error
}

// Wire types for the ledger's REST API.

type providerPayload struct {
	UUID             string                                    `json:"uuid"`
	Name             string                                    `json:"name"`
	Generation       int64                                     `json:"generation"`
	Inventories      map[domain.ResourceClass]domain.Inventory `json:"inventories"`
	NUMACells        []domain.NUMACell                         `json:"numa_cells,omitempty"`
	PCIPools         []domain.PCIPool                          `json:"pci_pools,omitempty"`
	HypervisorType   string                                    `json:"hypervisor_type,omitempty"`
	AvailabilityZone string                                    `json:"availability_zone,omitempty"`
	Aggregates       []string                                  `json:"aggregates,omitempty"`
	Traits           []string                                  `json:"traits,omitempty"`
	Instances        []string                                  `json:"instances,omitempty"`
	VMCount          int                                       `json:"vm_count"`
}

func (p *providerPayload) toDomain() *domain.HostState {
	return &domain.HostState{
		ID:               p.UUID,
		Hostname:         p.Name,
		Generation:       p.Generation,
		Inventories:      p.Inventories,
		NUMACells:        p.NUMACells,
		PCIPools:         p.PCIPools,
		HypervisorType:   p.HypervisorType,
		AvailabilityZone: p.AvailabilityZone,
		Aggregates:       p.Aggregates,
		Traits:           p.Traits,
		Instances:        p.Instances,
		VMCount:          p.VMCount,
		UpdatedAt:        time.Now(),
	}
}

type providerListPayload struct {
	ResourceProviders []providerPayload `json:"resource_providers"`
}

type allocationCandidatesPayload struct {
	Providers []struct {
		UUID       string `json:"uuid"`
		Generation int64  `json:"generation"`
	} `json:"providers"`
}

type allocationWritePayload struct {
	Allocations map[string]allocationEntry `json:"allocations"`
}

type allocationEntry struct {
	Resources          map[domain.ResourceClass]int64 `json:"resources"`
	ProviderGeneration int64                          `json:"provider_generation"`
}

type allocationWriteResponse struct {
	ProviderGenerations map[string]int64 `json:"provider_generations"`
}
