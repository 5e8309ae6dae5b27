package scheduler

import (
	"fmt"

	"github.com/limiquantix/fabric/internal/domain"
)

// Filter is a hard constraint over one (request, host) pair. Filters must be
// side-effect-free and must not depend on the rest of the candidate set, so
// filtering any subset of hosts yields the same survivors as filtering the
// full set restricted to that subset.
type Filter interface {
	Name() string
	Pass(spec *domain.RequestSpec, host *domain.HostState) bool
}

// Built-in filter names, used in configuration.
const (
	FilterCapacity   = "capacity"
	FilterTraits     = "traits"
	FilterAffinity   = "affinity"
	FilterNUMADevice = "numa_device"
)

// buildFilters assembles the configured filters in order.
func buildFilters(cfg Config) ([]Filter, error) {
	ratios := map[domain.ResourceClass]float64{
		domain.ResourceVCPU:     cfg.OvercommitCPU,
		domain.ResourceMemoryMB: cfg.OvercommitMemory,
		domain.ResourceDiskGB:   cfg.OvercommitDisk,
	}

	filters := make([]Filter, 0, len(cfg.EnabledFilters))
	for _, name := range cfg.EnabledFilters {
		switch name {
		case FilterCapacity:
			filters = append(filters, &CapacityFilter{DefaultRatios: ratios})
		case FilterTraits:
			filters = append(filters, &TraitFilter{})
		case FilterAffinity:
			filters = append(filters, &AffinityFilter{})
		case FilterNUMADevice:
			filters = append(filters, &NUMADeviceFilter{})
		default:
			return nil, fmt.Errorf("unknown filter %q: %w", name, domain.ErrNotFound)
		}
	}
	return filters, nil
}

// CapacityFilter keeps hosts with enough free CPU, memory and disk after
// reservation and overcommit.
type CapacityFilter struct {
	DefaultRatios map[domain.ResourceClass]float64
}

func (f *CapacityFilter) Name() string { return FilterCapacity }

func (f *CapacityFilter) Pass(spec *domain.RequestSpec, host *domain.HostState) bool {
	return host.Fits(spec.Demand, f.DefaultRatios)
}

// TraitFilter enforces required/forbidden traits and aggregate membership.
type TraitFilter struct{}

func (f *TraitFilter) Name() string { return FilterTraits }

func (f *TraitFilter) Pass(spec *domain.RequestSpec, host *domain.HostState) bool {
	for _, trait := range spec.RequiredTraits {
		if !host.HasTrait(trait) {
			return false
		}
	}
	for _, trait := range spec.ForbiddenTraits {
		if host.HasTrait(trait) {
			return false
		}
	}
	for _, agg := range spec.RequiredAggregates {
		if !host.InAggregate(agg) {
			return false
		}
	}
	for _, agg := range spec.ForbiddenAggregates {
		if host.InAggregate(agg) {
			return false
		}
	}
	return true
}

// AffinityFilter enforces instance group co-location policies. The request
// carries the hosts already used by the group: an affinity policy restricts
// placement to them (once any member is placed), an anti-affinity policy
// forbids them.
type AffinityFilter struct{}

func (f *AffinityFilter) Name() string { return FilterAffinity }

func (f *AffinityFilter) Pass(spec *domain.RequestSpec, host *domain.HostState) bool {
	group := spec.Group
	if group == nil || len(group.Hosts) == 0 {
		return true
	}

	onGroupHost := false
	for _, id := range group.Hosts {
		if host.ID == id || host.Hostname == id {
			onGroupHost = true
			break
		}
	}

	switch group.Policy {
	case domain.GroupPolicyAffinity:
		return onGroupHost
	case domain.GroupPolicyAntiAffinity:
		return !onGroupHost
	default:
		return true
	}
}

// NUMADeviceFilter keeps hosts whose NUMA cells and PCI device pools can fit
// the requested topology and passthrough devices.
type NUMADeviceFilter struct{}

func (f *NUMADeviceFilter) Name() string { return FilterNUMADevice }

func (f *NUMADeviceFilter) Pass(spec *domain.RequestSpec, host *domain.HostState) bool {
	if numa := spec.NUMA; numa != nil {
		fitting := 0
		for _, cell := range host.NUMACells {
			if cell.CPUs-cell.CPUsUsed >= numa.CPUsPerCell &&
				cell.MemoryMB-cell.MemoryMBUsed >= numa.MemoryMBPerCell {
				fitting++
			}
		}
		if fitting < numa.Cells {
			return false
		}
	}

	for _, req := range spec.PCI {
		available := 0
		for _, pool := range host.PCIPools {
			if pool.VendorID == req.VendorID && pool.ProductID == req.ProductID {
				available += pool.Total - pool.Used
			}
		}
		if available < req.Count {
			return false
		}
	}
	return true
}
