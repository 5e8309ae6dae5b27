// Package scheduler implements the host selection pipeline: hard filters
// eliminate hosts that cannot satisfy a request, weighers rank the
// survivors.
package scheduler

// Config holds the scheduler configuration.
type Config struct {
	// EnabledFilters lists the filters to run, in order. Cheap filters
	// should come first; the result does not depend on the order.
	EnabledFilters []string `mapstructure:"enabled_filters"`

	// WeigherMultipliers maps weigher name to its multiplier in the
	// combined score. Negative multipliers invert a weigher's preference.
	// Weighers absent from the map use 1.0.
	WeigherMultipliers map[string]float64 `mapstructure:"weigher_multipliers"`

	// PlacementStrategy determines how VMs are distributed across hosts
	// when the vm_count multiplier is not set explicitly:
	// - "spread": fewer VMs per host is better (better HA)
	// - "pack": more VMs per host is better (better consolidation)
	PlacementStrategy string `mapstructure:"placement_strategy"`

	// UseAllocationCandidates seeds the pipeline from the ledger's
	// allocation-candidates answer instead of the full snapshot, letting the
	// ledger pre-filter the authoritative resource classes.
	UseAllocationCandidates bool `mapstructure:"use_allocation_candidates"`

	// Overcommit ratios used for inventories that do not carry their own
	// allocation ratio.
	OvercommitCPU    float64 `mapstructure:"overcommit_cpu"`
	OvercommitMemory float64 `mapstructure:"overcommit_memory"`
	OvercommitDisk   float64 `mapstructure:"overcommit_disk"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		EnabledFilters: []string{
			FilterCapacity,
			FilterTraits,
			FilterAffinity,
			FilterNUMADevice,
		},
		WeigherMultipliers: map[string]float64{},
		PlacementStrategy:  "spread",
		OvercommitCPU:      1.0,
		OvercommitMemory:   1.0,
		OvercommitDisk:     1.0,
	}
}
