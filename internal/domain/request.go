package domain

// ResourceClass identifies a class of consumable host capacity. The names
// match the resource ledger's inventory class names.
type ResourceClass string

const (
	ResourceVCPU     ResourceClass = "VCPU"
	ResourceMemoryMB ResourceClass = "MEMORY_MB"
	ResourceDiskGB   ResourceClass = "DISK_GB"
)

// ResourceDemand is the amount of capacity one instance consumes.
type ResourceDemand struct {
	VCPUs    int64 `json:"vcpus"`
	MemoryMB int64 `json:"memory_mb"`
	DiskGB   int64 `json:"disk_gb"`
}

// Resources returns the demand keyed by ledger resource class.
func (d ResourceDemand) Resources() map[ResourceClass]int64 {
	return map[ResourceClass]int64{
		ResourceVCPU:     d.VCPUs,
		ResourceMemoryMB: d.MemoryMB,
		ResourceDiskGB:   d.DiskGB,
	}
}

// NUMATopologyRequest asks for the instance to be spread over a number of
// NUMA cells, each providing a share of the CPU and memory demand.
type NUMATopologyRequest struct {
	Cells           int   `json:"cells"`
	CPUsPerCell     int64 `json:"cpus_per_cell"`
	MemoryMBPerCell int64 `json:"memory_mb_per_cell"`
}

// PCIRequest asks for a number of passthrough devices matching a vendor and
// product ID.
type PCIRequest struct {
	Count     int    `json:"count"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
}

// GroupPolicy is an instance group placement policy.
type GroupPolicy string

const (
	GroupPolicyAffinity     GroupPolicy = "affinity"
	GroupPolicyAntiAffinity GroupPolicy = "anti-affinity"
)

// GroupRequest carries the affinity constraints of an instance group. Hosts
// lists the hosts already used by members of the group; with an affinity
// policy and a non-empty host list, placement is restricted to those hosts,
// while an anti-affinity policy forbids them.
type GroupRequest struct {
	Name    string      `json:"name"`
	Policy  GroupPolicy `json:"policy"`
	Members []string    `json:"members,omitempty"`
	Hosts   []string    `json:"hosts,omitempty"`
}

// RequestSpec is the normalized, immutable description of a placement
// request. It is created once per incoming request and is never modified by
// the pipeline; run-local state such as the growing exclusion set lives in
// the orchestrator.
type RequestSpec struct {
	// RequestID correlates log lines and ledger consumers for one request.
	RequestID string `json:"request_id"`

	// NumInstances is the batch size; each instance receives an independent
	// placement decision within the same scheduling pass.
	NumInstances int `json:"num_instances"`

	Demand ResourceDemand       `json:"demand"`
	NUMA   *NUMATopologyRequest `json:"numa,omitempty"`
	PCI    []PCIRequest         `json:"pci,omitempty"`

	RequiredTraits      []string `json:"required_traits,omitempty"`
	ForbiddenTraits     []string `json:"forbidden_traits,omitempty"`
	RequiredAggregates  []string `json:"required_aggregates,omitempty"`
	ForbiddenAggregates []string `json:"forbidden_aggregates,omitempty"`

	Group *GroupRequest `json:"group,omitempty"`

	// PreferredHosts is a soft preference; it only influences weighing.
	PreferredHosts []string `json:"preferred_hosts,omitempty"`

	// ExcludedHosts seeds the run's exclusion set, e.g. hosts the caller
	// already tried in a previous request.
	ExcludedHosts []string `json:"excluded_hosts,omitempty"`

	AvailabilityZone string `json:"availability_zone,omitempty"`

	// ImageRef and VolumeRefs are opaque to the scheduler; they are passed
	// through to the build driver untouched.
	ImageRef   string   `json:"image_ref,omitempty"`
	VolumeRefs []string `json:"volume_refs,omitempty"`
}

// Count returns the number of instances to place, at least one.
func (s *RequestSpec) Count() int {
	if s.NumInstances < 1 {
		return 1
	}
	return s.NumInstances
}
