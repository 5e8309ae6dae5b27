package domain

import "time"

// Inventory describes one resource class offered by a host, mirroring the
// ledger's inventory+usage record.
type Inventory struct {
	Total int64 `json:"total"`
	// Reserved is withheld for the hypervisor itself and never allocatable.
	Reserved int64 `json:"reserved"`
	// AllocationRatio is the overcommit factor; 0 means "use the configured
	// default for the class".
	AllocationRatio float64 `json:"allocation_ratio"`
	Used            int64   `json:"used"`
}

// Capacity returns the allocatable amount after reservation and overcommit.
func (i Inventory) Capacity(defaultRatio float64) int64 {
	ratio := i.AllocationRatio
	if ratio <= 0 {
		ratio = defaultRatio
	}
	if ratio <= 0 {
		ratio = 1.0
	}
	usable := i.Total - i.Reserved
	if usable < 0 {
		usable = 0
	}
	return int64(float64(usable) * ratio)
}

// Free returns the remaining allocatable amount.
func (i Inventory) Free(defaultRatio float64) int64 {
	return i.Capacity(defaultRatio) - i.Used
}

// NUMACell is the per-cell capacity and usage of a host.
type NUMACell struct {
	ID           int   `json:"id"`
	CPUs         int64 `json:"cpus"`
	CPUsUsed     int64 `json:"cpus_used"`
	MemoryMB     int64 `json:"memory_mb"`
	MemoryMBUsed int64 `json:"memory_mb_used"`
}

// PCIPool tracks availability of one passthrough device model on a host.
type PCIPool struct {
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Total     int    `json:"total"`
	Used      int    `json:"used"`
}

// HostState is a snapshot of one host's capacity and usage. Snapshots are
// owned by the host state cache and rebuilt wholesale on refresh; pipeline
// consumers receive clones and may apply provisional consumption to those
// clones only.
type HostState struct {
	ID               string                      `json:"id"`
	Hostname         string                      `json:"hostname"`
	Generation       int64                       `json:"generation"`
	Inventories      map[ResourceClass]Inventory `json:"inventories"`
	NUMACells        []NUMACell                  `json:"numa_cells,omitempty"`
	PCIPools         []PCIPool                   `json:"pci_pools,omitempty"`
	HypervisorType   string                      `json:"hypervisor_type,omitempty"`
	AvailabilityZone string                      `json:"availability_zone,omitempty"`
	Aggregates       []string                    `json:"aggregates,omitempty"`
	Traits           []string                    `json:"traits,omitempty"`
	// Instances lists the UUIDs of instances currently on the host.
	Instances []string  `json:"instances,omitempty"`
	VMCount   int       `json:"vm_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy safe for provisional, pipeline-local mutation.
func (h *HostState) Clone() *HostState {
	c := *h
	c.Inventories = make(map[ResourceClass]Inventory, len(h.Inventories))
	for class, inv := range h.Inventories {
		c.Inventories[class] = inv
	}
	c.NUMACells = append([]NUMACell(nil), h.NUMACells...)
	c.PCIPools = append([]PCIPool(nil), h.PCIPools...)
	c.Aggregates = append([]string(nil), h.Aggregates...)
	c.Traits = append([]string(nil), h.Traits...)
	c.Instances = append([]string(nil), h.Instances...)
	return &c
}

// HasTrait reports whether the host exposes the named trait.
func (h *HostState) HasTrait(name string) bool {
	for _, t := range h.Traits {
		if t == name {
			return true
		}
	}
	return false
}

// InAggregate reports whether the host belongs to the named aggregate.
func (h *HostState) InAggregate(name string) bool {
	for _, a := range h.Aggregates {
		if a == name {
			return true
		}
	}
	return false
}

// Fits reports whether the host has enough free capacity for the demand,
// using defaultRatios for inventories that do not carry their own
// overcommit factor.
func (h *HostState) Fits(demand ResourceDemand, defaultRatios map[ResourceClass]float64) bool {
	for class, amount := range demand.Resources() {
		if amount == 0 {
			continue
		}
		inv, ok := h.Inventories[class]
		if !ok {
			return false
		}
		if amount > inv.Free(defaultRatios[class]) {
			return false
		}
	}
	return true
}

// Consume applies a provisional claim to the snapshot so that later
// instances of the same scheduling pass see the reduced capacity. It is only
// ever called on clones; the cache's own snapshot is never mutated.
func (h *HostState) Consume(spec *RequestSpec) {
	for class, amount := range spec.Demand.Resources() {
		inv, ok := h.Inventories[class]
		if !ok {
			continue
		}
		inv.Used += amount
		h.Inventories[class] = inv
	}
	if spec.NUMA != nil {
		h.consumeNUMA(spec.NUMA)
	}
	for _, req := range spec.PCI {
		h.consumePCI(req)
	}
	h.VMCount++
}

// consumeNUMA greedily marks cell capacity used, mirroring the fit check in
// the NUMA filter.
func (h *HostState) consumeNUMA(req *NUMATopologyRequest) {
	assigned := 0
	for i := range h.NUMACells {
		if assigned == req.Cells {
			break
		}
		cell := &h.NUMACells[i]
		if cell.CPUs-cell.CPUsUsed >= req.CPUsPerCell &&
			cell.MemoryMB-cell.MemoryMBUsed >= req.MemoryMBPerCell {
			cell.CPUsUsed += req.CPUsPerCell
			cell.MemoryMBUsed += req.MemoryMBPerCell
			assigned++
		}
	}
}

func (h *HostState) consumePCI(req PCIRequest) {
	remaining := req.Count
	for i := range h.PCIPools {
		if remaining == 0 {
			break
		}
		pool := &h.PCIPools[i]
		if pool.VendorID != req.VendorID || pool.ProductID != req.ProductID {
			continue
		}
		avail := pool.Total - pool.Used
		if avail <= 0 {
			continue
		}
		take := remaining
		if take > avail {
			take = avail
		}
		pool.Used += take
		remaining -= take
	}
}
