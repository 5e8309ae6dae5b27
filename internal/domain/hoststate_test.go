package domain

import "testing"

func TestInventory_CapacityAppliesReservationAndOvercommit(t *testing.T) {
	cases := []struct {
		name         string
		inv          Inventory
		defaultRatio float64
		want         int64
	}{
		{"plain", Inventory{Total: 64}, 1.0, 64},
		{"reserved withheld", Inventory{Total: 64, Reserved: 4}, 1.0, 60},
		{"own ratio wins", Inventory{Total: 64, AllocationRatio: 2.0}, 1.0, 128},
		{"default ratio", Inventory{Total: 64}, 1.5, 96},
		{"zero ratios fall back to 1", Inventory{Total: 64}, 0, 64},
		{"reservation exceeds total", Inventory{Total: 4, Reserved: 8}, 1.0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.inv.Capacity(tc.defaultRatio); got != tc.want {
				t.Errorf("Capacity(%v) = %d, want %d", tc.defaultRatio, got, tc.want)
			}
		})
	}
}

func TestHostState_CloneIsDeep(t *testing.T) {
	orig := &HostState{
		ID: "host1",
		Inventories: map[ResourceClass]Inventory{
			ResourceVCPU: {Total: 16},
		},
		NUMACells: []NUMACell{{ID: 0, CPUs: 8, MemoryMB: 16384}},
		PCIPools:  []PCIPool{{VendorID: "10de", ProductID: "20b0", Total: 2}},
		Traits:    []string{"HW_GPU"},
		Instances: []string{"inst-1"},
	}

	clone := orig.Clone()
	clone.Consume(&RequestSpec{
		Demand: ResourceDemand{VCPUs: 4},
		NUMA:   &NUMATopologyRequest{Cells: 1, CPUsPerCell: 2, MemoryMBPerCell: 1024},
		PCI:    []PCIRequest{{Count: 1, VendorID: "10de", ProductID: "20b0"}},
	})
	clone.Traits[0] = "mutated"
	clone.Instances[0] = "mutated"

	if orig.Inventories[ResourceVCPU].Used != 0 {
		t.Error("Clone shared the inventory map")
	}
	if orig.NUMACells[0].CPUsUsed != 0 {
		t.Error("Clone shared the NUMA cell slice")
	}
	if orig.PCIPools[0].Used != 0 {
		t.Error("Clone shared the PCI pool slice")
	}
	if orig.Traits[0] != "HW_GPU" || orig.Instances[0] != "inst-1" {
		t.Error("Clone shared a string slice")
	}
	if orig.VMCount != 0 {
		t.Error("Clone shared the VM count")
	}
}

func TestHostState_FitsAndConsume(t *testing.T) {
	host := &HostState{
		ID: "host1",
		Inventories: map[ResourceClass]Inventory{
			ResourceVCPU:     {Total: 8},
			ResourceMemoryMB: {Total: 16384},
			ResourceDiskGB:   {Total: 100},
		},
	}
	ratios := map[ResourceClass]float64{
		ResourceVCPU: 1.0, ResourceMemoryMB: 1.0, ResourceDiskGB: 1.0,
	}
	spec := &RequestSpec{Demand: ResourceDemand{VCPUs: 4, MemoryMB: 8192, DiskGB: 40}}

	if !host.Fits(spec.Demand, ratios) {
		t.Fatal("Expected demand to fit an empty host")
	}
	host.Consume(spec)
	if !host.Fits(spec.Demand, ratios) {
		t.Fatal("Expected a second instance to still fit")
	}
	host.Consume(spec)
	if host.Fits(spec.Demand, ratios) {
		t.Error("Expected the third instance to be rejected")
	}
	if host.VMCount != 2 {
		t.Errorf("Expected VM count 2, got %d", host.VMCount)
	}
}

func TestHostState_FitsRejectsMissingResourceClass(t *testing.T) {
	host := &HostState{
		Inventories: map[ResourceClass]Inventory{
			ResourceVCPU:     {Total: 8},
			ResourceMemoryMB: {Total: 16384},
		},
	}
	demand := ResourceDemand{VCPUs: 1, MemoryMB: 1024, DiskGB: 10}
	if host.Fits(demand, nil) {
		t.Error("Expected a host without a disk inventory to be rejected")
	}
}
